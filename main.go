package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"predictioncore/internal/api"
	"predictioncore/internal/balance"
	"predictioncore/internal/dispatcher"
	"predictioncore/internal/events"
	"predictioncore/internal/ledger"
	"predictioncore/internal/market"
	"predictioncore/internal/money"
	"predictioncore/internal/monitor"
	"predictioncore/internal/order"
	"predictioncore/internal/position"
	"predictioncore/internal/ratelimit"
	"predictioncore/pkg/config"
	"predictioncore/pkg/db"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Str("dbPath", cfg.DBPath).Str("port", cfg.Port).Msg("starting predictioncore")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatal().Err(err).Msg("failed to apply migrations")
	}

	bus := events.NewBus()
	repo := database.Queries()

	l := ledger.New(repo)
	balances := balance.New(l, repo)
	markets := market.New(repo)
	positions := position.New(repo)
	validator := order.NewValidator(markets, balances)
	executor := order.NewExecutor(repo, l, balances, markets, positions, validator, bus)
	dsp := dispatcher.New(executor)
	defer dsp.Close()

	limiter := ratelimit.New(cfg.RateLimitCapacity, cfg.RateLimitRefillRate)
	metrics := monitor.NewSystemMetrics()

	balances.OnDrift(func(ev balance.DriftEvent) {
		bus.Publish(events.EventBalanceDrift, ev.UserID)
	})

	watcher := monitor.NewWatcher(bus, monitor.LogSink{})
	watcher.Start(ctx)

	// Idle-flush background writer: market and position pool state are
	// the hot path's in-memory truth; this ticker is the only thing
	// that ever persists it back to durable storage.
	go func() {
		ticker := time.NewTicker(cfg.MarketFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				markets.FlushDirty(ctx, cfg.FlushQuietPeriod)
				positions.FlushDirty(ctx, cfg.FlushQuietPeriod)
			}
		}
	}()

	// Full-scan balance reconciliation: compares the ledger's true sum
	// against the cached User.balance and self-heals drift. Runs far
	// less often than the flush ticker since it scans every user.
	go func() {
		ticker := time.NewTicker(cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := balances.Reconcile(ctx); err != nil {
					log.Error().Err(err).Msg("balance reconciliation sweep failed")
				}
			}
		}
	}()

	// Rate-limiter bucket eviction: identifiers that stop sending
	// traffic shouldn't pin memory in the sharded bucket table forever.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := limiter.Cleanup(); n > 0 {
					log.Debug().Int("evicted", n).Msg("rate limiter buckets evicted")
				}
			}
		}
	}()

	startingBalance, err := money.Of(cfg.StartingBalance)
	if err != nil {
		log.Fatal().Err(err).Str("startingBalance", cfg.StartingBalance).Msg("invalid STARTING_BALANCE")
	}

	server := api.NewServer(
		bus, database, dsp, l, balances, markets, positions, limiter, metrics,
		api.SystemMeta{Version: "1.0.0", StartedAt: time.Now()},
		cfg.JWTSecret,
		startingBalance,
	)

	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatal().Err(err).Msg("API server stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("shutting down")
}
