package dispatcher

import (
	"context"
	"sync"
	"testing"

	"predictioncore/internal/balance"
	"predictioncore/internal/events"
	"predictioncore/internal/ledger"
	"predictioncore/internal/market"
	"predictioncore/internal/money"
	"predictioncore/internal/order"
	"predictioncore/internal/position"
	"predictioncore/internal/pricing"
	"predictioncore/pkg/db"
)

func newTestDispatcher(t *testing.T, marketIDs ...string) (*Dispatcher, *db.Repository, *ledger.Ledger, func()) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	repo := database.Queries()
	ctx := context.Background()

	if err := database.CreateUser(ctx, db.User{ID: "alice", Email: "alice@example.com", PasswordHash: "x"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	for _, id := range marketIDs {
		if err := repo.CreateMarket(ctx, db.Market{ID: id, Question: "?", LiquidityB: 1000, CurrentPrice: 0.5, Status: "OPEN"}); err != nil {
			t.Fatalf("create market %s: %v", id, err)
		}
	}

	l := ledger.New(repo)
	balances := balance.New(l, repo)
	markets := market.New(repo)
	positions := position.New(repo)
	validator := order.NewValidator(markets, balances)
	bus := events.NewBus()
	executor := order.NewExecutor(repo, l, balances, markets, positions, validator, bus)
	dsp := New(executor)

	cleanup := func() {
		dsp.Close()
		_ = database.Close()
	}
	return dsp, repo, l, cleanup
}

// P8: N concurrent trades against one market must produce exactly N
// ledger entries with the market's final state matching some
// sequential application order.
func TestSubmitSerializesWithinOneMarket(t *testing.T) {
	dsp, _, l, cleanup := newTestDispatcher(t, "m1")
	defer cleanup()
	ctx := context.Background()

	if _, err := l.Append(ctx, "alice", "", "", ledger.KindDeposit, money.OfInt(100000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := order.TradeRequest{
				UserID: "alice", MarketID: "m1", Outcome: pricing.Yes, Quantity: 1,
				ClientNonce: "serial-" + string(rune('a'+i)),
			}
			_, err := dsp.Submit(ctx, req)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	entries, err := l.ScanFor(ctx, "alice")
	if err != nil {
		t.Fatalf("ScanFor: %v", err)
	}
	if len(entries) != n {
		t.Fatalf("ledger entries = %d, want %d", len(entries), n)
	}
}

func TestSubmitRunsDifferentMarketsInParallel(t *testing.T) {
	dsp, _, l, cleanup := newTestDispatcher(t, "m1", "m2")
	defer cleanup()
	ctx := context.Background()

	if _, err := l.Append(ctx, "alice", "", "", ledger.KindDeposit, money.OfInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	reqs := []order.TradeRequest{
		{UserID: "alice", MarketID: "m1", Outcome: pricing.Yes, Quantity: 3, ClientNonce: "par-1"},
		{UserID: "alice", MarketID: "m2", Outcome: pricing.No, Quantity: 3, ClientNonce: "par-2"},
	}
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req order.TradeRequest) {
			defer wg.Done()
			_, err := dsp.Submit(ctx, req)
			errs[i] = err
		}(i, req)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	entries, err := l.ScanFor(ctx, "alice")
	if err != nil {
		t.Fatalf("ScanFor: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ledger entries = %d, want 2", len(entries))
	}
}

func TestSubmitIdempotentAcrossLane(t *testing.T) {
	dsp, _, l, cleanup := newTestDispatcher(t, "m1")
	defer cleanup()
	ctx := context.Background()
	if _, err := l.Append(ctx, "alice", "", "", ledger.KindDeposit, money.OfInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	req := order.TradeRequest{UserID: "alice", MarketID: "m1", Outcome: pricing.Yes, Quantity: 2, ClientNonce: "idem-1"}
	first, err := dsp.Submit(ctx, req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := dsp.Submit(ctx, req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("replayed submit returned a different order id: %s != %s", first.ID, second.ID)
	}
}
