// Package market implements MarketStore: the hot in-memory mapping of
// marketId to LMSR pool state, lazily loaded from durable storage and
// idle-flushed back on a 1-second ticker.
package market

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"predictioncore/internal/apperr"
	"predictioncore/internal/pricing"
	"predictioncore/pkg/cache"
	"predictioncore/pkg/db"
)

// State is one market's live LMSR pool plus the bookkeeping the idle
// flusher needs to decide whether a write is owed to durable storage.
type State struct {
	mu sync.Mutex

	MarketID             string
	Question             string
	Status               string
	Shares               pricing.Shares
	CurrentPrice         float64
	LastTradeTimestamp   time.Time
	LastPersistedTimestamp time.Time
}

// snapshot returns a value copy of the mutable fields, safe to read
// without holding s.mu past the call.
func (s *State) snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		MarketID:               s.MarketID,
		Question:               s.Question,
		Status:                 s.Status,
		Shares:                 s.Shares,
		CurrentPrice:           s.CurrentPrice,
		LastTradeTimestamp:     s.LastTradeTimestamp,
		LastPersistedTimestamp: s.LastPersistedTimestamp,
	}
}

// ApplyTrade mutates the pool under the per-market dispatcher's serial
// lane: callers must not call this concurrently for the same market.
// It adds delta shares to outcome's pool and recomputes currentPrice.
func (s *State) ApplyTrade(outcome pricing.Outcome, delta float64, now time.Time) pricing.Shares {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Shares = pricing.Apply(s.Shares, outcome, delta)
	s.CurrentPrice = s.Shares.CurrentPrice()
	s.LastTradeTimestamp = now
	return s.Shares
}

// Store is the in-memory MarketStore, backed by durable storage for
// cold loads and idle flush.
type Store struct {
	repo   *db.Repository
	states *cache.ShardedMap[*State]
}

// New constructs a Store over repo.
func New(repo *db.Repository) *Store {
	return &Store{repo: repo, states: cache.NewShardedMap[*State]()}
}

// GetMarketOrLoad returns the cached market state or loads it from
// durable storage. Missing markets return (nil, nil) — markets must be
// pre-created through the admin path, which is out of scope here.
func (s *Store) GetMarketOrLoad(ctx context.Context, marketID string) (*State, error) {
	return s.states.GetOrCompute(marketID, func() (*State, error) {
		row, err := s.repo.GetMarket(ctx, marketID)
		if err != nil {
			return nil, apperr.Wrap(apperr.PersistenceError, "load market", err)
		}
		if row == nil {
			return nil, nil
		}
		return &State{
			MarketID: row.ID,
			Question: row.Question,
			Status:   row.Status,
			Shares: pricing.Shares{
				Yes:        row.YesShares,
				No:         row.NoShares,
				LiquidityB: row.LiquidityB,
			},
			CurrentPrice: row.CurrentPrice,
		}, nil
	})
}

// MarkModified is a no-op placeholder kept for callers that track
// modification separately from a trade: LastTradeTimestamp already
// records modification time as part of ApplyTrade, so callers need
// only call ApplyTrade.
func (s *Store) MarkModified(marketID string) {
	_ = marketID
}

// FlushDirty scans every cached market and, for entries whose last
// trade postdates their last persisted flush and have been quiescent
// for at least quietFor, writes the pool state to durable storage.
// Flush is best-effort: a failure is logged and retried on the next
// tick, since durable storage is not the balance source of truth.
func (s *Store) FlushDirty(ctx context.Context, quietFor time.Duration) {
	now := time.Now()
	s.states.Range(func(marketID string, st *State) {
		snap := st.snapshot()
		if snap.LastTradeTimestamp.IsZero() {
			return
		}
		if snap.LastPersistedTimestamp.After(snap.LastTradeTimestamp) || snap.LastPersistedTimestamp.Equal(snap.LastTradeTimestamp) {
			return
		}
		if now.Sub(snap.LastTradeTimestamp) < quietFor {
			return
		}
		if err := s.repo.FlushMarketState(ctx, marketID, snap.Shares.Yes, snap.Shares.No, snap.CurrentPrice, snap.LastTradeTimestamp); err != nil {
			log.Error().Err(err).Str("marketId", marketID).Msg("market flush failed, will retry next tick")
			return
		}
		st.mu.Lock()
		st.LastPersistedTimestamp = snap.LastTradeTimestamp
		st.mu.Unlock()
	})
}
