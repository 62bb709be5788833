// Package position implements PositionStore: the hot in-memory mapping
// of (userId, marketId, outcome) to a user's share holding, lazily
// loaded from durable storage and idle-flushed back on the same
// 1-second ticker as MarketStore.
package position

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

// Key uniquely identifies a position within the store.
type Key struct {
	UserID   string
	MarketID string
	Outcome  pricing.Outcome
}

func (k Key) cacheKey() string {
	return k.UserID + "\x00" + k.MarketID + "\x00" + string(k.Outcome)
}

// Holding is one user's mutable share balance in one market outcome.
type Holding struct {
	mu sync.Mutex

	Key                    Key
	Shares                 float64
	LastModified           time.Time
	LastPersistedTimestamp time.Time
}

func (h *Holding) snapshot() Holding {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Holding{
		Key:                    h.Key,
		Shares:                 h.Shares,
		LastModified:           h.LastModified,
		LastPersistedTimestamp: h.LastPersistedTimestamp,
	}
}

// Add adds delta shares to the holding (delta may be negative once
// position-closing flows are introduced; trade execution only ever
// adds a positive delta). Callers hold the per-market serial lane.
func (h *Holding) Add(delta float64, now time.Time) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Shares += delta
	h.LastModified = now
	return h.Shares
}

// Store is the in-memory PositionStore.
type Store struct {
	repo     *db.Repository
	holdings *cache.ShardedMap[*Holding]
}

// New constructs a Store over repo.
func New(repo *db.Repository) *Store {
	return &Store{repo: repo, holdings: cache.NewShardedMap[*Holding]()}
}

// GetOrCreatePosition loads the cached holding or creates a
// zero-shares one, backed by a durable-storage lookup on cold start.
func (s *Store) GetOrCreatePosition(ctx context.Context, key Key) (*Holding, error) {
	return s.holdings.GetOrCompute(key.cacheKey(), func() (*Holding, error) {
		row, err := s.repo.GetPosition(ctx, key.UserID, key.MarketID, string(key.Outcome))
		if err != nil {
			return nil, apperr.Wrap(apperr.PersistenceError, "load position", err)
		}
		shares := 0.0
		if row != nil {
			shares = row.Shares
		}
		return &Holding{Key: key, Shares: shares}, nil
	})
}

// ListByUser returns every cached holding for userID. Intended for
// read endpoints, not the hot trade path; markets the user has never
// traded in before process start and a cold load will not appear until
// touched.
func (s *Store) ListByUser(userID string) []*Holding {
	var out []*Holding
	s.holdings.Range(func(_ string, h *Holding) {
		if h.Key.UserID == userID {
			out = append(out, h)
		}
	})
	return out
}

// FlushDirty persists every holding modified since its last flush and
// quiescent for at least quietFor. Best-effort: failures log and retry
// next tick.
func (s *Store) FlushDirty(ctx context.Context, quietFor time.Duration) {
	now := time.Now()
	s.holdings.Range(func(_ string, h *Holding) {
		snap := h.snapshot()
		if snap.LastModified.IsZero() {
			return
		}
		if !snap.LastPersistedTimestamp.Before(snap.LastModified) {
			return
		}
		if now.Sub(snap.LastModified) < quietFor {
			return
		}
		err := s.repo.UpsertPosition(ctx, db.Position{
			UserID:   snap.Key.UserID,
			MarketID: snap.Key.MarketID,
			Outcome:  string(snap.Key.Outcome),
			Shares:   snap.Shares,
		})
		if err != nil {
			log.Error().Err(err).
				Str("userId", snap.Key.UserID).
				Str("marketId", snap.Key.MarketID).
				Msg("position flush failed, will retry next tick")
			return
		}
		h.mu.Lock()
		h.LastPersistedTimestamp = snap.LastModified
		h.mu.Unlock()
	})
}
