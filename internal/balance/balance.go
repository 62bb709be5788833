// Package balance implements BalanceService: O(1) balance reads
// backed by the ledger's latest entry, plus a periodic full-scan
// reconciliation job that detects and repairs cache drift without
// ever mutating the ledger itself.
package balance

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"predictioncore/internal/apperr"
	"predictioncore/internal/ledger"
	"predictioncore/internal/money"
	"predictioncore/pkg/db"
)

// driftThreshold is the maximum acceptable difference between the
// cached User.balance and a full ledger-scan sum before reconciliation
// overwrites the cache and emits a drift event.
var driftThreshold = money.MustOf("0.0001")

// DriftEvent is emitted whenever reconciliation finds the cached
// balance diverging from the ledger's authoritative sum.
type DriftEvent struct {
	UserID    string
	Cached    money.Money
	Computed  money.Money
	Drift     money.Money
	Detected  time.Time
}

// Service implements BalanceService.
type Service struct {
	ledger *ledger.Ledger
	repo   *db.Repository

	onDrift func(DriftEvent)
}

// New constructs a Service over the given ledger and repository.
func New(l *ledger.Ledger, repo *db.Repository) *Service {
	return &Service{ledger: l, repo: repo}
}

// OnDrift registers a callback invoked whenever Reconcile corrects a
// drifted balance. Only one callback is kept; callers that need fan-out
// should publish to the event bus from within it.
func (s *Service) OnDrift(fn func(DriftEvent)) {
	s.onDrift = fn
}

// Balance returns the user's current balance in O(1): the balanceAfter
// of their latest ledger entry, or zero if they have never transacted.
func (s *Service) Balance(ctx context.Context, userID string) (money.Money, error) {
	entry, err := s.ledger.LatestFor(ctx, userID)
	if err != nil {
		return money.Zero, err
	}
	if entry == nil {
		return money.Zero, nil
	}
	return entry.BalanceAfter, nil
}

// HasSufficientBalance reports whether the user's current balance is
// at least amount.
func (s *Service) HasSufficientBalance(ctx context.Context, userID string, amount money.Money) (bool, error) {
	bal, err := s.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return bal.GreaterThanOrEqual(amount), nil
}

// RequireSufficientBalance is HasSufficientBalance with an
// apperr.InsufficientBalance error on failure, for call sites that
// want to fail fast rather than branch on a bool.
func (s *Service) RequireSufficientBalance(ctx context.Context, userID string, amount money.Money) error {
	ok, err := s.HasSufficientBalance(ctx, userID, amount)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.InsufficientBalance, "user "+userID+" does not have sufficient balance")
	}
	return nil
}

// Recompute refreshes the cached User.balance from the ledger's latest
// entry for userID. Callers that just appended a ledger entry invoke
// this asynchronously so the cache reflects the new balance well
// before the next periodic Reconcile sweep, instead of drifting until
// then.
func (s *Service) Recompute(ctx context.Context, userID string) error {
	bal, err := s.Balance(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.repo.SetUserBalanceCache(ctx, userID, bal); err != nil {
		return apperr.Wrap(apperr.PersistenceError, "recompute balance cache", err)
	}
	return nil
}

// Reconcile scans the full ledger for every known user, sums their
// amounts, and compares against the cached User.balance. A divergence
// larger than driftThreshold overwrites the cache and emits a
// DriftEvent; reconciliation never mutates the ledger itself, since the
// ledger — not the cache — is the system of record.
func (s *Service) Reconcile(ctx context.Context) error {
	userIDs, err := s.repo.AllUserIDs(ctx)
	if err != nil {
		return apperr.Wrap(apperr.PersistenceError, "list user ids for reconciliation", err)
	}

	for _, userID := range userIDs {
		if err := s.reconcileUser(ctx, userID); err != nil {
			log.Error().Err(err).Str("userId", userID).Msg("balance reconciliation failed for user")
		}
	}
	return nil
}

func (s *Service) reconcileUser(ctx context.Context, userID string) error {
	entries, err := s.ledger.ScanFor(ctx, userID)
	if err != nil {
		return err
	}
	sum := money.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}

	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return apperr.Wrap(apperr.PersistenceError, "get user for reconciliation", err)
	}
	if user == nil {
		return nil
	}

	drift := sum.Subtract(user.Balance).Abs()
	if !drift.GreaterThan(driftThreshold) {
		return nil
	}

	if err := s.repo.SetUserBalanceCache(ctx, userID, sum); err != nil {
		return apperr.Wrap(apperr.PersistenceError, "overwrite drifted balance cache", err)
	}

	event := DriftEvent{UserID: userID, Cached: user.Balance, Computed: sum, Drift: drift, Detected: time.Now()}
	log.Warn().
		Str("userId", userID).
		Str("cached", user.Balance.String()).
		Str("computed", sum.String()).
		Str("drift", drift.String()).
		Msg("balance drift detected and corrected")
	if s.onDrift != nil {
		s.onDrift(event)
	}
	return nil
}
