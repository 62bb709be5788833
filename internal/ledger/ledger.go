// Package ledger implements the append-only transaction log: the
// single source of truth for user balances. Every write goes through
// append, which enforces the running-balance invariant and idempotent
// replay via a unique nonce.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"predictioncore/internal/apperr"
	"predictioncore/internal/money"
	"predictioncore/pkg/db"
)

// Kind classifies a ledger entry for observability and reconciliation
// reporting; it carries no behavior of its own.
type Kind string

const (
	KindDeposit  Kind = "DEPOSIT"
	KindWithdraw Kind = "WITHDRAW"
	KindTrade    Kind = "TRADE"
	KindPayout   Kind = "PAYOUT"
)

// Entry is a single immutable ledger record.
type Entry struct {
	ID           string
	Nonce        string
	UserID       string
	OrderID      string
	MarketID     string
	Kind         Kind
	Amount       money.Money
	BalanceAfter money.Money
	CreatedAt    time.Time
}

// Ledger is the append-only transaction log backed by durable storage.
type Ledger struct {
	repo *db.Repository
}

// New constructs a Ledger over repo.
func New(repo *db.Repository) *Ledger {
	return &Ledger{repo: repo}
}

// TxNonce derives the transaction nonce from an order nonce, per the
// {orderNonce}:tx convention: every order produces at most one ledger
// entry, so scoping the tx nonce to the order nonce makes a replayed
// trade request idempotent all the way through to the ledger.
func TxNonce(orderNonce string) string {
	return orderNonce + ":tx"
}

// Append durably inserts a ledger entry computed from the user's
// current balance plus amount. On a unique-nonce conflict it fails
// with apperr.DuplicateNonce and performs no mutation; the caller is
// expected to treat that as "already applied" and proceed as if its
// own write had succeeded, which is what makes this operation safe to
// retry under at-least-once delivery.
//
// Append is atomic at the storage layer — there is no in-process lock
// protecting the read-balance/write-entry sequence. That is safe here
// because each user has a single serial dispatch lane (see the
// dispatcher package): the compute-then-append sequence below never
// races with itself for the same user within the same market.
func (l *Ledger) Append(ctx context.Context, userID string, orderID, marketID string, kind Kind, amount money.Money) (Entry, error) {
	current, err := l.LatestFor(ctx, userID)
	if err != nil {
		return Entry{}, err
	}
	balanceBefore := money.Zero
	if current != nil {
		balanceBefore = current.BalanceAfter
	}
	balanceAfter := balanceBefore.Add(amount)

	nonce := userID + ":" + marketID + ":" + orderID + ":" + kind.asNonceSuffix()
	return l.appendWithNonce(ctx, nonce, userID, orderID, marketID, kind, amount, balanceAfter)
}

// AppendWithNonce is the variant the order executor calls directly: it
// supplies the caller-derived idempotency nonce (typically
// TxNonce(orderNonce)) instead of having the ledger compute one, so a
// retried trade request maps onto exactly the same ledger write.
func (l *Ledger) AppendWithNonce(ctx context.Context, nonce, userID, orderID, marketID string, kind Kind, amount money.Money) (Entry, error) {
	current, err := l.LatestFor(ctx, userID)
	if err != nil {
		return Entry{}, err
	}
	balanceBefore := money.Zero
	if current != nil {
		balanceBefore = current.BalanceAfter
	}
	balanceAfter := balanceBefore.Add(amount)
	return l.appendWithNonce(ctx, nonce, userID, orderID, marketID, kind, amount, balanceAfter)
}

func (l *Ledger) appendWithNonce(ctx context.Context, nonce, userID, orderID, marketID string, kind Kind, amount, balanceAfter money.Money) (Entry, error) {
	now := time.Now()
	row := db.Transaction{
		ID:           uuid.NewString(),
		Nonce:        nonce,
		UserID:       userID,
		Kind:         string(kind),
		Amount:       amount,
		BalanceAfter: balanceAfter,
		CreatedAt:    now,
	}
	if orderID != "" {
		row.OrderID.String, row.OrderID.Valid = orderID, true
	}
	if marketID != "" {
		row.MarketID.String, row.MarketID.Valid = marketID, true
	}

	if err := l.repo.InsertTransaction(ctx, row); err != nil {
		if db.IsDuplicateKey(err) {
			log.Debug().Str("nonce", nonce).Msg("ledger append: duplicate nonce, treating as already applied")
			return Entry{}, apperr.New(apperr.DuplicateNonce, "transaction nonce already recorded: "+nonce)
		}
		return Entry{}, apperr.Wrap(apperr.PersistenceError, "insert ledger transaction", err)
	}

	return Entry{
		ID:           row.ID,
		Nonce:        nonce,
		UserID:       userID,
		OrderID:      orderID,
		MarketID:     marketID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		CreatedAt:    now,
	}, nil
}

// LatestFor returns the highest-timestamp entry for userID, or nil if
// the user has never transacted.
func (l *Ledger) LatestFor(ctx context.Context, userID string) (*Entry, error) {
	row, err := l.repo.LatestTransactionForUser(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceError, "latest transaction for user", err)
	}
	if row == nil {
		return nil, nil
	}
	e := rowToEntry(*row)
	return &e, nil
}

// ScanFor returns every entry for userID in insertion order. Intended
// for reconciliation only; callers must not treat this as a hot path.
func (l *Ledger) ScanFor(ctx context.Context, userID string) ([]Entry, error) {
	rows, err := l.repo.ScanTransactionsForUser(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceError, "scan transactions for user", err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, rowToEntry(row))
	}
	return entries, nil
}

func rowToEntry(row db.Transaction) Entry {
	e := Entry{
		ID:           row.ID,
		Nonce:        row.Nonce,
		UserID:       row.UserID,
		Kind:         Kind(row.Kind),
		Amount:       row.Amount,
		BalanceAfter: row.BalanceAfter,
		CreatedAt:    row.CreatedAt,
	}
	if row.OrderID.Valid {
		e.OrderID = row.OrderID.String
	}
	if row.MarketID.Valid {
		e.MarketID = row.MarketID.String
	}
	return e
}

func (k Kind) asNonceSuffix() string {
	return string(k) + ":" + uuid.NewString()
}
