// Package db provides the SQLite-backed storage layer: raw SQL over
// database/sql, one Repository per process, with atomic
// conditional updates standing in for in-process locking wherever a
// storage-layer invariant (unique nonce, legal status transition) must
// hold under concurrent writers.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"predictioncore/internal/money"
)

var (
	// ErrNotFound is returned by single-row lookups that find nothing.
	ErrNotFound = errors.New("record not found")
)

// Repository groups the queries the trade-execution core issues
// against the durable store.
type Repository struct {
	db *sql.DB
}

// Queries returns a Repository bound to the database's handle.
func (d *Database) Queries() *Repository {
	return &Repository{db: d.DB}
}

// IsDuplicateKey reports whether err is a SQLite UNIQUE constraint
// violation. modernc.org/sqlite surfaces this as *sqlite.Error, whose
// Code() carries the underlying result code; callers on the
// nonce-insert path check this predicate to turn it into
// apperr.DuplicateNonce.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// ----------------------------------------
// Market queries
// ----------------------------------------

// CreateMarket inserts a new market row (admin path; out of the
// trade-execution core's scope but required to seed one).
func (r *Repository) CreateMarket(ctx context.Context, m Market) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO markets (id, question, yes_shares, no_shares, liquidity_b, current_price, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, m.ID, m.Question, m.YesShares, m.NoShares, m.LiquidityB, m.CurrentPrice, m.Status, m.CreatedAt)
	return err
}

// GetMarket returns a market by id, or nil if not found.
func (r *Repository) GetMarket(ctx context.Context, id string) (*Market, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, question, yes_shares, no_shares, liquidity_b, current_price, status,
		       last_trade_at, last_persisted_at, created_at
		FROM markets WHERE id = ?
	`, id)
	var m Market
	if err := row.Scan(&m.ID, &m.Question, &m.YesShares, &m.NoShares, &m.LiquidityB, &m.CurrentPrice,
		&m.Status, &m.LastTradeAt, &m.LastPersistedAt, &m.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// FlushMarketState persists the in-memory pool state for a market.
// Called by the periodic batch writer, never on the hot trade path.
func (r *Repository) FlushMarketState(ctx context.Context, id string, yesShares, noShares, currentPrice float64, lastTradeAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE markets
		SET yes_shares = ?, no_shares = ?, current_price = ?, last_trade_at = ?, last_persisted_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, yesShares, noShares, currentPrice, lastTradeAt, id)
	return err
}

// ----------------------------------------
// Order queries
// ----------------------------------------

// InsertOrder inserts a new order in the NEW state, keyed by its
// unique nonce. Duplicate nonces fail with IsDuplicateKey(err) true.
func (r *Repository) InsertOrder(ctx context.Context, o Order) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (id, nonce, user_id, market_id, outcome, quantity, filled_quantity, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`, o.ID, o.Nonce, o.UserID, o.MarketID, o.Outcome, o.Quantity, o.FilledQuantity, o.Status, o.CreatedAt, o.UpdatedAt)
	return err
}

// GetOrderByID returns an order by id, or nil if not found.
func (r *Repository) GetOrderByID(ctx context.Context, id string) (*Order, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, nonce, user_id, market_id, outcome, quantity, filled_quantity, cost, status,
		       rejection_reason, created_at, updated_at, completed_at
		FROM orders WHERE id = ?
	`, id)
	return scanOrder(row)
}

// GetOrderByNonce returns an order by its idempotency nonce, or nil if
// not found. Callers use this to detect a replayed submission before
// attempting InsertOrder.
func (r *Repository) GetOrderByNonce(ctx context.Context, nonce string) (*Order, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, nonce, user_id, market_id, outcome, quantity, filled_quantity, cost, status,
		       rejection_reason, created_at, updated_at, completed_at
		FROM orders WHERE nonce = ?
	`, nonce)
	return scanOrder(row)
}

func scanOrder(row *sql.Row) (*Order, error) {
	var o Order
	if err := row.Scan(&o.ID, &o.Nonce, &o.UserID, &o.MarketID, &o.Outcome, &o.Quantity, &o.FilledQuantity,
		&o.Cost, &o.Status, &o.RejectionReason, &o.CreatedAt, &o.UpdatedAt, &o.CompletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

// GetOrdersByUser returns a user's orders, most recent first.
func (r *Repository) GetOrdersByUser(ctx context.Context, userID string, limit int) ([]Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, nonce, user_id, market_id, outcome, quantity, filled_quantity, cost, status,
		       rejection_reason, created_at, updated_at, completed_at
		FROM orders
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.Nonce, &o.UserID, &o.MarketID, &o.Outcome, &o.Quantity, &o.FilledQuantity,
			&o.Cost, &o.Status, &o.RejectionReason, &o.CreatedAt, &o.UpdatedAt, &o.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// TransitionOrder atomically moves an order from one of fromStatuses
// into toStatus, also writing filledQuantity/cost/rejectionReason and,
// for terminal states, completedAt. It guards the transition with a
// WHERE status IN (...) clause rather than a read-then-write pair, so
// concurrent attempts on the same order race at the storage layer: the
// loser's RowsAffected is 0 and the caller reports apperr.RaceLost
// instead of silently clobbering the winner's state.
func (r *Repository) TransitionOrder(ctx context.Context, id string, fromStatuses []string, toStatus string,
	filledQuantity float64, cost *money.Money, rejectionReason *string, completedAt *time.Time, now time.Time) (bool, error) {

	if len(fromStatuses) == 0 {
		return false, fmt.Errorf("fromStatuses must not be empty")
	}
	placeholders := make([]string, len(fromStatuses))
	args := make([]any, 0, len(fromStatuses)+6)
	args = append(args, toStatus, filledQuantity, cost, rejectionReason, completedAt, now)
	for i, s := range fromStatuses {
		placeholders[i] = "?"
		args = append(args, s)
	}
	args = append(args, id)

	query := fmt.Sprintf(`
		UPDATE orders
		SET status = ?, filled_quantity = ?, cost = ?, rejection_reason = ?, completed_at = ?, updated_at = ?
		WHERE status IN (%s) AND id = ?
	`, strings.Join(placeholders, ","))

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ----------------------------------------
// Transaction (ledger) queries
// ----------------------------------------

// InsertTransaction durably appends a ledger entry keyed by its unique
// nonce. Duplicate nonces surface as IsDuplicateKey(err) == true and
// perform no mutation, matching append()'s DuplicateNonce contract.
func (r *Repository) InsertTransaction(ctx context.Context, t Transaction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions (id, nonce, user_id, order_id, market_id, kind, amount, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, t.ID, t.Nonce, t.UserID, t.OrderID, t.MarketID, t.Kind, t.Amount, t.BalanceAfter, t.CreatedAt)
	return err
}

// LatestTransactionForUser returns the most-recently-inserted ledger
// entry for userID, or nil if the user has never transacted. Ties on
// created_at (same-second writes, or a missing timestamp) are broken
// by rowid, SQLite's own monotonically increasing insertion order for
// a rowid table — id is a caller-supplied UUID and sorts randomly, so
// it cannot be used as a tie-break.
func (r *Repository) LatestTransactionForUser(ctx context.Context, userID string) (*Transaction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, nonce, user_id, order_id, market_id, kind, amount, balance_after, created_at
		FROM transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, userID)
	var t Transaction
	if err := row.Scan(&t.ID, &t.Nonce, &t.UserID, &t.OrderID, &t.MarketID, &t.Kind, &t.Amount, &t.BalanceAfter, &t.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// ScanTransactionsForUser returns all ledger entries for userID in
// insertion order (see LatestTransactionForUser for why rowid, not id,
// is the tie-break). Intended for reconciliation only; not a hot path.
func (r *Repository) ScanTransactionsForUser(ctx context.Context, userID string) ([]Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, nonce, user_id, order_id, market_id, kind, amount, balance_after, created_at
		FROM transactions
		WHERE user_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("scan transactions: %w", err)
	}
	defer rows.Close()

	var res []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.Nonce, &t.UserID, &t.OrderID, &t.MarketID, &t.Kind, &t.Amount, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// AllUserIDs returns every user id known to the ledger, for the
// reconciliation job's full sweep.
func (r *Repository) AllUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetUserByID returns a user by id, or nil if not found.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, balance, created_at, updated_at
		FROM users WHERE id = ?
	`, id)
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Balance, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// SetUserBalanceCache overwrites the denormalized balance cache. Only
// the reconciliation job and the post-fill async recompute call this;
// it never mutates the ledger itself.
func (r *Repository) SetUserBalanceCache(ctx context.Context, userID string, balance money.Money) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET balance = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, balance, userID)
	return err
}

// ----------------------------------------
// Position queries
// ----------------------------------------

// GetPosition returns a user's share holding in one market outcome, or
// nil if the user has never held a position there.
func (r *Repository) GetPosition(ctx context.Context, userID, marketID, outcome string) (*Position, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT user_id, market_id, outcome, shares, updated_at
		FROM positions WHERE user_id = ? AND market_id = ? AND outcome = ?
	`, userID, marketID, outcome)
	var p Position
	if err := row.Scan(&p.UserID, &p.MarketID, &p.Outcome, &p.Shares, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// UpsertPosition stores the latest share balance for a user/market/outcome.
func (r *Repository) UpsertPosition(ctx context.Context, p Position) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO positions (user_id, market_id, outcome, shares, updated_at)
		VALUES (?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
		ON CONFLICT(user_id, market_id, outcome) DO UPDATE SET
			shares = excluded.shares,
			updated_at = COALESCE(excluded.updated_at, CURRENT_TIMESTAMP)
	`, p.UserID, p.MarketID, p.Outcome, p.Shares, p.UpdatedAt)
	return err
}

// ListPositionsByUser returns every position a user holds, across all markets.
func (r *Repository) ListPositionsByUser(ctx context.Context, userID string) ([]Position, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, market_id, outcome, shares, updated_at
		FROM positions WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.UserID, &p.MarketID, &p.Outcome, &p.Shares, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
