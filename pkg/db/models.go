package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"predictioncore/internal/money"
)

// User is an application account. Balance is a denormalized cache of
// the ledger's latestFor(userId).balanceAfter, refreshed on every
// append and periodically reconciled against a full ledger scan.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Balance      money.Money
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Market is the durable snapshot of an LMSR market's share pools.
// The in-memory MarketStore is the hot path; this row is the
// lazy-load source and the async flush target.
type Market struct {
	ID              string
	Question        string
	YesShares       float64
	NoShares        float64
	LiquidityB      float64
	CurrentPrice    float64
	Status          string
	LastTradeAt     sql.NullTime
	LastPersistedAt sql.NullTime
	CreatedAt       time.Time
}

// Order is a trade request moving through the lifecycle state machine.
type Order struct {
	ID              string
	Nonce           string
	UserID          string
	MarketID        string
	Outcome         string
	Quantity        float64
	FilledQuantity  float64
	Cost            money.Money
	Status          string
	RejectionReason sql.NullString
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     sql.NullTime
}

// Transaction is a single append-only ledger entry.
type Transaction struct {
	ID           string
	Nonce        string
	UserID       string
	OrderID      sql.NullString
	MarketID     sql.NullString
	Kind         string
	Amount       money.Money
	BalanceAfter money.Money
	CreatedAt    time.Time
}

// Position is a user's net share holding in one outcome of one market.
type Position struct {
	UserID    string
	MarketID  string
	Outcome   string
	Shares    float64
	UpdatedAt time.Time
}

// CreateUser inserts a new user row. Callers that don't set Balance
// get money.Zero, since decimal.Decimal's zero value already renders
// as a valid "0" through Money's Value/String methods.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`, u.ID, strings.ToLower(u.Email), u.PasswordHash, u.Balance, u.CreatedAt, u.UpdatedAt)
	return err
}

// GetUserByEmail returns a user by email, or nil if not found.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, balance, created_at, updated_at
		FROM users WHERE email = ?
	`, strings.ToLower(email))
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Balance, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

