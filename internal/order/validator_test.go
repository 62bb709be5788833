package order

import (
	"context"
	"strings"
	"testing"

	"predictioncore/internal/apperr"
	"predictioncore/internal/balance"
	"predictioncore/internal/ledger"
	"predictioncore/internal/market"
	"predictioncore/internal/money"
	"predictioncore/internal/pricing"
	"predictioncore/pkg/db"
)

func newTestValidator(t *testing.T) (*Validator, *db.Repository) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	repo := database.Queries()
	ctx := context.Background()
	if err := database.CreateUser(ctx, db.User{ID: "alice", Email: "alice@example.com", PasswordHash: "x"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := repo.CreateMarket(ctx, db.Market{ID: "m1", Question: "?", LiquidityB: 100, CurrentPrice: 0.5, Status: "OPEN"}); err != nil {
		t.Fatalf("create market: %v", err)
	}

	markets := market.New(repo)
	l := ledger.New(repo)
	balances := balance.New(l, repo)
	return NewValidator(markets, balances), repo
}

func depositFor(t *testing.T, repo *db.Repository, l *ledger.Ledger, userID string, amount string) {
	t.Helper()
	if _, err := l.Append(context.Background(), userID, "", "", ledger.KindDeposit, money.MustOf(amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func TestValidateRejectsQuantityZero(t *testing.T) {
	v, _ := newTestValidator(t)
	req := TradeRequest{UserID: "alice", MarketID: "m1", Outcome: pricing.Yes, Quantity: 0, ClientNonce: "n1"}
	err := v.Validate(context.Background(), req)
	if err == nil {
		t.Fatal("expected quantity=0 to fail validation")
	}
	if !apperr.Is(err, apperr.ValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "quantity must be") {
		t.Fatalf("expected error to mention quantity, got %q", err.Error())
	}
}

func TestValidateRejectsQuantityAboveMax(t *testing.T) {
	v, _ := newTestValidator(t)
	req := TradeRequest{UserID: "alice", MarketID: "m1", Outcome: pricing.Yes, Quantity: 1_000_001, ClientNonce: "n1"}
	if err := v.Validate(context.Background(), req); err == nil {
		t.Fatal("expected quantity above max to fail validation")
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	v, _ := newTestValidator(t)
	req := TradeRequest{UserID: "", MarketID: "", Outcome: "", Quantity: 5, ClientNonce: ""}
	err := v.Validate(context.Background(), req)
	if err == nil {
		t.Fatal("expected missing fields to fail validation")
	}
	msg := err.Error()
	for _, want := range []string{"userId", "marketId", "outcome", "nonce"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected validation error to mention %q, got %q", want, msg)
		}
	}
}

func TestValidateRejectsUnknownMarket(t *testing.T) {
	v, _ := newTestValidator(t)
	req := TradeRequest{UserID: "alice", MarketID: "nope", Outcome: pricing.Yes, Quantity: 10, ClientNonce: "n1"}
	if err := v.Validate(context.Background(), req); err == nil {
		t.Fatal("expected unknown market to fail validation")
	}
}

func TestValidateRejectsInsufficientBalance(t *testing.T) {
	v, repo := newTestValidator(t)
	_ = repo
	req := TradeRequest{UserID: "alice", MarketID: "m1", Outcome: pricing.Yes, Quantity: 1_000_000, ClientNonce: "n1"}
	err := v.Validate(context.Background(), req)
	if err == nil {
		t.Fatal("expected insufficient balance to fail validation")
	}
	if !strings.Contains(err.Error(), "Insufficient balance") && !strings.Contains(strings.ToLower(err.Error()), "insufficient balance") {
		t.Fatalf("expected error to mention insufficient balance, got %q", err.Error())
	}
}

func TestValidateAcceptsFundedRequest(t *testing.T) {
	v, repo := newTestValidator(t)
	l := ledger.New(repo)
	depositFor(t, repo, l, "alice", "10000")

	req := TradeRequest{UserID: "alice", MarketID: "m1", Outcome: pricing.Yes, Quantity: 10, ClientNonce: "n1"}
	if err := v.Validate(context.Background(), req); err != nil {
		t.Fatalf("expected a funded, valid request to pass, got %v", err)
	}
}

func TestValidateRejectsClosedMarket(t *testing.T) {
	v, repo := newTestValidator(t)
	l := ledger.New(repo)
	depositFor(t, repo, l, "alice", "10000")
	ctx := context.Background()
	if err := repo.CreateMarket(ctx, db.Market{ID: "m2", Question: "?", LiquidityB: 100, CurrentPrice: 0.5, Status: "RESOLVED"}); err != nil {
		t.Fatalf("create market: %v", err)
	}

	req := TradeRequest{UserID: "alice", MarketID: "m2", Outcome: pricing.Yes, Quantity: 10, ClientNonce: "n1"}
	err := v.Validate(ctx, req)
	if err == nil {
		t.Fatal("expected a trade against a RESOLVED market to fail validation")
	}
	if !strings.Contains(err.Error(), "not open for trading") {
		t.Fatalf("expected error to mention the market is not open, got %q", err.Error())
	}
}

func TestValidateCaseInsensitiveOutcome(t *testing.T) {
	v, repo := newTestValidator(t)
	l := ledger.New(repo)
	depositFor(t, repo, l, "alice", "10000")

	req := TradeRequest{UserID: "alice", MarketID: "m1", Outcome: "yes", Quantity: 10, ClientNonce: "n1"}
	if err := v.Validate(context.Background(), req); err != nil {
		t.Fatalf("expected lowercase outcome to validate, got %v", err)
	}
}
