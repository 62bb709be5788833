package order

import (
	"context"
	"sync"
	"testing"

	"predictioncore/internal/apperr"
	"predictioncore/internal/balance"
	"predictioncore/internal/events"
	"predictioncore/internal/ledger"
	"predictioncore/internal/market"
	"predictioncore/internal/money"
	"predictioncore/internal/orderstate"
	"predictioncore/internal/position"
	"predictioncore/internal/pricing"
	"predictioncore/pkg/db"
)

type testRig struct {
	repo      *db.Repository
	ledger    *ledger.Ledger
	balances  *balance.Service
	markets   *market.Store
	positions *position.Store
	validator *Validator
	executor  *Executor
}

func newTestRig(t *testing.T) *testRig {
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
		t.Fatalf("create alice: %v", err)
	}
	if err := repo.CreateMarket(ctx, db.Market{ID: "m1", Question: "?", LiquidityB: 100, CurrentPrice: 0.5, Status: "OPEN"}); err != nil {
		t.Fatalf("create market m1: %v", err)
	}

	l := ledger.New(repo)
	balances := balance.New(l, repo)
	markets := market.New(repo)
	positions := position.New(repo)
	validator := NewValidator(markets, balances)
	bus := events.NewBus()
	executor := NewExecutor(repo, l, balances, markets, positions, validator, bus)

	return &testRig{repo: repo, ledger: l, balances: balances, markets: markets, positions: positions, validator: validator, executor: executor}
}

func (r *testRig) deposit(t *testing.T, userID, amount string) {
	t.Helper()
	if _, err := r.ledger.Append(context.Background(), userID, "", "", ledger.KindDeposit, money.MustOf(amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

// scenario 1 from spec.md §8.
func TestExecuteMarketOrderFreshBuyYes(t *testing.T) {
	r := newTestRig(t)
	r.deposit(t, "alice", "10000")

	req := TradeRequest{UserID: "alice", MarketID: "m1", Outcome: pricing.Yes, Quantity: 10, ClientNonce: "N1"}
	o, err := r.executor.ExecuteMarketOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("ExecuteMarketOrder: %v", err)
	}
	if o.Status != orderstate.Filled {
		t.Fatalf("Status = %s, want FILLED", o.Status)
	}
	if o.FilledQuantity != 10 {
		t.Fatalf("FilledQuantity = %v, want 10", o.FilledQuantity)
	}

	wantCost := money.OfFloat(5.12495)
	if diff := o.Cost.Subtract(wantCost).Abs(); diff.GreaterThan(money.MustOf("0.001")) {
		t.Fatalf("Cost = %s, want ~%s", o.Cost, wantCost)
	}

	bal, err := r.balances.Balance(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	wantBal := money.MustOf("10000").Subtract(o.Cost)
	if bal.Cmp(wantBal) != 0 {
		t.Fatalf("Balance = %s, want %s", bal, wantBal)
	}

	state, err := r.markets.GetMarketOrLoad(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMarketOrLoad: %v", err)
	}
	if state.Shares.Yes != 10 || state.Shares.No != 0 {
		t.Fatalf("market shares = %+v, want Yes=10 No=0", state.Shares)
	}

	holding, err := r.positions.GetOrCreatePosition(context.Background(), position.Key{UserID: "alice", MarketID: "m1", Outcome: pricing.Yes})
	if err != nil {
		t.Fatalf("GetOrCreatePosition: %v", err)
	}
	if holding.Shares != 10 {
		t.Fatalf("position shares = %v, want 10", holding.Shares)
	}
}

// scenario 2 from spec.md §8 / P3: idempotent replay.
func TestExecuteMarketOrderIdempotentReplay(t *testing.T) {
	r := newTestRig(t)
	r.deposit(t, "alice", "10000")
	req := TradeRequest{UserID: "alice", MarketID: "m1", Outcome: pricing.Yes, Quantity: 10, ClientNonce: "N1"}

	first, err := r.executor.ExecuteMarketOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}

	second, err := r.executor.ExecuteMarketOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("replayed execute: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replayed order id = %s, want %s", second.ID, first.ID)
	}

	entries, err := r.ledger.ScanFor(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ScanFor: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ledger entries after replay = %d, want 1", len(entries))
	}

	state, err := r.markets.GetMarketOrLoad(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMarketOrLoad: %v", err)
	}
	if state.Shares.Yes != 10 {
		t.Fatalf("market shares.Yes after replay = %v, want 10 (applied exactly once)", state.Shares.Yes)
	}
}

// scenario 3 from spec.md §8.
func TestExecuteMarketOrderRejectsQuantityZero(t *testing.T) {
	r := newTestRig(t)
	r.deposit(t, "alice", "10000")
	req := TradeRequest{UserID: "alice", MarketID: "m1", Outcome: pricing.Yes, Quantity: 0, ClientNonce: "N1"}

	o, err := r.executor.ExecuteMarketOrder(context.Background(), req)
	if err == nil {
		t.Fatal("expected ValidationFailed error")
	}
	if !apperr.Is(err, apperr.ValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
	if o.Status != orderstate.Rejected {
		t.Fatalf("Status = %s, want REJECTED", o.Status)
	}

	entries, err := r.ledger.ScanFor(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ScanFor: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no ledger entries for a rejected order, got %d", len(entries))
	}
}

// scenario 4 from spec.md §8.
func TestExecuteMarketOrderRejectsInsufficientBalance(t *testing.T) {
	r := newTestRig(t)
	r.deposit(t, "alice", "1")
	req := TradeRequest{UserID: "alice", MarketID: "m1", Outcome: pricing.Yes, Quantity: 1_000_000, ClientNonce: "N1"}

	o, err := r.executor.ExecuteMarketOrder(context.Background(), req)
	if err == nil {
		t.Fatal("expected validation failure for insufficient balance")
	}
	if o.Status != orderstate.Rejected {
		t.Fatalf("Status = %s, want REJECTED", o.Status)
	}

	entries, err := r.ledger.ScanFor(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ScanFor: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no ledger entries, got %d", len(entries))
	}
}

func TestExecuteMarketOrderRejectsUnknownMarket(t *testing.T) {
	r := newTestRig(t)
	r.deposit(t, "alice", "10000")
	req := TradeRequest{UserID: "alice", MarketID: "nope", Outcome: pricing.Yes, Quantity: 10, ClientNonce: "N1"}

	o, err := r.executor.ExecuteMarketOrder(context.Background(), req)
	if !apperr.Is(err, apperr.MarketNotFound) {
		t.Fatalf("expected MarketNotFound, got %v", err)
	}
	if o.Status != orderstate.Rejected {
		t.Fatalf("Status = %s, want REJECTED", o.Status)
	}
}

func TestCancelRequiresOwnership(t *testing.T) {
	r := newTestRig(t)
	r.deposit(t, "alice", "10000")

	// Market orders fill synchronously to completion, so there is no
	// window to observe an OPEN order outside the executor; exercise
	// the ownership/active checks against a FILLED order instead,
	// which must fail as NotActive regardless of who cancels it.
	o, err := r.executor.ExecuteMarketOrder(context.Background(), TradeRequest{
		UserID: "alice", MarketID: "m1", Outcome: pricing.Yes, Quantity: 10, ClientNonce: "N-fill",
	})
	if err != nil {
		t.Fatalf("ExecuteMarketOrder: %v", err)
	}

	if _, err := r.executor.Cancel(context.Background(), o.ID, "mallory"); !apperr.Is(err, apperr.NotAuthorized) {
		t.Fatalf("expected NotAuthorized cancelling someone else's order, got %v", err)
	}
	if _, err := r.executor.Cancel(context.Background(), o.ID, "alice"); !apperr.Is(err, apperr.NotActive) {
		t.Fatalf("expected NotActive cancelling a FILLED order, got %v", err)
	}
}

// scenario 5 from spec.md §8: cross-market parallel trades for the
// same user must both succeed and P9 must still hold afterward.
func TestConcurrentCrossMarketTradesConverge(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	if err := r.repo.CreateMarket(ctx, db.Market{ID: "m2", Question: "?", LiquidityB: 100, CurrentPrice: 0.5, Status: "OPEN"}); err != nil {
		t.Fatalf("create market m2: %v", err)
	}
	r.deposit(t, "alice", "100")

	var wg sync.WaitGroup
	results := make([]*Order, 2)
	errs := make([]error, 2)
	reqs := []TradeRequest{
		{UserID: "alice", MarketID: "m1", Outcome: pricing.Yes, Quantity: 5, ClientNonce: "cross-1"},
		{UserID: "alice", MarketID: "m2", Outcome: pricing.No, Quantity: 5, ClientNonce: "cross-2"},
	}
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req TradeRequest) {
			defer wg.Done()
			o, err := r.executor.ExecuteMarketOrder(ctx, req)
			results[i] = o
			errs[i] = err
		}(i, req)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}

	entries, err := r.ledger.ScanFor(ctx, "alice")
	if err != nil {
		t.Fatalf("ScanFor: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}

	sum := money.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}
	latest, err := r.ledger.LatestFor(ctx, "alice")
	if err != nil {
		t.Fatalf("LatestFor: %v", err)
	}
	if sum.Cmp(latest.BalanceAfter) != 0 {
		t.Fatalf("P9 violated: sum(amount) = %s, latestFor.balanceAfter = %s", sum, latest.BalanceAfter)
	}
}
