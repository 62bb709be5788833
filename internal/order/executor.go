package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"predictioncore/internal/apperr"
	"predictioncore/internal/balance"
	"predictioncore/internal/events"
	"predictioncore/internal/ledger"
	"predictioncore/internal/market"
	"predictioncore/internal/orderstate"
	"predictioncore/internal/position"
	"predictioncore/internal/pricing"
	"predictioncore/pkg/db"
)

// Executor runs a single trade request to completion. Callers must
// invoke ExecuteMarketOrder only from the owning market's serial
// dispatch lane; the executor itself holds no lock across these
// steps, relying on that external serialization for market-state
// mutation safety.
type Executor struct {
	repo      *db.Repository
	ledger    *ledger.Ledger
	balances  *balance.Service
	markets   *market.Store
	positions *position.Store
	validator *Validator
	bus       *events.Bus
}

// NewExecutor constructs an Executor wired to its collaborators.
func NewExecutor(repo *db.Repository, l *ledger.Ledger, balances *balance.Service, markets *market.Store, positions *position.Store, validator *Validator, bus *events.Bus) *Executor {
	return &Executor{repo: repo, ledger: l, balances: balances, markets: markets, positions: positions, validator: validator, bus: bus}
}

// ExecuteMarketOrder runs the trade-execution algorithm: compute or
// reuse the idempotency nonce, persist a NEW order, validate,
// transition to OPEN, execute against the LMSR pool, and return the
// final Order.
func (e *Executor) ExecuteMarketOrder(ctx context.Context, req TradeRequest) (*Order, error) {
	now := time.Now()
	nonce := req.ClientNonce
	if nonce == "" {
		nonce = fmt.Sprintf("%s:%s:%d:%s", req.UserID, req.MarketID, now.UnixMilli(), uuid.NewString())
		req.ClientNonce = nonce
	}

	if existing, err := e.repo.GetOrderByNonce(ctx, nonce); err != nil {
		return nil, apperr.Wrap(apperr.PersistenceError, "lookup order by nonce", err)
	} else if existing != nil {
		o := rowToOrder(*existing)
		log.Debug().Str("nonce", nonce).Str("orderId", o.ID).Msg("replayed trade request: returning existing order")
		return &o, nil
	}

	// orders.market_id references markets(id), so an unknown market is
	// rejected before the insert; this order never reaches storage.
	if state, err := e.markets.GetMarketOrLoad(ctx, req.MarketID); err == nil && state == nil {
		o := Order{ID: uuid.NewString(), Nonce: nonce, UserID: req.UserID, MarketID: req.MarketID,
			Outcome: req.Outcome, Quantity: req.Quantity, Status: orderstate.New, CreatedAt: now, UpdatedAt: now}
		e.reject(ctx, &o, "Market not found", now)
		return &o, apperr.New(apperr.MarketNotFound, "market "+req.MarketID+" not found")
	}

	orderID := uuid.NewString()
	row := db.Order{
		ID:       orderID,
		Nonce:    nonce,
		UserID:   req.UserID,
		MarketID: req.MarketID,
		Outcome:  string(req.Outcome),
		Quantity: req.Quantity,
		Status:   string(orderstate.New),
	}
	if err := e.repo.InsertOrder(ctx, row); err != nil {
		if db.IsDuplicateKey(err) {
			existing, rerr := e.repo.GetOrderByNonce(ctx, nonce)
			if rerr != nil {
				return nil, apperr.Wrap(apperr.PersistenceError, "re-read order after duplicate-nonce insert", rerr)
			}
			if existing == nil {
				return nil, apperr.New(apperr.PersistenceError, "duplicate-nonce insert reported but no row found on re-read")
			}
			o := rowToOrder(*existing)
			return &o, nil
		}
		return nil, apperr.Wrap(apperr.PersistenceError, "insert order", err)
	}
	if e.bus != nil {
		e.bus.Publish(events.EventOrderSubmitted, orderID)
	}

	o := Order{
		ID: orderID, Nonce: nonce, UserID: req.UserID, MarketID: req.MarketID,
		Outcome: req.Outcome, Quantity: req.Quantity, Status: orderstate.New, CreatedAt: now, UpdatedAt: now,
	}

	state, err := e.markets.GetMarketOrLoad(ctx, req.MarketID)
	if err != nil {
		e.reject(ctx, &o, "market lookup failed", now)
		return &o, apperr.Wrap(apperr.MarketNotFound, "market lookup failed", err)
	}
	if state == nil {
		e.reject(ctx, &o, "Market not found", now)
		return &o, apperr.New(apperr.MarketNotFound, "market "+req.MarketID+" not found")
	}

	if err := e.validator.Validate(ctx, req); err != nil {
		e.reject(ctx, &o, err.Error(), now)
		return &o, err
	}

	if !orderstate.CanTransition(o.Status, orderstate.Open) {
		return nil, apperr.New(apperr.IllegalTransition, string(o.Status)+" -> "+string(orderstate.Open)+" is not a legal transition")
	}
	if ok, err := e.repo.TransitionOrder(ctx, o.ID, []string{string(orderstate.New)}, string(orderstate.Open), 0, nil, nil, nil, now); err != nil {
		return nil, apperr.Wrap(apperr.PersistenceError, "transition order to OPEN", err)
	} else if !ok {
		return nil, apperr.New(apperr.RaceLost, "order "+o.ID+" was not in NEW state when transitioning to OPEN")
	}
	o.Status = orderstate.Open
	o.UpdatedAt = now
	if e.bus != nil {
		e.bus.Publish(events.EventOrderOpened, o.ID)
	}

	filled, err := e.execute(ctx, &o, state, now)
	if err != nil {
		if apperr.Is(err, apperr.DuplicateNonce) {
			// A prior attempt already executed this trade; the order
			// row already reflects FILLED. Re-read and return it.
			existing, rerr := e.repo.GetOrderByID(ctx, o.ID)
			if rerr == nil && existing != nil {
				replayed := rowToOrder(*existing)
				return &replayed, nil
			}
			return &o, nil
		}
		reason := err.Error()
		e.reject(ctx, &o, reason, now)
		if apperr.Is(err, apperr.InsufficientBalance) {
			return &o, err
		}
		return &o, apperr.Wrap(apperr.ExecutionFailed, "trade execution failed", err)
	}
	return filled, nil
}

// execute runs the authoritative cost re-check, ledger append, order
// fill, market/position mutation, and the async balance recompute
// trigger.
func (e *Executor) execute(ctx context.Context, o *Order, state *market.State, now time.Time) (*Order, error) {
	cost, err := pricing.ComputeCostMoney(state.Shares, o.Outcome, o.Quantity)
	if err != nil {
		return nil, err
	}

	if err := e.balances.RequireSufficientBalance(ctx, o.UserID, cost); err != nil {
		return nil, err
	}

	txNonce := ledger.TxNonce(o.Nonce)
	entry, err := e.ledger.AppendWithNonce(ctx, txNonce, o.UserID, o.ID, o.MarketID, ledger.KindTrade, cost.Negate())
	if err != nil {
		return nil, err
	}

	completed := now
	costV := cost
	if ok, terr := e.repo.TransitionOrder(ctx, o.ID, []string{string(orderstate.Open)}, string(orderstate.Filled),
		o.Quantity, &costV, nil, &completed, now); terr != nil {
		return nil, apperr.Wrap(apperr.PersistenceError, "transition order to FILLED", terr)
	} else if !ok {
		log.Warn().Str("orderId", o.ID).Msg("order FILLED ledger entry appended but status transition lost its race; the ledger remains authoritative")
	}

	o.Fill(o.Quantity, cost, entry.ID, now)

	state.ApplyTrade(o.Outcome, o.Quantity, now)

	holding, err := e.positions.GetOrCreatePosition(ctx, position.Key{UserID: o.UserID, MarketID: o.MarketID, Outcome: o.Outcome})
	if err != nil {
		log.Error().Err(err).Str("orderId", o.ID).Msg("position lookup failed after fill; ledger and market state are already authoritative")
	} else {
		holding.Add(o.Quantity, now)
	}

	if e.bus != nil {
		e.bus.Publish(events.EventOrderFilled, o.ID)
		e.bus.Publish(events.EventMarketPriced, o.MarketID)
	}

	go func() {
		bgCtx := context.Background()
		if err := e.balances.Recompute(bgCtx, o.UserID); err != nil {
			log.Error().Err(err).Str("userId", o.UserID).Msg("async balance cache recompute failed")
		}
	}()

	return o, nil
}

// OrderMarketID looks up the market an order belongs to, so a caller
// that needs to route work onto that market's dispatch lane (Cancel)
// doesn't have to duplicate the lookup once the lane's worker runs it
// again under serialization.
func (e *Executor) OrderMarketID(ctx context.Context, orderID string) (string, error) {
	row, err := e.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return "", apperr.Wrap(apperr.PersistenceError, "lookup order for cancel routing", err)
	}
	if row == nil {
		return "", apperr.New(apperr.MarketNotFound, "order "+orderID+" not found")
	}
	return row.MarketID, nil
}

// Cancel implements owner check, active check, and an atomic
// conditional transition to CANCELLED.
func (e *Executor) Cancel(ctx context.Context, orderID, byUserID string) (*Order, error) {
	row, err := e.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceError, "lookup order for cancel", err)
	}
	if row == nil {
		return nil, apperr.New(apperr.MarketNotFound, "order "+orderID+" not found")
	}
	if row.UserID != byUserID {
		return nil, apperr.New(apperr.NotAuthorized, "order "+orderID+" does not belong to user "+byUserID)
	}
	o := rowToOrder(*row)
	if !o.IsActive() {
		return nil, apperr.New(apperr.NotActive, "order "+orderID+" is not active")
	}

	now := time.Now()
	ok, err := e.repo.TransitionOrder(ctx, orderID, []string{string(orderstate.Open), string(orderstate.Partial)}, string(orderstate.Cancelled), o.FilledQuantity, nil, nil, &now, now)
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceError, "transition order to CANCELLED", err)
	}
	if !ok {
		return nil, apperr.New(apperr.RaceLost, "order "+orderID+" was no longer active when cancelling")
	}
	o.Status = orderstate.Cancelled
	o.UpdatedAt = now
	o.CompletedAt = &now
	if e.bus != nil {
		e.bus.Publish(events.EventOrderCancelled, orderID)
	}
	return &o, nil
}

func (e *Executor) reject(ctx context.Context, o *Order, reason string, now time.Time) {
	_, err := e.repo.TransitionOrder(ctx, o.ID, []string{string(orderstate.New), string(orderstate.Open)}, string(orderstate.Rejected), 0, nil, &reason, &now, now)
	if err != nil {
		log.Error().Err(err).Str("orderId", o.ID).Msg("failed to persist REJECTED transition")
	}
	o.Status = orderstate.Rejected
	o.RejectionReason = reason
	o.UpdatedAt = now
	o.CompletedAt = &now
	if e.bus != nil {
		e.bus.Publish(events.EventOrderRejected, o.ID)
	}
}

func rowToOrder(row db.Order) Order {
	o := Order{
		ID: row.ID, Nonce: row.Nonce, UserID: row.UserID, MarketID: row.MarketID,
		Outcome: pricing.Outcome(row.Outcome), Quantity: row.Quantity, FilledQuantity: row.FilledQuantity,
		Cost: row.Cost, Status: orderstate.State(row.Status),
		CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
	if row.RejectionReason.Valid {
		o.RejectionReason = row.RejectionReason.String
	}
	if row.CompletedAt.Valid {
		completed := row.CompletedAt.Time
		o.CompletedAt = &completed
	}
	return o
}
