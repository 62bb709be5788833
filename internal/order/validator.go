package order

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/hashicorp/go-multierror"

	"predictioncore/internal/apperr"
	"predictioncore/internal/balance"
	"predictioncore/internal/market"
	"predictioncore/internal/money"
	"predictioncore/internal/pricing"
)

const (
	minQuantity = 1
	maxQuantity = 1_000_000

	minEstimatedCost = "0.01"
	maxEstimatedCost = "1000000.00"

	slippageBuffer = 1.10
)

// Validator runs the side-effect-free pre-execution checks against a
// trade request. A failed Validator run never mutates anything; the
// caller decides what to do with the accumulated reasons.
type Validator struct {
	markets  *market.Store
	balances *balance.Service
}

// NewValidator constructs a Validator over the given stores.
func NewValidator(markets *market.Store, balances *balance.Service) *Validator {
	return &Validator{markets: markets, balances: balances}
}

// Validate checks req against every constraint in order-preserving
// fashion and returns a single apperr.ValidationFailed carrying the
// concatenated reasons, or nil if req is acceptable.
func (v *Validator) Validate(ctx context.Context, req TradeRequest) error {
	var merr *multierror.Error

	if strings.TrimSpace(req.UserID) == "" {
		merr = multierror.Append(merr, fmt.Errorf("userId must not be empty"))
	}
	if strings.TrimSpace(req.MarketID) == "" {
		merr = multierror.Append(merr, fmt.Errorf("marketId must not be empty"))
	}
	outcome := pricing.Outcome(strings.ToUpper(string(req.Outcome)))
	if outcome != pricing.Yes && outcome != pricing.No {
		merr = multierror.Append(merr, fmt.Errorf("outcome must be YES or NO"))
	}
	if strings.TrimSpace(req.ClientNonce) == "" {
		merr = multierror.Append(merr, fmt.Errorf("nonce must not be empty"))
	}
	if req.Quantity < minQuantity || req.Quantity > maxQuantity {
		merr = multierror.Append(merr, fmt.Errorf("quantity must be in [%d, %d]", minQuantity, maxQuantity))
	} else if req.Quantity != math.Trunc(req.Quantity) {
		merr = multierror.Append(merr, fmt.Errorf("quantity must be a whole number of shares, got %v", req.Quantity))
	}

	// Market existence and the cost-estimate check both need the live
	// pool state; skip them if we already know the outcome is invalid
	// or the market lookup itself fails, but still report everything
	// else gathered so far (order-preserving, concatenated).
	if outcome == pricing.Yes || outcome == pricing.No {
		state, err := v.markets.GetMarketOrLoad(ctx, req.MarketID)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("market lookup failed: %w", err))
		} else if state == nil {
			merr = multierror.Append(merr, fmt.Errorf("market %s does not exist", req.MarketID))
		} else if state.Status != "" && state.Status != "OPEN" {
			merr = multierror.Append(merr, fmt.Errorf("market %s is not open for trading (status %s)", req.MarketID, state.Status))
		} else if req.Quantity >= minQuantity {
			if err := v.checkEstimatedCost(ctx, req, state, outcome); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
	}

	if merr.ErrorOrNil() == nil {
		return nil
	}

	reasons := make([]string, 0, len(merr.Errors))
	for _, e := range merr.Errors {
		reasons = append(reasons, e.Error())
	}
	return apperr.NewValidationFailed(reasons)
}

// checkEstimatedCost applies the validator's deliberately pessimistic
// 10%-slippage cost estimate: quantity * price * 1.10 for YES,
// quantity * (1-price) * 1.10 for NO. Overestimating here keeps the
// authoritative LMSR cost check at execution time strictly tighter,
// so a request that passes validation can still be rejected for
// insufficient balance at execution, but never the other way around.
func (v *Validator) checkEstimatedCost(ctx context.Context, req TradeRequest, state *market.State, outcome pricing.Outcome) error {
	price := state.Shares.CurrentPrice()
	var perShare float64
	if outcome == pricing.Yes {
		perShare = price
	} else {
		perShare = 1 - price
	}
	estimate := money.OfFloat(req.Quantity * perShare * slippageBuffer)

	lo, hi := money.MustOf(minEstimatedCost), money.MustOf(maxEstimatedCost)
	if estimate.LessThan(lo) || estimate.GreaterThan(hi) {
		return fmt.Errorf("estimated cost %s is outside the acceptable range [%s, %s]", estimate.String(), lo.String(), hi.String())
	}

	sufficient, err := v.balances.HasSufficientBalance(ctx, req.UserID, estimate)
	if err != nil {
		return fmt.Errorf("balance check failed: %w", err)
	}
	if !sufficient {
		return fmt.Errorf("insufficient balance for estimated cost %s", estimate.String())
	}
	return nil
}
