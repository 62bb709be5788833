// Package pricing implements the logarithmic market scoring rule (LMSR)
// used to price YES/NO trades against a market's share pools. All
// functions are pure and stateless: callers hold the share pools.
package pricing

import (
	"math"

	"predictioncore/internal/apperr"
	"predictioncore/internal/money"
)

// Outcome is one side of a binary market.
type Outcome string

const (
	Yes Outcome = "YES"
	No  Outcome = "NO"
)

// Shares is the mutable state an LMSR market carries: the accumulated
// quantity sold on each side and the constant liquidity parameter b.
// b controls market depth — larger b means deeper liquidity and
// smaller price impact per share traded.
type Shares struct {
	Yes        float64
	No         float64
	LiquidityB float64
}

// m is the overflow-guarding shift shared by Cost and Price: the LMSR
// exponentials are evaluated relative to the larger of the two
// exponents so neither term of the sum can overflow float64 range.
func m(qy, qn, b float64) float64 {
	return math.Max(qy, qn) / b
}

// Cost computes the LMSR cost function
//
//	cost(q_y, q_n, b) = b * (m + log(exp(q_y/b - m) + exp(q_n/b - m)))
//
// where m = max(q_y, q_n)/b. Subtracting m before exponentiating is
// required to keep the arguments to exp within float64 range; omitting
// it overflows for any market with non-trivial share volume.
func Cost(qy, qn, b float64) float64 {
	shift := m(qy, qn, b)
	return b * (shift + math.Log(math.Exp(qy/b-shift)+math.Exp(qn/b-shift)))
}

// Price returns the instantaneous probability-implied price of YES,
// in [0, 1]. price(q_y,q_n,b) = e^{q_y/b-m} / (e^{q_y/b-m} + e^{q_n/b-m}).
func Price(qy, qn, b float64) float64 {
	shift := m(qy, qn, b)
	ey := math.Exp(qy/b - shift)
	en := math.Exp(qn/b - shift)
	return ey / (ey + en)
}

// ComputeCost returns the marginal cost of buying delta shares of
// outcome against the given pool state: cost(q') - cost(q). delta must
// be non-negative; the result is non-negative for any legal state per
// the LMSR cost function's convexity. delta == 0 is a legal no-op that
// costs nothing — it is not rejected as invalid.
func ComputeCost(s Shares, outcome Outcome, delta float64) (float64, error) {
	if s.LiquidityB <= 0 {
		return 0, apperr.New(apperr.ArithmeticError, "liquidityB must be positive")
	}
	if delta == 0 {
		return 0, nil
	}
	if delta < 0 {
		return 0, apperr.New(apperr.InvalidAmount, "trade quantity must be positive")
	}

	before := Cost(s.Yes, s.No, s.LiquidityB)
	qy, qn := s.Yes, s.No
	if outcome == Yes {
		qy += delta
	} else {
		qn += delta
	}
	after := Cost(qy, qn, s.LiquidityB)

	c := after - before
	if c < 0 {
		// Convexity of the LMSR cost function guarantees c >= 0; a
		// negative result here indicates float precision noise at the
		// boundary, not a real state. Clamp rather than propagate.
		c = 0
	}
	return c, nil
}

// Apply returns the pool state after buying delta shares of outcome.
func Apply(s Shares, outcome Outcome, delta float64) Shares {
	next := s
	if outcome == Yes {
		next.Yes += delta
	} else {
		next.No += delta
	}
	return next
}

// CurrentPrice returns Price(s.Yes, s.No, s.LiquidityB).
func (s Shares) CurrentPrice() float64 {
	return Price(s.Yes, s.No, s.LiquidityB)
}

// ComputeCostMoney is the money.Money-typed facade OrderExecutor calls:
// it runs the float64 LMSR math (no decimal library in this stack
// exposes exp/log) and converts the result back to a normalized Money
// via money.OfFloat, which is the one sanctioned use of float64 on the
// money path.
func ComputeCostMoney(s Shares, outcome Outcome, delta float64) (money.Money, error) {
	c, err := ComputeCost(s, outcome, delta)
	if err != nil {
		return money.Zero, err
	}
	return money.OfFloat(c), nil
}
