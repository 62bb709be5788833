package pricing

import "testing"

func approxEqual(a, b, tolerance float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

func TestCostFreshMarket(t *testing.T) {
	// scenario 1 from spec.md §8: b=100, buying 10 YES against an
	// empty pool: cost(10,0,100) - cost(0,0,100) = 100*ln((e^0.1+1)/2).
	c := Cost(10, 0, 100) - Cost(0, 0, 100)
	if !approxEqual(c, 5.12495, 1e-4) {
		t.Fatalf("Cost(10,0,100)-Cost(0,0,100) = %v, want ~5.12495", c)
	}
}

func TestComputeCostMatchesCostDifference(t *testing.T) {
	s := Shares{Yes: 10, No: 0, LiquidityB: 100}
	got, err := ComputeCost(s, Yes, 5)
	if err != nil {
		t.Fatalf("ComputeCost: %v", err)
	}
	want := Cost(15, 0, 100) - Cost(10, 0, 100)
	if !approxEqual(got, want, 1e-9) {
		t.Fatalf("ComputeCost = %v, want %v", got, want)
	}
}

// P5: delta == 0 is a legal no-op costing nothing, not an error.
func TestComputeCostZeroDeltaIsZeroCost(t *testing.T) {
	s := Shares{Yes: 10, No: 5, LiquidityB: 100}
	got, err := ComputeCost(s, Yes, 0)
	if err != nil {
		t.Fatalf("ComputeCost(delta=0): unexpected error %v", err)
	}
	if got != 0 {
		t.Fatalf("ComputeCost(delta=0) = %v, want 0", got)
	}
}

func TestComputeCostRejectsNegativeDelta(t *testing.T) {
	s := Shares{Yes: 0, No: 0, LiquidityB: 100}
	if _, err := ComputeCost(s, Yes, -1); err == nil {
		t.Fatal("expected error for negative delta")
	}
}

func TestComputeCostRejectsNonPositiveLiquidity(t *testing.T) {
	s := Shares{Yes: 0, No: 0, LiquidityB: 0}
	if _, err := ComputeCost(s, Yes, 1); err == nil {
		t.Fatal("expected error for liquidityB <= 0")
	}
}

// P5: for any legal state and delta > 0, ComputeCost must be non-negative.
func TestComputeCostPositivity(t *testing.T) {
	states := []Shares{
		{Yes: 0, No: 0, LiquidityB: 100},
		{Yes: 500, No: 0, LiquidityB: 100},
		{Yes: 0, No: 500, LiquidityB: 50},
		{Yes: 10000, No: 9990, LiquidityB: 1000},
	}
	deltas := []float64{0, 0.001, 1, 10, 1000, 1_000_000}

	for _, s := range states {
		for _, d := range deltas {
			for _, outcome := range []Outcome{Yes, No} {
				c, err := ComputeCost(s, outcome, d)
				if err != nil {
					t.Fatalf("ComputeCost(%+v, %s, %v): %v", s, outcome, d, err)
				}
				if c < 0 {
					t.Fatalf("ComputeCost(%+v, %s, %v) = %v, want >= 0", s, outcome, d, c)
				}
			}
		}
	}
}

// P6: 0 < price < 1 whenever liquidityB > 0.
func TestPriceBounds(t *testing.T) {
	states := []Shares{
		{Yes: 0, No: 0, LiquidityB: 100},
		{Yes: 1_000_000, No: 0, LiquidityB: 100},
		{Yes: 0, No: 1_000_000, LiquidityB: 100},
		{Yes: 500, No: 500, LiquidityB: 50},
	}
	for _, s := range states {
		p := s.CurrentPrice()
		if !(p > 0 && p < 1) {
			t.Fatalf("CurrentPrice() for %+v = %v, want in (0, 1)", s, p)
		}
	}
}

func TestPriceSymmetricAtEqualPools(t *testing.T) {
	p := Price(0, 0, 100)
	if !approxEqual(p, 0.5, 1e-12) {
		t.Fatalf("Price(0,0,100) = %v, want 0.5", p)
	}
}

func TestPriceShiftsTowardHeavierOutcome(t *testing.T) {
	p := Price(10, 0, 100)
	if !(p > 0.5) {
		t.Fatalf("Price(10,0,100) = %v, want > 0.5", p)
	}
	if !approxEqual(p, 0.52498, 1e-4) {
		t.Fatalf("Price(10,0,100) = %v, want ~0.52498", p)
	}
}

func TestApplyMutatesCorrectOutcome(t *testing.T) {
	s := Shares{Yes: 1, No: 2, LiquidityB: 100}
	yesNext := Apply(s, Yes, 5)
	if yesNext.Yes != 6 || yesNext.No != 2 {
		t.Fatalf("Apply(Yes, 5) = %+v, want Yes=6 No=2", yesNext)
	}
	noNext := Apply(s, No, 5)
	if noNext.Yes != 1 || noNext.No != 7 {
		t.Fatalf("Apply(No, 5) = %+v, want Yes=1 No=7", noNext)
	}
}

func TestComputeCostMoneyRoundsToMoney(t *testing.T) {
	s := Shares{Yes: 0, No: 0, LiquidityB: 100}
	got, err := ComputeCostMoney(s, Yes, 10)
	if err != nil {
		t.Fatalf("ComputeCostMoney: %v", err)
	}
	if got.String() == "" {
		t.Fatal("expected non-empty canonical string")
	}
	if !got.IsPositive() {
		t.Fatalf("ComputeCostMoney(10 YES against empty pool) = %s, want positive", got)
	}
}

// Guard against overflow regressions: without the m-subtraction shift,
// large share volumes would overflow math.Exp to +Inf.
func TestCostHandlesLargeShareVolumeWithoutOverflow(t *testing.T) {
	c := Cost(1_000_000, 999_000, 100)
	if c <= 0 {
		t.Fatalf("Cost with large share volume = %v, want finite positive value", c)
	}
}
