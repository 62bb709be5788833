// Package money implements a fixed-precision decimal value for all
// monetary amounts in the trade-execution core. No float64 arithmetic
// is used on monetary paths; Float64 exists only for observability.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"

	"predictioncore/internal/apperr"
)

// Scale is the fixed number of fractional digits every Money value is
// normalized to.
const Scale = 8

// Money is an immutable, scale-8, half-even-rounded decimal amount.
type Money struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Money{d: decimal.Zero}

func normalize(d decimal.Decimal) Money {
	return Money{d: d.RoundBank(Scale)}
}

// Of parses a decimal string into a Money value (OfInt and OfFloat
// build one from an integer or a float).
// Empty or malformed input fails with apperr.InvalidAmount.
func Of(s string) (Money, error) {
	if s == "" {
		return Money{}, apperr.New(apperr.InvalidAmount, "amount string is empty")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, apperr.Wrap(apperr.InvalidAmount, fmt.Sprintf("malformed amount %q", s), err)
	}
	return normalize(d), nil
}

// MustOf is Of but panics on error; reserved for package-level constants
// built from literal strings known at compile time to be valid.
func MustOf(s string) Money {
	m, err := Of(s)
	if err != nil {
		panic(err)
	}
	return m
}

// OfInt builds a Money value from an integer number of whole units.
func OfInt(i int64) Money {
	return normalize(decimal.NewFromInt(i))
}

// OfFloat builds a Money value from a float64. Reserved for seeding
// test fixtures and constants; never use this to convert a computed
// decision back into Money on a live money path.
func OfFloat(f float64) Money {
	return normalize(decimal.NewFromFloat(f))
}

// Add returns m + other.
func (m Money) Add(other Money) Money {
	return normalize(m.d.Add(other.d))
}

// Subtract returns m - other.
func (m Money) Subtract(other Money) Money {
	return normalize(m.d.Sub(other.d))
}

// Negate returns -m.
func (m Money) Negate() Money {
	return normalize(m.d.Neg())
}

// Abs returns |m|.
func (m Money) Abs() Money {
	return normalize(m.d.Abs())
}

// MultiplyInt returns m * n.
func (m Money) MultiplyInt(n int64) Money {
	return normalize(m.d.Mul(decimal.NewFromInt(n)))
}

// Multiply returns m * other.
func (m Money) Multiply(other Money) Money {
	return normalize(m.d.Mul(other.d))
}

// DivideInt returns m / n. Fails with apperr.ArithmeticError when n == 0.
func (m Money) DivideInt(n int64) (Money, error) {
	if n == 0 {
		return Money{}, apperr.New(apperr.ArithmeticError, "division by zero")
	}
	return normalize(m.d.Div(decimal.NewFromInt(n))), nil
}

// Divide returns m / other. Fails with apperr.ArithmeticError when other is zero.
func (m Money) Divide(other Money) (Money, error) {
	if other.IsZero() {
		return Money{}, apperr.New(apperr.ArithmeticError, "division by zero")
	}
	return normalize(m.d.Div(other.d)), nil
}

// Cmp returns -1, 0, or 1 comparing m to other.
func (m Money) Cmp(other Money) int {
	return m.d.Cmp(other.d)
}

// GreaterThanOrEqual reports whether m >= other.
func (m Money) GreaterThanOrEqual(other Money) bool {
	return m.Cmp(other) >= 0
}

// GreaterThan reports whether m > other.
func (m Money) GreaterThan(other Money) bool {
	return m.Cmp(other) > 0
}

// LessThan reports whether m < other.
func (m Money) LessThan(other Money) bool {
	return m.Cmp(other) < 0
}

// IsZero reports whether m == 0.
func (m Money) IsZero() bool {
	return m.d.IsZero()
}

// IsPositive reports whether m > 0.
func (m Money) IsPositive() bool {
	return m.d.IsPositive()
}

// IsNegative reports whether m < 0.
func (m Money) IsNegative() bool {
	return m.d.IsNegative()
}

// String renders the canonical plain-decimal form with exactly Scale
// fractional digits.
func (m Money) String() string {
	return m.d.StringFixed(Scale)
}

// Float64 converts to a float64 for observability (metrics, logs)
// only. Never branch decision logic on this value.
func (m Money) Float64() float64 {
	f, _ := m.d.Float64()
	return f
}

// MarshalJSON encodes the canonical plain-decimal string.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON decodes a plain-decimal JSON string.
func (m *Money) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := Of(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Value implements driver.Valuer so Money can be stored directly via database/sql.
func (m Money) Value() (driver.Value, error) {
	return m.String(), nil
}

// Scan implements sql.Scanner so Money can be read directly via database/sql.
func (m *Money) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := Of(v)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	case []byte:
		parsed, err := Of(string(v))
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	case int64:
		*m = OfInt(v)
		return nil
	case nil:
		*m = Zero
		return nil
	default:
		return fmt.Errorf("money: unsupported scan type %T", src)
	}
}
