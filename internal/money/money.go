// Package money provides the monetary value type used by every ledger and
// balance computation. All monetary values use shopspring/decimal, never
// float64.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/apperr"
)

// Scale is the number of fraction digits every Money value carries.
const Scale int32 = 2

// Money is a non-negative fixed-point amount with exactly Scale fraction
// digits. The zero value is 0.00. Values are immutable: every operation
// returns a new Money.
type Money struct {
	d decimal.Decimal
}

// New converts d to Money. Negative values fail with a validation error;
// extra fraction digits are rounded half away from zero to Scale.
func New(d decimal.Decimal) (Money, error) {
	if d.IsNegative() {
		return Money{}, fmt.Errorf("%w: amount %s is negative", apperr.ErrValidation, d.String())
	}
	return Money{d: d.Round(Scale)}, nil
}

// MustNew is New for constants and tests. It panics on invalid input.
func MustNew(d decimal.Decimal) Money {
	m, err := New(d)
	if err != nil {
		panic(err)
	}
	return m
}

// Parse reads a decimal string such as "12.50".
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: invalid amount %q", apperr.ErrValidation, s)
	}
	return New(d)
}

// MustParse is Parse for constants and tests. It panics on invalid input.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// FromCents builds Money from an integer count of minor units.
func FromCents(cents int64) (Money, error) {
	return New(decimal.New(cents, -Scale))
}

// Zero returns 0.00.
func Zero() Money {
	return Money{}
}

// Add returns m + o.
func (m Money) Add(o Money) Money {
	return Money{d: m.d.Add(o.d)}
}

// Sub returns m - o, failing with ErrInsufficientFunds if o exceeds m.
func (m Money) Sub(o Money) (Money, error) {
	if o.d.GreaterThan(m.d) {
		return Money{}, fmt.Errorf("%w: cannot subtract %s from %s", apperr.ErrInsufficientFunds, o, m)
	}
	return Money{d: m.d.Sub(o.d)}, nil
}

// Min returns the smaller of m and o.
func (m Money) Min(o Money) Money {
	if o.d.LessThan(m.d) {
		return o
	}
	return m
}

// Cmp compares numerically: -1 if m < o, 0 if equal, +1 if m > o.
func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }
func (m Money) Equal(o Money) bool { return m.d.Equal(o.d) }
func (m Money) LessThan(o Money) bool { return m.d.LessThan(o.d) }
func (m Money) GreaterThan(o Money) bool { return m.d.GreaterThan(o.d) }
func (m Money) GreaterThanOrEqual(o Money) bool { return m.d.GreaterThanOrEqual(o.d) }
func (m Money) IsZero() bool { return m.d.IsZero() }
func (m Money) IsPositive() bool { return m.d.IsPositive() }

// Decimal exposes the underlying value for calculations that leave the
// Money domain (ratios, percentages). Results must come back through New.
func (m Money) Decimal() decimal.Decimal {
	return m.d
}

// String formats with exactly Scale fraction digits.
func (m Money) String() string {
	return m.d.StringFixed(Scale)
}

// MarshalJSON encodes as a JSON string to keep precision on the wire.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts a JSON string or number.
func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("%w: invalid amount %s", apperr.ErrValidation, string(data))
	}
	v, err := New(d)
	if err != nil {
		return err
	}
	*m = v
	return nil
}
