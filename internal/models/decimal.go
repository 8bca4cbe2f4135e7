package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits of every money and quantity value.
const Scale = 8

// CommissionRate is the fee charged to the buyer on a trade's notional value.
var CommissionRate = decimal.RequireFromString("0.015")

var ErrInvalidAmount = errors.New("amount must be positive with at most 8 decimal places")

// Truncate cuts d to Scale fractional digits.
func Truncate(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Scale)
}

// Notional is price times quantity at Scale.
func Notional(price, quantity decimal.Decimal) decimal.Decimal {
	return Truncate(price.Mul(quantity))
}

// Commission is the buyer's fee for a trade of the given total value.
func Commission(totalValue decimal.Decimal) decimal.Decimal {
	return Truncate(totalValue.Mul(CommissionRate))
}

// ValidAmount reports whether d is positive and representable at Scale.
func ValidAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(Truncate(d))
}

// ParseAmount parses a decimal string that must satisfy ValidAmount.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !ValidAmount(d) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return d, nil
}

// Format renders d with exactly Scale fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}
