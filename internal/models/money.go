package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits every money and asset amount
// carries. It matches the NUMERIC(20,8) columns.
const Scale = 8

// CommissionRate is charged on trade volume and deducted from the seller's
// proceeds.
var CommissionRate = decimal.RequireFromString("0.015")

// MinUnit is the smallest representable positive amount
var MinUnit = decimal.New(1, -Scale)

// MaxAmount is the exclusive upper bound of a price or amount. NUMERIC(20,8)
// leaves 12 integer digits.
var MaxAmount = decimal.New(1, 20-Scale)

// InRange reports whether d fits a NUMERIC(20,8) column
func InRange(d decimal.Decimal) bool {
	return d.Abs().LessThan(MaxAmount)
}

// Mul multiplies a and b and truncates the product to Scale digits
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).Truncate(Scale)
}

// Commission is the fee charged on a trade of the given volume
func Commission(volume decimal.Decimal) decimal.Decimal {
	return Mul(volume, CommissionRate)
}

// ParseAmount parses a decimal string and rejects values that need more
// than Scale fractional digits.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	if !HasScale(d) {
		return decimal.Zero, fmt.Errorf("%s has more than %d decimal places", s, Scale)
	}
	return d, nil
}

// HasScale reports whether d is exactly representable with Scale digits
func HasScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(Scale))
}
