// Package money holds the decimal helpers shared by the transaction core.
// Every monetary value is an exact decimal; floats never appear.
package money

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/chainsyncstore/ChainSync-sub008/internal/apperr"
)

// PaymentTolerance is the maximum allowed gap between a transaction total and
// the sum of its payments, in currency units.
var PaymentTolerance = decimal.RequireFromString("0.01")

// Parse parses a decimal string. Empty input is rejected; use ParseOrZero for
// optional fields.
func Parse(field, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, apperr.InvalidInput("%s must be a decimal string", field)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, apperr.InvalidInput("%s is not a valid decimal: %q", field, s)
	}
	return d, nil
}

// ParseOrZero treats empty input as zero.
func ParseOrZero(field, s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return Parse(field, s)
}

// LineSubtotal computes quantity x unitPrice - discount.
func LineSubtotal(quantity int, unitPrice, discount decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity))).Sub(discount)
}

// WithinTolerance reports whether a and b differ by at most PaymentTolerance.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(PaymentTolerance)
}
