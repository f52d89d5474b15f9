// Package numeric holds the arithmetic conventions shared by both pricing
// curves: probability clamping, currency and price rounding, and finite-input
// checks for the float64 math living inside the curve packages.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Transcendental math runs in float64 and must pass through CheckFinite
// before the result is converted back to decimal.
package numeric

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// ErrDomain is returned when a computation receives or produces a value
// outside the real domain (NaN or ±Inf).
var ErrDomain = errors.New("numeric: value is not finite")

var (
	// MinProbability is the probability floor. Prices never quote below
	// this, so a market can always recover from an extreme move.
	MinProbability = decimal.NewFromFloat(0.0001)

	// MaxProbability is the probability ceiling, mirror of MinProbability.
	MaxProbability = decimal.NewFromFloat(0.9999)
)

// PriceScale is the number of decimal places for price and share rounding.
const PriceScale int32 = 8

// CurrencyScale is the number of decimal places for user-facing amounts.
const CurrencyScale int32 = 2

// ClampProbability clamps p into [MinProbability, MaxProbability].
func ClampProbability(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinProbability) {
		return MinProbability
	}
	if p.GreaterThan(MaxProbability) {
		return MaxProbability
	}
	return p
}

// RoundPrice rounds a price or share quantity at PriceScale.
func RoundPrice(x decimal.Decimal) decimal.Decimal {
	return x.Round(PriceScale)
}

// RoundCurrency rounds a currency amount to cents. decimal.Round rounds
// half away from zero, which matches user-facing amount semantics
// (never banker's rounding).
func RoundCurrency(x decimal.Decimal) decimal.Decimal {
	return x.Round(CurrencyScale)
}

// CheckFinite returns ErrDomain if any of xs is NaN or ±Inf. The name is
// included in the error so solver failures identify the offending term.
func CheckFinite(name string, xs ...float64) error {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: %s = %v", ErrDomain, name, x)
		}
	}
	return nil
}

// FromFloat converts a finite float64 back to decimal at PriceScale.
// Callers must have validated finiteness via CheckFinite first.
func FromFloat(x float64) decimal.Decimal {
	return decimal.NewFromFloat(x).Round(PriceScale)
}
