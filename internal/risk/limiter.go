// Package risk enforces per-user exposure limits before a trade executes.
//
// Exposure here is cash at risk: the mark-to-market value of a user's
// holdings. Markets in the same category (an election's districts, the
// games of one tournament round) resolve on correlated information, so a
// user at the per-market limit across twenty markets of one category is
// not diversified. The limiter therefore caps exposure per market and,
// separately, the aggregate across every market sharing a category.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrMarketLimitExceeded is returned when a trade would push the
	// user's exposure in a single market beyond the per-market maximum.
	ErrMarketLimitExceeded = errors.New("risk: per-market exposure limit exceeded")

	// ErrCategoryLimitExceeded is returned when a trade would push the
	// user's aggregate exposure across a category beyond the category
	// maximum.
	ErrCategoryLimitExceeded = errors.New("risk: category exposure limit exceeded")
)

// ExposureLimiter caps a user's cash at risk per market and per category.
type ExposureLimiter struct {
	// MaxPerMarket is the maximum exposure in any single market.
	MaxPerMarket decimal.Decimal

	// MaxPerCategory is the maximum aggregate exposure across all
	// markets sharing one category label.
	MaxPerCategory decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given per-market and
// per-category maxima.
func NewExposureLimiter(maxPerMarket, maxPerCategory decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerMarket:   maxPerMarket,
		MaxPerCategory: maxPerCategory,
	}
}

// Check validates whether a trade respects the limits.
//
// Parameters:
//   - marketID, category: the market being traded
//   - delta: signed exposure change (positive for buys — the cash spent;
//     negative for sells — the cash taken off the table)
//   - byMarket: market ID → current exposure for this user
//   - byCategory: category → current aggregate exposure for this user
//
// Returns nil if the trade is within limits.
func (l *ExposureLimiter) Check(
	marketID, category string,
	delta decimal.Decimal,
	byMarket, byCategory map[string]decimal.Decimal,
) error {
	// Exposure-reducing trades always pass, otherwise a user over the
	// limit could never trade back under it.
	if delta.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	if byMarket[marketID].Add(delta).GreaterThan(l.MaxPerMarket) {
		return ErrMarketLimitExceeded
	}
	if byCategory[category].Add(delta).GreaterThan(l.MaxPerCategory) {
		return ErrCategoryLimitExceeded
	}

	return nil
}
