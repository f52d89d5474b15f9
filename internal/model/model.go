// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market kinds.
const (
	KindBinary = "binary" // constant-product pool over YES/NO reserves
	KindMulti  = "multi"  // LMSR over N outcome reserves
)

// Market statuses.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Market is the persisted snapshot of one market's pricing state.
//
// For binary markets Reserves is [reserveYes, reserveNo] and FeeRate is the
// pool's built-in spread; for multi-outcome markets Reserves holds one
// outstanding-share quantity per outcome and B is the LMSR liquidity
// parameter. Version increments on every state update; writers pass the
// version they read so concurrent trades cannot overwrite each other.
type Market struct {
	ID             string            `json:"id" db:"id"`
	Slug           string            `json:"slug" db:"slug"`
	Question       string            `json:"question" db:"question"`
	Category       string            `json:"category" db:"category"`
	Kind           string            `json:"kind" db:"kind"`
	OutcomeNames   []string          `json:"outcome_names" db:"outcome_names"`
	Reserves       []decimal.Decimal `json:"reserves" db:"reserves"`
	Prices         []decimal.Decimal `json:"prices" db:"prices"`
	B              decimal.Decimal   `json:"b" db:"b"`                 // LMSR liquidity parameter (multi)
	FeeRate        decimal.Decimal   `json:"fee_rate" db:"fee_rate"`   // CPMM spread (binary)
	Liquidity      decimal.Decimal   `json:"liquidity" db:"liquidity"` // CPMM seed liquidity (binary)
	Status         string            `json:"status" db:"status"`
	WinningOutcome int               `json:"winning_outcome" db:"winning_outcome"` // -1 until resolved
	Version        int64             `json:"version" db:"version"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
}

// LedgerEntry is an immutable record of a trade execution.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	MarketID       string          `json:"market_id" db:"market_id"`
	Slug           string          `json:"slug" db:"slug"`
	Side           string          `json:"side" db:"side"` // "BUY" or "SELL"
	Outcome        int             `json:"outcome" db:"outcome"`
	AmountIn       decimal.Decimal `json:"amount_in" db:"amount_in"`   // dollars (buy) or shares (sell)
	SharesOut      decimal.Decimal `json:"shares_out" db:"shares_out"` // buy fills
	PayoutOut      decimal.Decimal `json:"payout_out" db:"payout_out"` // sell proceeds
	AvgPrice       decimal.Decimal `json:"avg_price" db:"avg_price"`
	PriceImpactPct decimal.Decimal `json:"price_impact_pct" db:"price_impact_pct"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
}

// Position is a trader's aggregate holdings in one market: shares per
// outcome plus mark-to-market value against current (or settled) prices.
type Position struct {
	UserID        string            `json:"user_id"`
	MarketID      string            `json:"market_id"`
	Slug          string            `json:"slug"`
	Category      string            `json:"category"`
	Shares        []decimal.Decimal `json:"shares"`     // per outcome
	CostBasis     decimal.Decimal   `json:"cost_basis"` // net cash outflow
	CurrentValue  decimal.Decimal   `json:"current_value"`
	UnrealizedPnL decimal.Decimal   `json:"unrealized_pnl"`
}

// Portfolio aggregates all positions for a user with P&L and exposure.
type Portfolio struct {
	UserID             string                     `json:"user_id"`
	Positions          []Position                 `json:"positions"`
	TotalPnL           decimal.Decimal            `json:"total_pnl"`
	TotalExposure      decimal.Decimal            `json:"total_exposure"` // Σ current value
	ExposureByCategory map[string]decimal.Decimal `json:"exposure_by_category"`
}
