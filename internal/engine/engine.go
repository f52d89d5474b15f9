// Package engine is the single entry point for pricing trades. It
// dispatches a trade request to the constant-product pool (binary markets)
// or the LMSR market (multi-outcome markets), enforces the cross-cutting
// validation and slippage ceiling, and returns an immutable receipt plus
// the post-trade state.
//
// The engine performs no I/O and never mutates its input: it is a pure
// function of (state, request) -> (receipt, state') or a typed error.
// Callers own persistence and must serialize trades per market
// (read snapshot -> compute -> compare-and-swap write, retry on conflict).
package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/cpmm"
	"github.com/outcomex/market-engine/internal/lmsr"
	"github.com/outcomex/market-engine/internal/numeric"
)

// Error taxonomy. Every failure a caller can see wraps exactly one of
// these; the HTTP layer maps them to status codes with errors.Is.
var (
	// ErrInvalidParameter covers malformed input: non-positive amounts,
	// out-of-range probabilities or outcomes. Never retried.
	ErrInvalidParameter = errors.New("engine: invalid parameter")

	// ErrInsufficientLiquidity means the trade would drain a reserve.
	// Permanent for that size; a smaller amount may succeed.
	ErrInsufficientLiquidity = errors.New("engine: insufficient liquidity")

	// ErrInsufficientPosition means a sell exceeds the shares available.
	ErrInsufficientPosition = errors.New("engine: insufficient position")

	// ErrSlippageExceeded means the computed price impact is above the
	// caller's ceiling. The caller should confirm and retry with a
	// relaxed ceiling or a smaller size.
	ErrSlippageExceeded = errors.New("engine: slippage ceiling exceeded")

	// ErrPricingNonConvergent means the LMSR solver hit its iteration
	// cap. A hard failure: it indicates a degenerate b or an extreme
	// imbalance, never silently approximated.
	ErrPricingNonConvergent = errors.New("engine: pricing did not converge")
)

// Trade sides.
type TradeSide int

const (
	Buy TradeSide = iota
	Sell
)

func (s TradeSide) String() string {
	if s == Buy {
		return "BUY"
	}
	return "SELL"
}

// Outcome indices for binary pools. Multi-outcome markets address outcomes
// by their natural index; binary markets use these two.
const (
	OutcomeYes = 0
	OutcomeNo  = 1
)

// MarketState is the reserve snapshot a trade executes against: either a
// cpmm.Pool or a *lmsr.Market.
type MarketState interface{}

// Request describes one trade. AmountIn is dollars for buys and shares for
// sells. MaxSlippagePct, when non-nil, rejects trades whose price impact
// exceeds the ceiling — the all-or-nothing equivalent of a "confirm high
// impact" gate.
type Request struct {
	Side           TradeSide
	Outcome        int
	AmountIn       decimal.Decimal
	MaxSlippagePct *decimal.Decimal
}

// Receipt is the result of a priced trade. All fields are derived from the
// state transition; none is independently settable. SharesOut is set for
// buys, PayoutOut for sells. NewState is the post-trade snapshot of the
// same concrete type as the input state.
type Receipt struct {
	SharesOut      decimal.Decimal
	PayoutOut      decimal.Decimal
	AvgPrice       decimal.Decimal
	PriceImpactPct decimal.Decimal
	NewState       MarketState
}

// Quote prices a trade without any side effects. Identical computation to
// Execute; exposed separately so call sites read as dry runs.
func Quote(state MarketState, req Request) (Receipt, error) {
	return Execute(state, req)
}

// Execute validates the request, dispatches to the pricing model, and
// returns the receipt with the post-trade state. On any error the input
// state is untouched and no partial result is returned.
func Execute(state MarketState, req Request) (Receipt, error) {
	if err := validate(req); err != nil {
		return Receipt{}, err
	}

	var receipt Receipt
	var err error

	switch s := state.(type) {
	case cpmm.Pool:
		receipt, err = executeBinary(s, req)
	case *cpmm.Pool:
		receipt, err = executeBinary(*s, req)
	case *lmsr.Market:
		receipt, err = executeMulti(s, req)
	default:
		return Receipt{}, fmt.Errorf("%w: unsupported market state %T", ErrInvalidParameter, state)
	}
	if err != nil {
		return Receipt{}, err
	}

	if req.MaxSlippagePct != nil && receipt.PriceImpactPct.GreaterThan(*req.MaxSlippagePct) {
		return Receipt{}, fmt.Errorf("%w: impact %s%% > ceiling %s%%",
			ErrSlippageExceeded, receipt.PriceImpactPct, req.MaxSlippagePct)
	}
	return receipt, nil
}

func validate(req Request) error {
	if req.Side != Buy && req.Side != Sell {
		return fmt.Errorf("%w: unknown side", ErrInvalidParameter)
	}
	if req.Outcome < 0 {
		return fmt.Errorf("%w: negative outcome index", ErrInvalidParameter)
	}
	if req.AmountIn.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidParameter)
	}
	if req.MaxSlippagePct != nil && req.MaxSlippagePct.IsNegative() {
		return fmt.Errorf("%w: slippage ceiling must be non-negative", ErrInvalidParameter)
	}
	return nil
}

func executeBinary(pool cpmm.Pool, req Request) (Receipt, error) {
	var side cpmm.Side
	switch req.Outcome {
	case OutcomeYes:
		side = cpmm.SideYes
	case OutcomeNo:
		side = cpmm.SideNo
	default:
		return Receipt{}, fmt.Errorf("%w: outcome %d on a binary market", ErrInvalidParameter, req.Outcome)
	}

	var q cpmm.Quote
	var next cpmm.Pool
	var err error
	if req.Side == Buy {
		q, next, err = pool.ExecuteBuy(side, req.AmountIn)
	} else {
		q, next, err = pool.ExecuteSell(side, req.AmountIn)
	}
	if err != nil {
		return Receipt{}, mapBinaryErr(err)
	}

	return Receipt{
		SharesOut:      q.SharesOut,
		PayoutOut:      numeric.RoundCurrency(q.PayoutOut),
		AvgPrice:       q.AvgPrice,
		PriceImpactPct: q.PriceImpactPct,
		NewState:       next,
	}, nil
}

func executeMulti(market *lmsr.Market, req Request) (Receipt, error) {
	var q lmsr.Quote
	var next *lmsr.Market
	var err error
	if req.Side == Buy {
		q, next, err = market.ExecuteBuy(req.Outcome, req.AmountIn)
	} else {
		q, next, err = market.ExecuteSell(req.Outcome, req.AmountIn)
	}
	if err != nil {
		return Receipt{}, mapMultiErr(err)
	}

	return Receipt{
		SharesOut:      q.SharesOut,
		PayoutOut:      numeric.RoundCurrency(q.PayoutOut),
		AvgPrice:       q.AvgPrice,
		PriceImpactPct: q.PriceImpactPct,
		NewState:       next,
	}, nil
}

// mapBinaryErr folds cpmm sentinels into the engine taxonomy, keeping the
// original error in the chain.
func mapBinaryErr(err error) error {
	switch {
	case errors.Is(err, cpmm.ErrInsufficientLiquidity):
		return fmt.Errorf("%w: %v", ErrInsufficientLiquidity, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
}

// mapMultiErr folds lmsr sentinels into the engine taxonomy.
func mapMultiErr(err error) error {
	switch {
	case errors.Is(err, lmsr.ErrInsufficientPosition):
		return fmt.Errorf("%w: %v", ErrInsufficientPosition, err)
	case errors.Is(err, lmsr.ErrNonConvergent):
		return fmt.Errorf("%w: %v", ErrPricingNonConvergent, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
}
