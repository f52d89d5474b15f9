// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for multi-outcome prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability, with results immediately converted back to decimal.
//
// The cost function is not invertible in closed form on the buy side
// ("spend X dollars, receive Y shares"), so buys are solved by bisection.
// Bisection is preferred over Newton's method: the cost difference is
// monotone in the share count, so the bracket always converges, where
// Newton can diverge for small b.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/numeric"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// ErrInvalidOutcomeCount is returned when a market is created with
	// fewer than two outcomes.
	ErrInvalidOutcomeCount = errors.New("lmsr: market needs at least two outcomes")

	// ErrInvalidOutcome is returned when an outcome index is out of range.
	ErrInvalidOutcome = errors.New("lmsr: outcome index out of range")

	// ErrInvalidAmount is returned for non-positive trade amounts.
	ErrInvalidAmount = errors.New("lmsr: amount must be positive")

	// ErrInsufficientPosition is returned when a sell exceeds the
	// outstanding shares of that outcome.
	ErrInsufficientPosition = errors.New("lmsr: sell exceeds outstanding shares")

	// ErrNonConvergent is returned when the buy solver fails to converge
	// within SolverMaxIter iterations. Surfaced to the caller, never
	// silently approximated: an approximate fill would misprice the market.
	ErrNonConvergent = errors.New("lmsr: share solver did not converge")
)

const (
	// SolverTolerance is the absolute dollar tolerance of the buy solver.
	SolverTolerance = 1e-6

	// SolverMaxIter caps bisection iterations before ErrNonConvergent.
	SolverMaxIter = 64
)

// Market is an immutable snapshot of an LMSR market: one outstanding-share
// reserve per outcome plus the liquidity parameter b. Execute variants
// return a new Market; the receiver is never mutated.
type Market struct {
	B        decimal.Decimal
	Reserves []decimal.Decimal
}

// Quote is the priced outcome of a prospective trade. SharesOut is set for
// buys, PayoutOut for sells. PriceImpactPct is the adverse move of the
// average execution price against the pre-trade spot price, in percent.
type Quote struct {
	SharesOut      decimal.Decimal
	PayoutOut      decimal.Decimal
	AvgPrice       decimal.Decimal
	PriceImpactPct decimal.Decimal
	NewReserves    []decimal.Decimal
}

// NewMarket creates a market with n outcomes, all reserves at zero, which
// prices every outcome at the uniform prior 1/n.
func NewMarket(n int, b decimal.Decimal) (*Market, error) {
	if n < 2 {
		return nil, ErrInvalidOutcomeCount
	}
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &Market{B: b, Reserves: make([]decimal.Decimal, n)}, nil
}

// Restore rebuilds a market from persisted reserves.
func Restore(b decimal.Decimal, reserves []decimal.Decimal) (*Market, error) {
	if len(reserves) < 2 {
		return nil, ErrInvalidOutcomeCount
	}
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	rs := make([]decimal.Decimal, len(reserves))
	copy(rs, reserves)
	return &Market{B: b, Reserves: rs}, nil
}

// Outcomes returns the number of outcomes.
func (m *Market) Outcomes() int {
	return len(m.Reserves)
}

// floats returns (reserves, b) as float64 for the transcendental math.
func (m *Market) floats() ([]float64, float64) {
	qs := make([]float64, len(m.Reserves))
	for i, r := range m.Reserves {
		qs[i] = r.InexactFloat64()
	}
	return qs, m.B.InexactFloat64()
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}
	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}
	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}
	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// cost computes C(q) = b * ln(Σ exp(q_i / b)) in float64.
func cost(qs []float64, b float64) float64 {
	scaled := make([]float64, len(qs))
	for i, q := range qs {
		scaled[i] = q / b
	}
	return b * logSumExp(scaled)
}

// costWithDelta computes C(q + delta·e_idx) without allocating. qs is
// restored before returning.
func costWithDelta(qs []float64, b float64, idx int, delta float64) float64 {
	orig := qs[idx]
	qs[idx] = orig + delta
	c := cost(qs, b)
	qs[idx] = orig
	return c
}

// Cost computes the LMSR cost function for the current reserves.
func (m *Market) Cost() decimal.Decimal {
	qs, b := m.floats()
	return numeric.FromFloat(cost(qs, b))
}

// MaxLoss returns the maximum possible market-maker loss, b * ln(n).
// Informational: callers size the pool's subsidy funding from it.
func (m *Market) MaxLoss() decimal.Decimal {
	bf := m.B.InexactFloat64()
	return numeric.FromFloat(bf * math.Log(float64(len(m.Reserves))))
}

// prices computes the softmax of the reserves in float64, subtracting the
// maximum before exponentiating so nothing overflows.
func (m *Market) prices() []float64 {
	qs, b := m.floats()
	maxVal := qs[0]
	for _, q := range qs[1:] {
		if q > maxVal {
			maxVal = q
		}
	}
	exps := make([]float64, len(qs))
	var sum float64
	for i, q := range qs {
		exps[i] = math.Exp((q - maxVal) / b)
		sum += exps[i]
	}
	for i := range exps {
		exps[i] /= sum
	}
	return exps
}

// Prices returns the quoted probability of every outcome. The softmax
// guarantees Σ p_i == 1 within 1e-9 and every p_i in (0,1); values are
// additionally clamped to the engine-wide probability bounds.
func (m *Market) Prices() []decimal.Decimal {
	ps := m.prices()
	out := make([]decimal.Decimal, len(ps))
	for i, p := range ps {
		out[i] = numeric.ClampProbability(numeric.FromFloat(p))
	}
	return out
}

// Price returns the quoted probability of one outcome.
func (m *Market) Price(idx int) (decimal.Decimal, error) {
	if idx < 0 || idx >= len(m.Reserves) {
		return decimal.Decimal{}, fmt.Errorf("%w: %d", ErrInvalidOutcome, idx)
	}
	return m.Prices()[idx], nil
}

// QuoteBuy prices a purchase of amountIn dollars of one outcome, solving
//
//	C(q + shares·e_idx) - C(q) == amountIn
//
// for shares by bisection. The upper bracket starts at amountIn (a share
// never costs more than $1, so shares >= amountIn) and doubles until the
// cost difference exceeds the target.
func (m *Market) QuoteBuy(idx int, amountIn decimal.Decimal) (Quote, error) {
	if idx < 0 || idx >= len(m.Reserves) {
		return Quote{}, fmt.Errorf("%w: %d", ErrInvalidOutcome, idx)
	}
	if amountIn.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrInvalidAmount
	}

	qs, b := m.floats()
	target := amountIn.InexactFloat64()
	base := cost(qs, b)

	// Bracket the root.
	lo, hi := 0.0, target
	grown := 0
	for costWithDelta(qs, b, idx, hi)-base < target {
		hi *= 2
		if grown++; grown > SolverMaxIter {
			return Quote{}, ErrNonConvergent
		}
	}

	var shares float64
	converged := false
	for i := 0; i < SolverMaxIter; i++ {
		mid := (lo + hi) / 2
		diff := costWithDelta(qs, b, idx, mid) - base - target
		if math.Abs(diff) < SolverTolerance {
			shares = mid
			converged = true
			break
		}
		if diff < 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
	if !converged {
		return Quote{}, ErrNonConvergent
	}
	if err := numeric.CheckFinite("shares", shares); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrNonConvergent, err)
	}

	sharesD := numeric.FromFloat(shares)
	avg := amountIn.Div(sharesD)
	spot := m.Prices()[idx]
	impact := avg.Sub(spot).Div(spot).Mul(decimal.NewFromInt(100))

	newReserves := make([]decimal.Decimal, len(m.Reserves))
	copy(newReserves, m.Reserves)
	newReserves[idx] = newReserves[idx].Add(sharesD)

	return Quote{
		SharesOut:      sharesD,
		AvgPrice:       numeric.RoundPrice(avg),
		PriceImpactPct: numeric.RoundPrice(impact),
		NewReserves:    newReserves,
	}, nil
}

// QuoteSell prices the sale of sharesIn shares of one outcome. Selling is
// closed-form, no solver:
//
//	payout = C(q) - C(q - sharesIn·e_idx)
//
// which is non-negative whenever sharesIn <= reserves[idx].
func (m *Market) QuoteSell(idx int, sharesIn decimal.Decimal) (Quote, error) {
	if idx < 0 || idx >= len(m.Reserves) {
		return Quote{}, fmt.Errorf("%w: %d", ErrInvalidOutcome, idx)
	}
	if sharesIn.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrInvalidAmount
	}
	if sharesIn.GreaterThan(m.Reserves[idx]) {
		return Quote{}, fmt.Errorf("%w: have %s, selling %s",
			ErrInsufficientPosition, m.Reserves[idx], sharesIn)
	}

	qs, b := m.floats()
	s := sharesIn.InexactFloat64()
	payout := cost(qs, b) - costWithDelta(qs, b, idx, -s)
	if err := numeric.CheckFinite("payout", payout); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if payout < 0 {
		payout = 0
	}

	payoutD := numeric.FromFloat(payout)
	avg := payoutD.Div(sharesIn)
	spot := m.Prices()[idx]
	impact := spot.Sub(avg).Div(spot).Mul(decimal.NewFromInt(100))

	newReserves := make([]decimal.Decimal, len(m.Reserves))
	copy(newReserves, m.Reserves)
	newReserves[idx] = newReserves[idx].Sub(sharesIn)

	return Quote{
		PayoutOut:      payoutD,
		AvgPrice:       numeric.RoundPrice(avg),
		PriceImpactPct: numeric.RoundPrice(impact),
		NewReserves:    newReserves,
	}, nil
}

// ExecuteBuy quotes the buy and returns the market holding the new
// reserves. The receiver is unchanged.
func (m *Market) ExecuteBuy(idx int, amountIn decimal.Decimal) (Quote, *Market, error) {
	q, err := m.QuoteBuy(idx, amountIn)
	if err != nil {
		return Quote{}, m, err
	}
	return q, &Market{B: m.B, Reserves: q.NewReserves}, nil
}

// ExecuteSell quotes the sale and returns the market holding the new
// reserves.
func (m *Market) ExecuteSell(idx int, sharesIn decimal.Decimal) (Quote, *Market, error) {
	q, err := m.QuoteSell(idx, sharesIn)
	if err != nil {
		return Quote{}, m, err
	}
	return q, &Market{B: m.B, Reserves: q.NewReserves}, nil
}
