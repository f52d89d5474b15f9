// Package cpmm implements a constant-product market maker for binary
// (YES/NO) prediction markets.
//
// The pool holds two virtual reserves of complete-set shares. The product
// k = reserveYes * reserveNo is fixed at creation and preserved by every
// trade; the quoted probability for a side is the opposite reserve's share
// of the total:
//
//	priceYes = reserveNo / (reserveYes + reserveNo)
//
// Buys mint a complete set with the cash paid in, rebalance the pool back
// onto k, and hand the surplus shares of the bought side to the trader.
// Sells solve the inverse quadratic so k is preserved exactly. A fee rate
// fixed at creation is skimmed outside the reserves and is the pool's
// built-in spread.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal curve math runs in float64 with results converted back through
// the finite-input checks in internal/numeric.
package cpmm

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/numeric"
)

var (
	// ErrInvalidParameter is returned for non-positive amounts, prices
	// outside (0,1), or unknown sides. Rejected before any computation.
	ErrInvalidParameter = errors.New("cpmm: invalid parameter")

	// ErrInsufficientLiquidity is returned when a trade would drive a
	// reserve to zero or below. Permanent for that trade size.
	ErrInsufficientLiquidity = errors.New("cpmm: insufficient liquidity")
)

// DefaultFeeRate is the fee charged on trades when the creator does not
// specify one. Skimmed from cash in (buys) and cash out (sells); the
// reserves, and therefore k, never see it.
var DefaultFeeRate = decimal.NewFromFloat(0.01)

// Side selects the YES or NO outcome of a binary pool.
type Side int

const (
	SideYes Side = iota
	SideNo
)

func (s Side) String() string {
	if s == SideYes {
		return "YES"
	}
	return "NO"
}

// Pool is an immutable snapshot of a binary market's reserves. Methods
// never mutate the receiver; Execute variants return a new Pool. This lets
// callers quote concurrently against a stale snapshot and compare-and-swap
// the persisted state afterwards.
type Pool struct {
	ReserveYes decimal.Decimal
	ReserveNo  decimal.Decimal
	FeeRate    decimal.Decimal
}

// Quote is the priced outcome of a prospective trade. SharesOut is set for
// buys, PayoutOut for sells. PriceImpactPct is the adverse move of the
// average execution price against the pre-trade spot price, in percent,
// and is non-negative in both directions.
type Quote struct {
	SharesOut      decimal.Decimal
	PayoutOut      decimal.Decimal
	AvgPrice       decimal.Decimal
	PriceImpactPct decimal.Decimal
	NewReserveYes  decimal.Decimal
	NewReserveNo   decimal.Decimal
}

// NewPool creates a pool quoting initialYesPrice with DefaultFeeRate.
func NewPool(initialYesPrice, liquidity decimal.Decimal) (Pool, error) {
	return NewPoolWithFee(initialYesPrice, liquidity, DefaultFeeRate)
}

// NewPoolWithFee creates a pool whose YES price is exactly initialYesPrice:
//
//	reserveYes = liquidity * (1 - initialYesPrice)
//	reserveNo  = liquidity * initialYesPrice
//
// initialYesPrice must lie in (0,1), liquidity must be positive, and
// feeRate must lie in [0,1).
func NewPoolWithFee(initialYesPrice, liquidity, feeRate decimal.Decimal) (Pool, error) {
	one := decimal.NewFromInt(1)
	if initialYesPrice.LessThanOrEqual(decimal.Zero) || initialYesPrice.GreaterThanOrEqual(one) {
		return Pool{}, fmt.Errorf("%w: initial price must be in (0,1)", ErrInvalidParameter)
	}
	if liquidity.LessThanOrEqual(decimal.Zero) {
		return Pool{}, fmt.Errorf("%w: liquidity must be positive", ErrInvalidParameter)
	}
	if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(one) {
		return Pool{}, fmt.Errorf("%w: fee rate must be in [0,1)", ErrInvalidParameter)
	}
	return Pool{
		ReserveYes: liquidity.Mul(one.Sub(initialYesPrice)),
		ReserveNo:  liquidity.Mul(initialYesPrice),
		FeeRate:    feeRate,
	}, nil
}

// Restore rebuilds a pool from persisted reserves.
func Restore(reserveYes, reserveNo, feeRate decimal.Decimal) (Pool, error) {
	if reserveYes.LessThanOrEqual(decimal.Zero) || reserveNo.LessThanOrEqual(decimal.Zero) {
		return Pool{}, fmt.Errorf("%w: reserves must be positive", ErrInvalidParameter)
	}
	if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Pool{}, fmt.Errorf("%w: fee rate must be in [0,1)", ErrInvalidParameter)
	}
	return Pool{ReserveYes: reserveYes, ReserveNo: reserveNo, FeeRate: feeRate}, nil
}

// K returns the constant product of the reserves.
func (p Pool) K() decimal.Decimal {
	return p.ReserveYes.Mul(p.ReserveNo)
}

// Price returns the quoted probability for a side. priceYes + priceNo == 1
// by construction (priceNo is computed as the exact complement).
func (p Pool) Price(side Side) decimal.Decimal {
	yes, no := p.Prices()
	if side == SideYes {
		return yes
	}
	return no
}

// Prices returns (priceYes, priceNo).
func (p Pool) Prices() (decimal.Decimal, decimal.Decimal) {
	total := p.ReserveYes.Add(p.ReserveNo)
	yes := p.ReserveNo.Div(total)
	return yes, decimal.NewFromInt(1).Sub(yes)
}

// sideReserves splits the reserves into (own, other) for a side.
func (p Pool) sideReserves(side Side) (float64, float64) {
	if side == SideYes {
		return p.ReserveYes.InexactFloat64(), p.ReserveNo.InexactFloat64()
	}
	return p.ReserveNo.InexactFloat64(), p.ReserveYes.InexactFloat64()
}

func (p Pool) newReserves(side Side, own, other float64) (decimal.Decimal, decimal.Decimal) {
	ownD := decimal.NewFromFloat(own)
	otherD := decimal.NewFromFloat(other)
	if side == SideYes {
		return ownD, otherD
	}
	return otherD, ownD
}

// QuoteBuy prices a purchase of the given side for amountIn dollars.
//
// The cash (net of fee) mints amountIn complete sets into the pool, then
// the bought side's reserve is rebalanced onto k. The new reserve is
// computed as k / (reserveOther + amount) rather than by rearranging the
// difference, which would cancel catastrophically near extreme prices.
func (p Pool) QuoteBuy(side Side, amountIn decimal.Decimal) (Quote, error) {
	if side != SideYes && side != SideNo {
		return Quote{}, fmt.Errorf("%w: unknown side", ErrInvalidParameter)
	}
	if amountIn.LessThanOrEqual(decimal.Zero) {
		return Quote{}, fmt.Errorf("%w: amount must be positive", ErrInvalidParameter)
	}

	own, other := p.sideReserves(side)
	k := own * other
	eff := amountIn.Mul(decimal.NewFromInt(1).Sub(p.FeeRate)).InexactFloat64()

	newOther := other + eff
	newOwn := k / newOther
	shares := eff + own - newOwn

	if err := numeric.CheckFinite("buy", newOther, newOwn, shares); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	if newOwn <= 0 || shares <= 0 {
		return Quote{}, ErrInsufficientLiquidity
	}

	sharesD := numeric.FromFloat(shares)
	avg := amountIn.Div(sharesD)
	spot := p.Price(side)
	impact := avg.Sub(spot).Div(spot).Mul(decimal.NewFromInt(100))

	ry, rn := p.newReserves(side, newOwn, newOther)
	return Quote{
		SharesOut:      sharesD,
		AvgPrice:       numeric.RoundPrice(avg),
		PriceImpactPct: numeric.RoundPrice(impact),
		NewReserveYes:  ry,
		NewReserveNo:   rn,
	}, nil
}

// QuoteSell prices the sale of sharesIn shares of the given side.
//
// The payout g dollars is the root of
//
//	(own + sharesIn - g) * (other - g) = k
//
// so that returning the shares and paying out g complete sets leaves k
// untouched. The smaller quadratic root is the physical one (the larger
// would drain the opposite reserve past zero).
func (p Pool) QuoteSell(side Side, sharesIn decimal.Decimal) (Quote, error) {
	if side != SideYes && side != SideNo {
		return Quote{}, fmt.Errorf("%w: unknown side", ErrInvalidParameter)
	}
	if sharesIn.LessThanOrEqual(decimal.Zero) {
		return Quote{}, fmt.Errorf("%w: shares must be positive", ErrInvalidParameter)
	}

	own, other := p.sideReserves(side)
	s := sharesIn.InexactFloat64()

	t := own + other + s
	disc := t*t - 4*s*other
	if disc < 0 {
		disc = 0
	}
	g := (t - math.Sqrt(disc)) / 2

	if err := numeric.CheckFinite("sell", g); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	if g >= other || own+s-g <= 0 {
		return Quote{}, ErrInsufficientLiquidity
	}

	newOwn := own + s - g
	newOther := other - g

	payout := numeric.FromFloat(g).Mul(decimal.NewFromInt(1).Sub(p.FeeRate))
	avg := payout.Div(sharesIn)
	spot := p.Price(side)
	impact := spot.Sub(avg).Div(spot).Mul(decimal.NewFromInt(100))

	ry, rn := p.newReserves(side, newOwn, newOther)
	return Quote{
		PayoutOut:      numeric.RoundPrice(payout),
		AvgPrice:       numeric.RoundPrice(avg),
		PriceImpactPct: numeric.RoundPrice(impact),
		NewReserveYes:  ry,
		NewReserveNo:   rn,
	}, nil
}

// ExecuteBuy quotes the buy and returns the pool holding the new reserves.
// The receiver is unchanged.
func (p Pool) ExecuteBuy(side Side, amountIn decimal.Decimal) (Quote, Pool, error) {
	q, err := p.QuoteBuy(side, amountIn)
	if err != nil {
		return Quote{}, p, err
	}
	return q, Pool{ReserveYes: q.NewReserveYes, ReserveNo: q.NewReserveNo, FeeRate: p.FeeRate}, nil
}

// ExecuteSell quotes the sale and returns the pool holding the new reserves.
func (p Pool) ExecuteSell(side Side, sharesIn decimal.Decimal) (Quote, Pool, error) {
	q, err := p.QuoteSell(side, sharesIn)
	if err != nil {
		return Quote{}, p, err
	}
	return q, Pool{ReserveYes: q.NewReserveYes, ReserveNo: q.NewReserveNo, FeeRate: p.FeeRate}, nil
}
