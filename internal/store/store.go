// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a market does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned when UpdateMarketState is given a
	// stale version: another trade committed between the caller's read
	// and write. The caller re-reads and re-prices.
	ErrVersionConflict = errors.New("store: market version conflict")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// GetMarketBySlug retrieves a market by its URL slug.
	GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// UpdateMarketState writes post-trade reserves and prices if and only
	// if the stored version still equals expectedVersion, then increments
	// the version. Returns ErrVersionConflict otherwise.
	UpdateMarketState(ctx context.Context, id string, expectedVersion int64, reserves, prices []decimal.Decimal) error

	// ResolveMarket marks a market resolved with the winning outcome.
	ResolveMarket(ctx context.Context, id string, winningOutcome int) error

	// --- Immutable ledger ---

	// InsertLedgerEntry appends an immutable trade record.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// GetLedgerEntriesByMarket returns all trades for a market.
	GetLedgerEntriesByMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error)

	// GetLedgerEntriesByUser returns all trades for a user.
	GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	// --- Position queries ---

	// GetUserPositions computes aggregate positions from the ledger,
	// marked to current prices (or settlement values once resolved).
	GetUserPositions(ctx context.Context, userID string) ([]model.Position, error)
}

// aggregatePositions folds ledger entries into per-market positions.
// Shared by the memory and PostgreSQL stores so both mark to market the
// same way: resolved markets value the winning outcome at 1.0 and the
// rest at 0.0, open markets use the stored prices.
func aggregatePositions(userID string, entries []model.LedgerEntry, markets map[string]*model.Market) []model.Position {
	type agg struct {
		market *model.Market
		shares []decimal.Decimal
		cost   decimal.Decimal
	}

	byMarket := make(map[string]*agg)
	for _, e := range entries {
		m := markets[e.MarketID]
		if m == nil {
			continue
		}
		a, ok := byMarket[e.MarketID]
		if !ok {
			a = &agg{market: m, shares: make([]decimal.Decimal, len(m.Reserves))}
			byMarket[e.MarketID] = a
		}
		if e.Outcome < 0 || e.Outcome >= len(a.shares) {
			continue
		}
		if e.Side == "BUY" {
			a.shares[e.Outcome] = a.shares[e.Outcome].Add(e.SharesOut)
			a.cost = a.cost.Add(e.AmountIn)
		} else {
			a.shares[e.Outcome] = a.shares[e.Outcome].Sub(e.AmountIn)
			a.cost = a.cost.Sub(e.PayoutOut)
		}
	}

	one := decimal.NewFromInt(1)
	var positions []model.Position
	for _, a := range byMarket {
		value := decimal.Zero
		for i, qty := range a.shares {
			var price decimal.Decimal
			switch {
			case a.market.Status == model.StatusResolved && i == a.market.WinningOutcome:
				price = one
			case a.market.Status == model.StatusResolved:
				price = decimal.Zero
			case i < len(a.market.Prices):
				price = a.market.Prices[i]
			}
			value = value.Add(price.Mul(qty))
		}

		positions = append(positions, model.Position{
			UserID:        userID,
			MarketID:      a.market.ID,
			Slug:          a.market.Slug,
			Category:      a.market.Category,
			Shares:        a.shares,
			CostBasis:     a.cost,
			CurrentValue:  value,
			UnrealizedPnL: value.Sub(a.cost),
		})
	}
	return positions
}
