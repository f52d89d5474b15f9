package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedMarket(t *testing.T, s *MemoryStore) *model.Market {
	t.Helper()
	m := &model.Market{
		ID:             "m1",
		Slug:           "fed-cut-march",
		Category:       "politics",
		Kind:           model.KindBinary,
		OutcomeNames:   []string{"Yes", "No"},
		Reserves:       []decimal.Decimal{d(500), d(500)},
		Prices:         []decimal.Decimal{d(0.5), d(0.5)},
		Status:         model.StatusOpen,
		WinningOutcome: -1,
		Version:        1,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("seed market: %v", err)
	}
	return m
}

func TestCreateMarket_DuplicateSlugRejected(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s)

	dup := &model.Market{ID: "m2", Slug: "fed-cut-march"}
	if err := s.CreateMarket(context.Background(), dup); err == nil {
		t.Error("expected error for duplicate slug")
	}
}

func TestUpdateMarketState_VersionCAS(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s)
	ctx := context.Background()

	reserves := []decimal.Decimal{d(400), d(600)}
	prices := []decimal.Decimal{d(0.6), d(0.4)}

	if err := s.UpdateMarketState(ctx, "m1", 1, reserves, prices); err != nil {
		t.Fatalf("update with current version should pass: %v", err)
	}

	// Re-using the stale version must conflict.
	err := s.UpdateMarketState(ctx, "m1", 1, reserves, prices)
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}

	m, _ := s.GetMarket(ctx, "m1")
	if m.Version != 2 {
		t.Errorf("expected version 2, got %d", m.Version)
	}
	if !m.Prices[0].Equal(d(0.6)) {
		t.Errorf("prices not updated, got %s", m.Prices[0])
	}
}

func TestGetMarket_ReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s)
	ctx := context.Background()

	m, _ := s.GetMarket(ctx, "m1")
	m.Prices[0] = d(0.99)

	again, _ := s.GetMarket(ctx, "m1")
	if !again.Prices[0].Equal(d(0.5)) {
		t.Error("mutating a returned market must not touch the stored copy")
	}
}

func TestGetUserPositions_FoldsBuysAndSells(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s)
	ctx := context.Background()

	buy := &model.LedgerEntry{
		ID: "t1", UserID: "u1", MarketID: "m1", Slug: "fed-cut-march",
		Side: "BUY", Outcome: 0, AmountIn: d(100), SharesOut: d(198),
		Timestamp: time.Now().UTC(),
	}
	sell := &model.LedgerEntry{
		ID: "t2", UserID: "u1", MarketID: "m1", Slug: "fed-cut-march",
		Side: "SELL", Outcome: 0, AmountIn: d(98), PayoutOut: d(49),
		Timestamp: time.Now().UTC(),
	}
	for _, e := range []*model.LedgerEntry{buy, sell} {
		if err := s.InsertLedgerEntry(ctx, e); err != nil {
			t.Fatalf("insert ledger: %v", err)
		}
	}

	positions, err := s.GetUserPositions(ctx, "u1")
	if err != nil {
		t.Fatalf("get positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}

	p := positions[0]
	if !p.Shares[0].Equal(d(100)) {
		t.Errorf("expected 198-98=100 shares, got %s", p.Shares[0])
	}
	if !p.CostBasis.Equal(d(51)) {
		t.Errorf("expected cost basis 100-49=51, got %s", p.CostBasis)
	}
	// 100 shares marked at 0.5 = $50 value.
	if !p.CurrentValue.Equal(d(50)) {
		t.Errorf("expected current value 50, got %s", p.CurrentValue)
	}
}

func TestGetUserPositions_SettlementMarks(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s)
	ctx := context.Background()

	entry := &model.LedgerEntry{
		ID: "t1", UserID: "u1", MarketID: "m1", Slug: "fed-cut-march",
		Side: "BUY", Outcome: 1, AmountIn: d(100), SharesOut: d(198),
		Timestamp: time.Now().UTC(),
	}
	if err := s.InsertLedgerEntry(ctx, entry); err != nil {
		t.Fatalf("insert ledger: %v", err)
	}
	if err := s.ResolveMarket(ctx, "m1", 0); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	positions, _ := s.GetUserPositions(ctx, "u1")
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	// Outcome 1 lost: shares settle at zero.
	if !positions[0].CurrentValue.IsZero() {
		t.Errorf("losing shares should settle at 0, got %s", positions[0].CurrentValue)
	}
	if !positions[0].UnrealizedPnL.Equal(d(-100)) {
		t.Errorf("expected -100 PnL, got %s", positions[0].UnrealizedPnL)
	}
}

func TestGetMarket_NotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetMarket(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
