package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	markets map[string]*model.Market
	ledger  []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets: make(map[string]*model.Market),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.markets {
		if existing.Slug == m.Slug {
			return fmt.Errorf("market with slug %s already exists", m.Slug)
		}
	}

	cp := copyMarket(m)
	s.markets[m.ID] = cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	return copyMarket(m), nil
}

func (s *MemoryStore) GetMarketBySlug(_ context.Context, slug string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.Slug == slug {
			return copyMarket(m), nil
		}
	}
	return nil, fmt.Errorf("%w: market slug %s", ErrNotFound, slug)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *copyMarket(m))
	}
	return markets, nil
}

func (s *MemoryStore) UpdateMarketState(_ context.Context, id string, expectedVersion int64, reserves, prices []decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	if m.Version != expectedVersion {
		return fmt.Errorf("%w: have %d, expected %d", ErrVersionConflict, m.Version, expectedVersion)
	}
	m.Reserves = append([]decimal.Decimal(nil), reserves...)
	m.Prices = append([]decimal.Decimal(nil), prices...)
	m.Version++
	return nil
}

func (s *MemoryStore) ResolveMarket(_ context.Context, id string, winningOutcome int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	m.Status = model.StatusResolved
	m.WinningOutcome = winningOutcome
	m.Version++
	return nil
}

func (s *MemoryStore) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) GetLedgerEntriesByMarket(_ context.Context, marketID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.MarketID == marketID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByUser(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			entries = append(entries, e)
		}
	}
	return aggregatePositions(userID, entries, s.markets), nil
}

// copyMarket deep-copies slices so callers cannot mutate stored state.
func copyMarket(m *model.Market) *model.Market {
	cp := *m
	cp.OutcomeNames = append([]string(nil), m.OutcomeNames...)
	cp.Reserves = append([]decimal.Decimal(nil), m.Reserves...)
	cp.Prices = append([]decimal.Decimal(nil), m.Prices...)
	return &cp
}
