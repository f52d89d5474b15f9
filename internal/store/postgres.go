package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Scalar monetary values are stored as NUMERIC; reserve and price vectors
// as TEXT[] of decimal strings, so no value ever round-trips through
// float64.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const marketColumns = `id, slug, question, category, kind, outcome_names,
	reserves, prices, b::TEXT, fee_rate::TEXT, liquidity::TEXT,
	status, winning_outcome, version, created_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, slug, question, category, kind, outcome_names,
		                      reserves, prices, b, fee_rate, liquidity,
		                      status, winning_outcome, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13, $14, $15)`,
		m.ID, m.Slug, m.Question, m.Category, m.Kind, m.OutcomeNames,
		decimalsToStrings(m.Reserves), decimalsToStrings(m.Prices),
		m.B.String(), m.FeeRate.String(), m.Liquidity.String(),
		m.Status, m.WinningOutcome, m.Version, m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, notFoundOr(err))
	}
	return m, nil
}

func (s *PostgresStore) GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE slug = $1`, slug)
	m, err := scanMarket(row)
	if err != nil {
		return nil, fmt.Errorf("get market by slug %s: %w", slug, notFoundOr(err))
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarketState(ctx context.Context, id string, expectedVersion int64, reserves, prices []decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets
		 SET reserves = $3, prices = $4, version = version + 1
		 WHERE id = $1 AND version = $2`,
		id, expectedVersion,
		decimalsToStrings(reserves), decimalsToStrings(prices),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: market %s at version %d", ErrVersionConflict, id, expectedVersion)
	}
	return nil
}

func (s *PostgresStore) ResolveMarket(ctx context.Context, id string, winningOutcome int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets
		 SET status = $2, winning_outcome = $3, version = version + 1
		 WHERE id = $1`,
		id, model.StatusResolved, winningOutcome,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, market_id, slug, side, outcome,
		                             amount_in, shares_out, payout_out, avg_price,
		                             price_impact_pct, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12)`,
		e.ID, e.UserID, e.MarketID, e.Slug, e.Side, e.Outcome,
		e.AmountIn.String(), e.SharesOut.String(), e.PayoutOut.String(),
		e.AvgPrice.String(), e.PriceImpactPct.String(), e.Timestamp,
	)
	return err
}

const ledgerColumns = `id, user_id, market_id, slug, side, outcome,
	amount_in::TEXT, shares_out::TEXT, payout_out::TEXT,
	avg_price::TEXT, price_impact_pct::TEXT, timestamp`

func (s *PostgresStore) GetLedgerEntriesByMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE market_id = $1 ORDER BY timestamp`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// GetUserPositions loads the user's ledger plus the touched markets and
// folds them with the shared aggregation so Postgres and memory mark to
// market identically.
func (s *PostgresStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	entries, err := s.GetLedgerEntriesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(entries))
	seen := make(map[string]bool)
	for _, e := range entries {
		if !seen[e.MarketID] {
			seen[e.MarketID] = true
			ids = append(ids, e.MarketID)
		}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	markets := make(map[string]*model.Market, len(ids))
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return aggregatePositions(userID, entries, markets), nil
}

// --- Scan helpers ---

type pgxRow interface {
	Scan(dest ...any) error
}

func scanMarket(row pgxRow) (*model.Market, error) {
	var m model.Market
	var reserves, prices []string
	var b, feeRate, liquidity string

	err := row.Scan(&m.ID, &m.Slug, &m.Question, &m.Category, &m.Kind, &m.OutcomeNames,
		&reserves, &prices, &b, &feeRate, &liquidity,
		&m.Status, &m.WinningOutcome, &m.Version, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	if m.Reserves, err = stringsToDecimals(reserves); err != nil {
		return nil, err
	}
	if m.Prices, err = stringsToDecimals(prices); err != nil {
		return nil, err
	}
	m.B, _ = decimal.NewFromString(b)
	m.FeeRate, _ = decimal.NewFromString(feeRate)
	m.Liquidity, _ = decimal.NewFromString(liquidity)
	return &m, nil
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amountS, sharesS, payoutS, priceS, impactS string

		if err := rows.Scan(&e.ID, &e.UserID, &e.MarketID, &e.Slug, &e.Side, &e.Outcome,
			&amountS, &sharesS, &payoutS, &priceS, &impactS, &e.Timestamp); err != nil {
			return nil, err
		}

		e.AmountIn, _ = decimal.NewFromString(amountS)
		e.SharesOut, _ = decimal.NewFromString(sharesS)
		e.PayoutOut, _ = decimal.NewFromString(payoutS)
		e.AvgPrice, _ = decimal.NewFromString(priceS)
		e.PriceImpactPct, _ = decimal.NewFromString(impactS)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func notFoundOr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func decimalsToStrings(ds []decimal.Decimal) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.String()
	}
	return out
}

func stringsToDecimals(ss []string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(ss))
	for i, s := range ss {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("decode decimal %q: %w", s, err)
		}
		out[i] = d
	}
	return out, nil
}
