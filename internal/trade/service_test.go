package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/model"
	"github.com/outcomex/market-engine/internal/risk"
	"github.com/outcomex/market-engine/internal/store"
	"github.com/outcomex/market-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	limiter := risk.NewExposureLimiter(d(1000), d(5000))
	svc := trade.NewService(ms, limiter, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/markets", svc.CreateMarket)
	r.Get("/api/v1/markets", svc.ListMarkets)
	r.Get("/api/v1/markets/{marketID}", svc.GetMarket)
	r.Get("/api/v1/markets/{marketID}/price", svc.GetPrice)
	r.Get("/api/v1/markets/{marketID}/history", svc.GetMarketHistory)
	r.Post("/api/v1/markets/{marketID}/resolve", svc.ResolveMarket)
	r.Post("/api/v1/quote", svc.QuoteTrade)
	r.Post("/api/v1/trade", svc.ExecuteTrade)
	r.Get("/api/v1/portfolio/{userID}", svc.GetPortfolio)

	return ms, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// createBinary creates a binary market via the API and returns it.
func createBinary(t *testing.T, router chi.Router, slug string, liquidity float64) model.Market {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/markets", trade.CreateMarketRequest{
		Slug:      slug,
		Question:  "Will it happen?",
		Category:  "politics",
		Kind:      model.KindBinary,
		Liquidity: d(liquidity),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create binary market: %d %s", w.Code, w.Body.String())
	}
	var m model.Market
	json.Unmarshal(w.Body.Bytes(), &m)
	return m
}

// createMulti creates a multi-outcome market via the API and returns it.
func createMulti(t *testing.T, router chi.Router, slug string, outcomes []string, b float64) model.Market {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/markets", trade.CreateMarketRequest{
		Slug:     slug,
		Question: "Who wins?",
		Category: "sports",
		Kind:     model.KindMulti,
		Outcomes: outcomes,
		B:        d(b),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create multi market: %d %s", w.Code, w.Body.String())
	}
	var m model.Market
	json.Unmarshal(w.Body.Bytes(), &m)
	return m
}

// --- Market creation tests ---

func TestCreateMarket_BinaryDefaults(t *testing.T) {
	_, router := newTestEnv(t)
	m := createBinary(t, router, "fed-cut-march", 10000)

	if m.Kind != model.KindBinary {
		t.Errorf("expected binary kind, got %s", m.Kind)
	}
	if len(m.OutcomeNames) != 2 || m.OutcomeNames[0] != "Yes" {
		t.Errorf("expected Yes/No outcomes, got %v", m.OutcomeNames)
	}
	if !m.Prices[0].Equal(d(0.5)) {
		t.Errorf("default market should open at 0.5, got %s", m.Prices[0])
	}
	if !m.FeeRate.Equal(d(0.01)) {
		t.Errorf("expected default 1%% fee, got %s", m.FeeRate)
	}
	if m.Status != model.StatusOpen {
		t.Errorf("new market should be open, got %s", m.Status)
	}
}

func TestCreateMarket_MultiUniformPrices(t *testing.T) {
	_, router := newTestEnv(t)
	m := createMulti(t, router, "superbowl-winner", []string{"Chiefs", "Eagles", "Bills", "Lions"}, 200)

	if len(m.Prices) != 4 {
		t.Fatalf("expected 4 prices, got %d", len(m.Prices))
	}
	for i, p := range m.Prices {
		if p.Sub(d(0.25)).Abs().GreaterThan(d(0.0001)) {
			t.Errorf("outcome %d should open at 0.25, got %s", i, p)
		}
	}
	if !m.B.Equal(d(200)) {
		t.Errorf("expected b=200, got %s", m.B)
	}
}

func TestCreateMarket_InvalidSlug(t *testing.T) {
	_, router := newTestEnv(t)

	for _, slug := range []string{"", "Bad Slug", "UPPER", "trailing-", "-leading", "sp!ce"} {
		w := doJSON(t, router, "POST", "/api/v1/markets", trade.CreateMarketRequest{
			Slug: slug, Question: "q", Kind: model.KindBinary,
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("slug %q: expected 400, got %d", slug, w.Code)
		}
	}
}

func TestCreateMarket_DuplicateSlug(t *testing.T) {
	_, router := newTestEnv(t)
	createBinary(t, router, "fed-cut-march", 1000)

	w := doJSON(t, router, "POST", "/api/v1/markets", trade.CreateMarketRequest{
		Slug: "fed-cut-march", Question: "q", Kind: model.KindBinary,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate slug, got %d", w.Code)
	}
}

// --- Trade execution tests ---

func TestExecuteTrade_BinaryBuy(t *testing.T) {
	ms, router := newTestEnv(t)
	createBinary(t, router, "fed-cut-march", 10000)

	w := doJSON(t, router, "POST", "/api/v1/trade", trade.TradeRequest{
		UserID: "user1", Market: "fed-cut-march", Side: "BUY", Outcome: 0, Amount: d(100),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.TradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.TradeID == "" {
		t.Error("expected non-empty trade_id")
	}
	if resp.SharesOut.LessThanOrEqual(d(100)) {
		t.Errorf("$100 below $1/share should buy > 100 shares, got %s", resp.SharesOut)
	}
	if resp.Prices[0].LessThanOrEqual(d(0.5)) {
		t.Errorf("YES price should rise after a YES buy, got %s", resp.Prices[0])
	}

	// Persisted state advanced with the trade.
	m, _ := ms.GetMarketBySlug(context.Background(), "fed-cut-march")
	if m.Version != 2 {
		t.Errorf("expected version bump to 2, got %d", m.Version)
	}
	sum := m.Prices[0].Add(m.Prices[1])
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(d(0.0000001)) {
		t.Errorf("prices should sum to 1, got %s", sum)
	}
}

func TestExecuteTrade_MultiBuyShiftsPrices(t *testing.T) {
	ms, router := newTestEnv(t)
	createMulti(t, router, "superbowl-winner", []string{"Chiefs", "Eagles", "Bills"}, 100)

	w := doJSON(t, router, "POST", "/api/v1/trade", trade.TradeRequest{
		UserID: "user1", Market: "superbowl-winner", Side: "BUY", Outcome: 1, Amount: d(50),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	m, _ := ms.GetMarketBySlug(context.Background(), "superbowl-winner")
	third := decimal.NewFromInt(1).Div(decimal.NewFromInt(3))
	if m.Prices[1].LessThanOrEqual(third) {
		t.Errorf("bought outcome should trade above 1/3, got %s", m.Prices[1])
	}
	if m.Prices[0].GreaterThanOrEqual(third) {
		t.Errorf("other outcomes should trade below 1/3, got %s", m.Prices[0])
	}
}

func TestExecuteTrade_ValidationErrors(t *testing.T) {
	_, router := newTestEnv(t)
	createBinary(t, router, "fed-cut-march", 1000)

	tests := []struct {
		name string
		req  trade.TradeRequest
		want int
	}{
		{"missing user", trade.TradeRequest{Market: "fed-cut-march", Side: "BUY", Amount: d(10)}, http.StatusBadRequest},
		{"bad side", trade.TradeRequest{UserID: "u", Market: "fed-cut-march", Side: "HOLD", Amount: d(10)}, http.StatusBadRequest},
		{"zero amount", trade.TradeRequest{UserID: "u", Market: "fed-cut-march", Side: "BUY", Amount: decimal.Zero}, http.StatusBadRequest},
		{"outcome out of range", trade.TradeRequest{UserID: "u", Market: "fed-cut-march", Side: "BUY", Outcome: 2, Amount: d(10)}, http.StatusBadRequest},
		{"unknown market", trade.TradeRequest{UserID: "u", Market: "no-such-market", Side: "BUY", Amount: d(10)}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, "POST", "/api/v1/trade", tt.req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestExecuteTrade_SellWithoutShares(t *testing.T) {
	ms, router := newTestEnv(t)
	createMulti(t, router, "superbowl-winner", []string{"Chiefs", "Eagles"}, 100)

	w := doJSON(t, router, "POST", "/api/v1/trade", trade.TradeRequest{
		UserID: "user1", Market: "superbowl-winner", Side: "SELL", Outcome: 0, Amount: d(10),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for selling without shares, got %d: %s", w.Code, w.Body.String())
	}

	// A rejected trade leaves no trace: no version bump, no ledger row.
	m, _ := ms.GetMarketBySlug(context.Background(), "superbowl-winner")
	if m.Version != 1 {
		t.Errorf("failed trade must not advance the version, got %d", m.Version)
	}
	entries, _ := ms.GetLedgerEntriesByUser(context.Background(), "user1")
	if len(entries) != 0 {
		t.Errorf("failed trade must not write ledger entries, got %d", len(entries))
	}
}

func TestExecuteTrade_SlippageCeiling(t *testing.T) {
	_, router := newTestEnv(t)
	createBinary(t, router, "fed-cut-march", 1000)

	tight := d(0.1)
	w := doJSON(t, router, "POST", "/api/v1/trade", trade.TradeRequest{
		UserID: "user1", Market: "fed-cut-march", Side: "BUY", Outcome: 0,
		Amount: d(500), MaxSlippagePct: &tight,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for slippage ceiling, got %d: %s", w.Code, w.Body.String())
	}
}

func TestExecuteTrade_MarketExposureLimit(t *testing.T) {
	// High liquidity keeps the price near 0.5 so marks track cash spent and
	// the per-market exposure limit (1000) is what trips.
	_, router := newTestEnv(t)
	createBinary(t, router, "fed-cut-march", 100000)

	w := doJSON(t, router, "POST", "/api/v1/trade", trade.TradeRequest{
		UserID: "user1", Market: "fed-cut-march", Side: "BUY", Outcome: 0, Amount: d(900),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("first trade should pass: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/api/v1/trade", trade.TradeRequest{
		UserID: "user1", Market: "fed-cut-march", Side: "BUY", Outcome: 0, Amount: d(300),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for exposure limit, got %d: %s", w.Code, w.Body.String())
	}

	// A different user is unaffected.
	w = doJSON(t, router, "POST", "/api/v1/trade", trade.TradeRequest{
		UserID: "user2", Market: "fed-cut-march", Side: "BUY", Outcome: 0, Amount: d(300),
	})
	if w.Code != http.StatusOK {
		t.Errorf("other user should pass: %d %s", w.Code, w.Body.String())
	}
}

func TestExecuteTrade_LedgerEntryCreated(t *testing.T) {
	ms, router := newTestEnv(t)
	createBinary(t, router, "fed-cut-march", 10000)

	doJSON(t, router, "POST", "/api/v1/trade", trade.TradeRequest{
		UserID: "user1", Market: "fed-cut-march", Side: "BUY", Outcome: 1, Amount: d(25),
	})

	entries, err := ms.GetLedgerEntriesByUser(context.Background(), "user1")
	if err != nil {
		t.Fatalf("failed to get ledger: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}

	e := entries[0]
	if e.Side != "BUY" || e.Outcome != 1 {
		t.Errorf("unexpected entry: side=%s outcome=%d", e.Side, e.Outcome)
	}
	if !e.AmountIn.Equal(d(25)) {
		t.Errorf("expected amount_in=25, got %s", e.AmountIn)
	}
	if e.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}
}

// --- Quote tests ---

func TestQuoteTrade_DoesNotPersist(t *testing.T) {
	ms, router := newTestEnv(t)
	createBinary(t, router, "fed-cut-march", 10000)

	w := doJSON(t, router, "POST", "/api/v1/quote", trade.TradeRequest{
		UserID: "user1", Market: "fed-cut-march", Side: "BUY", Outcome: 0, Amount: d(100),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.TradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.TradeID != "" {
		t.Error("quote should not mint a trade id")
	}
	if resp.SharesOut.LessThanOrEqual(decimal.Zero) {
		t.Errorf("quote should price shares, got %s", resp.SharesOut)
	}

	m, _ := ms.GetMarketBySlug(context.Background(), "fed-cut-march")
	if m.Version != 1 {
		t.Errorf("quote must not advance the market version, got %d", m.Version)
	}
	if !m.Prices[0].Equal(d(0.5)) {
		t.Errorf("quote must not move prices, got %s", m.Prices[0])
	}
	entries, _ := ms.GetLedgerEntriesByUser(context.Background(), "user1")
	if len(entries) != 0 {
		t.Errorf("quote must not write ledger entries, got %d", len(entries))
	}
}

// --- Resolution tests ---

func TestResolveMarket(t *testing.T) {
	_, router := newTestEnv(t)
	m := createMulti(t, router, "superbowl-winner", []string{"Chiefs", "Eagles", "Bills"}, 100)

	w := doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolve", trade.ResolveRequest{WinningOutcome: 1})
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	// Second resolution is rejected.
	w = doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolve", trade.ResolveRequest{WinningOutcome: 1})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for double resolve, got %d", w.Code)
	}

	// Trading a resolved market is rejected.
	w = doJSON(t, router, "POST", "/api/v1/trade", trade.TradeRequest{
		UserID: "user1", Market: "superbowl-winner", Side: "BUY", Outcome: 0, Amount: d(10),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 trading a resolved market, got %d", w.Code)
	}
}

func TestResolveMarket_OutcomeOutOfRange(t *testing.T) {
	_, router := newTestEnv(t)
	m := createBinary(t, router, "fed-cut-march", 1000)

	w := doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolve", trade.ResolveRequest{WinningOutcome: 2})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for out-of-range outcome, got %d", w.Code)
	}
}

func TestResolveMarket_SettlesPositions(t *testing.T) {
	_, router := newTestEnv(t)
	m := createBinary(t, router, "fed-cut-march", 10000)

	doJSON(t, router, "POST", "/api/v1/trade", trade.TradeRequest{
		UserID: "user1", Market: "fed-cut-march", Side: "BUY", Outcome: 0, Amount: d(100),
	})
	doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolve", trade.ResolveRequest{WinningOutcome: 0})

	w := doJSON(t, router, "GET", "/api/v1/portfolio/user1", nil)
	var portfolio model.Portfolio
	json.Unmarshal(w.Body.Bytes(), &portfolio)

	if len(portfolio.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(portfolio.Positions))
	}
	p := portfolio.Positions[0]
	// Winner settles at $1/share: ~198 shares bought for $100.
	if p.CurrentValue.LessThanOrEqual(d(100)) {
		t.Errorf("winning position should settle above cost, got %s", p.CurrentValue)
	}
	if p.UnrealizedPnL.LessThanOrEqual(decimal.Zero) {
		t.Errorf("winning position should show profit, got %s", p.UnrealizedPnL)
	}
}

// --- Listing and portfolio tests ---

func TestListMarkets_CategoryFilter(t *testing.T) {
	_, router := newTestEnv(t)
	createBinary(t, router, "fed-cut-march", 1000)                      // politics
	createMulti(t, router, "superbowl-winner", []string{"a", "b"}, 100) // sports

	w := doJSON(t, router, "GET", "/api/v1/markets?category=sports", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var markets []model.Market
	json.Unmarshal(w.Body.Bytes(), &markets)
	if len(markets) != 1 || markets[0].Slug != "superbowl-winner" {
		t.Errorf("expected only the sports market, got %v", markets)
	}
}

func TestGetPortfolio_AggregatesExposure(t *testing.T) {
	_, router := newTestEnv(t)
	createBinary(t, router, "fed-cut-march", 10000)

	doJSON(t, router, "POST", "/api/v1/trade", trade.TradeRequest{
		UserID: "user1", Market: "fed-cut-march", Side: "BUY", Outcome: 0, Amount: d(50),
	})

	w := doJSON(t, router, "GET", "/api/v1/portfolio/user1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var portfolio model.Portfolio
	json.Unmarshal(w.Body.Bytes(), &portfolio)

	if portfolio.UserID != "user1" {
		t.Errorf("expected user_id=user1, got %s", portfolio.UserID)
	}
	if len(portfolio.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(portfolio.Positions))
	}
	if _, ok := portfolio.ExposureByCategory["politics"]; !ok {
		t.Error("expected exposure under the politics category")
	}
	if portfolio.TotalExposure.LessThanOrEqual(decimal.Zero) {
		t.Error("expected positive total exposure")
	}
}

func TestGetPortfolio_Empty(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/portfolio/nobody", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var portfolio model.Portfolio
	json.Unmarshal(w.Body.Bytes(), &portfolio)
	if len(portfolio.Positions) != 0 {
		t.Errorf("expected 0 positions, got %d", len(portfolio.Positions))
	}
}

func TestGetMarketHistory(t *testing.T) {
	_, router := newTestEnv(t)
	m := createBinary(t, router, "fed-cut-march", 10000)

	for i := 0; i < 3; i++ {
		doJSON(t, router, "POST", "/api/v1/trade", trade.TradeRequest{
			UserID: "user1", Market: "fed-cut-march", Side: "BUY", Outcome: 0, Amount: d(10),
		})
	}

	w := doJSON(t, router, "GET", "/api/v1/markets/"+m.ID+"/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var entries []model.LedgerEntry
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 3 {
		t.Errorf("expected 3 ledger entries, got %d", len(entries))
	}
}
