// Package trade provides the HTTP handlers and business logic for
// creating markets, quoting and executing trades, resolving markets, and
// querying positions/portfolios.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/cpmm"
	"github.com/outcomex/market-engine/internal/engine"
	"github.com/outcomex/market-engine/internal/lmsr"
	"github.com/outcomex/market-engine/internal/metrics"
	"github.com/outcomex/market-engine/internal/model"
	"github.com/outcomex/market-engine/internal/risk"
	"github.com/outcomex/market-engine/internal/store"
)

// slugRegex matches lowercase hyphenated market slugs, e.g.
// "fed-cut-march-2027" or "superbowl-winner".
var slugRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Service handles market operations. Uses a mutex for serialized trade
// execution (single-instance); the store's version check still guards
// against external writers, so horizontal scaling only needs the mutex
// replaced with retry-on-conflict.
type Service struct {
	store   store.Store
	limiter *risk.ExposureLimiter
	mu      sync.Mutex
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, limiter *risk.ExposureLimiter, hub *WSHub) *Service {
	return &Service{
		store:   st,
		limiter: limiter,
		wsHub:   hub,
	}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Slug     string   `json:"slug"`
	Question string   `json:"question"`
	Category string   `json:"category"`
	Kind     string   `json:"kind"`               // "binary" or "multi"
	Outcomes []string `json:"outcomes,omitempty"` // multi only; binary is always Yes/No

	// Binary parameters.
	InitialYesPrice decimal.Decimal  `json:"initial_yes_price"` // 0 → 0.5
	Liquidity       decimal.Decimal  `json:"liquidity"`         // 0 → default 1000
	FeeRate         *decimal.Decimal `json:"fee_rate,omitempty"`

	// Multi-outcome parameter.
	B decimal.Decimal `json:"b"` // 0 → default 100
}

// TradeRequest is the JSON body for POST /trade and POST /quote.
// Amount is dollars for buys and shares for sells.
type TradeRequest struct {
	UserID         string           `json:"user_id"`
	Market         string           `json:"market"` // slug
	Side           string           `json:"side"`   // "BUY" or "SELL"
	Outcome        int              `json:"outcome"`
	Amount         decimal.Decimal  `json:"amount"`
	MaxSlippagePct *decimal.Decimal `json:"max_slippage_pct,omitempty"`
}

// TradeResponse is the JSON body returned from POST /trade.
type TradeResponse struct {
	TradeID        string            `json:"trade_id,omitempty"`
	Market         string            `json:"market"`
	Side           string            `json:"side"`
	Outcome        int               `json:"outcome"`
	SharesOut      decimal.Decimal   `json:"shares_out"`
	PayoutOut      decimal.Decimal   `json:"payout_out"`
	AvgPrice       decimal.Decimal   `json:"avg_price"`
	PriceImpactPct decimal.Decimal   `json:"price_impact_pct"`
	Prices         []decimal.Decimal `json:"prices"` // post-trade
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
type ResolveRequest struct {
	WinningOutcome int `json:"winning_outcome"`
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !slugRegex.MatchString(req.Slug) || len(req.Slug) > 64 {
		writeError(w, "slug must be lowercase hyphenated, max 64 chars", http.StatusBadRequest)
		return
	}
	if req.Question == "" {
		writeError(w, "question is required", http.StatusBadRequest)
		return
	}

	market := &model.Market{
		ID:             uuid.New().String(),
		Slug:           req.Slug,
		Question:       req.Question,
		Category:       req.Category,
		Status:         model.StatusOpen,
		WinningOutcome: -1,
		Version:        1,
		CreatedAt:      time.Now().UTC(),
	}

	switch req.Kind {
	case model.KindBinary:
		initial := req.InitialYesPrice
		if initial.IsZero() {
			initial = decimal.NewFromFloat(0.5)
		}
		liquidity := req.Liquidity
		if liquidity.IsZero() {
			liquidity = decimal.NewFromInt(1000)
		}
		fee := cpmm.DefaultFeeRate
		if req.FeeRate != nil {
			fee = *req.FeeRate
		}

		pool, err := cpmm.NewPoolWithFee(initial, liquidity, fee)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		yes, no := pool.Prices()

		market.Kind = model.KindBinary
		market.OutcomeNames = []string{"Yes", "No"}
		market.Reserves = []decimal.Decimal{pool.ReserveYes, pool.ReserveNo}
		market.Prices = []decimal.Decimal{yes, no}
		market.FeeRate = fee
		market.Liquidity = liquidity

	case model.KindMulti:
		if len(req.Outcomes) < 2 {
			writeError(w, "multi market needs at least two outcomes", http.StatusBadRequest)
			return
		}
		b := req.B
		if b.LessThanOrEqual(decimal.Zero) {
			b = decimal.NewFromInt(100) // default liquidity
		}

		lm, err := lmsr.NewMarket(len(req.Outcomes), b)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		market.Kind = model.KindMulti
		market.OutcomeNames = req.Outcomes
		market.Reserves = lm.Reserves
		market.Prices = lm.Prices()
		market.B = b

	default:
		writeError(w, "kind must be binary or multi", http.StatusBadRequest)
		return
	}

	if err := s.store.CreateMarket(r.Context(), market); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	metrics.ActiveMarkets.Inc()

	slog.Info("market created",
		"id", market.ID,
		"slug", market.Slug,
		"kind", market.Kind,
		"outcomes", len(market.OutcomeNames),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(market)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	market, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(market)
}

// GetPrice handles GET /api/v1/markets/{marketID}/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	market, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	resp := make(map[string]decimal.Decimal, len(market.OutcomeNames))
	for i, name := range market.OutcomeNames {
		if i < len(market.Prices) {
			resp[name] = market.Prices[i]
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// QuoteTrade handles POST /api/v1/quote
// Prices a trade against the current snapshot without persisting anything.
func (s *Service) QuoteTrade(w http.ResponseWriter, r *http.Request) {
	req, market, engReq, ok := s.decodeTrade(w, r)
	if !ok {
		return
	}

	state, err := stateFromMarket(market)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	receipt, err := engine.Quote(state, engReq)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.QuotesTotal.WithLabelValues(req.Side, market.Kind).Inc()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(TradeResponse{
		Market:         market.Slug,
		Side:           req.Side,
		Outcome:        req.Outcome,
		SharesOut:      receipt.SharesOut,
		PayoutOut:      receipt.PayoutOut,
		AvgPrice:       receipt.AvgPrice,
		PriceImpactPct: receipt.PriceImpactPct,
		Prices:         pricesFromState(receipt.NewState),
	})
}

// ExecuteTrade handles POST /api/v1/trade
// Prices the trade, persists the new reserves with a compare-and-swap on
// the market version, and appends an immutable ledger entry.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	req, market, engReq, ok := s.decodeTrade(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	// Serialize trade execution.
	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-read under the lock so the snapshot is current.
	market, err := s.store.GetMarketBySlug(ctx, req.Market)
	if err != nil {
		writeError(w, "market not found: "+req.Market, http.StatusNotFound)
		return
	}
	if market.Status != model.StatusOpen {
		writeError(w, "market is not open for trading", http.StatusConflict)
		return
	}

	state, err := stateFromMarket(market)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	receipt, err := engine.Execute(state, engReq)
	if err != nil {
		metrics.TradeRejections.WithLabelValues(rejectReason(err)).Inc()
		writeEngineError(w, err)
		return
	}

	// --- Exposure limit check ---
	// Buys put cash at risk; sells take it off the table.
	delta := req.Amount
	if engReq.Side == engine.Sell {
		delta = receipt.PayoutOut.Neg()
	}
	positions, err := s.store.GetUserPositions(ctx, req.UserID)
	if err != nil {
		writeError(w, "failed to check exposure limits", http.StatusInternalServerError)
		return
	}
	byMarket := make(map[string]decimal.Decimal, len(positions))
	byCategory := make(map[string]decimal.Decimal)
	for _, p := range positions {
		byMarket[p.MarketID] = p.CurrentValue
		byCategory[p.Category] = byCategory[p.Category].Add(p.CurrentValue)
	}
	if err := s.limiter.Check(market.ID, market.Category, delta, byMarket, byCategory); err != nil {
		metrics.TradeRejections.WithLabelValues("risk_limit").Inc()
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	newReserves := reservesFromState(receipt.NewState)
	newPrices := pricesFromState(receipt.NewState)

	if err := s.store.UpdateMarketState(ctx, market.ID, market.Version, newReserves, newPrices); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			writeError(w, "market state changed, retry the trade", http.StatusConflict)
			return
		}
		writeError(w, "failed to update market state", http.StatusInternalServerError)
		return
	}

	entry := &model.LedgerEntry{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		MarketID:       market.ID,
		Slug:           market.Slug,
		Side:           req.Side,
		Outcome:        req.Outcome,
		AmountIn:       req.Amount,
		SharesOut:      receipt.SharesOut,
		PayoutOut:      receipt.PayoutOut,
		AvgPrice:       receipt.AvgPrice,
		PriceImpactPct: receipt.PriceImpactPct,
		Timestamp:      time.Now().UTC(),
	}
	if err := s.store.InsertLedgerEntry(ctx, entry); err != nil {
		writeError(w, "failed to record trade", http.StatusInternalServerError)
		return
	}

	metrics.TradesTotal.WithLabelValues(req.Side, market.Kind).Inc()
	metrics.TradeLatency.WithLabelValues(req.Side).Observe(time.Since(start).Seconds())
	volume := req.Amount
	if engReq.Side == engine.Sell {
		volume = receipt.PayoutOut
	}
	metrics.MarketVolume.WithLabelValues(market.ID, req.Side).Add(volume.InexactFloat64())

	slog.Info("trade executed",
		"trade_id", entry.ID,
		"user", req.UserID,
		"market", market.Slug,
		"side", req.Side,
		"outcome", req.Outcome,
		"amount", req.Amount.String(),
		"avg_price", receipt.AvgPrice.String(),
		"impact_pct", receipt.PriceImpactPct.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "trade_executed",
			MarketID: market.ID,
			Slug:     market.Slug,
			Category: market.Category,
			Prices:   decimalsToStrings(newPrices),
			Side:     req.Side,
			Outcome:  req.Outcome,
			Amount:   req.Amount.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(TradeResponse{
		TradeID:        entry.ID,
		Market:         market.Slug,
		Side:           req.Side,
		Outcome:        req.Outcome,
		SharesOut:      receipt.SharesOut,
		PayoutOut:      receipt.PayoutOut,
		AvgPrice:       receipt.AvgPrice,
		PriceImpactPct: receipt.PriceImpactPct,
		Prices:         newPrices,
	})
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
// Settlement itself (paying winning shares at 1.0) operates on recorded
// positions, not on live reserves; position marks switch to settlement
// values as soon as the market is resolved.
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	market, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	if market.Status != model.StatusOpen {
		writeError(w, "market already resolved", http.StatusConflict)
		return
	}
	if req.WinningOutcome < 0 || req.WinningOutcome >= len(market.OutcomeNames) {
		writeError(w, "winning_outcome out of range", http.StatusBadRequest)
		return
	}

	if err := s.store.ResolveMarket(r.Context(), marketID, req.WinningOutcome); err != nil {
		writeError(w, "failed to resolve market", http.StatusInternalServerError)
		return
	}
	metrics.ActiveMarkets.Dec()

	slog.Info("market resolved",
		"id", market.ID,
		"slug", market.Slug,
		"winning_outcome", req.WinningOutcome,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "market_resolved",
			MarketID: market.ID,
			Slug:     market.Slug,
			Category: market.Category,
			Outcome:  req.WinningOutcome,
		})
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListMarkets handles GET /api/v1/markets
// Returns all markets, optionally filtered by ?category=<name>.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}

	if category := r.URL.Query().Get("category"); category != "" {
		filtered := []model.Market{}
		for _, m := range markets {
			if m.Category == category {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(markets)
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history
// Returns ledger entries to reconstruct price history.
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	entries, err := s.store.GetLedgerEntriesByMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "failed to get market history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
// Returns positions with P&L and exposure per category.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	positions, err := s.store.GetUserPositions(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}

	totalPnL := decimal.Zero
	totalExposure := decimal.Zero
	byCategory := make(map[string]decimal.Decimal)
	for _, p := range positions {
		totalPnL = totalPnL.Add(p.UnrealizedPnL)
		totalExposure = totalExposure.Add(p.CurrentValue)
		byCategory[p.Category] = byCategory[p.Category].Add(p.CurrentValue)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(model.Portfolio{
		UserID:             userID,
		Positions:          positions,
		TotalPnL:           totalPnL,
		TotalExposure:      totalExposure,
		ExposureByCategory: byCategory,
	})
}

// --- Helpers ---

// decodeTrade decodes and validates the shared trade/quote request shape,
// loading the target market. Writes the error response itself when ok is
// false.
func (s *Service) decodeTrade(w http.ResponseWriter, r *http.Request) (TradeRequest, *model.Market, engine.Request, bool) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, nil, engine.Request{}, false
	}

	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return req, nil, engine.Request{}, false
	}
	var side engine.TradeSide
	switch req.Side {
	case "BUY":
		side = engine.Buy
	case "SELL":
		side = engine.Sell
	default:
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return req, nil, engine.Request{}, false
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return req, nil, engine.Request{}, false
	}

	market, err := s.store.GetMarketBySlug(r.Context(), req.Market)
	if err != nil {
		writeError(w, "market not found: "+req.Market, http.StatusNotFound)
		return req, nil, engine.Request{}, false
	}
	if req.Outcome < 0 || req.Outcome >= len(market.OutcomeNames) {
		writeError(w, "outcome out of range", http.StatusBadRequest)
		return req, nil, engine.Request{}, false
	}

	return req, market, engine.Request{
		Side:           side,
		Outcome:        req.Outcome,
		AmountIn:       req.Amount,
		MaxSlippagePct: req.MaxSlippagePct,
	}, true
}

// stateFromMarket rehydrates the pricing state for a persisted market.
func stateFromMarket(m *model.Market) (engine.MarketState, error) {
	switch m.Kind {
	case model.KindBinary:
		if len(m.Reserves) != 2 {
			return nil, errors.New("binary market must have exactly two reserves")
		}
		return cpmm.Restore(m.Reserves[0], m.Reserves[1], m.FeeRate)
	case model.KindMulti:
		return lmsr.Restore(m.B, m.Reserves)
	default:
		return nil, errors.New("unknown market kind: " + m.Kind)
	}
}

func reservesFromState(state engine.MarketState) []decimal.Decimal {
	switch s := state.(type) {
	case cpmm.Pool:
		return []decimal.Decimal{s.ReserveYes, s.ReserveNo}
	case *lmsr.Market:
		return s.Reserves
	}
	return nil
}

func pricesFromState(state engine.MarketState) []decimal.Decimal {
	switch s := state.(type) {
	case cpmm.Pool:
		yes, no := s.Prices()
		return []decimal.Decimal{yes, no}
	case *lmsr.Market:
		return s.Prices()
	}
	return nil
}

// writeEngineError maps the engine error taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrInvalidParameter):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrInsufficientLiquidity),
		errors.Is(err, engine.ErrInsufficientPosition),
		errors.Is(err, engine.ErrSlippageExceeded):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrPricingNonConvergent):
		status = http.StatusInternalServerError
	}
	writeError(w, err.Error(), status)
}

// rejectReason labels an engine error for the rejection counter.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, engine.ErrInvalidParameter):
		return "invalid_parameter"
	case errors.Is(err, engine.ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, engine.ErrInsufficientPosition):
		return "insufficient_position"
	case errors.Is(err, engine.ErrSlippageExceeded):
		return "slippage_exceeded"
	case errors.Is(err, engine.ErrPricingNonConvergent):
		return "non_convergent"
	}
	return "internal"
}

func decimalsToStrings(ds []decimal.Decimal) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.String()
	}
	return out
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
