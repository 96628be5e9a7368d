// Package trade provides the HTTP handlers and application logic for
// executing paper trades, closing positions, resetting the account and
// browsing market data.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/ledger"
	"github.com/atmx/paper-trader/internal/metrics"
	"github.com/atmx/paper-trader/internal/model"
	"github.com/atmx/paper-trader/internal/refresh"
)

const maxHistoryDays = 365

// Quotes is the market data the service needs.
type Quotes interface {
	ledger.QuoteSource
	Search(ctx context.Context, query string) []model.Coin
	SpotPrice(ctx context.Context, assetID string) (decimal.Decimal, bool)
	History(ctx context.Context, assetID string, days int) ([]model.PricePoint, error)
}

// Service wires the ledger to market data, the quote refresher and the
// WebSocket hub. Trade serialization is the ledger's job.
type Service struct {
	ledger    *ledger.Ledger
	quotes    Quotes
	refresher *refresh.Scheduler
	wsHub     *WSHub // optional WebSocket hub for real-time broadcasts
	logger    *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context // parent of the running refresher, nil when stopped
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(l *ledger.Ledger, quotes Quotes, hub *WSHub, refreshInterval time.Duration) *Service {
	s := &Service{
		ledger: l,
		quotes: quotes,
		wsHub:  hub,
		logger: slog.Default(),
	}
	s.refresher = refresh.NewScheduler(refreshInterval, s.RefreshQuotes)
	metrics.ObservePortfolio(l.View())
	return s
}

// Start begins periodic quote refreshes.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	s.refresher.Start(ctx)
}

// Stop halts quote refreshes and waits for any in-flight cycle.
func (s *Service) Stop() {
	s.mu.Lock()
	s.baseCtx = nil
	s.mu.Unlock()
	s.refresher.Stop()
}

// RefreshQuotes re-prices every held asset. It is the refresher's task and
// applies nothing once ctx is cancelled.
func (s *Service) RefreshQuotes(ctx context.Context) {
	assets := s.ledger.HeldAssets()
	if len(assets) == 0 {
		metrics.RefreshCycles.WithLabelValues("idle").Inc()
		return
	}

	prices := s.quotes.SpotPrices(ctx, assets)
	if ctx.Err() != nil {
		metrics.RefreshCycles.WithLabelValues("cancelled").Inc()
		return
	}

	updated := s.ledger.RefreshQuotes(prices)
	outcome := "ok"
	if updated < len(assets) {
		outcome = "partial"
		s.logger.Warn("quote refresh incomplete", "held", len(assets), "updated", updated)
	}
	metrics.RefreshCycles.WithLabelValues(outcome).Inc()
	s.publish("refresh", nil)
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /buy and POST /sell. Amount is the
// currency notional; Price is the unit price the order executes at.
type TradeRequest struct {
	AssetID string          `json:"asset_id"`
	Amount  decimal.Decimal `json:"amount"`
	Price   decimal.Decimal `json:"price"`
}

// TradeResponse is returned from POST /buy and POST /sell.
type TradeResponse struct {
	Trade       model.TradeRecord   `json:"trade"`
	RealizedPnL *decimal.Decimal    `json:"realized_pnl,omitempty"` // sells only
	Portfolio   model.PortfolioView `json:"portfolio"`
}

// CloseAllResponse is returned from POST /close-all.
type CloseAllResponse struct {
	model.CloseAllResult
	Portfolio model.PortfolioView `json:"portfolio"`
}

// PriceResponse is returned from GET /coins/{assetID}/price.
type PriceResponse struct {
	AssetID string          `json:"asset_id"`
	Price   decimal.Decimal `json:"price"`
}

// HistoryResponse is returned from GET /coins/{assetID}/history.
type HistoryResponse struct {
	AssetID string              `json:"asset_id"`
	Days    int                 `json:"days"`
	Prices  []model.PricePoint  `json:"prices"`
	Trades  []model.TradeMarker `json:"trades"`
}

// --- HTTP Handlers ---

// GetPortfolio handles GET /api/v1/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.View())
}

// ListTrades handles GET /api/v1/trades
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Trades())
}

// Buy handles POST /api/v1/buy
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTradeRequest(w, r)
	if !ok {
		return
	}

	start := time.Now()
	rec, err := s.ledger.Buy(r.Context(), req.AssetID, req.Amount, req.Price)
	if err != nil {
		s.reject(w, model.SideBuy, err)
		return
	}
	metrics.ObserveTrade(rec, time.Since(start))

	slog.Info("trade executed",
		"trade_id", rec.ID,
		"side", rec.Side,
		"asset", rec.AssetID,
		"qty", rec.Quantity.String(),
		"notional", rec.Notional.String(),
		"price", rec.UnitPrice.String(),
	)

	view := s.publish(string(model.SideBuy), []model.TradeRecord{rec})
	writeJSON(w, http.StatusOK, TradeResponse{Trade: rec, Portfolio: view})
}

// Sell handles POST /api/v1/sell
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTradeRequest(w, r)
	if !ok {
		return
	}

	start := time.Now()
	res, err := s.ledger.Sell(r.Context(), req.AssetID, req.Amount, req.Price)
	if err != nil {
		s.reject(w, model.SideSell, err)
		return
	}
	metrics.ObserveTrade(res.Trade, time.Since(start))

	slog.Info("trade executed",
		"trade_id", res.Trade.ID,
		"side", res.Trade.Side,
		"asset", res.Trade.AssetID,
		"qty", res.Trade.Quantity.String(),
		"notional", res.Trade.Notional.String(),
		"price", res.Trade.UnitPrice.String(),
		"realized_pnl", res.RealizedPnL.String(),
	)

	view := s.publish(string(model.SideSell), []model.TradeRecord{res.Trade})
	writeJSON(w, http.StatusOK, TradeResponse{Trade: res.Trade, RealizedPnL: &res.RealizedPnL, Portfolio: view})
}

// CloseAll handles POST /api/v1/close-all
// Sells every position at a fresh quote; assets without a quote stay open.
func (s *Service) CloseAll(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	res, err := s.ledger.CloseAll(r.Context(), s.quotes)
	if err != nil {
		s.reject(w, model.SideSell, err)
		return
	}
	elapsed := time.Since(start)
	for _, t := range res.Trades {
		metrics.ObserveTrade(t, elapsed)
	}

	slog.Info("positions closed",
		"closed", len(res.Trades),
		"skipped", len(res.Skipped),
		"realized_pnl", res.TotalRealizedPnL.String(),
	)

	view := s.publish("close_all", res.Trades)
	writeJSON(w, http.StatusOK, CloseAllResponse{CloseAllResult: res, Portfolio: view})
}

// Reset handles POST /api/v1/reset
// The refresher is stopped around the reset so no cycle started against the
// old positions can land on the fresh ledger.
func (s *Service) Reset(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	running := s.refresher.Running()
	s.refresher.Stop()
	err := s.ledger.Reset(r.Context())
	if running && s.baseCtx != nil {
		s.refresher.Start(s.baseCtx)
	}
	if err != nil {
		slog.Error("reset failed", "err", err)
		writeError(w, "failed to reset portfolio", http.StatusInternalServerError)
		return
	}

	view := s.publish("reset", nil)
	writeJSON(w, http.StatusOK, view)
}

// SearchCoins handles GET /api/v1/coins/search?q=
func (s *Service) SearchCoins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.quotes.Search(r.Context(), r.URL.Query().Get("q")))
}

// GetPrice handles GET /api/v1/coins/{assetID}/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")

	price, ok := s.quotes.SpotPrice(r.Context(), assetID)
	if !ok {
		writeError(w, ledger.ErrQuoteUnavailable.Error()+": "+assetID, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{AssetID: assetID, Price: price})
}

// GetHistory handles GET /api/v1/coins/{assetID}/history?days=30
// Returns the price series with this account's executions as chart markers.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")

	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryDays {
			writeError(w, "days must be between 1 and 365", http.StatusBadRequest)
			return
		}
		days = n
	}

	points, err := s.quotes.History(r.Context(), assetID, days)
	if err != nil {
		writeError(w, "failed to load price history: "+err.Error(), http.StatusBadGateway)
		return
	}
	if points == nil {
		points = []model.PricePoint{}
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		AssetID: assetID,
		Days:    days,
		Prices:  points,
		Trades:  s.ledger.TradesFor(assetID),
	})
}

// --- helpers ---

func decodeTradeRequest(w http.ResponseWriter, r *http.Request) (TradeRequest, bool) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	req.AssetID = strings.TrimSpace(req.AssetID)
	return req, true
}

// publish refreshes the portfolio gauges and broadcasts the current view.
func (s *Service) publish(reason string, trades []model.TradeRecord) model.PortfolioView {
	view := s.ledger.View()
	metrics.ObservePortfolio(view)
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      MsgPortfolioUpdated,
			Reason:    reason,
			Trades:    trades,
			Portfolio: &view,
		})
	}
	return view
}

// reject maps a ledger error to an HTTP status and records the rejection.
func (s *Service) reject(w http.ResponseWriter, side model.Side, err error) {
	status, reason := http.StatusInternalServerError, "persistence"
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		status, reason = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status, reason = http.StatusConflict, "insufficient_funds"
	case errors.Is(err, ledger.ErrInsufficientHoldings):
		status, reason = http.StatusConflict, "insufficient_holdings"
	case errors.Is(err, ledger.ErrQuoteUnavailable):
		status, reason = http.StatusBadGateway, "quote_unavailable"
	}
	metrics.TradeRejections.WithLabelValues(string(side), reason).Inc()

	if status == http.StatusInternalServerError {
		slog.Error("trade failed", "side", side, "err", err)
		writeError(w, "failed to record trade", status)
		return
	}
	slog.Info("trade rejected", "side", side, "reason", reason, "err", err)
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
