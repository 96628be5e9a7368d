package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/ledger"
	"github.com/atmx/paper-trader/internal/model"
	"github.com/atmx/paper-trader/internal/store"
	"github.com/atmx/paper-trader/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeQuotes serves canned market data; assets missing from prices have no
// quote.
type fakeQuotes struct {
	mu         sync.Mutex
	prices     map[string]decimal.Decimal
	coins      []model.Coin
	history    []model.PricePoint
	historyErr error
	lastDays   int
}

func (q *fakeQuotes) setPrice(id string, p float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.prices[id] = d(p)
}

func (q *fakeQuotes) SpotPrices(_ context.Context, ids []string) map[string]decimal.Decimal {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]decimal.Decimal)
	for _, id := range ids {
		if p, ok := q.prices[id]; ok {
			out[id] = p
		}
	}
	return out
}

func (q *fakeQuotes) SpotPrice(_ context.Context, id string) (decimal.Decimal, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.prices[id]
	return p, ok
}

func (q *fakeQuotes) Search(_ context.Context, query string) []model.Coin {
	out := []model.Coin{}
	for _, c := range q.coins {
		if strings.Contains(c.ID, query) {
			out = append(out, c)
		}
	}
	return out
}

func (q *fakeQuotes) History(_ context.Context, _ string, days int) ([]model.PricePoint, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastDays = days
	return q.history, q.historyErr
}

type testEnv struct {
	svc    *trade.Service
	ledger *ledger.Ledger
	store  *store.MemoryStore
	quotes *fakeQuotes
	router chi.Router
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	l, err := ledger.Restore(context.Background(), ms, "test", d(10000))
	if err != nil {
		t.Fatalf("failed to restore ledger: %v", err)
	}
	quotes := &fakeQuotes{prices: map[string]decimal.Decimal{}}
	svc := trade.NewService(l, quotes, nil, time.Hour)

	r := chi.NewRouter()
	r.Get("/api/v1/portfolio", svc.GetPortfolio)
	r.Get("/api/v1/trades", svc.ListTrades)
	r.Post("/api/v1/buy", svc.Buy)
	r.Post("/api/v1/sell", svc.Sell)
	r.Post("/api/v1/close-all", svc.CloseAll)
	r.Post("/api/v1/reset", svc.Reset)
	r.Get("/api/v1/coins/search", svc.SearchCoins)
	r.Get("/api/v1/coins/{assetID}/price", svc.GetPrice)
	r.Get("/api/v1/coins/{assetID}/history", svc.GetHistory)

	return &testEnv{svc: svc, ledger: l, store: ms, quotes: quotes, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) trade(t *testing.T, side, asset string, amount, price float64) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, "POST", "/api/v1/"+side, trade.TradeRequest{
		AssetID: asset,
		Amount:  d(amount),
		Price:   d(price),
	})
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode %q: %v", w.Body.String(), err)
	}
	return v
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, w)["error"]
}

// --- Trade execution tests ---

func TestBuy(t *testing.T) {
	env := newTestEnv(t)

	w := env.trade(t, "buy", "bitcoin", 1000, 50000)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	resp := decode[trade.TradeResponse](t, w)
	if resp.Trade.ID == "" {
		t.Error("expected non-empty trade id")
	}
	if resp.Trade.Side != model.SideBuy {
		t.Errorf("expected buy, got %s", resp.Trade.Side)
	}
	if !resp.Trade.Quantity.Equal(d(0.02)) {
		t.Errorf("expected quantity 0.02, got %s", resp.Trade.Quantity)
	}
	if resp.RealizedPnL != nil {
		t.Errorf("buy should not report realized P&L, got %s", resp.RealizedPnL)
	}
	if !resp.Portfolio.CashBalance.Equal(d(9000)) {
		t.Errorf("expected cash 9000, got %s", resp.Portfolio.CashBalance)
	}
	if len(resp.Portfolio.Positions) != 1 || resp.Portfolio.Positions[0].AssetID != "bitcoin" {
		t.Errorf("expected one bitcoin position, got %+v", resp.Portfolio.Positions)
	}
}

func TestBuy_AcceptsStringFigures(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/buy", `{"asset_id":"bitcoin","amount":"100.50","price":"20100"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !env.ledger.CashBalance().Equal(d(9899.5)) {
		t.Errorf("expected cash 9899.5, got %s", env.ledger.CashBalance())
	}
}

func TestBuy_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t)

	w := env.trade(t, "buy", "bitcoin", 10000.01, 50000)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	msg := errorMessage(t, w)
	if !strings.Contains(msg, "available $10000.00") {
		t.Errorf("error should carry the available balance, got %q", msg)
	}
	if len(env.ledger.Trades()) != 0 {
		t.Error("rejected buy must not record a trade")
	}
}

func TestBuy_InvalidInput(t *testing.T) {
	env := newTestEnv(t)

	cases := map[string]any{
		"malformed json":  `{"asset_id":`,
		"missing asset":   trade.TradeRequest{Amount: d(10), Price: d(1)},
		"blank asset":     trade.TradeRequest{AssetID: "  ", Amount: d(10), Price: d(1)},
		"zero amount":     trade.TradeRequest{AssetID: "bitcoin", Price: d(1)},
		"negative amount": trade.TradeRequest{AssetID: "bitcoin", Amount: d(-5), Price: d(1)},
		"missing price":   `{"asset_id":"bitcoin","amount":10}`,
		"text amount":     `{"asset_id":"bitcoin","amount":"ten","price":1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/buy", body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
	if !env.ledger.CashBalance().Equal(d(10000)) {
		t.Errorf("invalid orders must not touch cash, got %s", env.ledger.CashBalance())
	}
}

func TestSell_RealizesPnL(t *testing.T) {
	env := newTestEnv(t)
	env.trade(t, "buy", "sol", 1000, 10)
	env.trade(t, "buy", "sol", 500, 20)

	w := env.trade(t, "sell", "sol", 600, 15)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	resp := decode[trade.TradeResponse](t, w)
	if resp.RealizedPnL == nil || !resp.RealizedPnL.Equal(d(120)) {
		t.Errorf("expected realized 120, got %v", resp.RealizedPnL)
	}
	if !resp.Portfolio.CashBalance.Equal(d(9100)) {
		t.Errorf("expected cash 9100, got %s", resp.Portfolio.CashBalance)
	}
	if !resp.Portfolio.RealizedPnL.Equal(d(120)) {
		t.Errorf("expected portfolio realized 120, got %s", resp.Portfolio.RealizedPnL)
	}
	pos := resp.Portfolio.Positions[0]
	if !pos.Quantity.Equal(d(85)) || !pos.AverageCost.Equal(d(12)) {
		t.Errorf("expected 85 @ 12, got %s @ %s", pos.Quantity, pos.AverageCost)
	}
}

func TestSell_InsufficientHoldings(t *testing.T) {
	env := newTestEnv(t)
	env.trade(t, "buy", "sol", 100, 10)

	w := env.trade(t, "sell", "sol", 200, 10)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if msg := errorMessage(t, w); !strings.Contains(msg, "available 10.00000000") {
		t.Errorf("error should carry the held quantity, got %q", msg)
	}

	w = env.trade(t, "sell", "doge", 1, 1)
	if w.Code != http.StatusConflict {
		t.Fatalf("selling an unheld asset: expected 409, got %d", w.Code)
	}
}

func TestCloseAll_SkipsAssetsWithoutQuote(t *testing.T) {
	env := newTestEnv(t)
	env.trade(t, "buy", "a", 1000, 10)
	env.trade(t, "buy", "b", 2000, 20)
	env.quotes.setPrice("a", 12)

	w := env.do(t, "POST", "/api/v1/close-all", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	resp := decode[trade.CloseAllResponse](t, w)
	if len(resp.Trades) != 1 || resp.Trades[0].AssetID != "a" {
		t.Fatalf("expected only a to close, got %+v", resp.Trades)
	}
	if !resp.TotalRealizedPnL.Equal(d(200)) {
		t.Errorf("expected realized 200, got %s", resp.TotalRealizedPnL)
	}
	if _, ok := resp.Skipped["b"]; !ok {
		t.Errorf("expected b to be reported as skipped, got %v", resp.Skipped)
	}
	if len(resp.Portfolio.Positions) != 1 || resp.Portfolio.Positions[0].AssetID != "b" {
		t.Errorf("expected b to stay open, got %+v", resp.Portfolio.Positions)
	}
	if !resp.Portfolio.CashBalance.Equal(d(8200)) {
		t.Errorf("expected cash 8200, got %s", resp.Portfolio.CashBalance)
	}
}

func TestCloseAll_NoPositions(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/close-all", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[trade.CloseAllResponse](t, w)
	if len(resp.Trades) != 0 || !resp.TotalRealizedPnL.IsZero() {
		t.Errorf("expected empty result, got %+v", resp.CloseAllResult)
	}
}

func TestReset(t *testing.T) {
	env := newTestEnv(t)
	env.svc.Start(context.Background())
	defer env.svc.Stop()
	env.trade(t, "buy", "a", 1000, 10)

	w := env.do(t, "POST", "/api/v1/reset", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	view := decode[model.PortfolioView](t, w)
	if !view.CashBalance.Equal(d(10000)) || len(view.Positions) != 0 || view.TradeCount != 0 {
		t.Errorf("expected seeded portfolio, got %+v", view)
	}

	// Reset is durable: a restored ledger sees the seed balance.
	restored, err := ledger.Restore(context.Background(), env.store, "test", d(10000))
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if len(restored.Trades()) != 0 || !restored.CashBalance().Equal(d(10000)) {
		t.Error("reset was not persisted")
	}
}

func TestRefreshQuotes_UpdatesValuationOnly(t *testing.T) {
	env := newTestEnv(t)
	env.trade(t, "buy", "a", 1000, 10)
	env.trade(t, "buy", "b", 1000, 20)
	env.quotes.setPrice("a", 15)

	env.svc.RefreshQuotes(context.Background())

	w := env.do(t, "GET", "/api/v1/portfolio", nil)
	view := decode[model.PortfolioView](t, w)
	if !view.CashBalance.Equal(d(8000)) {
		t.Errorf("refresh must not touch cash, got %s", view.CashBalance)
	}
	if !view.TotalUnrealizedPnL.Equal(d(500)) {
		t.Errorf("expected unrealized 500, got %s", view.TotalUnrealizedPnL)
	}
	for _, p := range view.Positions {
		switch p.AssetID {
		case "a":
			if !p.LastQuote.Equal(d(15)) || !p.PercentChange.Equal(d(50)) {
				t.Errorf("a: expected quote 15 (+50%%), got %s (%s%%)", p.LastQuote, p.PercentChange)
			}
		case "b":
			if !p.LastQuote.Equal(d(20)) {
				t.Errorf("b has no fresh quote and should keep 20, got %s", p.LastQuote)
			}
		}
	}
}

func TestRefreshQuotes_CancelledContextAppliesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.trade(t, "buy", "a", 1000, 10)
	env.quotes.setPrice("a", 99)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env.svc.RefreshQuotes(ctx)

	pos, _ := env.ledger.Holding("a")
	if !pos.LastQuote.Equal(d(10)) {
		t.Errorf("cancelled refresh must not apply, got quote %s", pos.LastQuote)
	}
}

func TestListTrades(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/trades", nil)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty JSON array, got %s", w.Body.String())
	}

	env.trade(t, "buy", "a", 100, 10)
	env.trade(t, "sell", "a", 50, 10)
	trades := decode[[]model.TradeRecord](t, env.do(t, "GET", "/api/v1/trades", nil))
	if len(trades) != 2 || trades[0].Side != model.SideBuy || trades[1].Side != model.SideSell {
		t.Errorf("unexpected history: %+v", trades)
	}
}

// --- Market data tests ---

func TestSearchCoins(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.coins = []model.Coin{
		{ID: "bitcoin", Name: "Bitcoin", Symbol: "BTC"},
		{ID: "bitcoin-cash", Name: "Bitcoin Cash", Symbol: "BCH"},
		{ID: "ethereum", Name: "Ethereum", Symbol: "ETH"},
	}

	coins := decode[[]model.Coin](t, env.do(t, "GET", "/api/v1/coins/search?q=bitcoin", nil))
	if len(coins) != 2 {
		t.Errorf("expected 2 coins, got %+v", coins)
	}
}

func TestGetPrice(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.setPrice("bitcoin", 67000.5)

	w := env.do(t, "GET", "/api/v1/coins/bitcoin/price", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[trade.PriceResponse](t, w)
	if resp.AssetID != "bitcoin" || !resp.Price.Equal(d(67000.5)) {
		t.Errorf("unexpected price response: %+v", resp)
	}

	w = env.do(t, "GET", "/api/v1/coins/unknown/price", nil)
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502 for missing quote, got %d", w.Code)
	}
}

func TestGetHistory_IncludesTradeMarkers(t *testing.T) {
	env := newTestEnv(t)
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	env.quotes.history = []model.PricePoint{
		{Timestamp: t0, Price: d(10)},
		{Timestamp: t0.Add(time.Hour), Price: d(11)},
	}
	env.trade(t, "buy", "a", 100, 10)
	env.trade(t, "buy", "b", 100, 10)
	env.trade(t, "sell", "a", 50, 11)

	w := env.do(t, "GET", "/api/v1/coins/a/history?days=7", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[trade.HistoryResponse](t, w)
	if resp.Days != 7 || env.quotes.lastDays != 7 {
		t.Errorf("expected 7 days, got %d (requested %d)", resp.Days, env.quotes.lastDays)
	}
	if len(resp.Prices) != 2 {
		t.Errorf("expected 2 price points, got %d", len(resp.Prices))
	}
	if len(resp.Trades) != 2 || resp.Trades[0].Side != model.SideBuy || resp.Trades[1].Side != model.SideSell {
		t.Errorf("expected buy and sell markers for a, got %+v", resp.Trades)
	}
}

func TestGetHistory_Errors(t *testing.T) {
	env := newTestEnv(t)

	for _, q := range []string{"0", "-1", "abc", "366"} {
		w := env.do(t, "GET", "/api/v1/coins/a/history?days="+q, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("days=%s: expected 400, got %d", q, w.Code)
		}
	}

	env.quotes.historyErr = errors.New("upstream down")
	w := env.do(t, "GET", "/api/v1/coins/a/history", nil)
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502 on upstream failure, got %d", w.Code)
	}
	if env.quotes.lastDays != 30 {
		t.Errorf("expected default of 30 days, got %d", env.quotes.lastDays)
	}
}
