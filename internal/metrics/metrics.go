// Package metrics provides Prometheus instrumentation for the paper trader.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/model"
)

var (
	// TradesTotal counts executed trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrader_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeLatency observes how long a trade takes end to end, persistence
	// included.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "papertrader_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRejections counts trades the ledger refused, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrader_trade_rejections_total",
		Help: "Trades rejected by the ledger",
	}, []string{"side", "reason"})

	// TradedNotional tracks cumulative traded currency amount per asset.
	TradedNotional = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrader_traded_notional_total",
		Help: "Cumulative traded notional",
	}, []string{"asset_id", "side"})

	CashBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "papertrader_cash_balance",
		Help: "Spendable cash balance",
	})

	PortfolioValue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "papertrader_portfolio_value",
		Help: "Market value of all open positions at last quote",
	})

	RealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "papertrader_realized_pnl",
		Help: "Realized profit and loss since the last reset",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "papertrader_open_positions",
		Help: "Number of assets currently held",
	})

	// QuoteFailures counts failed market data requests by endpoint.
	QuoteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrader_quote_failures_total",
		Help: "Failed market data requests",
	}, []string{"endpoint"})

	// RefreshCycles counts quote refresh runs by outcome.
	RefreshCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrader_refresh_cycles_total",
		Help: "Quote refresh cycles",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "papertrader_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrader_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "papertrader_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObservePortfolio sets the portfolio gauges from a view.
func ObservePortfolio(v model.PortfolioView) {
	CashBalance.Set(toFloat(v.CashBalance))
	PortfolioValue.Set(toFloat(v.TotalPortfolioValue))
	RealizedPnL.Set(toFloat(v.RealizedPnL))
	OpenPositions.Set(float64(len(v.Positions)))
}

// ObserveTrade records an executed trade.
func ObserveTrade(t model.TradeRecord, elapsed time.Duration) {
	side := string(t.Side)
	TradesTotal.WithLabelValues(side).Inc()
	TradeLatency.WithLabelValues(side).Observe(elapsed.Seconds())
	TradedNotional.WithLabelValues(t.AssetID, side).Add(toFloat(t.Notional))
}

// toFloat is for gauge values only.
func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
