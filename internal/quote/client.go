// Package quote provides a CoinGecko v3 client for coin search, spot prices
// and historical price series.
package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/atmx/paper-trader/internal/metrics"
	"github.com/atmx/paper-trader/internal/model"
)

const (
	DefaultBaseURL   = "https://api.coingecko.com/api/v3"
	DefaultTimeout   = 10 * time.Second
	DefaultRateLimit = 5 // requests per second
	DefaultCurrency  = "usd"
	DefaultDays      = 30

	apiKeyHeader   = "x-cg-demo-api-key"
	maxSearchHits  = 10
	priceBatchSize = 50
	priceFetchers  = 2
)

// Client talks to the CoinGecko API. Safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	currency   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets the base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithAPIKey sets the demo API key sent with every request.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithCurrency sets the quote currency, e.g. "usd".
func WithCurrency(currency string) ClientOption {
	return func(c *Client) {
		if currency != "" {
			c.currency = strings.ToLower(currency)
		}
	}
}

// WithRateLimit sets the request rate limit.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		if requestsPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
		}
	}
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new CoinGecko client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  DefaultBaseURL,
		currency: DefaultCurrency,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coingecko API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// get performs a rate-limited GET and decodes the body into result with
// numbers preserved as json.Number.
func (c *Client) get(ctx context.Context, path string, params url.Values, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	c.logger.Debug("coingecko request", "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			Endpoint:   path,
		}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type searchResponse struct {
	Coins []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Symbol string `json:"symbol"`
		Thumb  string `json:"thumb"`
	} `json:"coins"`
}

// Search returns up to ten coins matching query. Failures are logged and
// yield an empty result.
func (c *Client) Search(ctx context.Context, query string) []model.Coin {
	coins := []model.Coin{}
	query = strings.TrimSpace(query)
	if query == "" {
		return coins
	}

	var resp searchResponse
	if err := c.get(ctx, "/search", url.Values{"query": {query}}, &resp); err != nil {
		c.fail("search", err, "query", query)
		return coins
	}
	for _, hit := range resp.Coins {
		if len(coins) == maxSearchHits {
			break
		}
		coins = append(coins, model.Coin{
			ID:        hit.ID,
			Name:      hit.Name,
			Symbol:    strings.ToUpper(hit.Symbol),
			Thumbnail: hit.Thumb,
		})
	}
	return coins
}

// SpotPrice returns the current price of assetID. The second result is false
// when the price could not be fetched or is not positive.
func (c *Client) SpotPrice(ctx context.Context, assetID string) (decimal.Decimal, bool) {
	prices, err := c.fetchPrices(ctx, []string{assetID})
	if err != nil {
		c.fail("price", err, "asset", assetID)
		return decimal.Zero, false
	}
	p, ok := prices[assetID]
	return p, ok
}

// SpotPrices returns current prices for assetIDs. Ids are requested in
// batches, two at a time; ids whose batch failed or that have no usable
// price are absent from the result.
func (c *Client) SpotPrices(ctx context.Context, assetIDs []string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(assetIDs))
	if len(assetIDs) == 0 {
		return out
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(priceFetchers)
	for start := 0; start < len(assetIDs); start += priceBatchSize {
		batch := assetIDs[start:min(start+priceBatchSize, len(assetIDs))]
		g.Go(func() error {
			prices, err := c.fetchPrices(gctx, batch)
			if err != nil {
				// One failed batch must not cancel the others.
				c.fail("price", err, "assets", len(batch))
				return nil
			}
			mu.Lock()
			for id, p := range prices {
				out[id] = p
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}

func (c *Client) fetchPrices(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	params := url.Values{
		"ids":           {strings.Join(ids, ",")},
		"vs_currencies": {c.currency},
	}
	var resp map[string]map[string]json.Number
	if err := c.get(ctx, "/simple/price", params, &resp); err != nil {
		return nil, err
	}

	prices := make(map[string]decimal.Decimal, len(resp))
	for id, quotes := range resp {
		raw, ok := quotes[c.currency]
		if !ok {
			continue
		}
		p, err := decimal.NewFromString(raw.String())
		if err != nil || !p.IsPositive() {
			continue
		}
		prices[id] = p
	}
	return prices, nil
}

type marketChartResponse struct {
	Prices [][]json.Number `json:"prices"`
}

// History returns the price series of assetID over the last days days,
// oldest first. Malformed points are skipped.
func (c *Client) History(ctx context.Context, assetID string, days int) ([]model.PricePoint, error) {
	if days <= 0 {
		days = DefaultDays
	}
	params := url.Values{
		"vs_currency": {c.currency},
		"days":        {strconv.Itoa(days)},
	}

	var resp marketChartResponse
	path := "/coins/" + url.PathEscape(assetID) + "/market_chart"
	if err := c.get(ctx, path, params, &resp); err != nil {
		c.fail("history", err, "asset", assetID)
		return nil, fmt.Errorf("price history for %s: %w", assetID, err)
	}

	points := make([]model.PricePoint, 0, len(resp.Prices))
	for _, pair := range resp.Prices {
		if len(pair) < 2 {
			continue
		}
		ms, err := pair[0].Int64()
		if err != nil {
			f, ferr := pair[0].Float64()
			if ferr != nil {
				continue
			}
			ms = int64(f)
		}
		price, err := decimal.NewFromString(pair[1].String())
		if err != nil {
			continue
		}
		points = append(points, model.PricePoint{
			Timestamp: time.UnixMilli(ms).UTC(),
			Price:     price,
		})
	}
	return points, nil
}

func (c *Client) fail(endpoint string, err error, args ...any) {
	metrics.QuoteFailures.WithLabelValues(endpoint).Inc()
	c.logger.Warn("coingecko "+endpoint+" failed", append(args, "err", err)...)
}
