// Package ledger implements the portfolio accounting engine of the paper
// trader: a cash balance, one weighted-average-cost position per asset, an
// append-only trade history and the realized/unrealized P&L derived from
// them.
//
// Every mutation is validated before anything changes, applied to a copy of
// the state, written through to the snapshot store and only then committed,
// so an operation either fully happens or leaves the ledger untouched.
//
// Money and quantities are shopspring/decimal throughout.
package ledger

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/model"
	"github.com/atmx/paper-trader/internal/store"
)

// DefaultSessionKey is the store key the ledger snapshot lives under.
const DefaultSessionKey = "tradingSimulatorData"

var (
	// DefaultSeedBalance is the cash a fresh or reset ledger starts with.
	DefaultSeedBalance = decimal.NewFromInt(10000)

	// DefaultDustThreshold is the quantity below which a position is
	// treated as fully closed and removed.
	DefaultDustThreshold = decimal.New(1, -8)
)

// QuoteSource supplies fresh spot prices. Assets without a usable price are
// simply absent from the returned map.
type QuoteSource interface {
	SpotPrices(ctx context.Context, assetIDs []string) map[string]decimal.Decimal
}

// state is the full ledger aggregate. Committed states are never mutated by
// trades; operations work on a clone.
type state struct {
	cash     decimal.Decimal
	holdings map[string]model.Position
	trades   []model.TradeRecord
	realized decimal.Decimal
	updated  time.Time
}

func seededState(seed decimal.Decimal) *state {
	return &state{
		cash:     seed,
		holdings: make(map[string]model.Position),
		realized: decimal.Zero,
	}
}

func (s *state) clone() *state {
	holdings := make(map[string]model.Position, len(s.holdings))
	for id, p := range s.holdings {
		holdings[id] = p
	}
	return &state{
		cash:     s.cash,
		holdings: holdings,
		trades:   append(make([]model.TradeRecord, 0, len(s.trades)+1), s.trades...),
		realized: s.realized,
		updated:  s.updated,
	}
}

// Ledger is the aggregate root. Safe for concurrent use; mutations are
// serialized so no two trades interleave.
type Ledger struct {
	mu     sync.RWMutex
	st     *state
	store  store.SnapshotStore
	key    string
	seed   decimal.Decimal
	dust   decimal.Decimal
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithDustThreshold overrides DefaultDustThreshold.
func WithDustThreshold(dust decimal.Decimal) Option {
	return func(l *Ledger) {
		if dust.IsPositive() {
			l.dust = dust
		}
	}
}

// WithClock sets the time source used for trade timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// New creates a seeded ledger that writes through to st under key. Nothing is
// persisted until the first mutation; use Restore to resume a session.
func New(st store.SnapshotStore, key string, seed decimal.Decimal, opts ...Option) *Ledger {
	if key == "" {
		key = DefaultSessionKey
	}
	if !seed.IsPositive() {
		seed = DefaultSeedBalance
	}
	l := &Ledger{
		store:  st,
		key:    key,
		seed:   seed,
		dust:   DefaultDustThreshold,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.st = seededState(seed)
	return l
}

// --- Trading ---

// Buy spends notional at unitPrice. The position's average cost becomes the
// quantity-weighted average of the prior cost basis and this purchase.
func (l *Ledger) Buy(ctx context.Context, assetID string, notional, unitPrice decimal.Decimal) (model.TradeRecord, error) {
	if err := validateOrder(assetID, notional, unitPrice); err != nil {
		return model.TradeRecord{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if notional.GreaterThan(l.st.cash) {
		return model.TradeRecord{}, &InsufficientFundsError{Requested: notional, Available: l.st.cash}
	}

	quantity := notional.Div(unitPrice)
	if quantity.LessThan(l.dust) {
		return model.TradeRecord{}, invalidInput("quantity %s is below the dust threshold %s", quantity, l.dust)
	}

	next := l.st.clone()
	next.cash = next.cash.Sub(notional)
	applyBuy(next.holdings, assetID, quantity, notional, unitPrice)

	rec := l.record(next, model.SideBuy, assetID, quantity, notional, unitPrice)
	if err := l.commit(ctx, next); err != nil {
		return model.TradeRecord{}, err
	}

	l.logger.Debug("buy recorded",
		"asset", assetID,
		"quantity", quantity.String(),
		"notional", notional.String(),
		"price", unitPrice.String(),
	)
	return rec, nil
}

// Sell receives notional at unitPrice. The sale crystallizes
// notional − quantity × averageCost, with the average cost taken before the
// position is reduced or removed.
func (l *Ledger) Sell(ctx context.Context, assetID string, notional, unitPrice decimal.Decimal) (model.SellResult, error) {
	if err := validateOrder(assetID, notional, unitPrice); err != nil {
		return model.SellResult{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	quantity := notional.Div(unitPrice)
	pos, ok := l.st.holdings[assetID]
	if !ok {
		return model.SellResult{}, &InsufficientHoldingsError{AssetID: assetID, Requested: quantity, Available: decimal.Zero}
	}
	if quantity.GreaterThan(pos.Quantity) {
		// Selling "everything" can overshoot by a division rounding step.
		if quantity.Sub(pos.Quantity).GreaterThan(l.dust) {
			return model.SellResult{}, &InsufficientHoldingsError{AssetID: assetID, Requested: quantity, Available: pos.Quantity}
		}
		quantity = pos.Quantity
	}

	next := l.st.clone()
	next.cash = next.cash.Add(notional)
	realized := applySell(next.holdings, assetID, quantity, notional, unitPrice, l.dust)
	next.realized = next.realized.Add(realized)

	rec := l.record(next, model.SideSell, assetID, quantity, notional, unitPrice)
	if err := l.commit(ctx, next); err != nil {
		return model.SellResult{}, err
	}

	l.logger.Debug("sell recorded",
		"asset", assetID,
		"quantity", quantity.String(),
		"notional", notional.String(),
		"price", unitPrice.String(),
		"realized_pnl", realized.String(),
	)
	return model.SellResult{Trade: rec, RealizedPnL: realized}, nil
}

// CloseAll sells every position in full at a fresh quote. Quotes are fetched
// without holding the lock; assets that get no quote are skipped and stay
// held. The result is persisted once. Only a persistence failure is an error.
func (l *Ledger) CloseAll(ctx context.Context, quotes QuoteSource) (model.CloseAllResult, error) {
	result := model.CloseAllResult{
		Trades:           []model.TradeRecord{},
		TotalRealizedPnL: decimal.Zero,
	}

	assets := l.HeldAssets()
	if len(assets) == 0 {
		return result, nil
	}
	prices := quotes.SpotPrices(ctx, assets)

	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.st.clone()
	for _, assetID := range assets {
		pos, ok := next.holdings[assetID]
		if !ok {
			continue // sold while quotes were in flight
		}
		price, ok := prices[assetID]
		if !ok || !price.IsPositive() {
			if result.Skipped == nil {
				result.Skipped = make(map[string]string)
			}
			result.Skipped[assetID] = ErrQuoteUnavailable.Error()
			l.logger.Warn("close-all skipped asset", "asset", assetID, "err", ErrQuoteUnavailable)
			continue
		}

		notional := pos.Quantity.Mul(price)
		next.cash = next.cash.Add(notional)
		realized := applySell(next.holdings, assetID, pos.Quantity, notional, price, l.dust)
		next.realized = next.realized.Add(realized)
		result.TotalRealizedPnL = result.TotalRealizedPnL.Add(realized)
		result.Trades = append(result.Trades, l.record(next, model.SideSell, assetID, pos.Quantity, notional, price))
	}

	if len(result.Trades) == 0 {
		return result, nil
	}
	if err := l.commit(ctx, next); err != nil {
		return model.CloseAllResult{}, err
	}
	return result, nil
}

// RefreshQuotes overwrites LastQuote for every held asset with a positive
// price in prices and returns how many were updated. Cash, trades and
// realized P&L are untouched and nothing is persisted.
func (l *Ledger) RefreshQuotes(prices map[string]decimal.Decimal) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	updated := 0
	for assetID, pos := range l.st.holdings {
		price, ok := prices[assetID]
		if !ok || !price.IsPositive() {
			continue
		}
		pos.LastQuote = price
		l.st.holdings[assetID] = pos
		updated++
	}
	return updated
}

// Reset restores the seed balance and clears holdings, trades and realized
// P&L. Irreversible; persisted immediately.
func (l *Ledger) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.commit(ctx, seededState(l.seed)); err != nil {
		return err
	}
	l.logger.Info("ledger reset", "key", l.key, "balance", l.seed.String())
	return nil
}

// --- Read access ---

// View returns the presentation snapshot of the current state.
func (l *Ledger) View() model.PortfolioView {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return buildView(l.st)
}

// CashBalance returns the spendable cash.
func (l *Ledger) CashBalance() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.st.cash
}

// RealizedPnL returns the running realized P&L.
func (l *Ledger) RealizedPnL() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.st.realized
}

// SeedBalance returns the balance a reset restores.
func (l *Ledger) SeedBalance() decimal.Decimal {
	return l.seed
}

// Holding returns the position for assetID, if held.
func (l *Ledger) Holding(assetID string) (model.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.st.holdings[assetID]
	return p, ok
}

// HeldAssets returns the ids of all held assets, sorted.
func (l *Ledger) HeldAssets() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.st.holdings))
	for id := range l.st.holdings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Trades returns a copy of the trade history in chronological order.
func (l *Ledger) Trades() []model.TradeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]model.TradeRecord{}, l.st.trades...)
}

// TradesFor returns chart markers for every execution of assetID.
func (l *Ledger) TradesFor(assetID string) []model.TradeMarker {
	l.mu.RLock()
	defer l.mu.RUnlock()

	markers := []model.TradeMarker{}
	for _, t := range l.st.trades {
		if t.AssetID != assetID {
			continue
		}
		markers = append(markers, model.TradeMarker{
			Side:      t.Side,
			Timestamp: t.Timestamp,
			UnitPrice: t.UnitPrice,
			Quantity:  t.Quantity,
			Notional:  t.Notional,
		})
	}
	return markers
}

// --- internals ---

func validateOrder(assetID string, notional, unitPrice decimal.Decimal) error {
	if assetID == "" {
		return invalidInput("asset id is required")
	}
	if !notional.IsPositive() {
		return invalidInput("amount must be positive, got %s", notional)
	}
	if !unitPrice.IsPositive() {
		return invalidInput("price must be positive, got %s", unitPrice)
	}
	return nil
}

// record appends a trade to st with a timestamp strictly after the previous
// trade's.
func (l *Ledger) record(st *state, side model.Side, assetID string, quantity, notional, unitPrice decimal.Decimal) model.TradeRecord {
	ts := l.now().UTC()
	if n := len(st.trades); n > 0 && !ts.After(st.trades[n-1].Timestamp) {
		ts = st.trades[n-1].Timestamp.Add(time.Nanosecond)
	}
	rec := model.TradeRecord{
		ID:        uuid.New().String(),
		Side:      side,
		AssetID:   assetID,
		Quantity:  quantity,
		Notional:  notional,
		UnitPrice: unitPrice,
		Timestamp: ts,
	}
	st.trades = append(st.trades, rec)
	return rec
}

// commit persists next and makes it the current state. Must be called with
// the write lock held.
func (l *Ledger) commit(ctx context.Context, next *state) error {
	next.updated = l.now().UTC()
	if err := l.persist(ctx, next); err != nil {
		return err
	}
	l.st = next
	return nil
}

// applyBuy adds quantity to the asset's position and re-averages its cost.
func applyBuy(holdings map[string]model.Position, assetID string, quantity, notional, unitPrice decimal.Decimal) {
	pos, ok := holdings[assetID]
	if !ok {
		pos = model.Position{AssetID: assetID, Quantity: decimal.Zero, AverageCost: decimal.Zero}
	}
	totalCost := pos.Quantity.Mul(pos.AverageCost).Add(notional)
	totalQty := pos.Quantity.Add(quantity)
	pos.AverageCost = totalCost.Div(totalQty)
	pos.Quantity = totalQty
	pos.LastQuote = unitPrice
	holdings[assetID] = pos
}

// applySell removes quantity from the asset's position, deleting it once it
// falls below dust, and returns the realized P&L of the sale.
func applySell(holdings map[string]model.Position, assetID string, quantity, notional, unitPrice, dust decimal.Decimal) decimal.Decimal {
	pos := holdings[assetID]
	realized := notional.Sub(quantity.Mul(pos.AverageCost))

	pos.AssetID = assetID
	pos.Quantity = pos.Quantity.Sub(quantity)
	pos.LastQuote = unitPrice
	if pos.Quantity.LessThan(dust) {
		delete(holdings, assetID)
	} else {
		holdings[assetID] = pos
	}
	return realized
}
