package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/model"
	"github.com/atmx/paper-trader/internal/store"
)

// Snapshot wire format. Figures are plain JSON numbers.
type snapshotJSON struct {
	CashBalance json.Number             `json:"cashBalance"`
	Holdings    map[string]positionJSON `json:"holdings"`
	Trades      []tradeJSON             `json:"trades"`
	RealizedPnL json.Number             `json:"realizedPnL"`
	LastUpdated time.Time               `json:"lastUpdated"`
}

type positionJSON struct {
	Quantity    json.Number `json:"quantity"`
	AverageCost json.Number `json:"averageCost"`
	LastQuote   json.Number `json:"lastQuote"`
}

type tradeJSON struct {
	ID        string      `json:"id,omitempty"`
	Side      model.Side  `json:"side"`
	AssetID   string      `json:"assetId"`
	Quantity  json.Number `json:"quantity"`
	Notional  json.Number `json:"notional"`
	UnitPrice json.Number `json:"unitPrice"`
	Timestamp time.Time   `json:"timestamp"`
}

func number(d decimal.Decimal) json.Number { return json.Number(d.String()) }

func encodeSnapshot(st *state) ([]byte, error) {
	out := snapshotJSON{
		CashBalance: number(st.cash),
		Holdings:    make(map[string]positionJSON, len(st.holdings)),
		Trades:      make([]tradeJSON, 0, len(st.trades)),
		RealizedPnL: number(st.realized),
		LastUpdated: st.updated,
	}
	for id, p := range st.holdings {
		out.Holdings[id] = positionJSON{
			Quantity:    number(p.Quantity),
			AverageCost: number(p.AverageCost),
			LastQuote:   number(p.LastQuote),
		}
	}
	for _, t := range st.trades {
		out.Trades = append(out.Trades, tradeJSON{
			ID:        t.ID,
			Side:      t.Side,
			AssetID:   t.AssetID,
			Quantity:  number(t.Quantity),
			Notional:  number(t.Notional),
			UnitPrice: number(t.UnitPrice),
			Timestamp: t.Timestamp,
		})
	}
	return json.Marshal(out)
}

// decodeSnapshot parses and validates a stored snapshot. The stored realized
// P&L is returned separately; it is not trusted as the ledger's figure.
func decodeSnapshot(data []byte, dust decimal.Decimal) (*state, decimal.Decimal, error) {
	var raw snapshotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, decimal.Zero, fmt.Errorf("%w: %v", ErrPersistenceCorrupt, err)
	}

	cash, err := parseFigure("cashBalance", raw.CashBalance)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if cash.IsNegative() {
		return nil, decimal.Zero, fmt.Errorf("%w: negative cashBalance %s", ErrPersistenceCorrupt, cash)
	}

	st := seededState(cash)
	st.updated = raw.LastUpdated

	for id, p := range raw.Holdings {
		if id == "" {
			return nil, decimal.Zero, fmt.Errorf("%w: holding with empty asset id", ErrPersistenceCorrupt)
		}
		qty, err := parseFigure("holdings."+id+".quantity", p.Quantity)
		if err != nil {
			return nil, decimal.Zero, err
		}
		avg, err := parseFigure("holdings."+id+".averageCost", p.AverageCost)
		if err != nil {
			return nil, decimal.Zero, err
		}
		last, err := parseFigure("holdings."+id+".lastQuote", p.LastQuote)
		if err != nil {
			return nil, decimal.Zero, err
		}
		if avg.IsNegative() || last.IsNegative() {
			return nil, decimal.Zero, fmt.Errorf("%w: negative price in holding %s", ErrPersistenceCorrupt, id)
		}
		if qty.LessThan(dust) {
			continue
		}
		st.holdings[id] = model.Position{AssetID: id, Quantity: qty, AverageCost: avg, LastQuote: last}
	}

	for i, t := range raw.Trades {
		if !t.Side.Valid() || t.AssetID == "" {
			return nil, decimal.Zero, fmt.Errorf("%w: trade %d has side %q asset %q", ErrPersistenceCorrupt, i, t.Side, t.AssetID)
		}
		rec := model.TradeRecord{ID: t.ID, Side: t.Side, AssetID: t.AssetID, Timestamp: t.Timestamp}
		if rec.Quantity, err = parseFigure(fmt.Sprintf("trades[%d].quantity", i), t.Quantity); err != nil {
			return nil, decimal.Zero, err
		}
		if rec.Notional, err = parseFigure(fmt.Sprintf("trades[%d].notional", i), t.Notional); err != nil {
			return nil, decimal.Zero, err
		}
		if rec.UnitPrice, err = parseFigure(fmt.Sprintf("trades[%d].unitPrice", i), t.UnitPrice); err != nil {
			return nil, decimal.Zero, err
		}
		if !rec.Quantity.IsPositive() || !rec.Notional.IsPositive() || !rec.UnitPrice.IsPositive() {
			return nil, decimal.Zero, fmt.Errorf("%w: trade %d has non-positive figures", ErrPersistenceCorrupt, i)
		}
		st.trades = append(st.trades, rec)
	}

	stored := decimal.Zero
	if raw.RealizedPnL != "" {
		if v, err := decimal.NewFromString(raw.RealizedPnL.String()); err == nil {
			stored = v
		}
	}
	return st, stored, nil
}

func parseFigure(field string, n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, fmt.Errorf("%w: %s is missing", ErrPersistenceCorrupt, field)
	}
	v, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s is not a number: %v", ErrPersistenceCorrupt, field, err)
	}
	return v, nil
}

func (l *Ledger) persist(ctx context.Context, st *state) error {
	data, err := encodeSnapshot(st)
	if err != nil {
		return fmt.Errorf("encode ledger snapshot: %w", err)
	}
	if err := l.store.Save(ctx, l.key, data); err != nil {
		return fmt.Errorf("persist ledger snapshot: %w", err)
	}
	return nil
}

// Restore resumes the session stored under key, or starts a seeded ledger
// when there is none. A corrupt snapshot is logged, discarded and replaced
// by a seeded one; only a failing store is an error. The realized P&L is
// recomputed from the trade history rather than taken from the snapshot.
func Restore(ctx context.Context, st store.SnapshotStore, key string, seed decimal.Decimal, opts ...Option) (*Ledger, error) {
	l := New(st, key, seed, opts...)

	data, err := st.Load(ctx, l.key)
	if errors.Is(err, store.ErrNotFound) {
		l.logger.Info("no saved ledger, starting from seed balance", "key", l.key, "balance", l.seed.String())
		if err := l.initialize(ctx); err != nil {
			return nil, err
		}
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("restore ledger %s: %w", l.key, err)
	}

	restored, storedRealized, err := decodeSnapshot(data, l.dust)
	if err != nil {
		l.logger.Warn("discarding saved ledger", "key", l.key, "err", err)
		if err := st.Delete(ctx, l.key); err != nil {
			l.logger.Warn("failed to delete corrupt snapshot", "key", l.key, "err", err)
		}
		if err := l.initialize(ctx); err != nil {
			return nil, err
		}
		return l, nil
	}

	restored.realized = RealizedFromHistory(restored.trades, l.dust)
	if !restored.realized.Equal(storedRealized) {
		l.logger.Warn("stored realized P&L disagrees with trade history, using history",
			"stored", storedRealized.String(),
			"history", restored.realized.String(),
		)
	}
	l.st = restored

	if err := audit(restored, l.seed, l.dust); err != nil {
		l.logger.Warn("restored ledger fails audit", "key", l.key, "err", err)
	}
	l.logger.Info("ledger restored",
		"key", l.key,
		"balance", restored.cash.String(),
		"positions", len(restored.holdings),
		"trades", len(restored.trades),
	)
	return l, nil
}

func (l *Ledger) initialize(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.commit(ctx, seededState(l.seed)); err != nil {
		return fmt.Errorf("initialize ledger %s: %w", l.key, err)
	}
	return nil
}
