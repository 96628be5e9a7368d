package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/model"
)

// Replay rebuilds holdings and realized P&L from a trade history using the
// same average-cost rules as live trading. LastQuote of each rebuilt
// position is the price of its latest trade.
func Replay(trades []model.TradeRecord, dust decimal.Decimal) (map[string]model.Position, decimal.Decimal) {
	holdings := make(map[string]model.Position)
	realized := decimal.Zero
	for _, t := range trades {
		switch t.Side {
		case model.SideBuy:
			applyBuy(holdings, t.AssetID, t.Quantity, t.Notional, t.UnitPrice)
		case model.SideSell:
			realized = realized.Add(applySell(holdings, t.AssetID, t.Quantity, t.Notional, t.UnitPrice, dust))
		}
	}
	return holdings, realized
}

// RealizedFromHistory is the canonical realized P&L: the sum, over every
// sell, of notional − quantity × average cost at the time of that sell.
func RealizedFromHistory(trades []model.TradeRecord, dust decimal.Decimal) decimal.Decimal {
	_, realized := Replay(trades, dust)
	return realized
}

// Audit checks the ledger invariants: cash is non-negative, no dust
// positions exist, the ledger is closed (seed − cash equals the net cash
// spent across all trades), and the running realized P&L and holdings agree
// with a replay of the trade history.
func (l *Ledger) Audit() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return audit(l.st, l.seed, l.dust)
}

func audit(st *state, seed, dust decimal.Decimal) error {
	if st.cash.IsNegative() {
		return fmt.Errorf("%w: negative cash balance %s", ErrInvariantViolation, st.cash)
	}

	for id, p := range st.holdings {
		if p.Quantity.LessThan(dust) {
			return fmt.Errorf("%w: position %s holds dust quantity %s", ErrInvariantViolation, id, p.Quantity)
		}
	}

	flow := decimal.Zero
	for _, t := range st.trades {
		flow = flow.Add(t.CashFlow())
	}
	if !seed.Add(flow).Equal(st.cash) {
		return fmt.Errorf("%w: seed %s with net trade flow %s does not match cash %s",
			ErrInvariantViolation, seed, flow, st.cash)
	}

	holdings, realized := Replay(st.trades, dust)
	if !realized.Equal(st.realized) {
		return fmt.Errorf("%w: realized P&L %s differs from trade history %s",
			ErrInvariantViolation, st.realized, realized)
	}
	if len(holdings) != len(st.holdings) {
		return fmt.Errorf("%w: %d positions held, trade history yields %d",
			ErrInvariantViolation, len(st.holdings), len(holdings))
	}
	for id, want := range holdings {
		got, ok := st.holdings[id]
		if !ok || !got.Quantity.Equal(want.Quantity) || !got.AverageCost.Equal(want.AverageCost) {
			return fmt.Errorf("%w: position %s differs from trade history", ErrInvariantViolation, id)
		}
	}
	return nil
}
