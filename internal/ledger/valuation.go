package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/model"
)

var hundred = decimal.NewFromInt(100)

// PositionValue is quantity × last quote.
func PositionValue(p model.Position) decimal.Decimal {
	return p.Quantity.Mul(p.LastQuote)
}

// PositionUnrealizedPnL is quantity × (last quote − average cost).
func PositionUnrealizedPnL(p model.Position) decimal.Decimal {
	return p.Quantity.Mul(p.LastQuote.Sub(p.AverageCost))
}

// PercentChange is (last quote / average cost − 1) × 100, or zero when the
// position has no cost basis.
func PercentChange(p model.Position) decimal.Decimal {
	if !p.AverageCost.IsPositive() {
		return decimal.Zero
	}
	return p.LastQuote.Div(p.AverageCost).Sub(decimal.NewFromInt(1)).Mul(hundred)
}

// TotalPortfolioValue sums PositionValue over holdings.
func TotalPortfolioValue(holdings map[string]model.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range holdings {
		total = total.Add(PositionValue(p))
	}
	return total
}

// TotalUnrealizedPnL sums PositionUnrealizedPnL over holdings.
func TotalUnrealizedPnL(holdings map[string]model.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range holdings {
		total = total.Add(PositionUnrealizedPnL(p))
	}
	return total
}

// TotalPnL is realized plus unrealized P&L.
func TotalPnL(realized decimal.Decimal, holdings map[string]model.Position) decimal.Decimal {
	return realized.Add(TotalUnrealizedPnL(holdings))
}

func buildView(st *state) model.PortfolioView {
	positions := make([]model.PositionView, 0, len(st.holdings))
	for _, p := range st.holdings {
		positions = append(positions, model.PositionView{
			Position:      p,
			Value:         PositionValue(p),
			UnrealizedPnL: PositionUnrealizedPnL(p),
			PercentChange: PercentChange(p).Round(4),
		})
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].AssetID < positions[j].AssetID
	})

	value := TotalPortfolioValue(st.holdings)
	return model.PortfolioView{
		CashBalance:         st.cash,
		Positions:           positions,
		TotalPortfolioValue: value,
		TotalUnrealizedPnL:  TotalUnrealizedPnL(st.holdings),
		RealizedPnL:         st.realized,
		TotalPnL:            TotalPnL(st.realized, st.holdings),
		Equity:              st.cash.Add(value),
		TradeCount:          len(st.trades),
		LastUpdated:         st.updated,
	}
}
