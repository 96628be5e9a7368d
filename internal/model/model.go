// Package model defines the core domain types shared across the paper trader.
// All monetary values and token quantities use shopspring/decimal — never
// float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known trade side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// TradeRecord is an immutable record of a simulated execution.
// Once appended to the ledger it is never modified or reordered.
// Schema: {side, asset, quantity, notional, unit price, timestamp}
type TradeRecord struct {
	ID        string          `json:"id"`
	Side      Side            `json:"side"`
	AssetID   string          `json:"asset_id"`
	Quantity  decimal.Decimal `json:"quantity"`   // asset units transacted
	Notional  decimal.Decimal `json:"notional"`   // currency amount transacted
	UnitPrice decimal.Decimal `json:"unit_price"` // notional / quantity
	Timestamp time.Time       `json:"timestamp"`
}

// CashFlow is the signed effect of the trade on the cash balance:
// negative for buys, positive for sells.
func (t TradeRecord) CashFlow() decimal.Decimal {
	if t.Side == SideBuy {
		return t.Notional.Neg()
	}
	return t.Notional
}

// Position is the holding of one asset. A position whose quantity falls
// below the dust threshold is deleted, never kept at zero.
type Position struct {
	AssetID     string          `json:"asset_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"` // weighted-average purchase price per unit
	LastQuote   decimal.Decimal `json:"last_quote"`   // valuation only, never cost basis
}

// SellResult is returned from a sell: the executed trade plus the P&L it
// crystallized against the average cost at the time of sale.
type SellResult struct {
	Trade       TradeRecord     `json:"trade"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// CloseAllResult summarizes a close-all run. Assets listed in Skipped had no
// usable quote and are still held.
type CloseAllResult struct {
	Trades           []TradeRecord     `json:"trades"`
	TotalRealizedPnL decimal.Decimal   `json:"total_realized_pnl"`
	Skipped          map[string]string `json:"skipped,omitempty"` // assetID → reason
}

// PositionView is a position with its live valuation.
type PositionView struct {
	Position
	Value         decimal.Decimal `json:"value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	PercentChange decimal.Decimal `json:"percent_change"`
}

// PortfolioView is the read-only snapshot handed to the presentation layer
// after every mutation and every quote refresh.
type PortfolioView struct {
	CashBalance         decimal.Decimal `json:"cash_balance"`
	Positions           []PositionView  `json:"positions"`
	TotalPortfolioValue decimal.Decimal `json:"total_portfolio_value"`
	TotalUnrealizedPnL  decimal.Decimal `json:"total_unrealized_pnl"`
	RealizedPnL         decimal.Decimal `json:"realized_pnl"`
	TotalPnL            decimal.Decimal `json:"total_pnl"`
	Equity              decimal.Decimal `json:"equity"` // cash + portfolio value
	TradeCount          int             `json:"trade_count"`
	LastUpdated         time.Time       `json:"last_updated"`
}

// TradeMarker annotates a price chart with one execution.
type TradeMarker struct {
	Side      Side            `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Notional  decimal.Decimal `json:"notional"`
}

// PricePoint is one sample of an asset's historical price series.
type PricePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
}

// Coin is a search hit from the quote source.
type Coin struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Symbol    string `json:"symbol"`
	Thumbnail string `json:"thumbnail_url"`
}
