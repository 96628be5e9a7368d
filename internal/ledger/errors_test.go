package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestInsufficientErrorMessages(t *testing.T) {
	dec := decimal.RequireFromString
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			"funds rounded",
			&InsufficientFundsError{Requested: dec("6000.01"), Available: dec("6000")},
			"insufficient funds: requested $6000.01, available $6000.00",
		},
		{
			"funds equal after rounding",
			&InsufficientFundsError{Requested: dec("100.004"), Available: dec("100.001")},
			"insufficient funds: requested $100.004, available $100.001",
		},
		{
			"holdings rounded",
			&InsufficientHoldingsError{AssetID: "sol", Requested: dec("2.5"), Available: dec("2")},
			"insufficient sol balance: requested 2.50000000, available 2.00000000 tokens",
		},
		{
			"holdings equal after rounding",
			&InsufficientHoldingsError{AssetID: "sol", Requested: dec("2.000000004"), Available: dec("2.000000001")},
			"insufficient sol balance: requested 2.000000004, available 2.000000001 tokens",
		},
		{
			"holdings not held",
			&InsufficientHoldingsError{AssetID: "sol", Requested: dec("1"), Available: decimal.Zero},
			"insufficient sol balance: requested 1.00000000, available 0.00000000 tokens",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Error(); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
