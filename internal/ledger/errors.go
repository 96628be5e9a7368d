package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidInput is returned for empty asset ids and non-positive
	// amounts or prices. No state is mutated.
	ErrInvalidInput = errors.New("ledger: invalid input")

	// ErrInsufficientFunds is returned when a buy exceeds the cash balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientHoldings is returned when a sell exceeds the held
	// quantity or the asset is not held at all.
	ErrInsufficientHoldings = errors.New("ledger: insufficient holdings")

	// ErrQuoteUnavailable marks an asset skipped because no fresh quote
	// could be obtained.
	ErrQuoteUnavailable = errors.New("ledger: quote unavailable")

	// ErrPersistenceCorrupt is reported (logged, never returned from
	// Restore) when a stored snapshot cannot be decoded or validated.
	ErrPersistenceCorrupt = errors.New("ledger: persisted snapshot is corrupt")

	// ErrInvariantViolation is returned by Audit.
	ErrInvariantViolation = errors.New("ledger: invariant violated")
)

// InsufficientFundsError carries the figures the user needs to correct a buy.
type InsufficientFundsError struct {
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	requested, available := figures(e.Requested, e.Available, 2)
	return fmt.Sprintf("insufficient funds: requested $%s, available $%s", requested, available)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// InsufficientHoldingsError carries the figures the user needs to correct a
// sell. Available is zero when the asset is not held.
type InsufficientHoldingsError struct {
	AssetID   string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientHoldingsError) Error() string {
	requested, available := figures(e.Requested, e.Available, 8)
	return fmt.Sprintf("insufficient %s balance: requested %s, available %s tokens",
		e.AssetID, requested, available)
}

func (e *InsufficientHoldingsError) Unwrap() error { return ErrInsufficientHoldings }

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}

// figures formats a requested/available pair to places decimals, falling back
// to full precision when rounding would make the two read the same.
func figures(requested, available decimal.Decimal, places int32) (string, string) {
	r, a := requested.StringFixed(places), available.StringFixed(places)
	if r == a && !requested.Equal(available) {
		return requested.String(), available.String()
	}
	return r, a
}
