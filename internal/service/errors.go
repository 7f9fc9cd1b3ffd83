package service

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount means a non-positive or below-minimum amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrWalletNotFound means the tenant has no wallet yet. For deducts
	// this is an integrity problem and is logged loudly.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrTopUpNotFound means no attempt matches the id or reference.
	ErrTopUpNotFound = errors.New("top-up not found")

	// ErrInvalidState means an illegal lifecycle transition was attempted,
	// e.g. cancelling an already verified top-up.
	ErrInvalidState = errors.New("invalid top-up state")

	// ErrInsufficientBalance is the sentinel wrapped by
	// InsufficientBalanceError; match with errors.Is.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// InsufficientBalanceError carries the current balance and the required
// amount so the API can tell the client how much to top up.
type InsufficientBalanceError struct {
	Balance  decimal.Decimal
	Required decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %s, need %s", e.Balance, e.Required)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Shortfall is the minimum top-up that would let the operation succeed.
func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Required.Sub(e.Balance)
}
