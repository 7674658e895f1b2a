// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"
)

// Request and validation errors
var (
	ErrValidation          = errors.New("validation failed")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrMissingDestination  = errors.New("missing destination")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrAmountOverflow      = errors.New("amount overflow")
	ErrCurrencyMismatch    = errors.New("currency mismatch")
	ErrDuplicateRequest    = errors.New("duplicate request")
	ErrLimitExceeded       = errors.New("transfer limit exceeded")
)

// Ledger errors
var (
	ErrAccountNotFound       = errors.New("account not found")
	ErrAccountAlreadyExists  = errors.New("account already exists")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrNegativeBalance       = errors.New("balance would become negative")
	ErrSerializationConflict = errors.New("serialization conflict")
	ErrEntryNotFound         = errors.New("ledger entry not found")
	ErrEntryFinalized        = errors.New("ledger entry already finalized")
	ErrDuplicateReference    = errors.New("duplicate reference")
)

// Settlement errors
var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderTimeout     = errors.New("provider timeout")
	ErrProviderRejected    = errors.New("provider rejected transfer")
	ErrQueueFull           = errors.New("settlement queue full")
	ErrQueueClosed         = errors.New("settlement queue closed")
	ErrUnauthorizedWebhook = errors.New("webhook authentication failed")
)

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
