/*
errors.go - Centralized error types for the generic engine

PURPOSE:
  All engine error types in one place for consistency and discoverability.
  Domain packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Ledger errors - Transaction persistence failures, duplicates
  2. Validation errors - Balance rule violations
  3. Concurrency errors - Optimistic locking conflicts

USAGE:
  Domain packages can wrap generic errors:

    if errors.Is(err, generic.ErrInsufficientBalance) {
        return fmt.Errorf("%w: ...", eko.ErrInsufficientPoints)
    }

SEE ALSO:
  - ledger.go: Uses these errors
  - store.go: Uses these errors
  - eko/types.go: Wraps these errors with points context
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned when a transaction with the same
	// idempotency key already exists. This is expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrTransactionFailed is returned when a transaction cannot be persisted.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrInsufficientBalance is returned when a debit would take a balance below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrEntityNotFound is returned when a referenced entity doesn't exist.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrZeroDelta is returned when a transaction would not change the balance.
	ErrZeroDelta = errors.New("transaction delta is zero")
)

// benign collects the errors callers treat as idempotent no-ops.
var benign []error

// RegisterBenign marks err as an idempotent no-op for IsBenign.
// Call this from domain package init() functions.
func RegisterBenign(err error) {
	benign = append(benign, err)
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	EntityID  EntityID
	BookID    BookID
	Available Amount
	Requested Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance in %s for %s: available %v, requested %v",
		e.BookID, e.EntityID, e.Available.Value, e.Requested.Value)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// Shortfall is how much more the entity would need.
func (e *InsufficientBalanceError) Shortfall() Amount {
	return e.Requested.Sub(e.Available)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry with fresh state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsBenign returns true for idempotent no-ops: duplicate writes and any error
// a domain package registered with RegisterBenign.
func IsBenign(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		return true
	}
	for _, b := range benign {
		if errors.Is(err, b) {
			return true
		}
	}
	return false
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound)
}
