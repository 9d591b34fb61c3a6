/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The billing package and the stores wrap these errors with context.

ERROR CATEGORIES:
  1. Input errors - Rejected at the boundary, never coerced
  2. Lookup errors - Student, scholarship or record does not exist
  3. Store errors - Persistence failures the caller may retry

  Configuration gaps (missing fee rows, missing rates) are NOT errors:
  they fall back to documented defaults in the billing package.

USAGE:
    if errors.Is(err, generic.ErrCreditAlreadyApplied) {
        // Safe to treat as done
    }

SEE ALSO:
  - ledger.go: Uses these errors
  - store.go: Uses these errors
  - api/handlers.go: Maps them to HTTP status codes
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
	// ErrDuplicateIdempotencyKey is returned when a payment with the same
	// idempotency key already exists. This is expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInvalidAmount is returned for non-positive payment, overpayment or
	// late fee amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidTerm is returned for a malformed academic year or semester.
	ErrInvalidTerm = errors.New("invalid term")

	// ErrStudentNotFound is returned when a referenced student doesn't exist.
	ErrStudentNotFound = errors.New("student not found")

	// ErrScholarshipNotFound is returned when a scholarship or award doesn't exist.
	ErrScholarshipNotFound = errors.New("scholarship not found")

	// ErrOverpaymentNotFound is returned when an overpayment record doesn't exist.
	ErrOverpaymentNotFound = errors.New("overpayment not found")

	// ErrLateFeeNotFound is returned when a late fee record doesn't exist.
	ErrLateFeeNotFound = errors.New("late fee not found")

	// ErrCreditAlreadyApplied is returned when applying an overpayment record
	// that is already applied. Reapplying is never a second application.
	ErrCreditAlreadyApplied = errors.New("overpayment credit already applied")

	// ErrInvalidCreditTarget is returned when a credit would be applied to a
	// term that is not strictly later than its source term.
	ErrInvalidCreditTarget = errors.New("credit target must be after its source term")

	// ErrAlreadyAwarded is returned when a scholarship is awarded twice for the same term.
	ErrAlreadyAwarded = errors.New("scholarship already awarded for term")

	// ErrInvalidDiscount is returned for malformed scholarship definitions.
	ErrInvalidDiscount = errors.New("invalid scholarship discount")

	// ErrAlreadyWaived is returned when waiving a late fee twice.
	ErrAlreadyWaived = errors.New("late fee already waived")

	// ErrConcurrentModification is returned when a write conflicts with another writer.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrTransactionFailed is returned when a write cannot be persisted.
	ErrTransactionFailed = errors.New("transaction failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TermError explains why a term was rejected.
type TermError struct {
	Input  string
	Reason string
}

func (e *TermError) Error() string {
	return fmt.Sprintf("invalid term %q: %s", e.Input, e.Reason)
}

func (e *TermError) Unwrap() error {
	return ErrInvalidTerm
}

// AmountError reports a rejected amount.
type AmountError struct {
	Field  string
	Amount Money
}

func (e *AmountError) Error() string {
	return fmt.Sprintf("%s must be positive, got %s", e.Field, e.Amount)
}

func (e *AmountError) Unwrap() error {
	return ErrInvalidAmount
}

// RequirePositive returns an *AmountError unless m > 0.
func RequirePositive(field string, m Money) error {
	if !m.IsPositive() {
		return &AmountError{Field: field, Amount: m}
	}
	return nil
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrTransactionFailed)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidTerm) ||
		errors.Is(err, ErrInvalidCreditTarget) ||
		errors.Is(err, ErrInvalidDiscount)
}

// IsConflict returns true if the request conflicts with existing state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrCreditAlreadyApplied) ||
		errors.Is(err, ErrAlreadyAwarded) ||
		errors.Is(err, ErrAlreadyWaived)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStudentNotFound) ||
		errors.Is(err, ErrScholarshipNotFound) ||
		errors.Is(err, ErrOverpaymentNotFound) ||
		errors.Is(err, ErrLateFeeNotFound)
}
