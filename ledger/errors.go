/*
errors.go - Centralized error types for the reward ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every error returned by the Engine belongs to exactly one category, so
  transports (postback acks, admin HTTP) can map it without string checks.

ERROR CATEGORIES:
  ErrValidation       malformed input; never retried
  ErrSignatureInvalid postback signature mismatch; rejected before the engine
  ErrNotFound         unknown account, task or withdrawal
  ErrDuplicate        already processed; transitions report this as an outcome
  ErrInvalidState     constraint violation (insufficient balance, wrong state)
  ErrStorage          persistence failure; the caller may retry

USAGE:
  Specific errors wrap a category:

    if errors.Is(err, ledger.ErrInsufficientPendingBalance) { ... }
    if errors.Is(err, ledger.ErrInvalidState) { ... }   // also true

SEE ALSO:
  - engine.go: Returns these errors
  - api/handlers.go: Maps categories to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// CATEGORY SENTINELS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation       = errors.New("validation failed")
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrNotFound         = errors.New("not found")
	ErrDuplicate        = errors.New("already processed")
	ErrInvalidState     = errors.New("invalid state")
	ErrStorage          = errors.New("storage failure")
)

// =============================================================================
// SPECIFIC ERRORS - Each wraps one category
// =============================================================================

var (
	ErrAccountNotFound    = fmt.Errorf("%w: account", ErrNotFound)
	ErrTaskNotFound       = fmt.Errorf("%w: task", ErrNotFound)
	ErrWithdrawalNotFound = fmt.Errorf("%w: withdrawal", ErrNotFound)

	// ErrOriginalNotFound is returned for a reversal whose transaction id
	// was never credited.
	ErrOriginalNotFound = fmt.Errorf("%w: original task for reversal", ErrNotFound)

	ErrInsufficientPendingBalance = fmt.Errorf("%w: insufficient pending balance", ErrInvalidState)
	ErrInsufficientBalance        = fmt.Errorf("%w: insufficient balance", ErrInvalidState)
	ErrAlreadyChargedBack         = fmt.Errorf("%w: task already charged back", ErrInvalidState)
	ErrUserMismatch               = fmt.Errorf("%w: reversal user does not own task", ErrInvalidState)
	ErrInvalidWithdrawalState     = fmt.Errorf("%w: withdrawal is not pending", ErrInvalidState)
	ErrWithdrawalCooldown         = fmt.Errorf("%w: withdrawal requested too recently", ErrInvalidState)
	ErrAmountMismatch             = fmt.Errorf("%w: refund amount does not match withdrawal", ErrInvalidState)

	// ErrStaleState is returned when a compare-and-swap update finds the
	// task no longer in the expected state.
	ErrStaleState = fmt.Errorf("%w: task state changed concurrently", ErrInvalidState)

	ErrBelowMinimum   = fmt.Errorf("%w: amount below wallet minimum", ErrValidation)
	ErrUnknownWallet  = fmt.Errorf("%w: unknown wallet", ErrValidation)
	ErrAmountOverflow = fmt.Errorf("%w: amount overflows account counter", ErrValidation)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// BalanceError provides details about a counter shortage.
type BalanceError struct {
	UserID    UserID
	Field     string // "balance" or "pending_balance"
	Available int64
	Requested int64
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("insufficient %s for %s: available %d, requested %d",
		e.Field, e.UserID, e.Available, e.Requested)
}

func (e *BalanceError) Unwrap() error {
	if e.Field == "pending_balance" {
		return ErrInsufficientPendingBalance
	}
	return ErrInsufficientBalance
}

// FieldError is a single-field validation failure.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrValidation }

// StateError reports a task found in an unexpected state.
type StateError struct {
	TaskID   TaskID
	Actual   TaskState
	Expected TaskState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("task %s is %s, expected %s", e.TaskID, e.Actual, e.Expected)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// StoreError wraps a driver error. It matches both ErrStorage and the
// underlying error.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// StorageError wraps err as a StoreError unless it already carries a
// ledger category.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if Category(err) != CategoryInternal {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

const (
	CategoryValidation   = "validation"
	CategorySignature    = "signature_invalid"
	CategoryNotFound     = "not_found"
	CategoryDuplicate    = "duplicate"
	CategoryInvalidState = "invalid_state"
	CategoryStorage      = "storage_failure"
	CategoryInternal     = "internal"
)

// Category returns the category name for err.
func Category(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CategoryValidation
	case errors.Is(err, ErrSignatureInvalid):
		return CategorySignature
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrDuplicate):
		return CategoryDuplicate
	case errors.Is(err, ErrInvalidState):
		return CategoryInvalidState
	case errors.Is(err, ErrStorage):
		return CategoryStorage
	}
	return CategoryInternal
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrSignatureInvalid)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
