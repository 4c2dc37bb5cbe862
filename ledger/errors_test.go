package ledger_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/reward-ledger/ledger"
)

func TestCategory_SpecificErrorsMapToOneCategory(t *testing.T) {
	cases := map[error]string{
		ledger.ErrOriginalNotFound:           ledger.CategoryNotFound,
		ledger.ErrAccountNotFound:            ledger.CategoryNotFound,
		ledger.ErrInsufficientPendingBalance: ledger.CategoryInvalidState,
		ledger.ErrStaleState:                 ledger.CategoryInvalidState,
		ledger.ErrBelowMinimum:               ledger.CategoryValidation,
		ledger.ErrSignatureInvalid:           ledger.CategorySignature,
		ledger.ErrDuplicate:                  ledger.CategoryDuplicate,
		&ledger.FieldError{Field: "x"}:       ledger.CategoryValidation,
		errors.New("boom"):                   ledger.CategoryInternal,
	}
	for err, want := range cases {
		assert.Equal(t, want, ledger.Category(err), err.Error())
	}
}

func TestStorageError_WrapsDriverErrorsOnly(t *testing.T) {
	driver := errors.New("connection refused")

	wrapped := ledger.StorageError("insert task", driver)
	assert.ErrorIs(t, wrapped, ledger.ErrStorage)
	assert.ErrorIs(t, wrapped, driver)
	assert.True(t, ledger.IsRetryable(wrapped))

	// Already-categorized errors pass through untouched.
	assert.Equal(t, ledger.ErrDuplicate, ledger.StorageError("insert task", ledger.ErrDuplicate))
	assert.Nil(t, ledger.StorageError("noop", nil))
}

func TestBalanceError_UnwrapsByField(t *testing.T) {
	pending := &ledger.BalanceError{Field: "pending_balance"}
	spendable := &ledger.BalanceError{Field: "balance"}

	assert.ErrorIs(t, pending, ledger.ErrInsufficientPendingBalance)
	assert.ErrorIs(t, spendable, ledger.ErrInsufficientBalance)
	assert.False(t, ledger.IsRetryable(fmt.Errorf("wrap: %w", spendable)))
}
