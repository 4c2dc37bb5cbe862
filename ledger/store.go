/*
store.go - Persistence interfaces for accounts, tasks and withdrawals

PURPOSE:
  Defines the interface between the transition logic and the database.
  Implementations: in-memory (ledger/store), SQLite (store/sqlite) and
  PostgreSQL (store/postgres).

KEY INTERFACES:
  Reader: Point lookups usable both inside and outside a transaction
  Tx:     Writes inside one account-scoped transaction
  Store:  Everything else (listing, aggregates, settings, notifications)

ACCOUNT-SCOPED TRANSACTIONS:
  WithAccountTx(userID, fn) runs fn atomically while holding an exclusive
  lock on the account. Two transitions for the same user never interleave.
  If fn returns an error every write is rolled back.

    PostgreSQL: SELECT ... FROM accounts WHERE user_id = $1 FOR UPDATE
    SQLite:     single writer (store mutex + sql.Tx)
    Memory:     global lock + snapshot/restore

COMPARE-AND-SWAP:
  UpdateTask(task, expected) writes only if the row is still in the
  expected state, otherwise ErrStaleState. InsertTask enforces the unique
  transaction id and returns ErrDuplicate on violation.

ERRORS:
  Missing rows in Get* methods: ErrAccountNotFound, ErrTaskNotFound,
  ErrWithdrawalNotFound. Find* methods return (nil, nil) instead. Driver
  failures are wrapped with StorageError.

SEE ALSO:
  - engine.go: Uses these interfaces
  - ledger/store/memory.go: In-memory implementation for testing
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// QUERY TYPES
// =============================================================================

// TaskFilter selects tasks. Zero values mean "no constraint".
type TaskFilter struct {
	State         TaskState
	UserID        UserID
	ChangedBefore time.Time // state_changed_at <= ChangedBefore
	Offset        int
	Limit         int
}

// RevenueQuery sums PayoutRevenue of tasks in State whose state changed at
// or after Since.
type RevenueQuery struct {
	State TaskState
	Since time.Time
}

// WithdrawalFilter selects withdrawals, newest first.
type WithdrawalFilter struct {
	UserID       UserID
	Status       WithdrawalStatus
	CreatedAfter time.Time
	Limit        int
}

// =============================================================================
// INTERFACES
// =============================================================================

// Reader provides point lookups.
type Reader interface {
	GetAccount(ctx context.Context, userID UserID) (*Account, error)
	GetTask(ctx context.Context, id TaskID) (*Task, error)
	FindTaskByTransaction(ctx context.Context, txID TransactionID) (*Task, error)
	GetWithdrawal(ctx context.Context, id WithdrawalID) (*Withdrawal, error)
	ListWithdrawals(ctx context.Context, filter WithdrawalFilter) ([]Withdrawal, error)
}

// Tx is the write view inside WithAccountTx.
type Tx interface {
	Reader

	SaveAccount(ctx context.Context, account Account) error
	InsertTask(ctx context.Context, task Task) error
	UpdateTask(ctx context.Context, task Task, expected TaskState) error
	AppendTransition(ctx context.Context, tr Transition) error

	InsertWithdrawal(ctx context.Context, w Withdrawal) error
	UpdateWithdrawal(ctx context.Context, w Withdrawal, expected WithdrawalStatus) error
}

// Store is the full persistence surface used by the Engine and the API.
type Store interface {
	Reader

	// CreateAccount opens a zero account. ErrDuplicate if it exists.
	CreateAccount(ctx context.Context, userID UserID, at time.Time) (*Account, error)

	// WithAccountTx runs fn under the account's exclusive lock.
	// Returns ErrAccountNotFound if the account does not exist.
	WithAccountTx(ctx context.Context, userID UserID, fn func(tx Tx) error) error

	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, int, error)
	ListTransitions(ctx context.Context, taskID TaskID) ([]Transition, error)
	SumRevenue(ctx context.Context, q RevenueQuery) (decimal.Decimal, error)

	LoadPendingPolicy(ctx context.Context) (PendingPolicy, error)
	SavePendingPolicy(ctx context.Context, p PendingPolicy) error

	NotificationStore
}

// NotificationStore persists user notifications.
type NotificationStore interface {
	SaveNotification(ctx context.Context, n Notification) error
	ListNotifications(ctx context.Context, userID UserID, limit int) ([]Notification, error)
}
