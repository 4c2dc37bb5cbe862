/*
Package ledger provides the reward ledger and task-lifecycle state machine.

PURPOSE:
  Users earn coins by completing partner offers. Partners notify the platform
  through postbacks (credits and reversals). This package owns the rules for
  moving a reward between states while keeping the three account counters
  consistent:

    balance         spendable coins
    pending_balance coins on hold, not yet spendable
    total_earnings  lifetime coins that reached Completed (minus clawbacks)

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: per-user counters, mutated only by the Engine
  - RewardEvent: canonical, partner-independent credit/reversal
  - Task: ONE row per transaction id, carrying a TaskState
  - Transition: append-only audit of every state move

STATE MACHINE:

    (new) ──credit, hold──▶ Pending ──release────▶ Completed
      │                       │  ▲                    │
      └──credit, no hold──────┼──┼────────────────────┤
                              │  └──admin hold────────┤
                              ▼                       ▼
                          Chargeback ◀──reversal──────┘

  A task row is never deleted. Moving to Chargeback keeps the original
  reward data on the same row; history is in the transitions table.

SEE ALSO:
  - engine.go: Transition operations
  - policy.go: Pending-hold decision
  - store.go: Persistence interfaces
*/
package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TaskID string
type TransactionID string

// =============================================================================
// ACCOUNT - Per-user coin counters
// =============================================================================

// Account holds the per-user ledger counters. Amounts are whole coins.
//
// INVARIANTS:
//   - PendingBalance >= 0 after every transition (violations are rejected)
//   - Balance >= 0 on every debit path except chargebacks
type Account struct {
	UserID         UserID
	Balance        int64
	PendingBalance int64
	TotalEarnings  int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// =============================================================================
// TASK STATE
// =============================================================================

type TaskState string

const (
	StatePending    TaskState = "pending"
	StateCompleted  TaskState = "completed"
	StateChargeback TaskState = "chargeback"
)

func (s TaskState) Valid() bool {
	switch s {
	case StatePending, StateCompleted, StateChargeback:
		return true
	}
	return false
}

// ParseTaskState accepts the state names used by the admin API.
func ParseTaskState(s string) (TaskState, error) {
	st := TaskState(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", &FieldError{Field: "state", Reason: "must be one of pending, completed, chargeback"}
	}
	return st, nil
}

type ChargebackStatus string

const (
	ChargebackNone     ChargebackStatus = ""
	ChargebackPending  ChargebackStatus = "pending"
	ChargebackApproved ChargebackStatus = "approved"
	ChargebackRejected ChargebackStatus = "rejected"
)

func (s ChargebackStatus) Valid() bool {
	return s == ChargebackPending || s == ChargebackApproved || s == ChargebackRejected
}

// Source identifies who initiated a transition.
type Source string

const (
	SourcePartner  Source = "partner"
	SourceAdmin    Source = "admin"
	SourceSweeper  Source = "sweeper"
	SourceInternal Source = "internal" // in-app credits (spin wheel, bonuses)
)

// =============================================================================
// REWARD EVENT - Canonical postback
// =============================================================================

// RewardEvent is the partner-independent form of a postback.
// Amount > 0 is a credit, Amount < 0 a reversal. Zero is invalid.
type RewardEvent struct {
	UserID        UserID
	TransactionID TransactionID
	OfferWallName string
	OfferName     string
	OfferID       string
	Amount        int64
	PayoutRevenue decimal.Decimal
	Country       string
	IP            string
	OccurredAt    time.Time
	UserAvatar    string
	Source        Source
}

func (e RewardEvent) IsCredit() bool   { return e.Amount > 0 }
func (e RewardEvent) IsReversal() bool { return e.Amount < 0 }

// MaxCoins bounds the magnitude of a single event amount.
const MaxCoins int64 = 1_000_000_000_000

// Validate checks the fields every event must carry.
func (e RewardEvent) Validate() error {
	switch {
	case strings.TrimSpace(string(e.UserID)) == "":
		return &FieldError{Field: "userId", Reason: "required"}
	case strings.TrimSpace(string(e.TransactionID)) == "":
		return &FieldError{Field: "transactionId", Reason: "required"}
	case e.Amount == 0:
		return &FieldError{Field: "amount", Reason: "must be non-zero"}
	case e.Amount > MaxCoins || e.Amount < -MaxCoins:
		return &FieldError{Field: "amount", Reason: "out of range"}
	case e.PayoutRevenue.IsNegative():
		return &FieldError{Field: "payout", Reason: "must not be negative"}
	}
	return nil
}

// =============================================================================
// TASK - Single row per transaction id
// =============================================================================

// Task is the persisted reward. Its State moves by compare-and-swap; the row
// is never deleted, so a charged-back task keeps its original reward data.
type Task struct {
	ID            TaskID
	TransactionID TransactionID
	UserID        UserID
	OfferWallName string
	OfferName     string
	OfferID       string
	Amount        int64 // coins credited, always positive
	PayoutRevenue decimal.Decimal
	Country       string
	IP            string
	UserAvatar    string
	OccurredAt    time.Time
	Source        Source

	State          TaskState
	ReleaseDate    *time.Time
	PendingDays    int
	PendingReason  HoldReason
	CreatedAt      time.Time
	StateChangedAt time.Time

	ChargebackAmount int64
	ChargebackStatus ChargebackStatus
	ChargebackSource Source
}

func newTask(id TaskID, ev RewardEvent, now time.Time) Task {
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	source := ev.Source
	if source == "" {
		source = SourcePartner
	}
	return Task{
		ID:             id,
		TransactionID:  ev.TransactionID,
		UserID:         ev.UserID,
		OfferWallName:  ev.OfferWallName,
		OfferName:      ev.OfferName,
		OfferID:        ev.OfferID,
		Amount:         ev.Amount,
		PayoutRevenue:  ev.PayoutRevenue,
		Country:        ev.Country,
		IP:             ev.IP,
		UserAvatar:     ev.UserAvatar,
		OccurredAt:     occurred,
		Source:         source,
		CreatedAt:      now,
		StateChangedAt: now,
	}
}

// =============================================================================
// TRANSITION - Append-only audit record
// =============================================================================

// Transition records one state move of a task. From is empty for the
// creating transition.
type Transition struct {
	ID            string
	TaskID        TaskID
	TransactionID TransactionID
	UserID        UserID
	From          TaskState
	To            TaskState
	Amount        int64
	Source        Source
	At            time.Time
}

// =============================================================================
// RESULT
// =============================================================================

type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeCompleted  Outcome = "completed"
	OutcomeChargeback Outcome = "chargeback"
	OutcomeDuplicate  Outcome = "duplicate"
)

// Result is returned by every transition. On OutcomeDuplicate, Task may
// carry the existing row and Account may be nil.
type Result struct {
	Outcome Outcome
	Task    *Task
	Account *Account
}

// Page is a slice of tasks with the total matching count.
type Page struct {
	Items []Task
	Total int
	Page  int
	Limit int
}
