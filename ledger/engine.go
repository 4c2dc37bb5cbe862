/*
engine.go - Transition Engine

PURPOSE:
  Every change to an account's counters happens here, as one atomic
  account-scoped transaction that also moves a task between states and
  appends an audit transition.

OPERATIONS:
  CreditNew                    (new) → Pending | Completed
  ChargebackNew                partner reversal, see ReverseReward
  ReverseReward                Completed → Chargeback (partner or admin)
  PromotePendingToCompleted    Pending   → Completed (admin, sweeper)
  DivertPendingToChargeback    Pending   → Chargeback (admin)
  DivertCompletedToChargeback  Completed → Chargeback (admin)
  MoveCompletedToPending       Completed → Pending (admin hold)
  SetChargebackStatus          admin review of a chargeback, no balance effect

COUNTER EFFECTS:
                               balance   pending   total_earnings
  credit, no hold              +a                  +a
  credit, hold                           +a
  pending → completed          +a        -a        +a
  pending → chargeback                   -a
  completed → chargeback       -a                  -a
  completed → pending          -a        +a        -a

  pending_balance never goes below zero (ErrInsufficientPendingBalance).
  A chargeback may drive balance negative; that is the admin-attention
  signal. Every other debit requires enough balance.

IDEMPOTENCE:
  A transaction id already known to the Guard yields OutcomeDuplicate with
  a nil error and no counter change.

NOTIFICATIONS:
  Sent after commit. Delivery failure is logged and never rolls back.

SEE ALSO:
  - policy.go: Hold decision for CreditNew
  - expiry.go: Batch promotion of old pending tasks
  - withdrawal.go: Withdrawal sub-machine
*/
package ledger

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine applies ledger transitions against a Store.
type Engine struct {
	store    Store
	policies PolicySource
	cache    SeenCache
	guard    *Guard
	notifier Notifier
	clock    Clock
	log      *zap.Logger
	newID    func() string

	wallets      map[string]int64
	cooldown     time.Duration
	sweepWorkers int
}

type Option func(*Engine)

// WithPolicySource overrides the store as the pending-policy source.
func WithPolicySource(p PolicySource) Option { return func(e *Engine) { e.policies = p } }

// WithNotifier replaces the default sink, which saves notifications to the
// store. Include a notify.Store in n to keep them listable.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithSeenCache(c SeenCache) Option { return func(e *Engine) { e.cache = c } }

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

// WithWallets sets the accepted withdrawal wallets and their minimums.
func WithWallets(minimums map[string]int64) Option {
	return func(e *Engine) { e.wallets = minimums }
}

func WithWithdrawalCooldown(d time.Duration) Option { return func(e *Engine) { e.cooldown = d } }

// WithSweepConcurrency bounds concurrent promotions in one expiry sweep.
func WithSweepConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sweepWorkers = n
		}
	}
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		policies:     store,
		notifier:     storeNotifier{store: store},
		clock:        time.Now,
		log:          zap.NewNop(),
		newID:        uuid.NewString,
		wallets:      DefaultWallets(),
		cooldown:     DefaultWithdrawalCooldown,
		sweepWorkers: 4,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.guard = NewGuard(store, e.cache, e.log)
	return e
}

func (e *Engine) Guard() *Guard { return e.guard }

// =============================================================================
// CREDITS
// =============================================================================

// CreditNew records a new positive reward. The pending policy is read once
// and decides between Pending and Completed.
func (e *Engine) CreditNew(ctx context.Context, ev RewardEvent) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}
	if !ev.IsCredit() {
		return Result{}, &FieldError{Field: "amount", Reason: "credit must be positive"}
	}
	if e.guard.seen(ctx, DirectionCredit, ev.TransactionID) {
		e.logDuplicate(ev.TransactionID, DirectionCredit)
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	policy, err := e.policies.LoadPendingPolicy(ctx)
	if err != nil {
		return Result{}, StorageError("load pending policy", err)
	}
	now := e.clock()
	decision := Evaluate(ev, policy, now)

	var res Result
	err = e.store.WithAccountTx(ctx, ev.UserID, func(tx Tx) error {
		existing, err := tx.FindTaskByTransaction(ctx, ev.TransactionID)
		if err != nil {
			return err
		}
		if existing != nil {
			res = Result{Outcome: OutcomeDuplicate, Task: existing}
			return nil
		}

		acct, err := tx.GetAccount(ctx, ev.UserID)
		if err != nil {
			return err
		}

		task := newTask(TaskID(e.newID()), ev, now)
		if decision.Hold {
			task.State = StatePending
			task.ReleaseDate = timePtr(decision.ReleaseDate)
			task.PendingDays = decision.Days
			task.PendingReason = decision.Reason
			if err := addCoins(&acct.PendingBalance, ev.Amount); err != nil {
				return err
			}
		} else {
			task.State = StateCompleted
			if err := addCoins(&acct.Balance, ev.Amount); err != nil {
				return err
			}
			if err := addCoins(&acct.TotalEarnings, ev.Amount); err != nil {
				return err
			}
		}

		if err := e.apply(ctx, tx, task, "", acct, ev.Amount, task.Source, now); err != nil {
			return err
		}
		res = Result{Outcome: Outcome(task.State), Task: &task, Account: acct}
		return nil
	})
	if errors.Is(err, ErrDuplicate) {
		// Lost the insert race to a concurrent delivery.
		e.logDuplicate(ev.TransactionID, DirectionCredit)
		return Result{Outcome: OutcomeDuplicate}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if res.Outcome == OutcomeDuplicate {
		e.logDuplicate(ev.TransactionID, DirectionCredit)
		return res, nil
	}

	e.guard.remember(ctx, DirectionCredit, ev.TransactionID)
	kind := NotifyCompleted
	if res.Outcome == OutcomePending {
		kind = NotifyPending
	}
	e.emit(ctx, taskNotification(kind, *res.Task, ev.Amount, now))
	return res, nil
}

// =============================================================================
// REVERSALS
// =============================================================================

// Reversal asks to claw back a previously credited transaction.
type Reversal struct {
	TransactionID TransactionID
	UserID        UserID // when set, must own the task
	Amount        int64  // coins to claw back from a completed task; 0 = task amount
	Source        Source
}

// ChargebackNew handles a partner reversal postback (negative amount).
func (e *Engine) ChargebackNew(ctx context.Context, ev RewardEvent) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}
	if !ev.IsReversal() {
		return Result{}, &FieldError{Field: "amount", Reason: "reversal must be negative"}
	}
	source := ev.Source
	if source == "" {
		source = SourcePartner
	}
	return e.ReverseReward(ctx, Reversal{
		TransactionID: ev.TransactionID,
		UserID:        ev.UserID,
		Amount:        -ev.Amount,
		Source:        source,
	})
}

// DivertCompletedToChargeback is the admin reversal of a completed task.
func (e *Engine) DivertCompletedToChargeback(ctx context.Context, id TaskID) (Result, error) {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return Result{}, err
	}
	return e.ReverseReward(ctx, Reversal{TransactionID: t.TransactionID, Source: SourceAdmin})
}

// ReverseReward moves a task to Chargeback.
//
// Both sources require a completed task. A partner reversal of an already
// charged-back task is a duplicate; an admin one is ErrAlreadyChargedBack.
// A partner reversal with no completed task is ErrOriginalNotFound.
func (e *Engine) ReverseReward(ctx context.Context, r Reversal) (Result, error) {
	if strings.TrimSpace(string(r.TransactionID)) == "" {
		return Result{}, &FieldError{Field: "transactionId", Reason: "required"}
	}
	if r.Amount < 0 {
		r.Amount = -r.Amount
	}
	if r.Source == "" {
		r.Source = SourcePartner
	}
	admin := r.Source == SourceAdmin

	if !admin && e.guard.seen(ctx, DirectionReversal, r.TransactionID) {
		e.logDuplicate(r.TransactionID, DirectionReversal)
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	found, err := e.store.FindTaskByTransaction(ctx, r.TransactionID)
	if err != nil {
		return Result{}, err
	}
	if found == nil {
		return Result{}, ErrOriginalNotFound
	}
	if r.UserID != "" && found.UserID != r.UserID {
		return Result{}, ErrUserMismatch
	}

	now := e.clock()
	var res Result
	err = e.store.WithAccountTx(ctx, found.UserID, func(tx Tx) error {
		t, err := tx.FindTaskByTransaction(ctx, r.TransactionID)
		if err != nil {
			return err
		}
		if t == nil {
			return ErrOriginalNotFound
		}

		switch t.State {
		case StateChargeback:
			if admin {
				return ErrAlreadyChargedBack
			}
			res = Result{Outcome: OutcomeDuplicate, Task: t}
			return nil

		case StatePending:
			if admin {
				return &StateError{TaskID: t.ID, Actual: t.State, Expected: StateCompleted}
			}
			// Partners may only reverse granted rewards; held tasks are
			// cancelled through DivertPendingToChargeback.
			return ErrOriginalNotFound

		default:
			acct, err := tx.GetAccount(ctx, t.UserID)
			if err != nil {
				return err
			}
			amount := r.Amount
			if amount == 0 {
				amount = t.Amount
			}
			acct.Balance -= amount
			acct.TotalEarnings -= amount

			next := *t
			next.State = StateChargeback
			next.StateChangedAt = now
			next.ChargebackAmount = amount
			next.ChargebackStatus = ChargebackPending
			next.ChargebackSource = r.Source
			if err := e.apply(ctx, tx, next, StateCompleted, acct, amount, r.Source, now); err != nil {
				return err
			}
			res = Result{Outcome: OutcomeChargeback, Task: &next, Account: acct}
			return nil
		}
	})
	if err != nil {
		return Result{}, err
	}
	if res.Outcome == OutcomeDuplicate {
		e.logDuplicate(r.TransactionID, DirectionReversal)
		return res, nil
	}

	e.guard.remember(ctx, DirectionReversal, r.TransactionID)
	e.emit(ctx, taskNotification(NotifyChargeback, *res.Task, res.Task.ChargebackAmount, now))
	return res, nil
}

// =============================================================================
// ADMIN TRANSITIONS
// =============================================================================

// PromotePendingToCompleted releases a held task. Used by admins and the
// expiry sweeper.
func (e *Engine) PromotePendingToCompleted(ctx context.Context, id TaskID, source Source) (Result, error) {
	if source == "" {
		source = SourceAdmin
	}
	now := e.clock()
	var res Result
	err := e.onTask(ctx, id, func(tx Tx, t Task, acct *Account) error {
		if t.State != StatePending {
			return &StateError{TaskID: t.ID, Actual: t.State, Expected: StatePending}
		}
		if acct.PendingBalance < t.Amount {
			return &BalanceError{UserID: acct.UserID, Field: "pending_balance", Available: acct.PendingBalance, Requested: t.Amount}
		}
		if err := addCoins(&acct.Balance, t.Amount); err != nil {
			return err
		}
		if err := addCoins(&acct.TotalEarnings, t.Amount); err != nil {
			return err
		}
		acct.PendingBalance -= t.Amount

		t.State = StateCompleted
		t.StateChangedAt = now
		if err := e.apply(ctx, tx, t, StatePending, acct, t.Amount, source, now); err != nil {
			return err
		}
		res = Result{Outcome: OutcomeCompleted, Task: &t, Account: acct}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	e.emit(ctx, taskNotification(NotifyReleased, *res.Task, res.Task.Amount, now))
	return res, nil
}

// DivertPendingToChargeback cancels a held task. A task already in
// Chargeback is reported as a duplicate.
func (e *Engine) DivertPendingToChargeback(ctx context.Context, id TaskID, source Source) (Result, error) {
	if source == "" {
		source = SourceAdmin
	}
	now := e.clock()
	var res Result
	err := e.onTask(ctx, id, func(tx Tx, t Task, _ *Account) error {
		switch t.State {
		case StateChargeback:
			res = Result{Outcome: OutcomeDuplicate, Task: &t}
			return nil
		case StatePending:
		default:
			return &StateError{TaskID: t.ID, Actual: t.State, Expected: StatePending}
		}
		var err error
		res, err = e.divertPending(ctx, tx, t, source, now)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if res.Outcome == OutcomeDuplicate {
		return res, nil
	}
	e.guard.remember(ctx, DirectionReversal, res.Task.TransactionID)
	e.emit(ctx, taskNotification(NotifyChargeback, *res.Task, res.Task.ChargebackAmount, now))
	return res, nil
}

// MoveCompletedToPending puts a completed task back on hold for days
// (policy sweep horizon when days is zero). The user must still hold the
// coins.
func (e *Engine) MoveCompletedToPending(ctx context.Context, id TaskID, days int) (Result, error) {
	if days < 0 {
		return Result{}, &FieldError{Field: "days", Reason: "must not be negative"}
	}
	if days == 0 {
		policy, err := e.policies.LoadPendingPolicy(ctx)
		if err != nil {
			return Result{}, StorageError("load pending policy", err)
		}
		days = policy.SweepHorizon()
	}

	now := e.clock()
	var res Result
	err := e.onTask(ctx, id, func(tx Tx, t Task, acct *Account) error {
		if t.State != StateCompleted {
			return &StateError{TaskID: t.ID, Actual: t.State, Expected: StateCompleted}
		}
		if acct.Balance < t.Amount {
			return &BalanceError{UserID: acct.UserID, Field: "balance", Available: acct.Balance, Requested: t.Amount}
		}
		acct.Balance -= t.Amount
		acct.PendingBalance += t.Amount
		acct.TotalEarnings -= t.Amount

		t.State = StatePending
		t.StateChangedAt = now
		t.ReleaseDate = timePtr(AddCalendarDays(now, days))
		t.PendingDays = days
		t.PendingReason = HoldAdmin
		if err := e.apply(ctx, tx, t, StateCompleted, acct, t.Amount, SourceAdmin, now); err != nil {
			return err
		}
		res = Result{Outcome: OutcomePending, Task: &t, Account: acct}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	e.emit(ctx, taskNotification(NotifyHeld, *res.Task, res.Task.Amount, now))
	return res, nil
}

// SetChargebackStatus records the admin review of a chargeback.
func (e *Engine) SetChargebackStatus(ctx context.Context, id TaskID, status ChargebackStatus) (*Task, error) {
	if !status.Valid() {
		return nil, &FieldError{Field: "status", Reason: "must be one of pending, approved, rejected"}
	}
	var out Task
	err := e.onTask(ctx, id, func(tx Tx, t Task, _ *Account) error {
		if t.State != StateChargeback {
			return &StateError{TaskID: t.ID, Actual: t.State, Expected: StateChargeback}
		}
		t.ChargebackStatus = status
		if err := tx.UpdateTask(ctx, t, StateChargeback); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// ACCOUNTS AND QUERIES
// =============================================================================

// OpenAccount creates a zero account, or returns the existing one.
func (e *Engine) OpenAccount(ctx context.Context, userID UserID) (*Account, bool, error) {
	if strings.TrimSpace(string(userID)) == "" {
		return nil, false, &FieldError{Field: "userId", Reason: "required"}
	}
	acct, err := e.store.GetAccount(ctx, userID)
	if err == nil {
		return acct, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	acct, err = e.store.CreateAccount(ctx, userID, e.clock())
	if errors.Is(err, ErrDuplicate) {
		acct, err = e.store.GetAccount(ctx, userID)
		return acct, false, err
	}
	if err != nil {
		return nil, false, err
	}
	e.log.Info("account opened", zap.String("user_id", string(userID)))
	return acct, true, nil
}

func (e *Engine) Account(ctx context.Context, userID UserID) (*Account, error) {
	return e.store.GetAccount(ctx, userID)
}

func (e *Engine) Task(ctx context.Context, id TaskID) (*Task, error) {
	return e.store.GetTask(ctx, id)
}

func (e *Engine) Transitions(ctx context.Context, id TaskID) ([]Transition, error) {
	return e.store.ListTransitions(ctx, id)
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ListPending returns one page (1-based) of pending tasks, oldest first.
func (e *Engine) ListPending(ctx context.Context, page, limit int) (Page, error) {
	return e.ListTasks(ctx, StatePending, page, limit)
}

// ListTasks returns one page of tasks in state, oldest first.
func (e *Engine) ListTasks(ctx context.Context, state TaskState, page, limit int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	items, total, err := e.store.ListTasks(ctx, TaskFilter{State: state, Offset: (page - 1) * limit, Limit: limit})
	if err != nil {
		return Page{}, err
	}
	if items == nil {
		items = []Task{}
	}
	return Page{Items: items, Total: total, Page: page, Limit: limit}, nil
}

type RevenueScope string

const (
	ScopeTotal RevenueScope = "total"
	ScopeToday RevenueScope = "today"
)

func ParseRevenueScope(s string) (RevenueScope, error) {
	switch RevenueScope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeTotal:
		return ScopeTotal, nil
	case ScopeToday:
		return ScopeToday, nil
	}
	return "", &FieldError{Field: "scope", Reason: "must be total or today"}
}

// AggregateRevenue sums partner payout revenue of tasks in state. ScopeToday
// counts tasks that entered the state since local midnight.
func (e *Engine) AggregateRevenue(ctx context.Context, scope RevenueScope, state TaskState) (decimal.Decimal, error) {
	if !state.Valid() {
		return decimal.Zero, &FieldError{Field: "state", Reason: "must be one of pending, completed, chargeback"}
	}
	q := RevenueQuery{State: state}
	if scope == ScopeToday {
		q.Since = StartOfDay(e.clock())
	}
	return e.store.SumRevenue(ctx, q)
}

func (e *Engine) PendingPolicy(ctx context.Context) (PendingPolicy, error) {
	return e.policies.LoadPendingPolicy(ctx)
}

// UpdatePendingPolicy validates and persists a new policy. It applies to
// credits evaluated after it is saved.
func (e *Engine) UpdatePendingPolicy(ctx context.Context, p PendingPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.ExpiryDays == 0 {
		p.ExpiryDays = DefaultExpiryDays
	}
	if err := e.store.SavePendingPolicy(ctx, p); err != nil {
		return err
	}
	e.log.Info("pending policy updated",
		zap.Bool("all_tasks_pending", p.AllTasksPending),
		zap.Int("offer_overrides", len(p.PendingOffers)),
		zap.Int64("max_coin_per_task", p.MaxCoinPerTask),
		zap.Int("expiry_days", p.ExpiryDays))
	return nil
}

func (e *Engine) Notifications(ctx context.Context, userID UserID, limit int) ([]Notification, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	if _, err := e.store.GetAccount(ctx, userID); err != nil {
		return nil, err
	}
	return e.store.ListNotifications(ctx, userID, limit)
}

// =============================================================================
// INTERNALS
// =============================================================================

// onTask resolves the owner of a task, then runs fn under that account's
// lock with fresh copies of the task and account.
func (e *Engine) onTask(ctx context.Context, id TaskID, fn func(tx Tx, t Task, acct *Account) error) error {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return e.store.WithAccountTx(ctx, t.UserID, func(tx Tx) error {
		cur, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		acct, err := tx.GetAccount(ctx, cur.UserID)
		if err != nil {
			return err
		}
		return fn(tx, *cur, acct)
	})
}

func (e *Engine) divertPending(ctx context.Context, tx Tx, t Task, source Source, now time.Time) (Result, error) {
	acct, err := tx.GetAccount(ctx, t.UserID)
	if err != nil {
		return Result{}, err
	}
	if acct.PendingBalance < t.Amount {
		return Result{}, &BalanceError{UserID: acct.UserID, Field: "pending_balance", Available: acct.PendingBalance, Requested: t.Amount}
	}
	acct.PendingBalance -= t.Amount

	t.State = StateChargeback
	t.StateChangedAt = now
	t.ChargebackAmount = t.Amount
	t.ChargebackStatus = ChargebackPending
	t.ChargebackSource = source
	if err := e.apply(ctx, tx, t, StatePending, acct, t.Amount, source, now); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeChargeback, Task: &t, Account: acct}, nil
}

// apply persists a task move: insert (from == "") or CAS update, the new
// account counters and the audit transition.
func (e *Engine) apply(ctx context.Context, tx Tx, t Task, from TaskState, acct *Account, amount int64, source Source, now time.Time) error {
	if from == "" {
		if err := tx.InsertTask(ctx, t); err != nil {
			return err
		}
	} else if err := tx.UpdateTask(ctx, t, from); err != nil {
		return err
	}

	acct.UpdatedAt = now
	if err := tx.SaveAccount(ctx, *acct); err != nil {
		return err
	}

	if err := tx.AppendTransition(ctx, Transition{
		ID:            e.newID(),
		TaskID:        t.ID,
		TransactionID: t.TransactionID,
		UserID:        t.UserID,
		From:          from,
		To:            t.State,
		Amount:        amount,
		Source:        source,
		At:            now,
	}); err != nil {
		return err
	}

	e.log.Info("task transition",
		zap.String("task_id", string(t.ID)),
		zap.String("transaction_id", string(t.TransactionID)),
		zap.String("user_id", string(t.UserID)),
		zap.String("from", string(from)),
		zap.String("to", string(t.State)),
		zap.Int64("amount", amount),
		zap.String("source", string(source)))
	return nil
}

func (e *Engine) emit(ctx context.Context, n Notification) {
	if n.ID == "" {
		n.ID = e.newID()
	}
	if err := e.notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
		e.log.Warn("notification delivery failed",
			zap.String("user_id", string(n.UserID)),
			zap.String("kind", string(n.Kind)),
			zap.Error(err))
	}
}

func (e *Engine) logDuplicate(txID TransactionID, dir Direction) {
	e.log.Info("duplicate transaction ignored",
		zap.String("transaction_id", string(txID)),
		zap.String("direction", string(dir)))
}

// addCoins adds a positive delta to an account counter, refusing int64
// overflow.
func addCoins(counter *int64, delta int64) error {
	if delta > 0 && *counter > math.MaxInt64-delta {
		return ErrAmountOverflow
	}
	*counter += delta
	return nil
}
