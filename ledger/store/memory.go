// Package store provides an in-memory ledger.Store (for testing/dev).
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/reward-ledger/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory implements ledger.Store in process memory. WithAccountTx holds a
// global write lock and restores a snapshot when fn fails, so transitions
// are serialized and atomic.
type Memory struct {
	mu            sync.RWMutex
	accounts      map[ledger.UserID]ledger.Account
	tasks         map[ledger.TaskID]ledger.Task
	byTx          map[ledger.TransactionID]ledger.TaskID
	transitions   []ledger.Transition
	withdrawals   map[ledger.WithdrawalID]ledger.Withdrawal
	notifications []ledger.Notification
	policy        *ledger.PendingPolicy

	failures map[string]error
}

var _ ledger.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[ledger.UserID]ledger.Account),
		tasks:       make(map[ledger.TaskID]ledger.Task),
		byTx:        make(map[ledger.TransactionID]ledger.TaskID),
		withdrawals: make(map[ledger.WithdrawalID]ledger.Withdrawal),
		failures:    make(map[string]error),
	}
}

// FailNext makes the next write named op ("SaveAccount", "InsertTask",
// "UpdateTask", "AppendTransition", "InsertWithdrawal", "UpdateWithdrawal")
// fail with err. Used to exercise rollback.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

func (m *Memory) injected(op string) error {
	if err, ok := m.failures[op]; ok {
		delete(m.failures, op)
		return ledger.StorageError(op, err)
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, userID ledger.UserID) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAccount(userID)
}

func (m *Memory) GetTask(_ context.Context, id ledger.TaskID) (*ledger.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTask(id)
}

func (m *Memory) FindTaskByTransaction(_ context.Context, txID ledger.TransactionID) (*ledger.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findByTx(txID), nil
}

func (m *Memory) GetWithdrawal(_ context.Context, id ledger.WithdrawalID) (*ledger.Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getWithdrawal(id)
}

func (m *Memory) ListWithdrawals(_ context.Context, f ledger.WithdrawalFilter) ([]ledger.Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listWithdrawals(f), nil
}

func (m *Memory) ListTasks(_ context.Context, f ledger.TaskFilter) ([]ledger.Task, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []ledger.Task
	for _, t := range m.tasks {
		if f.State != "" && t.State != f.State {
			continue
		}
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if !f.ChangedBefore.IsZero() && t.StateChangedAt.After(f.ChangedBefore) {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	if f.Offset >= total {
		return []ledger.Task{}, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (m *Memory) ListTransitions(_ context.Context, taskID ledger.TaskID) ([]ledger.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Transition
	for _, tr := range m.transitions {
		if tr.TaskID == taskID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (m *Memory) SumRevenue(_ context.Context, q ledger.RevenueQuery) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	for _, t := range m.tasks {
		if t.State != q.State {
			continue
		}
		if !q.Since.IsZero() && t.StateChangedAt.Before(q.Since) {
			continue
		}
		sum = sum.Add(t.PayoutRevenue)
	}
	return sum, nil
}

// =============================================================================
// ACCOUNTS, SETTINGS, NOTIFICATIONS
// =============================================================================

func (m *Memory) CreateAccount(_ context.Context, userID ledger.UserID, at time.Time) (*ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[userID]; ok {
		return nil, ledger.ErrDuplicate
	}
	a := ledger.Account{UserID: userID, CreatedAt: at, UpdatedAt: at}
	m.accounts[userID] = a
	return &a, nil
}

func (m *Memory) LoadPendingPolicy(context.Context) (ledger.PendingPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.policy == nil {
		return ledger.DefaultPendingPolicy(), nil
	}
	p := *m.policy
	p.PendingOffers = append([]ledger.OfferOverride(nil), m.policy.PendingOffers...)
	return p, nil
}

func (m *Memory) SavePendingPolicy(_ context.Context, p ledger.PendingPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p.PendingOffers = append([]ledger.OfferOverride(nil), p.PendingOffers...)
	m.policy = &p
	return nil
}

func (m *Memory) SaveNotification(_ context.Context, n ledger.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *Memory) ListNotifications(_ context.Context, userID ledger.UserID, limit int) ([]ledger.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Notification
	for i := len(m.notifications) - 1; i >= 0; i-- {
		if m.notifications[i].UserID != userID {
			continue
		}
		out = append(out, m.notifications[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithAccountTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithAccountTx(ctx context.Context, userID ledger.UserID, fn func(tx ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := m.accounts[userID]; !ok {
		return ledger.ErrAccountNotFound
	}

	snapshot := m.snapshot()
	if err := fn(&memoryTx{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts       map[ledger.UserID]ledger.Account
	tasks          map[ledger.TaskID]ledger.Task
	byTx           map[ledger.TransactionID]ledger.TaskID
	withdrawals    map[ledger.WithdrawalID]ledger.Withdrawal
	transitionsLen int
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		accounts:       make(map[ledger.UserID]ledger.Account, len(m.accounts)),
		tasks:          make(map[ledger.TaskID]ledger.Task, len(m.tasks)),
		byTx:           make(map[ledger.TransactionID]ledger.TaskID, len(m.byTx)),
		withdrawals:    make(map[ledger.WithdrawalID]ledger.Withdrawal, len(m.withdrawals)),
		transitionsLen: len(m.transitions),
	}
	for k, v := range m.accounts {
		s.accounts[k] = v
	}
	for k, v := range m.tasks {
		s.tasks[k] = v
	}
	for k, v := range m.byTx {
		s.byTx[k] = v
	}
	for k, v := range m.withdrawals {
		s.withdrawals[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.accounts = s.accounts
	m.tasks = s.tasks
	m.byTx = s.byTx
	m.withdrawals = s.withdrawals
	m.transitions = m.transitions[:s.transitionsLen]
}

// memoryTx is the write view handed to fn. The parent lock is already held.
type memoryTx struct {
	parent *Memory
}

func (tx *memoryTx) GetAccount(_ context.Context, userID ledger.UserID) (*ledger.Account, error) {
	return tx.parent.getAccount(userID)
}

func (tx *memoryTx) GetTask(_ context.Context, id ledger.TaskID) (*ledger.Task, error) {
	return tx.parent.getTask(id)
}

func (tx *memoryTx) FindTaskByTransaction(_ context.Context, txID ledger.TransactionID) (*ledger.Task, error) {
	return tx.parent.findByTx(txID), nil
}

func (tx *memoryTx) GetWithdrawal(_ context.Context, id ledger.WithdrawalID) (*ledger.Withdrawal, error) {
	return tx.parent.getWithdrawal(id)
}

func (tx *memoryTx) ListWithdrawals(_ context.Context, f ledger.WithdrawalFilter) ([]ledger.Withdrawal, error) {
	return tx.parent.listWithdrawals(f), nil
}

func (tx *memoryTx) SaveAccount(_ context.Context, a ledger.Account) error {
	if err := tx.parent.injected("SaveAccount"); err != nil {
		return err
	}
	if _, ok := tx.parent.accounts[a.UserID]; !ok {
		return ledger.ErrAccountNotFound
	}
	tx.parent.accounts[a.UserID] = a
	return nil
}

func (tx *memoryTx) InsertTask(_ context.Context, t ledger.Task) error {
	if err := tx.parent.injected("InsertTask"); err != nil {
		return err
	}
	if _, ok := tx.parent.byTx[t.TransactionID]; ok {
		return ledger.ErrDuplicate
	}
	tx.parent.tasks[t.ID] = t
	tx.parent.byTx[t.TransactionID] = t.ID
	return nil
}

func (tx *memoryTx) UpdateTask(_ context.Context, t ledger.Task, expected ledger.TaskState) error {
	if err := tx.parent.injected("UpdateTask"); err != nil {
		return err
	}
	cur, ok := tx.parent.tasks[t.ID]
	if !ok || cur.State != expected {
		return ledger.ErrStaleState
	}
	tx.parent.tasks[t.ID] = t
	return nil
}

func (tx *memoryTx) AppendTransition(_ context.Context, tr ledger.Transition) error {
	if err := tx.parent.injected("AppendTransition"); err != nil {
		return err
	}
	tx.parent.transitions = append(tx.parent.transitions, tr)
	return nil
}

func (tx *memoryTx) InsertWithdrawal(_ context.Context, w ledger.Withdrawal) error {
	if err := tx.parent.injected("InsertWithdrawal"); err != nil {
		return err
	}
	if _, ok := tx.parent.withdrawals[w.ID]; ok {
		return ledger.ErrDuplicate
	}
	tx.parent.withdrawals[w.ID] = w
	return nil
}

func (tx *memoryTx) UpdateWithdrawal(_ context.Context, w ledger.Withdrawal, expected ledger.WithdrawalStatus) error {
	if err := tx.parent.injected("UpdateWithdrawal"); err != nil {
		return err
	}
	cur, ok := tx.parent.withdrawals[w.ID]
	if !ok || cur.Status != expected {
		return ledger.ErrInvalidWithdrawalState
	}
	tx.parent.withdrawals[w.ID] = w
	return nil
}

// =============================================================================
// LOCKED HELPERS - caller holds mu
// =============================================================================

func (m *Memory) getAccount(userID ledger.UserID) (*ledger.Account, error) {
	a, ok := m.accounts[userID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return &a, nil
}

func (m *Memory) getTask(id ledger.TaskID) (*ledger.Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, ledger.ErrTaskNotFound
	}
	return &t, nil
}

func (m *Memory) findByTx(txID ledger.TransactionID) *ledger.Task {
	id, ok := m.byTx[txID]
	if !ok {
		return nil
	}
	t := m.tasks[id]
	return &t
}

func (m *Memory) getWithdrawal(id ledger.WithdrawalID) (*ledger.Withdrawal, error) {
	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ledger.ErrWithdrawalNotFound
	}
	return &w, nil
}

func (m *Memory) listWithdrawals(f ledger.WithdrawalFilter) []ledger.Withdrawal {
	var out []ledger.Withdrawal
	for _, w := range m.withdrawals {
		if f.UserID != "" && w.UserID != f.UserID {
			continue
		}
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		if !f.CreatedAfter.IsZero() && !w.CreatedAt.After(f.CreatedAfter) {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
