/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Durable single-node storage for the reward ledger. The same schema runs on
  PostgreSQL (store/postgres) with only dialect differences.

KEY TABLES:
  accounts:          One row per user (balance, pending_balance, total_earnings)
  tasks:             ONE row per transaction id, state enum, never deleted
  task_transitions:  Append-only audit of every state move
  withdrawals:       Cash-out requests
  notifications:     User-facing ledger messages
  settings:          Key/value JSON documents (pending policy)

INDEXES:
  - tasks.transaction_id UNIQUE: storage-level idempotency backstop
  - idx_tasks_state_changed: pending listing and expiry sweep (hot path)
  - idx_withdrawals_user_created: cooldown checks

COMPARE-AND-SWAP:
  State moves are UPDATE ... WHERE id = ? AND state = ?; zero rows affected
  means the task moved concurrently (ledger.ErrStaleState).

CONCURRENCY:
  Uses sync.RWMutex for thread-safety: WithAccountTx takes the write lock,
  so SQLite sees a single writer. The pool is capped at one connection,
  which also keeps ":memory:" databases shared across calls.

TIME FORMAT:
  Timestamps are stored as fixed-width UTC text so string comparison in SQL
  matches time order.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/reward-ledger/ledger"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const settingPendingPolicy = "pending_policy"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0,
		pending_balance INTEGER NOT NULL DEFAULT 0 CHECK (pending_balance >= 0),
		total_earnings INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- One row per transaction id; state moves in place
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL REFERENCES accounts(user_id),
		offer_wall TEXT NOT NULL DEFAULT '',
		offer_name TEXT NOT NULL DEFAULT '',
		offer_id TEXT NOT NULL DEFAULT '',
		amount INTEGER NOT NULL CHECK (amount > 0),
		payout_revenue TEXT NOT NULL DEFAULT '0',
		country TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		user_avatar TEXT NOT NULL DEFAULT '',
		occurred_at TEXT NOT NULL,
		source TEXT NOT NULL,
		state TEXT NOT NULL CHECK (state IN ('pending', 'completed', 'chargeback')),
		release_date TEXT,
		pending_days INTEGER NOT NULL DEFAULT 0,
		pending_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		state_changed_at TEXT NOT NULL,
		chargeback_amount INTEGER NOT NULL DEFAULT 0,
		chargeback_status TEXT NOT NULL DEFAULT '',
		chargeback_source TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_state_changed
		ON tasks(state, state_changed_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_state_created
		ON tasks(state, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_user
		ON tasks(user_id);

	-- Append-only audit
	CREATE TABLE IF NOT EXISTS task_transitions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		transaction_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		to_state TEXT NOT NULL,
		amount INTEGER NOT NULL,
		source TEXT NOT NULL,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_task
		ON task_transitions(task_id, at);

	CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES accounts(user_id),
		amount INTEGER NOT NULL CHECK (amount > 0),
		wallet TEXT NOT NULL,
		destination TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_user_created
		ON withdrawals(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_status
		ON withdrawals(status);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		transaction_id TEXT NOT NULL DEFAULT '',
		withdrawal_id TEXT NOT NULL DEFAULT '',
		amount INTEGER NOT NULL,
		message TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_user
		ON notifications(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, userID ledger.UserID, at time.Time) (*ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance, pending_balance, total_earnings, created_at, updated_at)
		VALUES (?, 0, 0, 0, ?, ?)
	`, userID, formatTime(at), formatTime(at))
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, ledger.ErrDuplicate
		}
		return nil, ledger.StorageError("create account", err)
	}
	return &ledger.Account{UserID: userID, CreatedAt: at.UTC(), UpdatedAt: at.UTC()}, nil
}

func (s *Store) GetAccount(ctx context.Context, userID ledger.UserID) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, userID)
}

func getAccount(ctx context.Context, q querier, userID ledger.UserID) (*ledger.Account, error) {
	var (
		a                    ledger.Account
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT user_id, balance, pending_balance, total_earnings, created_at, updated_at
		FROM accounts WHERE user_id = ?
	`, userID).Scan(&a.UserID, &a.Balance, &a.PendingBalance, &a.TotalEarnings, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, ledger.StorageError("get account", err)
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func saveAccount(ctx context.Context, q querier, a ledger.Account) error {
	res, err := q.ExecContext(ctx, `
		UPDATE accounts
		SET balance = ?, pending_balance = ?, total_earnings = ?, updated_at = ?
		WHERE user_id = ?
	`, a.Balance, a.PendingBalance, a.TotalEarnings, formatTime(a.UpdatedAt), a.UserID)
	if err != nil {
		return ledger.StorageError("save account", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

// =============================================================================
// TASKS
// =============================================================================

const taskColumns = `
	id, transaction_id, user_id, offer_wall, offer_name, offer_id, amount,
	payout_revenue, country, ip, user_avatar, occurred_at, source, state,
	release_date, pending_days, pending_reason, created_at, state_changed_at,
	chargeback_amount, chargeback_status, chargeback_source`

func (s *Store) GetTask(ctx context.Context, id ledger.TaskID) (*ledger.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTask(ctx, s.db, id)
}

func (s *Store) FindTaskByTransaction(ctx context.Context, txID ledger.TransactionID) (*ledger.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findTaskByTransaction(ctx, s.db, txID)
}

func getTask(ctx context.Context, q querier, id ledger.TaskID) (*ledger.Task, error) {
	row := q.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrTaskNotFound
	}
	if err != nil {
		return nil, ledger.StorageError("get task", err)
	}
	return &t, nil
}

func findTaskByTransaction(ctx context.Context, q querier, txID ledger.TransactionID) (*ledger.Task, error) {
	row := q.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE transaction_id = ?", txID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.StorageError("find task", err)
	}
	return &t, nil
}

func insertTask(ctx context.Context, q querier, t ledger.Task) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.TransactionID, t.UserID, t.OfferWallName, t.OfferName, t.OfferID, t.Amount,
		t.PayoutRevenue.String(), t.Country, t.IP, t.UserAvatar, formatTime(t.OccurredAt), t.Source, t.State,
		nullTime(t.ReleaseDate), t.PendingDays, t.PendingReason, formatTime(t.CreatedAt), formatTime(t.StateChangedAt),
		t.ChargebackAmount, t.ChargebackStatus, t.ChargebackSource,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicate
		}
		return ledger.StorageError("insert task", err)
	}
	return nil
}

func updateTask(ctx context.Context, q querier, t ledger.Task, expected ledger.TaskState) error {
	res, err := q.ExecContext(ctx, `
		UPDATE tasks
		SET state = ?, release_date = ?, pending_days = ?, pending_reason = ?, state_changed_at = ?,
		    chargeback_amount = ?, chargeback_status = ?, chargeback_source = ?
		WHERE id = ? AND state = ?
	`,
		t.State, nullTime(t.ReleaseDate), t.PendingDays, t.PendingReason, formatTime(t.StateChangedAt),
		t.ChargebackAmount, t.ChargebackStatus, t.ChargebackSource,
		t.ID, expected,
	)
	if err != nil {
		return ledger.StorageError("update task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.StorageError("update task", err)
	}
	if n == 0 {
		return ledger.ErrStaleState
	}
	return nil
}

// ListTasks returns matching tasks oldest first, plus the total match count.
func (s *Store) ListTasks(ctx context.Context, f ledger.TaskFilter) ([]ledger.Task, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if !f.ChangedBefore.IsZero() {
		where = append(where, "state_changed_at <= ?")
		args = append(args, formatTime(f.ChangedBefore))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+clause, args...).Scan(&total); err != nil {
		return nil, 0, ledger.StorageError("count tasks", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	query := "SELECT " + taskColumns + " FROM tasks" + clause + " ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, ledger.StorageError("list tasks", err)
	}
	defer rows.Close()

	tasks := []ledger.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, ledger.StorageError("scan task", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, ledger.StorageError("list tasks", err)
	}
	return tasks, total, nil
}

// SumRevenue adds payout revenue in decimal; SQLite SUM over text would
// go through floating point.
func (s *Store) SumRevenue(ctx context.Context, q ledger.RevenueQuery) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT payout_revenue FROM tasks WHERE state = ?"
	args := []any{q.State}
	if !q.Since.IsZero() {
		query += " AND state_changed_at >= ?"
		args = append(args, formatTime(q.Since))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return decimal.Zero, ledger.StorageError("sum revenue", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, ledger.StorageError("sum revenue", err)
		}
		sum = sum.Add(parseDecimal(raw))
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, ledger.StorageError("sum revenue", err)
	}
	return sum, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func appendTransition(ctx context.Context, q querier, tr ledger.Transition) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO task_transitions (id, task_id, transaction_id, user_id, from_state, to_state, amount, source, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tr.ID, tr.TaskID, tr.TransactionID, tr.UserID, tr.From, tr.To, tr.Amount, tr.Source, formatTime(tr.At))
	if err != nil {
		return ledger.StorageError("append transition", err)
	}
	return nil
}

func (s *Store) ListTransitions(ctx context.Context, taskID ledger.TaskID) ([]ledger.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, transaction_id, user_id, from_state, to_state, amount, source, at
		FROM task_transitions WHERE task_id = ?
		ORDER BY at ASC, rowid ASC
	`, taskID)
	if err != nil {
		return nil, ledger.StorageError("list transitions", err)
	}
	defer rows.Close()

	var out []ledger.Transition
	for rows.Next() {
		var (
			tr ledger.Transition
			at string
		)
		if err := rows.Scan(&tr.ID, &tr.TaskID, &tr.TransactionID, &tr.UserID, &tr.From, &tr.To, &tr.Amount, &tr.Source, &at); err != nil {
			return nil, ledger.StorageError("scan transition", err)
		}
		tr.At = parseTime(at)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

const withdrawalColumns = "id, user_id, amount, wallet, destination, status, created_at, updated_at"

func (s *Store) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (*ledger.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getWithdrawal(ctx, s.db, id)
}

func (s *Store) ListWithdrawals(ctx context.Context, f ledger.WithdrawalFilter) ([]ledger.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listWithdrawals(ctx, s.db, f)
}

func getWithdrawal(ctx context.Context, q querier, id ledger.WithdrawalID) (*ledger.Withdrawal, error) {
	row := q.QueryRowContext(ctx, "SELECT "+withdrawalColumns+" FROM withdrawals WHERE id = ?", id)
	w, err := scanWithdrawal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, ledger.StorageError("get withdrawal", err)
	}
	return &w, nil
}

func listWithdrawals(ctx context.Context, q querier, f ledger.WithdrawalFilter) ([]ledger.Withdrawal, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if !f.CreatedAfter.IsZero() {
		where = append(where, "created_at > ?")
		args = append(args, formatTime(f.CreatedAfter))
	}
	query := "SELECT " + withdrawalColumns + " FROM withdrawals"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.StorageError("list withdrawals", err)
	}
	defer rows.Close()

	var out []ledger.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, ledger.StorageError("scan withdrawal", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func insertWithdrawal(ctx context.Context, q querier, w ledger.Withdrawal) error {
	_, err := q.ExecContext(ctx, "INSERT INTO withdrawals ("+withdrawalColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		w.ID, w.UserID, w.Amount, w.Wallet, w.Destination, w.Status, formatTime(w.CreatedAt), formatTime(w.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicate
		}
		return ledger.StorageError("insert withdrawal", err)
	}
	return nil
}

func updateWithdrawal(ctx context.Context, q querier, w ledger.Withdrawal, expected ledger.WithdrawalStatus) error {
	res, err := q.ExecContext(ctx, `
		UPDATE withdrawals SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, w.Status, formatTime(w.UpdatedAt), w.ID, expected)
	if err != nil {
		return ledger.StorageError("update withdrawal", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrInvalidWithdrawalState
	}
	return nil
}

// =============================================================================
// SETTINGS & NOTIFICATIONS
// =============================================================================

// LoadPendingPolicy returns the saved policy, or the default when none was
// saved yet.
func (s *Store) LoadPendingPolicy(ctx context.Context) (ledger.PendingPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT value_json FROM settings WHERE key = ?", settingPendingPolicy).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.DefaultPendingPolicy(), nil
	}
	if err != nil {
		return ledger.PendingPolicy{}, ledger.StorageError("load pending policy", err)
	}
	var p ledger.PendingPolicy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return ledger.PendingPolicy{}, ledger.StorageError("decode pending policy", err)
	}
	return p, nil
}

func (s *Store) SavePendingPolicy(ctx context.Context, p ledger.PendingPolicy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending policy: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json, updated_at = excluded.updated_at
	`, settingPendingPolicy, string(raw), formatTime(time.Now()))
	return ledger.StorageError("save pending policy", err)
}

func (s *Store) SaveNotification(ctx context.Context, n ledger.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, kind, task_id, transaction_id, withdrawal_id, amount, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.UserID, n.Kind, n.TaskID, n.TransactionID, n.WithdrawalID, n.Amount, n.Message, formatTime(n.CreatedAt))
	return ledger.StorageError("save notification", err)
}

func (s *Store) ListNotifications(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, task_id, transaction_id, withdrawal_id, amount, message, created_at
		FROM notifications WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, ledger.StorageError("list notifications", err)
	}
	defer rows.Close()

	var out []ledger.Notification
	for rows.Next() {
		var (
			n         ledger.Notification
			createdAt string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.TaskID, &n.TransactionID, &n.WithdrawalID, &n.Amount, &n.Message, &createdAt); err != nil {
			return nil, ledger.StorageError("scan notification", err)
		}
		n.CreatedAt = parseTime(createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.Tx interface)
// =============================================================================

// WithAccountTx executes fn within a database transaction. The store write
// lock makes this the only writer, which serializes every account.
func (s *Store) WithAccountTx(ctx context.Context, userID ledger.UserID, fn func(tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.StorageError("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if _, err := getAccount(ctx, sqlTx, userID); err != nil {
		return err
	}

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return ledger.StorageError("commit transaction", sqlTx.Commit())
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetAccount(ctx context.Context, userID ledger.UserID) (*ledger.Account, error) {
	return getAccount(ctx, ts.tx, userID)
}

func (ts *txStore) GetTask(ctx context.Context, id ledger.TaskID) (*ledger.Task, error) {
	return getTask(ctx, ts.tx, id)
}

func (ts *txStore) FindTaskByTransaction(ctx context.Context, txID ledger.TransactionID) (*ledger.Task, error) {
	return findTaskByTransaction(ctx, ts.tx, txID)
}

func (ts *txStore) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (*ledger.Withdrawal, error) {
	return getWithdrawal(ctx, ts.tx, id)
}

func (ts *txStore) ListWithdrawals(ctx context.Context, f ledger.WithdrawalFilter) ([]ledger.Withdrawal, error) {
	return listWithdrawals(ctx, ts.tx, f)
}

func (ts *txStore) SaveAccount(ctx context.Context, a ledger.Account) error {
	return saveAccount(ctx, ts.tx, a)
}

func (ts *txStore) InsertTask(ctx context.Context, t ledger.Task) error {
	return insertTask(ctx, ts.tx, t)
}

func (ts *txStore) UpdateTask(ctx context.Context, t ledger.Task, expected ledger.TaskState) error {
	return updateTask(ctx, ts.tx, t, expected)
}

func (ts *txStore) AppendTransition(ctx context.Context, tr ledger.Transition) error {
	return appendTransition(ctx, ts.tx, tr)
}

func (ts *txStore) InsertWithdrawal(ctx context.Context, w ledger.Withdrawal) error {
	return insertWithdrawal(ctx, ts.tx, w)
}

func (ts *txStore) UpdateWithdrawal(ctx context.Context, w ledger.Withdrawal, expected ledger.WithdrawalStatus) error {
	return updateWithdrawal(ctx, ts.tx, w, expected)
}

// =============================================================================
// HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (ledger.Task, error) {
	var (
		t                                     ledger.Task
		payout                                string
		occurredAt, createdAt, stateChangedAt string
		releaseDate                           sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.TransactionID, &t.UserID, &t.OfferWallName, &t.OfferName, &t.OfferID, &t.Amount,
		&payout, &t.Country, &t.IP, &t.UserAvatar, &occurredAt, &t.Source, &t.State,
		&releaseDate, &t.PendingDays, &t.PendingReason, &createdAt, &stateChangedAt,
		&t.ChargebackAmount, &t.ChargebackStatus, &t.ChargebackSource,
	)
	if err != nil {
		return t, err
	}
	t.PayoutRevenue = parseDecimal(payout)
	t.OccurredAt = parseTime(occurredAt)
	t.CreatedAt = parseTime(createdAt)
	t.StateChangedAt = parseTime(stateChangedAt)
	if releaseDate.Valid {
		rd := parseTime(releaseDate.String)
		t.ReleaseDate = &rd
	}
	return t, nil
}

func scanWithdrawal(row rowScanner) (ledger.Withdrawal, error) {
	var (
		w                    ledger.Withdrawal
		createdAt, updatedAt string
	)
	if err := row.Scan(&w.ID, &w.UserID, &w.Amount, &w.Wallet, &w.Destination, &w.Status, &createdAt, &updatedAt); err != nil {
		return w, err
	}
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return w, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
