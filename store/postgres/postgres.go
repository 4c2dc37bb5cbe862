/*
Package postgres provides a PostgreSQL implementation of ledger.Store on pgx.

PURPOSE:
  Multi-node deployment storage. Where the SQLite store serializes through a
  process-wide mutex, this store serializes per account with a row lock:

    BEGIN
    SELECT ... FROM accounts WHERE user_id = $1 FOR UPDATE
    ... task CAS, account update, transition insert ...
    COMMIT

  Writers for different users never block each other. Two partner
  deliveries racing on the same transaction id serialize on the account row,
  and the UNIQUE index on tasks.transaction_id backstops anything that slips
  past (SQLSTATE 23505 maps to ledger.ErrDuplicate).

SCHEMA:
  Managed by goose migrations embedded in this package (RunMigrations).

SEE ALSO:
  - store/sqlite/sqlite.go: single-node implementation of the same contract
  - migrations/: schema
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/reward-ledger/ledger"
)

const settingPendingPolicy = "pending_policy"

// SQLSTATE codes the store translates.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Store implements ledger.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// New connects to PostgreSQL and verifies the connection.
func New(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, userID ledger.UserID, at time.Time) (*ledger.Account, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (user_id, balance, pending_balance, total_earnings, created_at, updated_at)
		VALUES ($1, 0, 0, 0, $2, $2)
	`, string(userID), at.UTC())
	if err != nil {
		return nil, translate("create account", err)
	}
	return &ledger.Account{UserID: userID, CreatedAt: at.UTC(), UpdatedAt: at.UTC()}, nil
}

func (s *Store) GetAccount(ctx context.Context, userID ledger.UserID) (*ledger.Account, error) {
	return getAccount(ctx, s.pool, userID, false)
}

func getAccount(ctx context.Context, q dbtx, userID ledger.UserID, lock bool) (*ledger.Account, error) {
	query := `SELECT user_id, balance, pending_balance, total_earnings, created_at, updated_at
		FROM accounts WHERE user_id = $1`
	if lock {
		query += " FOR UPDATE"
	}
	var (
		a  ledger.Account
		id string
	)
	err := q.QueryRow(ctx, query, string(userID)).
		Scan(&id, &a.Balance, &a.PendingBalance, &a.TotalEarnings, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, translate("get account", err)
	}
	a.UserID = ledger.UserID(id)
	return &a, nil
}

func saveAccount(ctx context.Context, q dbtx, a ledger.Account) error {
	tag, err := q.Exec(ctx, `
		UPDATE accounts
		SET balance = $1, pending_balance = $2, total_earnings = $3, updated_at = $4
		WHERE user_id = $5
	`, a.Balance, a.PendingBalance, a.TotalEarnings, a.UpdatedAt.UTC(), string(a.UserID))
	if err != nil {
		return translate("save account", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

// =============================================================================
// TASKS
// =============================================================================

const taskColumns = `
	id, transaction_id, user_id, offer_wall, offer_name, offer_id, amount,
	payout_revenue::text, country, ip, user_avatar, occurred_at, source, state,
	release_date, pending_days, pending_reason, created_at, state_changed_at,
	chargeback_amount, chargeback_status, chargeback_source`

const taskInsertColumns = `
	id, transaction_id, user_id, offer_wall, offer_name, offer_id, amount,
	payout_revenue, country, ip, user_avatar, occurred_at, source, state,
	release_date, pending_days, pending_reason, created_at, state_changed_at,
	chargeback_amount, chargeback_status, chargeback_source`

func (s *Store) GetTask(ctx context.Context, id ledger.TaskID) (*ledger.Task, error) {
	return getTask(ctx, s.pool, id)
}

func (s *Store) FindTaskByTransaction(ctx context.Context, txID ledger.TransactionID) (*ledger.Task, error) {
	return findTaskByTransaction(ctx, s.pool, txID)
}

func getTask(ctx context.Context, q dbtx, id ledger.TaskID) (*ledger.Task, error) {
	t, err := scanTask(q.QueryRow(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrTaskNotFound
	}
	if err != nil {
		return nil, translate("get task", err)
	}
	return &t, nil
}

func findTaskByTransaction(ctx context.Context, q dbtx, txID ledger.TransactionID) (*ledger.Task, error) {
	t, err := scanTask(q.QueryRow(ctx, "SELECT "+taskColumns+" FROM tasks WHERE transaction_id = $1", string(txID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate("find task", err)
	}
	return &t, nil
}

func insertTask(ctx context.Context, q dbtx, t ledger.Task) error {
	_, err := q.Exec(ctx, `
		INSERT INTO tasks (`+taskInsertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22)
	`,
		string(t.ID), string(t.TransactionID), string(t.UserID), t.OfferWallName, t.OfferName, t.OfferID, t.Amount,
		t.PayoutRevenue.String(), t.Country, t.IP, t.UserAvatar, t.OccurredAt.UTC(), string(t.Source), string(t.State),
		utcPtr(t.ReleaseDate), t.PendingDays, string(t.PendingReason), t.CreatedAt.UTC(), t.StateChangedAt.UTC(),
		t.ChargebackAmount, string(t.ChargebackStatus), string(t.ChargebackSource),
	)
	return translate("insert task", err)
}

func updateTask(ctx context.Context, q dbtx, t ledger.Task, expected ledger.TaskState) error {
	tag, err := q.Exec(ctx, `
		UPDATE tasks
		SET state = $1, release_date = $2, pending_days = $3, pending_reason = $4, state_changed_at = $5,
		    chargeback_amount = $6, chargeback_status = $7, chargeback_source = $8
		WHERE id = $9 AND state = $10
	`,
		string(t.State), utcPtr(t.ReleaseDate), t.PendingDays, string(t.PendingReason), t.StateChangedAt.UTC(),
		t.ChargebackAmount, string(t.ChargebackStatus), string(t.ChargebackSource),
		string(t.ID), string(expected),
	)
	if err != nil {
		return translate("update task", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrStaleState
	}
	return nil
}

func (s *Store) ListTasks(ctx context.Context, f ledger.TaskFilter) ([]ledger.Task, int, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.State != "" {
		where = append(where, "state = "+arg(string(f.State)))
	}
	if f.UserID != "" {
		where = append(where, "user_id = "+arg(string(f.UserID)))
	}
	if !f.ChangedBefore.IsZero() {
		where = append(where, "state_changed_at <= "+arg(f.ChangedBefore.UTC()))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM tasks"+clause, args...).Scan(&total); err != nil {
		return nil, 0, translate("count tasks", err)
	}

	query := "SELECT " + taskColumns + " FROM tasks" + clause + " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, translate("list tasks", err)
	}
	defer rows.Close()

	tasks := []ledger.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, translate("scan task", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, translate("list tasks", err)
	}
	return tasks, total, nil
}

func (s *Store) SumRevenue(ctx context.Context, q ledger.RevenueQuery) (decimal.Decimal, error) {
	query := "SELECT COALESCE(SUM(payout_revenue), 0)::text FROM tasks WHERE state = $1"
	args := []any{string(q.State)}
	if !q.Since.IsZero() {
		query += " AND state_changed_at >= $2"
		args = append(args, q.Since.UTC())
	}

	var raw string
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		return decimal.Zero, translate("sum revenue", err)
	}
	sum, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse revenue %q: %w", raw, err)
	}
	return sum, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func appendTransition(ctx context.Context, q dbtx, tr ledger.Transition) error {
	_, err := q.Exec(ctx, `
		INSERT INTO task_transitions (id, task_id, transaction_id, user_id, from_state, to_state, amount, source, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, tr.ID, string(tr.TaskID), string(tr.TransactionID), string(tr.UserID),
		string(tr.From), string(tr.To), tr.Amount, string(tr.Source), tr.At.UTC())
	return translate("append transition", err)
}

func (s *Store) ListTransitions(ctx context.Context, taskID ledger.TaskID) ([]ledger.Transition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, transaction_id, user_id, from_state, to_state, amount, source, at
		FROM task_transitions WHERE task_id = $1
		ORDER BY at ASC, seq ASC
	`, string(taskID))
	if err != nil {
		return nil, translate("list transitions", err)
	}
	defer rows.Close()

	var out []ledger.Transition
	for rows.Next() {
		var (
			tr                                 ledger.Transition
			task, txID, user, from, to, source string
		)
		if err := rows.Scan(&tr.ID, &task, &txID, &user, &from, &to, &tr.Amount, &source, &tr.At); err != nil {
			return nil, translate("scan transition", err)
		}
		tr.TaskID = ledger.TaskID(task)
		tr.TransactionID = ledger.TransactionID(txID)
		tr.UserID = ledger.UserID(user)
		tr.From = ledger.TaskState(from)
		tr.To = ledger.TaskState(to)
		tr.Source = ledger.Source(source)
		out = append(out, tr)
	}
	return out, translate("list transitions", rows.Err())
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

const withdrawalColumns = "id, user_id, amount, wallet, destination, status, created_at, updated_at"

func (s *Store) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (*ledger.Withdrawal, error) {
	return getWithdrawal(ctx, s.pool, id)
}

func (s *Store) ListWithdrawals(ctx context.Context, f ledger.WithdrawalFilter) ([]ledger.Withdrawal, error) {
	return listWithdrawals(ctx, s.pool, f)
}

func getWithdrawal(ctx context.Context, q dbtx, id ledger.WithdrawalID) (*ledger.Withdrawal, error) {
	w, err := scanWithdrawal(q.QueryRow(ctx, "SELECT "+withdrawalColumns+" FROM withdrawals WHERE id = $1", string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, translate("get withdrawal", err)
	}
	return &w, nil
}

func listWithdrawals(ctx context.Context, q dbtx, f ledger.WithdrawalFilter) ([]ledger.Withdrawal, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.UserID != "" {
		where = append(where, "user_id = "+arg(string(f.UserID)))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if !f.CreatedAfter.IsZero() {
		where = append(where, "created_at > "+arg(f.CreatedAfter.UTC()))
	}
	query := "SELECT " + withdrawalColumns + " FROM withdrawals"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, translate("list withdrawals", err)
	}
	defer rows.Close()

	var out []ledger.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, translate("scan withdrawal", err)
		}
		out = append(out, w)
	}
	return out, translate("list withdrawals", rows.Err())
}

func insertWithdrawal(ctx context.Context, q dbtx, w ledger.Withdrawal) error {
	_, err := q.Exec(ctx, "INSERT INTO withdrawals ("+withdrawalColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		string(w.ID), string(w.UserID), w.Amount, w.Wallet, w.Destination, string(w.Status), w.CreatedAt.UTC(), w.UpdatedAt.UTC())
	return translate("insert withdrawal", err)
}

func updateWithdrawal(ctx context.Context, q dbtx, w ledger.Withdrawal, expected ledger.WithdrawalStatus) error {
	tag, err := q.Exec(ctx, "UPDATE withdrawals SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4",
		string(w.Status), w.UpdatedAt.UTC(), string(w.ID), string(expected))
	if err != nil {
		return translate("update withdrawal", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrInvalidWithdrawalState
	}
	return nil
}

// =============================================================================
// SETTINGS & NOTIFICATIONS
// =============================================================================

func (s *Store) LoadPendingPolicy(ctx context.Context) (ledger.PendingPolicy, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, "SELECT value_json FROM settings WHERE key = $1", settingPendingPolicy).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.DefaultPendingPolicy(), nil
	}
	if err != nil {
		return ledger.PendingPolicy{}, translate("load pending policy", err)
	}
	var p ledger.PendingPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return ledger.PendingPolicy{}, ledger.StorageError("decode pending policy", err)
	}
	return p, nil
}

func (s *Store) SavePendingPolicy(ctx context.Context, p ledger.PendingPolicy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending policy: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO settings (key, value_json, updated_at) VALUES ($1, $2::jsonb, now())
		ON CONFLICT (key) DO UPDATE SET value_json = EXCLUDED.value_json, updated_at = EXCLUDED.updated_at
	`, settingPendingPolicy, string(raw))
	return translate("save pending policy", err)
}

func (s *Store) SaveNotification(ctx context.Context, n ledger.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, user_id, kind, task_id, transaction_id, withdrawal_id, amount, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, n.ID, string(n.UserID), string(n.Kind), string(n.TaskID), string(n.TransactionID),
		string(n.WithdrawalID), n.Amount, n.Message, n.CreatedAt.UTC())
	return translate("save notification", err)
}

func (s *Store) ListNotifications(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Notification, error) {
	query := `
		SELECT id, user_id, kind, task_id, transaction_id, withdrawal_id, amount, message, created_at
		FROM notifications WHERE user_id = $1
		ORDER BY created_at DESC, seq DESC`
	args := []any{string(userID)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translate("list notifications", err)
	}
	defer rows.Close()

	var out []ledger.Notification
	for rows.Next() {
		var (
			n                                  ledger.Notification
			user, kind, task, txID, withdrawal string
		)
		if err := rows.Scan(&n.ID, &user, &kind, &task, &txID, &withdrawal, &n.Amount, &n.Message, &n.CreatedAt); err != nil {
			return nil, translate("scan notification", err)
		}
		n.UserID = ledger.UserID(user)
		n.Kind = ledger.NotificationKind(kind)
		n.TaskID = ledger.TaskID(task)
		n.TransactionID = ledger.TransactionID(txID)
		n.WithdrawalID = ledger.WithdrawalID(withdrawal)
		out = append(out, n)
	}
	return out, translate("list notifications", rows.Err())
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithAccountTx runs fn in a READ COMMITTED transaction holding the
// account row lock.
func (s *Store) WithAccountTx(ctx context.Context, userID ledger.UserID, fn func(tx ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return translate("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := getAccount(ctx, tx, userID, true); err != nil {
		return err
	}

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}

	return translate("commit transaction", tx.Commit(ctx))
}

type txStore struct {
	tx pgx.Tx
}

func (ts *txStore) GetAccount(ctx context.Context, userID ledger.UserID) (*ledger.Account, error) {
	return getAccount(ctx, ts.tx, userID, false)
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

// translate maps driver errors onto ledger categories. Unique violations
// become ErrDuplicate; serialization failures and deadlocks stay storage
// errors so callers retry.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return ledger.ErrDuplicate
		case codeSerializationFailure, codeDeadlockDetected:
			return ledger.StorageError(op+" (retryable "+pgErr.Code+")", err)
		}
	}
	return ledger.StorageError(op, err)
}

func scanTask(row pgx.Row) (ledger.Task, error) {
	var (
		t                                             ledger.Task
		id, txID, user, payout, source, state, reason string
		cbStatus, cbSource                            string
	)
	err := row.Scan(
		&id, &txID, &user, &t.OfferWallName, &t.OfferName, &t.OfferID, &t.Amount,
		&payout, &t.Country, &t.IP, &t.UserAvatar, &t.OccurredAt, &source, &state,
		&t.ReleaseDate, &t.PendingDays, &reason, &t.CreatedAt, &t.StateChangedAt,
		&t.ChargebackAmount, &cbStatus, &cbSource,
	)
	if err != nil {
		return t, err
	}
	t.ID = ledger.TaskID(id)
	t.TransactionID = ledger.TransactionID(txID)
	t.UserID = ledger.UserID(user)
	t.Source = ledger.Source(source)
	t.State = ledger.TaskState(state)
	t.PendingReason = ledger.HoldReason(reason)
	t.ChargebackStatus = ledger.ChargebackStatus(cbStatus)
	t.ChargebackSource = ledger.Source(cbSource)
	t.PayoutRevenue, err = decimal.NewFromString(payout)
	return t, err
}

func scanWithdrawal(row pgx.Row) (ledger.Withdrawal, error) {
	var (
		w                ledger.Withdrawal
		id, user, status string
	)
	err := row.Scan(&id, &user, &w.Amount, &w.Wallet, &w.Destination, &status, &w.CreatedAt, &w.UpdatedAt)
	w.ID = ledger.WithdrawalID(id)
	w.UserID = ledger.UserID(user)
	w.Status = ledger.WithdrawalStatus(status)
	return w, err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
