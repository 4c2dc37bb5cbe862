/*
sqlite_test.go - Tests for the SQLite ledger store

Tests for:
- Schema round-trips (accounts, tasks, withdrawals, notifications, settings)
- Compare-and-swap on task state
- Transaction rollback on error
- Engine flows end-to-end on a real database
*/
package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/store/sqlite"
)

var now = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleTask(id ledger.TaskID, txID ledger.TransactionID) ledger.Task {
	release := now.AddDate(0, 0, 7)
	return ledger.Task{
		ID:             id,
		TransactionID:  txID,
		UserID:         "u1",
		OfferWallName:  "notik",
		OfferName:      "Install Game",
		OfferID:        "X",
		Amount:         100,
		PayoutRevenue:  decimal.RequireFromString("1.25"),
		Country:        "US",
		OccurredAt:     now,
		Source:         ledger.SourcePartner,
		State:          ledger.StatePending,
		ReleaseDate:    &release,
		PendingDays:    7,
		PendingReason:  ledger.HoldAllTasks,
		CreatedAt:      now,
		StateChangedAt: now,
	}
}

func TestCreateAccount_Duplicate(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.CreateAccount(ctx, "u1", now)
	require.NoError(t, err)

	_, err = store.CreateAccount(ctx, "u1", now)
	assert.ErrorIs(t, err, ledger.ErrDuplicate)

	_, err = store.GetAccount(ctx, "nobody")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestTask_RoundTripAndCAS(t *testing.T) {
	// GIVEN: A pending task inserted in a transaction
	store := newStore(t)
	ctx := context.Background()
	_, err := store.CreateAccount(ctx, "u1", now)
	require.NoError(t, err)

	task := sampleTask("t1", "TX1")
	err = store.WithAccountTx(ctx, "u1", func(tx ledger.Tx) error {
		return tx.InsertTask(ctx, task)
	})
	require.NoError(t, err)

	// THEN: Every column survives the round trip
	got, err := store.FindTaskByTransaction(ctx, "TX1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)
	assert.True(t, task.PayoutRevenue.Equal(got.PayoutRevenue))
	require.NotNil(t, got.ReleaseDate)
	assert.True(t, task.ReleaseDate.Equal(*got.ReleaseDate))
	assert.Equal(t, ledger.HoldAllTasks, got.PendingReason)

	// WHEN: Updating with the wrong expected state
	got.State = ledger.StateCompleted
	err = store.WithAccountTx(ctx, "u1", func(tx ledger.Tx) error {
		return tx.UpdateTask(ctx, *got, ledger.StateCompleted)
	})

	// THEN: The compare-and-swap fails
	assert.ErrorIs(t, err, ledger.ErrStaleState)

	err = store.WithAccountTx(ctx, "u1", func(tx ledger.Tx) error {
		return tx.UpdateTask(ctx, *got, ledger.StatePending)
	})
	require.NoError(t, err)

	after, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCompleted, after.State)
}

func TestInsertTask_DuplicateTransaction(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	_, err := store.CreateAccount(ctx, "u1", now)
	require.NoError(t, err)

	err = store.WithAccountTx(ctx, "u1", func(tx ledger.Tx) error {
		if err := tx.InsertTask(ctx, sampleTask("t1", "TX1")); err != nil {
			return err
		}
		return tx.InsertTask(ctx, sampleTask("t2", "TX1"))
	})

	assert.ErrorIs(t, err, ledger.ErrDuplicate)

	missing, err := store.FindTaskByTransaction(ctx, "TX1")
	require.NoError(t, err)
	assert.Nil(t, missing, "whole transaction rolls back")
}

func TestWithAccountTx_RollbackOnError(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	_, err := store.CreateAccount(ctx, "u1", now)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.WithAccountTx(ctx, "u1", func(tx ledger.Tx) error {
		acct, err := tx.GetAccount(ctx, "u1")
		if err != nil {
			return err
		}
		acct.Balance = 500
		if err := tx.SaveAccount(ctx, *acct); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	acct, err := store.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Balance)

	err = store.WithAccountTx(ctx, "ghost", func(ledger.Tx) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestListTasks_FilterAndPage(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	_, err := store.CreateAccount(ctx, "u1", now)
	require.NoError(t, err)

	err = store.WithAccountTx(ctx, "u1", func(tx ledger.Tx) error {
		for i := 0; i < 5; i++ {
			task := sampleTask(ledger.TaskID(fmt.Sprintf("t%d", i)), ledger.TransactionID(fmt.Sprintf("TX%d", i)))
			task.CreatedAt = now.Add(time.Duration(i) * time.Second)
			task.StateChangedAt = task.CreatedAt
			if err := tx.InsertTask(ctx, task); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	page, total, err := store.ListTasks(ctx, ledger.TaskFilter{State: ledger.StatePending, Offset: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, ledger.TaskID("t2"), page[0].ID)
	assert.Equal(t, ledger.TaskID("t3"), page[1].ID)

	old, total, err := store.ListTasks(ctx, ledger.TaskFilter{State: ledger.StatePending, ChangedBefore: now.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, old, 2)
}

func TestPendingPolicy_DefaultThenSaved(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	p, err := store.LoadPendingPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.DefaultPendingPolicy(), p)

	want := ledger.PendingPolicy{
		AllTasksPending: true,
		AllTasksDays:    3,
		PendingOffers:   []ledger.OfferOverride{{OfferID: "SLOW", Days: 14}},
		ExpiryDays:      30,
	}
	require.NoError(t, store.SavePendingPolicy(ctx, want))
	want.AllTasksDays = 4
	require.NoError(t, store.SavePendingPolicy(ctx, want))

	got, err := store.LoadPendingPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestNotifications_NewestFirst(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.SaveNotification(ctx, ledger.Notification{
			ID:        fmt.Sprintf("n%d", i),
			UserID:    "u1",
			Kind:      ledger.NotifyCompleted,
			Amount:    int64(i),
			Message:   "credited",
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := store.ListNotifications(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "n2", got[0].ID)
	assert.Equal(t, "n1", got[1].ID)
}

func TestEngine_OnSQLite(t *testing.T) {
	// GIVEN: An engine over SQLite with a 7 day hold on everything
	store := newStore(t)
	ctx := context.Background()
	clock := now
	engine := ledger.NewEngine(store,
		ledger.WithClock(func() time.Time { return clock }),
		ledger.WithWallets(map[string]int64{"paypal": 10}),
	)
	_, _, err := engine.OpenAccount(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, engine.UpdatePendingPolicy(ctx, ledger.PendingPolicy{AllTasksPending: true, AllTasksDays: 7}))

	ev := ledger.RewardEvent{
		UserID:        "u1",
		TransactionID: "TX1",
		OfferWallName: "notik",
		OfferID:       "X",
		Amount:        100,
		PayoutRevenue: decimal.RequireFromString("0.50"),
		OccurredAt:    now,
	}

	// WHEN: The credit is delivered twice
	first, err := engine.CreditNew(ctx, ev)
	require.NoError(t, err)
	second, err := engine.CreditNew(ctx, ev)
	require.NoError(t, err)

	// THEN: One pending task, one duplicate
	assert.Equal(t, ledger.OutcomePending, first.Outcome)
	assert.Equal(t, ledger.OutcomeDuplicate, second.Outcome)

	// WHEN: Eight days pass and the sweeper runs
	clock = now.AddDate(0, 0, 8)
	report, err := engine.ExpirePendingBatch(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Promoted)

	acct, err := engine.Account(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Balance)
	assert.Equal(t, int64(0), acct.PendingBalance)
	assert.Equal(t, int64(100), acct.TotalEarnings)

	// WHEN: The partner reverses it
	rev := ev
	rev.Amount = -100
	res, err := engine.ChargebackNew(ctx, rev)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeChargeback, res.Outcome)

	transitions, err := engine.Transitions(ctx, first.Task.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 3)
	assert.Equal(t, ledger.StateChargeback, transitions[2].To)

	revenue, err := engine.AggregateRevenue(ctx, ledger.ScopeTotal, ledger.StateChargeback)
	require.NoError(t, err)
	assert.Equal(t, "0.5", revenue.String())

	// Withdrawals share the same transaction path.
	_, err = engine.RequestWithdrawal(ctx, ledger.WithdrawalRequest{UserID: "u1", Amount: 10, Wallet: "paypal", Destination: "a@b.c"})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}
