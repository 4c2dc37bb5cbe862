package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/store/postgres"
	"go.uber.org/zap"
)

// newStore connects to LEDGER_TEST_POSTGRES_DSN, migrates and truncates.
// Tests skip when no database is configured.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	require.NoError(t, postgres.RunMigrations(ctx, dsn, "up", zap.NewNop()))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "TRUNCATE notifications, settings, withdrawals, task_transitions, tasks, accounts")
	require.NoError(t, err)
	pool.Close()

	store, err := postgres.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func credit(user ledger.UserID, txID ledger.TransactionID, amount int64) ledger.RewardEvent {
	return ledger.RewardEvent{
		UserID:        user,
		TransactionID: txID,
		OfferWallName: "wannads",
		OfferID:       "X",
		Amount:        amount,
		PayoutRevenue: decimal.RequireFromString("0.25"),
		OccurredAt:    time.Now(),
	}
}

func TestPostgres_ConcurrentDuplicateDelivery(t *testing.T) {
	// GIVEN: One account and the same credit delivered from many goroutines
	store := newStore(t)
	ctx := context.Background()
	engine := ledger.NewEngine(store)
	_, _, err := engine.OpenAccount(ctx, "u1")
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[ledger.Outcome]int{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.CreditNew(ctx, credit("u1", "DUP", 50))
			assert.NoError(t, err)
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	// THEN: Exactly one delivery credited
	assert.Equal(t, 1, outcomes[ledger.OutcomeCompleted])
	assert.Equal(t, 7, outcomes[ledger.OutcomeDuplicate])

	acct, err := engine.Account(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acct.Balance)
	assert.Equal(t, int64(50), acct.TotalEarnings)
}

func TestPostgres_LifecycleAndRevenue(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	engine := ledger.NewEngine(store)
	_, _, err := engine.OpenAccount(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, engine.UpdatePendingPolicy(ctx, ledger.PendingPolicy{MaxCoinPerTask: 100, MaxDays: 2}))

	for i := 0; i < 3; i++ {
		_, err := engine.CreditNew(ctx, credit("u1", ledger.TransactionID(fmt.Sprintf("T%d", i)), 100))
		require.NoError(t, err)
	}

	page, err := engine.ListPending(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 2)

	revenue, err := engine.AggregateRevenue(ctx, ledger.ScopeTotal, ledger.StatePending)
	require.NoError(t, err)
	assert.Equal(t, "0.75", revenue.String())

	_, err = engine.ChargebackNew(ctx, credit("u1", "T0", -100))
	assert.ErrorIs(t, err, ledger.ErrOriginalNotFound, "pending rows are not reversible by partners")
}
