package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/ledger/store"
)

// =============================================================================
// CREDITS AND REVERSALS
// =============================================================================

func TestCreditNew_NoPolicy_Completes(t *testing.T) {
	// GIVEN: A new user with a zero balance and no pending policy
	f := newFixture(t)
	f.open(t, "u1")

	// WHEN: A 50 coin credit arrives
	res := f.credit(t, "u1", "T1", 50)

	// THEN: The task is completed and spendable
	assert.Equal(t, ledger.OutcomeCompleted, res.Outcome)
	assert.Equal(t, ledger.StateCompleted, res.Task.State)
	acct := f.account(t, "u1")
	assert.Equal(t, int64(50), acct.Balance)
	assert.Equal(t, int64(50), acct.TotalEarnings)
	assert.Equal(t, int64(0), acct.PendingBalance)
	assert.Equal(t, []ledger.NotificationKind{ledger.NotifyCompleted}, f.notes.kinds())
}

func TestCreditNew_AllTasksPending_HoldsForConfiguredDays(t *testing.T) {
	// GIVEN: A policy holding every task for 7 days
	f := newFixture(t)
	f.open(t, "u1")
	f.setPolicy(t, ledger.PendingPolicy{AllTasksPending: true, AllTasksDays: 7})

	// WHEN: A 50 coin credit arrives
	res := f.credit(t, "u1", "T1", 50)

	// THEN: The coins are held
	assert.Equal(t, ledger.OutcomePending, res.Outcome)
	require.NotNil(t, res.Task.ReleaseDate)
	assert.Equal(t, testNow.AddDate(0, 0, 7), *res.Task.ReleaseDate)
	assert.Equal(t, 7, res.Task.PendingDays)
	assert.Equal(t, ledger.HoldAllTasks, res.Task.PendingReason)

	acct := f.account(t, "u1")
	assert.Equal(t, int64(0), acct.Balance)
	assert.Equal(t, int64(50), acct.PendingBalance)
	assert.Equal(t, int64(0), acct.TotalEarnings)
	assert.Equal(t, []ledger.NotificationKind{ledger.NotifyPending}, f.notes.kinds())
}

func TestExpirySweep_ReleasesAfterHorizon(t *testing.T) {
	// GIVEN: State B
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "u1")
	f.setPolicy(t, ledger.PendingPolicy{AllTasksPending: true, AllTasksDays: 7})
	res := f.credit(t, "u1", "T1", 50)

	// WHEN: Swept before the horizon
	report, err := f.engine.ExpirePendingBatch(ctx, 7)
	require.NoError(t, err)

	// THEN: Nothing moves
	assert.Equal(t, 0, report.Scanned)
	assert.Equal(t, int64(50), f.account(t, "u1").PendingBalance)

	// WHEN: Swept once the task is 7 days old
	f.advance(7 * 24 * time.Hour)
	report, err = f.engine.ExpirePendingBatch(ctx, 7)
	require.NoError(t, err)

	// THEN: The task is completed
	assert.Equal(t, 1, report.Promoted)
	acct := f.account(t, "u1")
	assert.Equal(t, int64(50), acct.Balance)
	assert.Equal(t, int64(0), acct.PendingBalance)
	assert.Equal(t, int64(50), acct.TotalEarnings)

	task, err := f.engine.Task(ctx, res.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCompleted, task.State)

	transitions, err := f.engine.Transitions(ctx, res.Task.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, ledger.SourceSweeper, transitions[1].Source)
}

func TestPartnerReversal_CanDriveBalanceNegative(t *testing.T) {
	// GIVEN: A completed 100 coin task that the user already cashed out
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "u1")
	f.credit(t, "u1", "T1", 100)
	_, err := f.engine.RequestWithdrawal(ctx, ledger.WithdrawalRequest{
		UserID: "u1", Amount: 100, Wallet: "paypal", Destination: "u1@example.com",
	})
	require.NoError(t, err)

	// WHEN: The partner reverses T1
	res, err := f.engine.ChargebackNew(ctx, reversalEvent("u1", "T1", 100))
	require.NoError(t, err)

	// THEN: The chargeback is recorded and the balance goes negative
	assert.Equal(t, ledger.OutcomeChargeback, res.Outcome)
	assert.Equal(t, int64(100), res.Task.ChargebackAmount)
	assert.Equal(t, ledger.ChargebackPending, res.Task.ChargebackStatus)
	assert.Equal(t, ledger.SourcePartner, res.Task.ChargebackSource)

	acct := f.account(t, "u1")
	assert.Equal(t, int64(-100), acct.Balance)
	assert.Equal(t, int64(0), acct.TotalEarnings)

	// AND: The original reward data is retained on the same row
	task, err := f.engine.Task(ctx, res.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateChargeback, task.State)
	assert.Equal(t, int64(100), task.Amount)
	assert.Equal(t, "X", task.OfferID)
}

func TestPartnerReversal_WithoutCompletedTask_OriginalNotFound(t *testing.T) {
	// GIVEN: A user with one pending task and no completed tasks
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "u1")
	f.setPolicy(t, ledger.PendingPolicy{AllTasksPending: true, AllTasksDays: 3})
	f.credit(t, "u1", "HELD", 40)
	before := f.account(t, "u1")

	// WHEN: Reversals arrive for an unknown id and for the held id
	_, errUnknown := f.engine.ChargebackNew(ctx, reversalEvent("u1", "NEVER", 10))
	_, errHeld := f.engine.ChargebackNew(ctx, reversalEvent("u1", "HELD", 40))

	// THEN: Both are OriginalNotFound with no writes
	assert.ErrorIs(t, errUnknown, ledger.ErrOriginalNotFound)
	assert.True(t, ledger.IsNotFound(errUnknown))
	assert.ErrorIs(t, errHeld, ledger.ErrOriginalNotFound)
	assert.Equal(t, before, f.account(t, "u1"))

	page, err := f.engine.ListTasks(ctx, ledger.StateChargeback, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
}

func TestCreditNew_ConcurrentDuplicate_SingleRecord(t *testing.T) {
	// GIVEN: One account
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "u1")

	// WHEN: The same credit is delivered by many goroutines at once
	const callers = 16
	results := make([]ledger.Result, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.CreditNew(ctx, creditEvent("u1", "T1", 50))
		}(i)
	}
	wg.Wait()

	// THEN: Every call succeeds and exactly one applied the credit
	applied := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Outcome != ledger.OutcomeDuplicate {
			applied++
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(50), f.account(t, "u1").Balance)

	page, err := f.engine.ListTasks(ctx, ledger.StateCompleted, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestCreditNew_SequentialDuplicate_NoSecondDelta(t *testing.T) {
	f := newFixture(t)
	f.open(t, "u1")

	first := f.credit(t, "u1", "T1", 25)
	second := f.credit(t, "u1", "T1", 25)

	assert.Equal(t, ledger.OutcomeCompleted, first.Outcome)
	assert.Equal(t, ledger.OutcomeDuplicate, second.Outcome)
	require.NotNil(t, second.Task)
	assert.Equal(t, first.Task.ID, second.Task.ID)
	assert.Equal(t, int64(25), f.account(t, "u1").Balance)
	assert.Len(t, f.notes.kinds(), 1)
}

func TestConservation_CreditThenAdminChargeback_RestoresCounters(t *testing.T) {
	// GIVEN: An account with prior earnings
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "u1")
	f.credit(t, "u1", "OLD", 30)
	before := f.account(t, "u1")

	// WHEN: A credit is immediately reversed by an admin
	res := f.credit(t, "u1", "T1", 70)
	_, err := f.engine.DivertCompletedToChargeback(ctx, res.Task.ID)
	require.NoError(t, err)

	// THEN: Balance and total earnings are back where they started
	after := f.account(t, "u1")
	assert.Equal(t, before.Balance, after.Balance)
	assert.Equal(t, before.TotalEarnings, after.TotalEarnings)
	assert.Equal(t, before.PendingBalance, after.PendingBalance)
}

func TestRandomTransitions_PendingNeverNegativeAndStatesExclusive(t *testing.T) {
	// GIVEN: A mixed policy and a deterministic random sequence of operations
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "u1")
	f.setPolicy(t, ledger.PendingPolicy{
		PendingOffers:  []ledger.OfferOverride{{OfferID: "HOLD", Days: 2}},
		MaxCoinPerTask: 80,
		MaxDays:        5,
	})
	rng := rand.New(rand.NewPCG(7, 11))

	var txIDs []ledger.TransactionID
	for step := 0; step < 300; step++ {
		switch op := rng.IntN(6); {
		case op <= 1 || len(txIDs) == 0:
			txID := ledger.TransactionID(fmt.Sprintf("T%d", step))
			ev := creditEvent("u1", txID, int64(1+rng.IntN(120)))
			if rng.IntN(3) == 0 {
				ev.OfferID = "HOLD"
			}
			_, err := f.engine.CreditNew(ctx, ev)
			require.NoError(t, err)
			txIDs = append(txIDs, txID)
		default:
			txID := txIDs[rng.IntN(len(txIDs))]
			task, err := f.store.FindTaskByTransaction(ctx, txID)
			require.NoError(t, err)
			switch op {
			case 2:
				_, err = f.engine.PromotePendingToCompleted(ctx, task.ID, ledger.SourceAdmin)
			case 3:
				_, err = f.engine.DivertPendingToChargeback(ctx, task.ID, ledger.SourceAdmin)
			case 4:
				_, err = f.engine.MoveCompletedToPending(ctx, task.ID, 3)
			case 5:
				_, err = f.engine.ChargebackNew(ctx, reversalEvent("u1", txID, task.Amount))
			}
			// Rejections are expected; they must be categorized, never internal.
			if err != nil {
				assert.NotEqual(t, ledger.CategoryInternal, ledger.Category(err), "step %d: %v", step, err)
			}
		}

		// THEN (after every step): invariants hold
		acct := f.account(t, "u1")
		require.GreaterOrEqual(t, acct.PendingBalance, int64(0), "step %d", step)

		var pendingSum int64
		total := 0
		for _, st := range []ledger.TaskState{ledger.StatePending, ledger.StateCompleted, ledger.StateChargeback} {
			tasks, n, err := f.store.ListTasks(ctx, ledger.TaskFilter{State: st})
			require.NoError(t, err)
			total += n
			if st == ledger.StatePending {
				for _, task := range tasks {
					pendingSum += task.Amount
				}
			}
		}
		require.Equal(t, len(txIDs), total, "each transaction id lives in exactly one state")
		require.Equal(t, pendingSum, acct.PendingBalance, "step %d", step)
	}
}

// =============================================================================
// ADMIN TRANSITIONS
// =============================================================================

func TestPromotePending_IncrementsTotalEarnings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "u1")
	f.setPolicy(t, ledger.PendingPolicy{AllTasksPending: true, AllTasksDays: 10})
	res := f.credit(t, "u1", "T1", 60)

	promoted, err := f.engine.PromotePendingToCompleted(ctx, res.Task.ID, ledger.SourceAdmin)
	require.NoError(t, err)

	assert.Equal(t, ledger.OutcomeCompleted, promoted.Outcome)
	assert.Equal(t, ledger.Account{
		UserID: "u1", Balance: 60, PendingBalance: 0, TotalEarnings: 60,
		CreatedAt: testNow, UpdatedAt: testNow,
	}, f.account(t, "u1"))
	assert.Contains(t, f.notes.kinds(), ledger.NotifyReleased)
}

func TestPromotePending_InsufficientPendingBalance_Rejected(t *testing.T) {
	// GIVEN: A pending task whose account no longer carries the hold
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "u1")
	f.setPolicy(t, ledger.PendingPolicy{AllTasksPending: true, AllTasksDays: 1})
	res := f.credit(t, "u1", "T1", 60)
	f.corruptPending(t, "u1", 10)

	// WHEN: Promoting it
	_, err := f.engine.PromotePendingToCompleted(ctx, res.Task.ID, ledger.SourceAdmin)

	// THEN: Rejected with details, nothing changes
	require.ErrorIs(t, err, ledger.ErrInsufficientPendingBalance)
	var balErr *ledger.BalanceError
	require.True(t, errors.As(err, &balErr))
	assert.Equal(t, int64(10), balErr.Available)
	assert.Equal(t, int64(60), balErr.Requested)
	assert.Equal(t, int64(0), f.account(t, "u1").Balance)

	task, err := f.engine.Task(ctx, res.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatePending, task.State)
}

func TestPromotePending_CompletedTask_InvalidState(t *testing.T) {
	f := newFixture(t)
	f.open(t, "u1")
	res := f.credit(t, "u1", "T1", 5)

	_, err := f.engine.PromotePendingToCompleted(context.Background(), res.Task.ID, ledger.SourceAdmin)

	var stateErr *ledger.StateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, ledger.StateCompleted, stateErr.Actual)
	assert.Equal(t, ledger.CategoryInvalidState, ledger.Category(err))
}

func TestDivertPending_SecondCall_IsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "u1")
	f.setPolicy(t, ledger.PendingPolicy{AllTasksPending: true, AllTasksDays: 1})
	res := f.credit(t, "u1", "T1", 45)

	first, err := f.engine.DivertPendingToChargeback(ctx, res.Task.ID, ledger.SourceAdmin)
	require.NoError(t, err)
	second, err := f.engine.DivertPendingToChargeback(ctx, res.Task.ID, ledger.SourceAdmin)
	require.NoError(t, err)

	assert.Equal(t, ledger.OutcomeChargeback, first.Outcome)
	assert.Equal(t, ledger.OutcomeDuplicate, second.Outcome)
	acct := f.account(t, "u1")
	assert.Equal(t, int64(0), acct.PendingBalance)
	assert.Equal(t, int64(0), acct.Balance)
}

func TestDivertCompleted_Twice_AlreadyChargedBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "u1")
	res := f.credit(t, "u1", "T1", 20)

	_, err := f.engine.DivertCompletedToChargeback(ctx, res.Task.ID)
	require.NoError(t, err)
	_, err = f.engine.DivertCompletedToChargeback(ctx, res.Task.ID)

	assert.ErrorIs(t, err, ledger.ErrAlreadyChargedBack)
	assert.Equal(t, int64(0), f.account(t, "u1").Balance)
}

func TestPartnerReversal_Twice_IsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "u1")
	f.credit(t, "u1", "T1", 20)

	_, err := f.engine.ChargebackNew(ctx, reversalEvent("u1", "T1", 20))
	require.NoError(t, err)
	res, err := f.engine.ChargebackNew(ctx, reversalEvent("u1", "T1", 20))
	require.NoError(t, err)

	assert.Equal(t, ledger.OutcomeDuplicate, res.Outcome)
	assert.Equal(t, int64(0), f.account(t, "u1").Balance)
}

func TestPartnerReversal_OtherUser_Rejected(t *testing.T) {
	f := newFixture(t)
	f.open(t, "u1")
	f.open(t, "u2")
	f.credit(t, "u1", "T1", 20)

	_, err := f.engine.ChargebackNew(context.Background(), reversalEvent("u2", "T1", 20))

	assert.ErrorIs(t, err, ledger.ErrUserMismatch)
	assert.Equal(t, int64(20), f.account(t, "u1").Balance)
}

func TestMoveCompletedToPending_DefaultsToPolicyHorizon(t *testing.T) {
	// GIVEN: A completed task
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "u1")
	res := f.credit(t, "u1", "T1", 40)

	// WHEN: An admin puts it back on hold without a day count
	held, err := f.engine.MoveCompletedToPending(ctx, res.Task.ID, 0)
	require.NoError(t, err)

	// THEN: The coins move to pending for the default 30 days
	assert.Equal(t, ledger.OutcomePending, held.Outcome)
	assert.Equal(t, 30, held.Task.PendingDays)
	assert.Equal(t, ledger.HoldAdmin, held.Task.PendingReason)
	acct := f.account(t, "u1")
	assert.Equal(t, int64(0), acct.Balance)
	assert.Equal(t, int64(40), acct.PendingBalance)
	assert.Equal(t, int64(0), acct.TotalEarnings)
}

func TestMoveCompletedToPending_SpentCoins_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "u1")
	res := f.credit(t, "u1", "T1", 40)
	_, err := f.engine.RequestWithdrawal(ctx, ledger.WithdrawalRequest{
		UserID: "u1", Amount: 35, Wallet: "paypal", Destination: "u1@example.com",
	})
	require.NoError(t, err)

	_, err = f.engine.MoveCompletedToPending(ctx, res.Task.ID, 5)

	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, int64(5), f.account(t, "u1").Balance)
}

func TestSetChargebackStatus_OnlyForChargebacks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "u1")
	res := f.credit(t, "u1", "T1", 40)

	_, err := f.engine.SetChargebackStatus(ctx, res.Task.ID, ledger.ChargebackApproved)
	assert.ErrorIs(t, err, ledger.ErrInvalidState)

	_, err = f.engine.DivertCompletedToChargeback(ctx, res.Task.ID)
	require.NoError(t, err)
	task, err := f.engine.SetChargebackStatus(ctx, res.Task.ID, ledger.ChargebackApproved)
	require.NoError(t, err)
	assert.Equal(t, ledger.ChargebackApproved, task.ChargebackStatus)

	_, err = f.engine.SetChargebackStatus(ctx, res.Task.ID, "maybe")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// FAILURE SEMANTICS
// =============================================================================

func TestCreditNew_UnknownUser_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.CreditNew(context.Background(), creditEvent("ghost", "T1", 10))

	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestCreditNew_InvalidEvents_Validation(t *testing.T) {
	f := newFixture(t)
	f.open(t, "u1")
	ctx := context.Background()

	noTx := creditEvent("u1", "", 10)
	zero := creditEvent("u1", "T1", 0)
	negative := creditEvent("u1", "T2", -5)

	for name, ev := range map[string]ledger.RewardEvent{"missing id": noTx, "zero": zero, "reversal": negative} {
		_, err := f.engine.CreditNew(ctx, ev)
		assert.ErrorIs(t, err, ledger.ErrValidation, name)
	}
	assert.Equal(t, int64(0), f.account(t, "u1").Balance)
}

func TestCreditNew_AmountAboveMaxCoins_Validation(t *testing.T) {
	// GIVEN: An open account
	f := newFixture(t)
	f.open(t, "u1")

	// WHEN: An event exceeds the per-event bound
	_, err := f.engine.CreditNew(context.Background(), creditEvent("u1", "T1", ledger.MaxCoins+1))

	// THEN: It is rejected before any write
	assert.ErrorIs(t, err, ledger.ErrValidation)
	assert.Equal(t, int64(0), f.account(t, "u1").Balance)
}

func TestCreditNew_CounterOverflow_RejectedWithoutWrites(t *testing.T) {
	// GIVEN: A balance one credit away from the int64 limit
	f := newFixture(t)
	f.open(t, "u1")
	f.corruptBalance(t, "u1", math.MaxInt64-10)

	// WHEN: A credit would wrap the counter
	_, err := f.engine.CreditNew(context.Background(), creditEvent("u1", "T1", 50))

	// THEN: The credit fails and nothing is recorded
	assert.ErrorIs(t, err, ledger.ErrAmountOverflow)
	assert.ErrorIs(t, err, ledger.ErrValidation)
	assert.Equal(t, int64(math.MaxInt64-10), f.account(t, "u1").Balance)

	processed, err := f.engine.Guard().HasBeenProcessed(context.Background(), "T1")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestCreditNew_StorageFailure_RollsBackAndRetrySucceeds(t *testing.T) {
	// GIVEN: The transition write fails midway
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "u1")
	f.store.FailNext("AppendTransition", errors.New("disk full"))

	// WHEN: Crediting
	_, err := f.engine.CreditNew(ctx, creditEvent("u1", "T1", 10))

	// THEN: Retryable, no partial effect
	require.Error(t, err)
	assert.True(t, ledger.IsRetryable(err))
	assert.Equal(t, int64(0), f.account(t, "u1").Balance)
	found, err := f.store.FindTaskByTransaction(ctx, "T1")
	require.NoError(t, err)
	assert.Nil(t, found)

	// AND: The retry applies exactly once
	res := f.credit(t, "u1", "T1", 10)
	assert.Equal(t, ledger.OutcomeCompleted, res.Outcome)
	assert.Equal(t, int64(10), f.account(t, "u1").Balance)
}

func TestNotificationFailure_DoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.open(t, "u1")
	f.notes.fail = errors.New("broker down")

	res := f.credit(t, "u1", "T1", 10)

	assert.Equal(t, ledger.OutcomeCompleted, res.Outcome)
	assert.Equal(t, int64(10), f.account(t, "u1").Balance)
}

func TestNotifications_DefaultSinkPersistsToStore(t *testing.T) {
	// GIVEN: An engine built without a notifier option
	ctx := context.Background()
	engine := ledger.NewEngine(store.NewMemory(), ledger.WithClock(func() time.Time { return testNow }))
	_, _, err := engine.OpenAccount(ctx, "u1")
	require.NoError(t, err)

	// WHEN: A credit completes
	_, err = engine.CreditNew(ctx, creditEvent("u1", "T1", 10))
	require.NoError(t, err)

	// THEN: The notification is listable
	notes, err := engine.Notifications(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, ledger.NotifyCompleted, notes[0].Kind)
	assert.Equal(t, int64(10), notes[0].Amount)
}

func TestSeenCache_HitShortCircuitsAndIsWrittenAfterCommit(t *testing.T) {
	cache := newMemoryCache()
	f := newFixture(t, ledger.WithSeenCache(cache))
	ctx := context.Background()
	f.open(t, "u1")

	f.credit(t, "u1", "T1", 10)
	seen, err := cache.Seen(ctx, ledger.DirectionCredit, "T1")
	require.NoError(t, err)
	assert.True(t, seen)

	// A cache hit answers without touching the account.
	require.NoError(t, cache.MarkSeen(ctx, ledger.DirectionCredit, "T2"))
	res := f.credit(t, "u1", "T2", 10)
	assert.Equal(t, ledger.OutcomeDuplicate, res.Outcome)
	assert.Equal(t, int64(10), f.account(t, "u1").Balance)

	processed, err := f.engine.Guard().HasBeenProcessed(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, processed)
	reversed, err := f.engine.Guard().HasBeenReversed(ctx, "T1")
	require.NoError(t, err)
	assert.False(t, reversed)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestListPending_Paginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "u1")
	f.setPolicy(t, ledger.PendingPolicy{AllTasksPending: true, AllTasksDays: 2})
	for i := 0; i < 5; i++ {
		f.credit(t, "u1", ledger.TransactionID(fmt.Sprintf("T%d", i)), 10)
		f.advance(time.Minute)
	}

	page, err := f.engine.ListPending(ctx, 2, 2)
	require.NoError(t, err)

	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, ledger.TransactionID("T2"), page.Items[0].TransactionID)
	assert.Equal(t, ledger.TransactionID("T3"), page.Items[1].TransactionID)
}

func TestAggregateRevenue_TotalAndToday(t *testing.T) {
	// GIVEN: One completed task yesterday and two today
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "u1")
	f.advance(-24 * time.Hour)
	f.credit(t, "u1", "OLD", 10)
	f.advance(24 * time.Hour)
	f.credit(t, "u1", "T1", 10)
	f.credit(t, "u1", "T2", 10)

	// WHEN/THEN
	total, err := f.engine.AggregateRevenue(ctx, ledger.ScopeTotal, ledger.StateCompleted)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1.50").Equal(total), total.String())

	today, err := f.engine.AggregateRevenue(ctx, ledger.ScopeToday, ledger.StateCompleted)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1.00").Equal(today), today.String())

	none, err := f.engine.AggregateRevenue(ctx, ledger.ScopeTotal, ledger.StateChargeback)
	require.NoError(t, err)
	assert.True(t, none.IsZero())
}

func TestOpenAccount_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, created, err := f.engine.OpenAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = f.engine.OpenAccount(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, created)
}
