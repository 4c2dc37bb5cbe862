package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *store.Memory
	engine *ledger.Engine
	notes  *recorder

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T, opts ...ledger.Option) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemory(), notes: &recorder{}, now: testNow}
	base := []ledger.Option{
		ledger.WithClock(f.clock),
		ledger.WithNotifier(f.notes),
		ledger.WithWallets(map[string]int64{"paypal": 10, "bitcoin": 1000}),
	}
	f.engine = ledger.NewEngine(f.store, append(base, opts...)...)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) open(t *testing.T, user ledger.UserID) {
	t.Helper()
	_, _, err := f.engine.OpenAccount(context.Background(), user)
	require.NoError(t, err)
}

func (f *fixture) account(t *testing.T, user ledger.UserID) ledger.Account {
	t.Helper()
	a, err := f.engine.Account(context.Background(), user)
	require.NoError(t, err)
	return *a
}

func (f *fixture) setPolicy(t *testing.T, p ledger.PendingPolicy) {
	t.Helper()
	require.NoError(t, f.engine.UpdatePendingPolicy(context.Background(), p))
}

func (f *fixture) credit(t *testing.T, user ledger.UserID, txID ledger.TransactionID, amount int64) ledger.Result {
	t.Helper()
	res, err := f.engine.CreditNew(context.Background(), creditEvent(user, txID, amount))
	require.NoError(t, err)
	return res
}

// corruptPending overwrites the pending balance directly, simulating a
// ledger that drifted from its tasks.
func (f *fixture) corruptPending(t *testing.T, user ledger.UserID, pending int64) {
	t.Helper()
	ctx := context.Background()
	err := f.store.WithAccountTx(ctx, user, func(tx ledger.Tx) error {
		a, err := tx.GetAccount(ctx, user)
		if err != nil {
			return err
		}
		a.PendingBalance = pending
		return tx.SaveAccount(ctx, *a)
	})
	require.NoError(t, err)
}

// corruptBalance overwrites the spendable balance and lifetime earnings.
func (f *fixture) corruptBalance(t *testing.T, user ledger.UserID, balance int64) {
	t.Helper()
	ctx := context.Background()
	err := f.store.WithAccountTx(ctx, user, func(tx ledger.Tx) error {
		a, err := tx.GetAccount(ctx, user)
		if err != nil {
			return err
		}
		a.Balance = balance
		a.TotalEarnings = balance
		return tx.SaveAccount(ctx, *a)
	})
	require.NoError(t, err)
}

func creditEvent(user ledger.UserID, txID ledger.TransactionID, amount int64) ledger.RewardEvent {
	return ledger.RewardEvent{
		UserID:        user,
		TransactionID: txID,
		OfferWallName: "notik",
		OfferName:     "Install Game X",
		OfferID:       "X",
		Amount:        amount,
		PayoutRevenue: decimal.RequireFromString("0.50"),
		Country:       "US",
		IP:            "203.0.113.7",
		OccurredAt:    testNow,
	}
}

func reversalEvent(user ledger.UserID, txID ledger.TransactionID, amount int64) ledger.RewardEvent {
	ev := creditEvent(user, txID, -amount)
	return ev
}

// recorder captures notifications; set fail to make delivery error.
type recorder struct {
	mu    sync.Mutex
	items []ledger.Notification
	fail  error
}

func (r *recorder) Notify(_ context.Context, n ledger.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.items = append(r.items, n)
	return nil
}

func (r *recorder) kinds() []ledger.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.NotificationKind, len(r.items))
	for i, n := range r.items {
		out[i] = n.Kind
	}
	return out
}

// memoryCache is a SeenCache over a map.
type memoryCache struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemoryCache() *memoryCache { return &memoryCache{seen: make(map[string]bool)} }

func (c *memoryCache) Seen(_ context.Context, dir ledger.Direction, txID ledger.TransactionID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[string(dir)+":"+string(txID)], nil
}

func (c *memoryCache) MarkSeen(_ context.Context, dir ledger.Direction, txID ledger.TransactionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[string(dir)+":"+string(txID)] = true
	return nil
}
