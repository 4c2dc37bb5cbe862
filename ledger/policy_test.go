package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/reward-ledger/ledger"
)

func TestEvaluate_Precedence(t *testing.T) {
	base := ledger.PendingPolicy{
		PendingOffers:  []ledger.OfferOverride{{OfferID: "SLOW", Days: 14}},
		MaxCoinPerTask: 500,
		MaxDays:        3,
	}

	tests := []struct {
		name   string
		policy func(p ledger.PendingPolicy) ledger.PendingPolicy
		offer  string
		amount int64
		want   ledger.Decision
	}{
		{
			name:   "all tasks wins over offer override",
			policy: func(p ledger.PendingPolicy) ledger.PendingPolicy { p.AllTasksPending = true; p.AllTasksDays = 7; return p },
			offer:  "SLOW",
			amount: 900,
			want:   ledger.Decision{Hold: true, Days: 7, Reason: ledger.HoldAllTasks},
		},
		{
			name:   "offer override wins over threshold",
			offer:  "SLOW",
			amount: 900,
			want:   ledger.Decision{Hold: true, Days: 14, Reason: ledger.HoldOffer},
		},
		{
			name:   "threshold is inclusive",
			offer:  "OTHER",
			amount: 500,
			want:   ledger.Decision{Hold: true, Days: 3, Reason: ledger.HoldThreshold},
		},
		{
			name:   "below threshold",
			offer:  "OTHER",
			amount: 499,
			want:   ledger.Decision{},
		},
		{
			name:   "threshold needs max days",
			policy: func(p ledger.PendingPolicy) ledger.PendingPolicy { p.MaxDays = 0; return p },
			offer:  "OTHER",
			amount: 900,
			want:   ledger.Decision{},
		},
		{
			name:   "empty offer id never matches an override",
			policy: func(p ledger.PendingPolicy) ledger.PendingPolicy { p.PendingOffers = []ledger.OfferOverride{{OfferID: "", Days: 1}}; return p },
			amount: 10,
			want:   ledger.Decision{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			if tt.policy != nil {
				p = tt.policy(base)
			}
			ev := creditEvent("u1", "T1", tt.amount)
			ev.OfferID = tt.offer

			got := ledger.Evaluate(ev, p, testNow)

			assert.Equal(t, tt.want.Hold, got.Hold)
			assert.Equal(t, tt.want.Days, got.Days)
			assert.Equal(t, tt.want.Reason, got.Reason)
			if got.Hold {
				assert.Equal(t, testNow.AddDate(0, 0, tt.want.Days), got.ReleaseDate)
			} else {
				assert.True(t, got.ReleaseDate.IsZero())
			}
		})
	}
}

func TestEvaluate_IsPure(t *testing.T) {
	p := ledger.PendingPolicy{AllTasksPending: true, AllTasksDays: 2}
	ev := creditEvent("u1", "T1", 10)

	assert.Equal(t, ledger.Evaluate(ev, p, testNow), ledger.Evaluate(ev, p, testNow))
}

func TestPendingPolicy_Validate(t *testing.T) {
	assert.NoError(t, ledger.DefaultPendingPolicy().Validate())

	bad := []ledger.PendingPolicy{
		{AllTasksDays: -1},
		{MaxDays: -2},
		{MaxCoinPerTask: -5},
		{ExpiryDays: -1},
		{PendingOffers: []ledger.OfferOverride{{OfferID: "", Days: 1}}},
		{PendingOffers: []ledger.OfferOverride{{OfferID: "A", Days: -1}}},
		{PendingOffers: []ledger.OfferOverride{{OfferID: "A", Days: 1}, {OfferID: "A", Days: 2}}},
	}
	for i, p := range bad {
		assert.ErrorIs(t, p.Validate(), ledger.ErrValidation, "case %d", i)
	}
}

func TestPendingPolicy_SweepHorizon(t *testing.T) {
	assert.Equal(t, ledger.DefaultExpiryDays, ledger.PendingPolicy{}.SweepHorizon())
	assert.Equal(t, 9, ledger.PendingPolicy{ExpiryDays: 9}.SweepHorizon())
}
