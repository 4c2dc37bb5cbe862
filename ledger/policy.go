/*
policy.go - Pending-hold policy and its evaluator

PURPOSE:
  Decides, for a new credit, whether the coins go straight to the spendable
  balance or are held in pending_balance for some number of days.

PRECEDENCE (first match wins):
  1. AllTasksPending          hold every task for AllTasksDays
  2. per-offer override       hold tasks of that OfferID for its Days
  3. amount threshold         MaxCoinPerTask > 0 && amount >= MaxCoinPerTask
                              && MaxDays > 0: hold for MaxDays
  4. otherwise                no hold

RELEASE DATE:
  now + days, in calendar days (not business days).

SWEEP HORIZON:
  ExpiryDays is how long a task may sit in Pending before the expiry sweeper
  promotes it. Zero means DefaultExpiryDays.

SEE ALSO:
  - engine.go: Loads a policy snapshot once per credit
  - factory/policy.go: JSON parsing for the admin API
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

const DefaultExpiryDays = 30

// OfferOverride holds tasks of one offer for a fixed number of days.
type OfferOverride struct {
	OfferID string `json:"offerId"`
	Days    int    `json:"days"`
}

// PendingPolicy is the admin-managed hold configuration.
type PendingPolicy struct {
	AllTasksPending bool            `json:"allTasksPending"`
	AllTasksDays    int             `json:"allTasksDays"`
	PendingOffers   []OfferOverride `json:"pendingOfferIds"`
	MaxCoinPerTask  int64           `json:"maxCoinPerTask"`
	MaxDays         int             `json:"maxDays"`
	ExpiryDays      int             `json:"expiryDays"`
}

func DefaultPendingPolicy() PendingPolicy {
	return PendingPolicy{ExpiryDays: DefaultExpiryDays}
}

// Validate rejects negative day counts and duplicate offer overrides.
func (p PendingPolicy) Validate() error {
	if p.AllTasksDays < 0 {
		return &FieldError{Field: "allTasksDays", Reason: "must not be negative"}
	}
	if p.MaxDays < 0 {
		return &FieldError{Field: "maxDays", Reason: "must not be negative"}
	}
	if p.MaxCoinPerTask < 0 {
		return &FieldError{Field: "maxCoinPerTask", Reason: "must not be negative"}
	}
	if p.ExpiryDays < 0 {
		return &FieldError{Field: "expiryDays", Reason: "must not be negative"}
	}
	seen := make(map[string]bool, len(p.PendingOffers))
	for i, o := range p.PendingOffers {
		if o.OfferID == "" {
			return &FieldError{Field: fmt.Sprintf("pendingOfferIds[%d].offerId", i), Reason: "required"}
		}
		if o.Days < 0 {
			return &FieldError{Field: fmt.Sprintf("pendingOfferIds[%d].days", i), Reason: "must not be negative"}
		}
		if seen[o.OfferID] {
			return &FieldError{Field: "pendingOfferIds", Reason: "duplicate offer " + o.OfferID}
		}
		seen[o.OfferID] = true
	}
	return nil
}

// SweepHorizon returns the pending age, in days, after which the sweeper
// releases a task.
func (p PendingPolicy) SweepHorizon() int {
	if p.ExpiryDays <= 0 {
		return DefaultExpiryDays
	}
	return p.ExpiryDays
}

func (p PendingPolicy) offerDays(offerID string) (int, bool) {
	if offerID == "" {
		return 0, false
	}
	for _, o := range p.PendingOffers {
		if o.OfferID == offerID {
			return o.Days, true
		}
	}
	return 0, false
}

// PolicySource provides the current policy snapshot.
type PolicySource interface {
	LoadPendingPolicy(ctx context.Context) (PendingPolicy, error)
}

// StaticPolicy is a fixed PolicySource.
type StaticPolicy PendingPolicy

func (s StaticPolicy) LoadPendingPolicy(context.Context) (PendingPolicy, error) {
	return PendingPolicy(s), nil
}

// =============================================================================
// EVALUATOR
// =============================================================================

type HoldReason string

const (
	HoldNone      HoldReason = ""
	HoldAllTasks  HoldReason = "all_tasks"
	HoldOffer     HoldReason = "offer_override"
	HoldThreshold HoldReason = "amount_threshold"
	HoldAdmin     HoldReason = "admin_hold"
)

// Decision is the evaluator's verdict for one credit.
type Decision struct {
	Hold        bool
	Days        int
	Reason      HoldReason
	ReleaseDate time.Time
}

// Evaluate applies the policy to a credit event. It is pure: same inputs,
// same decision.
func Evaluate(ev RewardEvent, p PendingPolicy, now time.Time) Decision {
	hold := func(days int, reason HoldReason) Decision {
		return Decision{Hold: true, Days: days, Reason: reason, ReleaseDate: AddCalendarDays(now, days)}
	}

	if p.AllTasksPending {
		return hold(p.AllTasksDays, HoldAllTasks)
	}
	if days, ok := p.offerDays(ev.OfferID); ok {
		return hold(days, HoldOffer)
	}
	if p.MaxCoinPerTask > 0 && ev.Amount >= p.MaxCoinPerTask && p.MaxDays > 0 {
		return hold(p.MaxDays, HoldThreshold)
	}
	return Decision{}
}
