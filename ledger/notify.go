package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// NOTIFICATIONS - Emitted after commit, best effort
// =============================================================================

type NotificationKind string

const (
	NotifyPending             NotificationKind = "pending"
	NotifyCompleted           NotificationKind = "completed"
	NotifyReleased            NotificationKind = "released"
	NotifyHeld                NotificationKind = "held"
	NotifyChargeback          NotificationKind = "chargeback"
	NotifyWithdrawalRequested NotificationKind = "withdrawal_requested"
	NotifyWithdrawalCompleted NotificationKind = "withdrawal_completed"
	NotifyWithdrawalRefunded  NotificationKind = "withdrawal_refunded"
	NotifyWithdrawalRejected  NotificationKind = "withdrawal_rejected"
)

// Notification is a user-facing record of a ledger change.
type Notification struct {
	ID            string           `json:"id"`
	UserID        UserID           `json:"userId"`
	Kind          NotificationKind `json:"kind"`
	TaskID        TaskID           `json:"taskId,omitempty"`
	TransactionID TransactionID    `json:"transactionId,omitempty"`
	WithdrawalID  WithdrawalID     `json:"withdrawalId,omitempty"`
	Amount        int64            `json:"amount"`
	Message       string           `json:"message"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// Notifier delivers notifications. Failures never roll back a transition.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// storeNotifier is the default sink: the engine's own notification table.
type storeNotifier struct{ store NotificationStore }

func (s storeNotifier) Notify(ctx context.Context, n Notification) error {
	return s.store.SaveNotification(ctx, n)
}

// Multi fans a notification out to every notifier and joins their errors.
func Multi(notifiers ...Notifier) Notifier {
	return multiNotifier(notifiers)
}

type multiNotifier []Notifier

func (m multiNotifier) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func taskNotification(kind NotificationKind, t Task, amount int64, at time.Time) Notification {
	var msg string
	switch kind {
	case NotifyPending:
		msg = fmt.Sprintf("%d coins from %s are pending for %d days", amount, offerLabel(t), t.PendingDays)
	case NotifyCompleted:
		msg = fmt.Sprintf("You earned %d coins from %s", amount, offerLabel(t))
	case NotifyReleased:
		msg = fmt.Sprintf("%d pending coins from %s were released", amount, offerLabel(t))
	case NotifyHeld:
		msg = fmt.Sprintf("%d coins from %s were moved back to pending", amount, offerLabel(t))
	case NotifyChargeback:
		msg = fmt.Sprintf("%d coins from %s were charged back", amount, offerLabel(t))
	}
	return Notification{
		UserID:        t.UserID,
		Kind:          kind,
		TaskID:        t.ID,
		TransactionID: t.TransactionID,
		Amount:        amount,
		Message:       msg,
		CreatedAt:     at,
	}
}

func offerLabel(t Task) string {
	if t.OfferName != "" {
		return t.OfferName
	}
	if t.OfferWallName != "" {
		return t.OfferWallName
	}
	return "an offer"
}
