/*
withdrawal.go - Withdrawal sub-machine

PURPOSE:
  Cash-out requests. Coins leave the spendable balance when the request is
  made; an admin later completes, refunds or rejects it.

STATES:
  pending ──approve──▶ completed
     │ ──refund───▶ refunded   (balance += amount)
     └──reject────▶ rejected   (coins forfeited)

RULES:
  - amount > 0, wallet known, amount >= wallet minimum
  - at most one non-rejected request per user per cooldown window
  - balance >= amount at request time
  - a refund must return exactly the requested amount
  - only pending withdrawals transition
*/
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const DefaultWithdrawalCooldown = 3 * time.Minute

// DefaultWallets returns the built-in wallet minimums, in coins.
func DefaultWallets() map[string]int64 {
	return map[string]int64{
		"paypal":   500,
		"bitcoin":  1000,
		"giftcard": 250,
	}
}

type WithdrawalID string

type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalRefunded  WithdrawalStatus = "refunded"
	WithdrawalRejected  WithdrawalStatus = "rejected"
)

func ParseWithdrawalStatus(s string) (WithdrawalStatus, error) {
	st := WithdrawalStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case "", WithdrawalPending, WithdrawalCompleted, WithdrawalRefunded, WithdrawalRejected:
		return st, nil
	}
	return "", &FieldError{Field: "status", Reason: "unknown withdrawal status"}
}

type Withdrawal struct {
	ID          WithdrawalID
	UserID      UserID
	Amount      int64
	Wallet      string
	Destination string
	Status      WithdrawalStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type WithdrawalRequest struct {
	UserID      UserID
	Amount      int64
	Wallet      string
	Destination string
}

// RequestWithdrawal debits the balance and records a pending withdrawal.
func (e *Engine) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*Withdrawal, error) {
	wallet := strings.ToLower(strings.TrimSpace(req.Wallet))
	switch {
	case strings.TrimSpace(string(req.UserID)) == "":
		return nil, &FieldError{Field: "userId", Reason: "required"}
	case req.Amount <= 0:
		return nil, &FieldError{Field: "amount", Reason: "must be positive"}
	case strings.TrimSpace(req.Destination) == "":
		return nil, &FieldError{Field: "destination", Reason: "required"}
	}
	minimum, ok := e.wallets[wallet]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWallet, req.Wallet)
	}
	if req.Amount < minimum {
		return nil, fmt.Errorf("%w: %s requires at least %d coins", ErrBelowMinimum, wallet, minimum)
	}

	now := e.clock()
	w := Withdrawal{
		ID:          WithdrawalID(e.newID()),
		UserID:      req.UserID,
		Amount:      req.Amount,
		Wallet:      wallet,
		Destination: strings.TrimSpace(req.Destination),
		Status:      WithdrawalPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := e.store.WithAccountTx(ctx, req.UserID, func(tx Tx) error {
		if e.cooldown > 0 {
			recent, err := tx.ListWithdrawals(ctx, WithdrawalFilter{UserID: req.UserID, CreatedAfter: now.Add(-e.cooldown)})
			if err != nil {
				return err
			}
			for _, r := range recent {
				if r.Status != WithdrawalRejected {
					return ErrWithdrawalCooldown
				}
			}
		}

		acct, err := tx.GetAccount(ctx, req.UserID)
		if err != nil {
			return err
		}
		if acct.Balance < req.Amount {
			return &BalanceError{UserID: acct.UserID, Field: "balance", Available: acct.Balance, Requested: req.Amount}
		}
		acct.Balance -= req.Amount
		acct.UpdatedAt = now

		if err := tx.InsertWithdrawal(ctx, w); err != nil {
			return err
		}
		return tx.SaveAccount(ctx, *acct)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("withdrawal requested",
		zap.String("withdrawal_id", string(w.ID)),
		zap.String("user_id", string(w.UserID)),
		zap.Int64("amount", w.Amount),
		zap.String("wallet", w.Wallet))
	e.emit(ctx, withdrawalNotification(NotifyWithdrawalRequested, w, now))
	return &w, nil
}

// ApproveWithdrawal marks a pending withdrawal as paid out.
func (e *Engine) ApproveWithdrawal(ctx context.Context, id WithdrawalID) (*Withdrawal, error) {
	return e.settleWithdrawal(ctx, id, WithdrawalCompleted, func(w Withdrawal, _ *Account) error { return nil })
}

// RefundWithdrawal returns the coins of a pending withdrawal to the balance.
func (e *Engine) RefundWithdrawal(ctx context.Context, id WithdrawalID, amount int64) (*Withdrawal, error) {
	return e.settleWithdrawal(ctx, id, WithdrawalRefunded, func(w Withdrawal, acct *Account) error {
		if amount != w.Amount {
			return fmt.Errorf("%w: requested %d, refund %d", ErrAmountMismatch, w.Amount, amount)
		}
		acct.Balance += amount
		return nil
	})
}

// RejectWithdrawal closes a pending withdrawal without returning the coins.
func (e *Engine) RejectWithdrawal(ctx context.Context, id WithdrawalID) (*Withdrawal, error) {
	return e.settleWithdrawal(ctx, id, WithdrawalRejected, func(w Withdrawal, _ *Account) error { return nil })
}

func (e *Engine) ListWithdrawals(ctx context.Context, filter WithdrawalFilter) ([]Withdrawal, error) {
	if filter.Limit <= 0 || filter.Limit > MaxPageSize {
		filter.Limit = MaxPageSize
	}
	return e.store.ListWithdrawals(ctx, filter)
}

func (e *Engine) settleWithdrawal(ctx context.Context, id WithdrawalID, next WithdrawalStatus, effect func(w Withdrawal, acct *Account) error) (*Withdrawal, error) {
	found, err := e.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	var out Withdrawal
	err = e.store.WithAccountTx(ctx, found.UserID, func(tx Tx) error {
		w, err := tx.GetWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		if w.Status != WithdrawalPending {
			return fmt.Errorf("%w: %s is %s", ErrInvalidWithdrawalState, w.ID, w.Status)
		}
		acct, err := tx.GetAccount(ctx, w.UserID)
		if err != nil {
			return err
		}
		before := acct.Balance
		if err := effect(*w, acct); err != nil {
			return err
		}

		w.Status = next
		w.UpdatedAt = now
		if err := tx.UpdateWithdrawal(ctx, *w, WithdrawalPending); err != nil {
			return err
		}
		if acct.Balance != before {
			acct.UpdatedAt = now
			if err := tx.SaveAccount(ctx, *acct); err != nil {
				return err
			}
		}
		out = *w
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("withdrawal settled",
		zap.String("withdrawal_id", string(out.ID)),
		zap.String("user_id", string(out.UserID)),
		zap.String("status", string(out.Status)))

	kind := map[WithdrawalStatus]NotificationKind{
		WithdrawalCompleted: NotifyWithdrawalCompleted,
		WithdrawalRefunded:  NotifyWithdrawalRefunded,
		WithdrawalRejected:  NotifyWithdrawalRejected,
	}[next]
	e.emit(ctx, withdrawalNotification(kind, out, now))
	return &out, nil
}

func withdrawalNotification(kind NotificationKind, w Withdrawal, at time.Time) Notification {
	var msg string
	switch kind {
	case NotifyWithdrawalRequested:
		msg = fmt.Sprintf("Your %s withdrawal of %d coins is being processed", w.Wallet, w.Amount)
	case NotifyWithdrawalCompleted:
		msg = fmt.Sprintf("Your %s withdrawal of %d coins was sent", w.Wallet, w.Amount)
	case NotifyWithdrawalRefunded:
		msg = fmt.Sprintf("Your %s withdrawal of %d coins was refunded", w.Wallet, w.Amount)
	case NotifyWithdrawalRejected:
		msg = fmt.Sprintf("Your %s withdrawal of %d coins was rejected", w.Wallet, w.Amount)
	}
	return Notification{
		UserID:       w.UserID,
		Kind:         kind,
		WithdrawalID: w.ID,
		Amount:       w.Amount,
		Message:      msg,
		CreatedAt:    at,
	}
}
