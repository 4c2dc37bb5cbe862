/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external contract: coin amounts are integers,
  revenue is a decimal string, times are RFC3339.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Accounts:     AccountDTO, CreateAccountRequest, NotificationDTO
  Tasks:        TaskDTO, TransitionDTO, TaskPageDTO, ResultDTO
  Withdrawals:  WithdrawalDTO, CreateWithdrawalRequest, RefundWithdrawalRequest
  Admin:        InternalCreditRequest, ChargebackStatusRequest, RevenueDTO

VALIDATION:
  Validation is done by the ledger engine, not in DTOs. DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/reward-ledger/ledger"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountDTO struct {
	UserID         string `json:"userId"`
	Balance        int64  `json:"balance"`
	PendingBalance int64  `json:"pendingBalance"`
	TotalEarnings  int64  `json:"totalEarnings"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt"`
}

type CreateAccountRequest struct {
	UserID string `json:"userId"`
}

type NotificationDTO = ledger.Notification

func toAccountDTO(a *ledger.Account) *AccountDTO {
	if a == nil {
		return nil
	}
	return &AccountDTO{
		UserID:         string(a.UserID),
		Balance:        a.Balance,
		PendingBalance: a.PendingBalance,
		TotalEarnings:  a.TotalEarnings,
		CreatedAt:      formatTime(a.CreatedAt),
		UpdatedAt:      formatTime(a.UpdatedAt),
	}
}

// =============================================================================
// TASKS
// =============================================================================

type TaskDTO struct {
	ID               string  `json:"id"`
	TransactionID    string  `json:"transactionId"`
	UserID           string  `json:"userId"`
	OfferWallName    string  `json:"offerWallName"`
	OfferName        string  `json:"offerName,omitempty"`
	OfferID          string  `json:"offerId,omitempty"`
	Amount           int64   `json:"amount"`
	PayoutRevenue    string  `json:"payoutRevenue"`
	Country          string  `json:"country,omitempty"`
	IP               string  `json:"ip,omitempty"`
	UserAvatar       string  `json:"userAvatar,omitempty"`
	Source           string  `json:"source"`
	State            string  `json:"state"`
	ReleaseDate      *string `json:"releaseDate,omitempty"`
	PendingDays      int     `json:"pendingDays,omitempty"`
	PendingReason    string  `json:"pendingReason,omitempty"`
	ChargebackAmount int64   `json:"chargebackAmount,omitempty"`
	ChargebackStatus string  `json:"chargebackStatus,omitempty"`
	ChargebackSource string  `json:"chargebackSource,omitempty"`
	OccurredAt       string  `json:"occurredAt"`
	CreatedAt        string  `json:"createdAt"`
	StateChangedAt   string  `json:"stateChangedAt"`
}

type TransitionDTO struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
	Source string `json:"source"`
	At     string `json:"at"`
}

type TaskPageDTO struct {
	Items []TaskDTO `json:"items"`
	Total int       `json:"total"`
	Page  int       `json:"page"`
	Limit int       `json:"limit"`
}

// ResultDTO is returned by every admin transition.
type ResultDTO struct {
	Outcome string      `json:"outcome"`
	Task    *TaskDTO    `json:"task,omitempty"`
	Account *AccountDTO `json:"account,omitempty"`
}

func toTaskDTO(t *ledger.Task) *TaskDTO {
	if t == nil {
		return nil
	}
	dto := &TaskDTO{
		ID:               string(t.ID),
		TransactionID:    string(t.TransactionID),
		UserID:           string(t.UserID),
		OfferWallName:    t.OfferWallName,
		OfferName:        t.OfferName,
		OfferID:          t.OfferID,
		Amount:           t.Amount,
		PayoutRevenue:    t.PayoutRevenue.String(),
		Country:          t.Country,
		IP:               t.IP,
		UserAvatar:       t.UserAvatar,
		Source:           string(t.Source),
		State:            string(t.State),
		PendingDays:      t.PendingDays,
		PendingReason:    string(t.PendingReason),
		ChargebackAmount: t.ChargebackAmount,
		ChargebackStatus: string(t.ChargebackStatus),
		ChargebackSource: string(t.ChargebackSource),
		OccurredAt:       formatTime(t.OccurredAt),
		CreatedAt:        formatTime(t.CreatedAt),
		StateChangedAt:   formatTime(t.StateChangedAt),
	}
	if t.ReleaseDate != nil {
		s := formatTime(*t.ReleaseDate)
		dto.ReleaseDate = &s
	}
	return dto
}

func toTaskPageDTO(p ledger.Page) TaskPageDTO {
	items := make([]TaskDTO, len(p.Items))
	for i := range p.Items {
		items[i] = *toTaskDTO(&p.Items[i])
	}
	return TaskPageDTO{Items: items, Total: p.Total, Page: p.Page, Limit: p.Limit}
}

func toResultDTO(res ledger.Result) ResultDTO {
	return ResultDTO{
		Outcome: string(res.Outcome),
		Task:    toTaskDTO(res.Task),
		Account: toAccountDTO(res.Account),
	}
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

type WithdrawalDTO struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	Amount      int64  `json:"amount"`
	Wallet      string `json:"wallet"`
	Destination string `json:"destination"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

type CreateWithdrawalRequest struct {
	Amount      int64  `json:"amount"`
	Wallet      string `json:"wallet"`
	Destination string `json:"destination"`
}

type RefundWithdrawalRequest struct {
	Amount int64 `json:"amount"`
}

func toWithdrawalDTO(w *ledger.Withdrawal) WithdrawalDTO {
	return WithdrawalDTO{
		ID:          string(w.ID),
		UserID:      string(w.UserID),
		Amount:      w.Amount,
		Wallet:      w.Wallet,
		Destination: w.Destination,
		Status:      string(w.Status),
		CreatedAt:   formatTime(w.CreatedAt),
		UpdatedAt:   formatTime(w.UpdatedAt),
	}
}

// =============================================================================
// ADMIN
// =============================================================================

// InternalCreditRequest grants coins from inside the app (spin wheel,
// bonuses). It goes through the same pending policy as partner credits.
type InternalCreditRequest struct {
	UserID        string `json:"userId"`
	TransactionID string `json:"transactionId"`
	Amount        int64  `json:"amount"`
	Reason        string `json:"reason"`
}

type ChargebackStatusRequest struct {
	Status string `json:"status"`
}

type RevenueDTO struct {
	Scope string `json:"scope"`
	State string `json:"state"`
	Total string `json:"total"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
