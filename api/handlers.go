/*
handlers.go - HTTP API handlers for the reward ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine.

ENDPOINTS:
  Partners:
    GET    /postback/{partner}                     Partner credit/reversal callback

  Accounts:
    POST   /api/accounts                           Open account
    GET    /api/accounts/{id}                      Balances
    GET    /api/accounts/{id}/notifications        Recent notifications
    GET    /api/accounts/{id}/withdrawals          User withdrawals
    POST   /api/accounts/{id}/withdrawals          Request withdrawal

  Admin tasks:
    GET    /api/admin/tasks?state=&page=&limit=    List tasks
    GET    /api/admin/tasks/pending                List pending tasks
    GET    /api/admin/tasks/{id}                   Task with transition history
    POST   /api/admin/tasks/{id}/pending?days=     Completed → Pending
    POST   /api/admin/tasks/{id}/complete          Pending → Completed
    POST   /api/admin/tasks/{id}/chargeback-pending Pending → Chargeback
    POST   /api/admin/tasks/{id}/chargeback        Completed → Chargeback
    PUT    /api/admin/tasks/{id}/chargeback-status Review a chargeback

  Admin other:
    GET    /api/admin/revenue?scope=&state=        Payout revenue sum
    GET    /api/admin/pending-policy               Current hold rules
    PUT    /api/admin/pending-policy               Replace hold rules
    POST   /api/admin/sweep                        Run expiry sweep now
    POST   /api/admin/credits                      Internal credit
    GET    /api/admin/withdrawals?status=&userId=  List withdrawals
    POST   /api/admin/withdrawals/{id}/approve     Pending → Completed
    POST   /api/admin/withdrawals/{id}/refund      Pending → Refunded
    POST   /api/admin/withdrawals/{id}/reject      Pending → Rejected

REQUEST FLOW:
  1. Parse HTTP request
  2. Call the engine (it validates)
  3. Serialize response
  4. Map errors by category

ERROR HANDLING:
  Errors are returned as JSON; the category decides the status:
  - 400: validation
  - 403: signature invalid
  - 404: account, task or withdrawal not found
  - 409: invalid state, insufficient balance, duplicate
  - 503: storage failure (retry)
  - 500: anything else

  Postback errors use the adapter's Reject body instead of JSON.

SECURITY NOTE:
  Admin routes carry no authentication of their own; deploy them behind
  the admin gateway. Postbacks are authenticated by signature.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - postback/: Partner adapters
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/warp/reward-ledger/factory"
	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/postback"
	"go.uber.org/zap"
)

const maxPolicyBody = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *ledger.Engine
	Partners  *postback.Registry
	Scheduler *ExpirySweepScheduler
	Metrics   *Metrics

	log *zap.Logger
}

// NewHandler creates a new handler. A nil scheduler makes POST /api/admin/sweep
// call the engine directly.
func NewHandler(engine *ledger.Engine, partners *postback.Registry, scheduler *ExpirySweepScheduler, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if partners == nil {
		partners = postback.NewRegistry()
	}
	return &Handler{
		Engine:    engine,
		Partners:  partners,
		Scheduler: scheduler,
		Metrics:   NewMetrics(),
		log:       log.Named("api"),
	}
}

// =============================================================================
// POSTBACKS
// =============================================================================

// Postback handles a partner callback. Positive amounts are credits,
// negative amounts (or a reversal status) are chargebacks. Duplicates are
// acknowledged like successes so the partner stops retrying.
func (h *Handler) Postback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "partner")
	adapter, ok := h.Partners.Get(name)
	if !ok {
		h.Metrics.postbacks.WithLabelValues("unknown", ledger.CategoryNotFound).Inc()
		writeError(w, http.StatusNotFound, "Unknown partner", nil)
		return
	}
	partner := adapter.Name()
	timer := prometheus.NewTimer(h.Metrics.postbackLatency.WithLabelValues(partner))
	defer timer.ObserveDuration()

	log := h.log.With(
		zap.String("partner", partner),
		zap.String("request_id", middleware.GetReqID(r.Context())))

	ev, err := adapter.Parse(r.URL.Query())
	if err != nil {
		log.Warn("postback rejected", zap.String("category", ledger.Category(err)), zap.Error(err))
		h.Metrics.postbacks.WithLabelValues(partner, ledger.Category(err)).Inc()
		writeAck(w, adapter.Reject(err))
		return
	}

	var res ledger.Result
	if ev.IsReversal() {
		res, err = h.Engine.ChargebackNew(r.Context(), ev)
	} else {
		res, err = h.Engine.CreditNew(r.Context(), ev)
	}
	if err != nil {
		log.Warn("postback failed",
			zap.String("transaction_id", string(ev.TransactionID)),
			zap.String("category", ledger.Category(err)),
			zap.Error(err))
		h.Metrics.postbacks.WithLabelValues(partner, ledger.Category(err)).Inc()
		writeAck(w, adapter.Reject(err))
		return
	}

	log.Info("postback processed",
		zap.String("transaction_id", string(ev.TransactionID)),
		zap.String("user_id", string(ev.UserID)),
		zap.Int64("amount", ev.Amount),
		zap.String("outcome", string(res.Outcome)))
	h.Metrics.postbacks.WithLabelValues(partner, string(res.Outcome)).Inc()
	writeAck(w, adapter.Ack(res.Outcome))
}

func writeAck(w http.ResponseWriter, ack postback.Ack) {
	w.Header().Set("Content-Type", ack.ContentType)
	w.WriteHeader(ack.Status)
	w.Write(ack.Body)
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"partners": h.Partners.Names(),
	})
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// CreateAccount opens an account. Returns 201 when created, 200 when it
// already existed.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	acct, created, err := h.Engine.OpenAccount(r.Context(), ledger.UserID(req.UserID))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toAccountDTO(acct))
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Engine.Account(r.Context(), ledger.UserID(chi.URLParam(r, "id")))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	notes, err := h.Engine.Notifications(r.Context(), ledger.UserID(chi.URLParam(r, "id")), limit)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if notes == nil {
		notes = []ledger.Notification{}
	}
	writeJSON(w, http.StatusOK, notes)
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req CreateWithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	wd, err := h.Engine.RequestWithdrawal(r.Context(), ledger.WithdrawalRequest{
		UserID:      ledger.UserID(chi.URLParam(r, "id")),
		Amount:      req.Amount,
		Wallet:      req.Wallet,
		Destination: req.Destination,
	})
	h.Metrics.withdrawals.WithLabelValues("request", result(err)).Inc()
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWithdrawalDTO(wd))
}

// ListUserWithdrawals lists one user's withdrawals, newest first.
func (h *Handler) ListUserWithdrawals(w http.ResponseWriter, r *http.Request) {
	h.listWithdrawals(w, r, ledger.UserID(chi.URLParam(r, "id")))
}

// ListWithdrawals is the admin view, optionally filtered by status and user.
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	h.listWithdrawals(w, r, ledger.UserID(r.URL.Query().Get("userId")))
}

func (h *Handler) listWithdrawals(w http.ResponseWriter, r *http.Request, userID ledger.UserID) {
	status, err := ledger.ParseWithdrawalStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	items, err := h.Engine.ListWithdrawals(r.Context(), ledger.WithdrawalFilter{UserID: userID, Status: status, Limit: limit})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	dtos := make([]WithdrawalDTO, len(items))
	for i := range items {
		dtos[i] = toWithdrawalDTO(&items[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := h.Engine.ApproveWithdrawal(r.Context(), ledger.WithdrawalID(chi.URLParam(r, "id")))
	h.settled(w, "approve", wd, err)
}

// RefundWithdrawal returns the coins. The body amount must equal the
// requested amount; an empty body is amount 0 and fails as a mismatch.
func (h *Handler) RefundWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req RefundWithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	wd, err := h.Engine.RefundWithdrawal(r.Context(), ledger.WithdrawalID(chi.URLParam(r, "id")), req.Amount)
	h.settled(w, "refund", wd, err)
}

func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := h.Engine.RejectWithdrawal(r.Context(), ledger.WithdrawalID(chi.URLParam(r, "id")))
	h.settled(w, "reject", wd, err)
}

func (h *Handler) settled(w http.ResponseWriter, action string, wd *ledger.Withdrawal, err error) {
	h.Metrics.withdrawals.WithLabelValues(action, result(err)).Inc()
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	h.log.Info("withdrawal settled",
		zap.String("action", action),
		zap.String("withdrawal_id", string(wd.ID)),
		zap.String("user_id", string(wd.UserID)),
		zap.Int64("amount", wd.Amount))
	writeJSON(w, http.StatusOK, toWithdrawalDTO(wd))
}

// =============================================================================
// ADMIN - TASK QUERIES
// =============================================================================

func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	page, limit, err := pagination(r)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	p, err := h.Engine.ListPending(r.Context(), page, limit)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskPageDTO(p))
}

// ListTasks lists tasks in one state, or all tasks when state is empty.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	var state ledger.TaskState
	if raw := r.URL.Query().Get("state"); raw != "" {
		s, err := ledger.ParseTaskState(raw)
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		state = s
	}
	page, limit, err := pagination(r)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	p, err := h.Engine.ListTasks(r.Context(), state, page, limit)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskPageDTO(p))
}

// GetTask returns a task together with its transition history.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := ledger.TaskID(chi.URLParam(r, "id"))
	task, err := h.Engine.Task(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	history, err := h.Engine.Transitions(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	transitions := make([]TransitionDTO, len(history))
	for i, tr := range history {
		transitions[i] = TransitionDTO{
			From:   string(tr.From),
			To:     string(tr.To),
			Amount: tr.Amount,
			Source: string(tr.Source),
			At:     formatTime(tr.At),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":        toTaskDTO(task),
		"transitions": transitions,
	})
}

// =============================================================================
// ADMIN - TASK TRANSITIONS
// =============================================================================

// MoveToPending puts a completed task back on hold. days defaults to the
// policy horizon.
func (h *Handler) MoveToPending(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days")
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	res, err := h.Engine.MoveCompletedToPending(r.Context(), taskID(r), days)
	h.transitioned(w, "move_to_pending", res, err)
}

func (h *Handler) CompletePending(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.PromotePendingToCompleted(r.Context(), taskID(r), ledger.SourceAdmin)
	h.transitioned(w, "complete_pending", res, err)
}

func (h *Handler) ChargebackPending(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.DivertPendingToChargeback(r.Context(), taskID(r), ledger.SourceAdmin)
	h.transitioned(w, "chargeback_pending", res, err)
}

func (h *Handler) ChargebackCompleted(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.DivertCompletedToChargeback(r.Context(), taskID(r))
	h.transitioned(w, "chargeback_completed", res, err)
}

func (h *Handler) SetChargebackStatus(w http.ResponseWriter, r *http.Request) {
	var req ChargebackStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	status := ledger.ChargebackStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	task, err := h.Engine.SetChargebackStatus(r.Context(), taskID(r), status)
	h.Metrics.adminActions.WithLabelValues("chargeback_status", result(err)).Inc()
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(task))
}

func (h *Handler) transitioned(w http.ResponseWriter, action string, res ledger.Result, err error) {
	h.Metrics.adminActions.WithLabelValues(action, result(err)).Inc()
	if err != nil {
		h.log.Warn("admin transition failed", zap.String("action", action), zap.Error(err))
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

func taskID(r *http.Request) ledger.TaskID {
	return ledger.TaskID(chi.URLParam(r, "id"))
}

// =============================================================================
// ADMIN - REVENUE, POLICY, SWEEP, CREDITS
// =============================================================================

// GetRevenue sums payout revenue. scope defaults to total, state to completed.
func (h *Handler) GetRevenue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope, err := ledger.ParseRevenueScope(q.Get("scope"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	state := ledger.StateCompleted
	if raw := q.Get("state"); raw != "" {
		if state, err = ledger.ParseTaskState(raw); err != nil {
			writeLedgerError(w, err)
			return
		}
	}

	total, err := h.Engine.AggregateRevenue(r.Context(), scope, state)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RevenueDTO{Scope: string(scope), State: string(state), Total: total.String()})
}

func (h *Handler) GetPendingPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.PendingPolicy(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdatePendingPolicy replaces the hold rules. Omitted fields take their
// defaults, not their current values.
func (h *Handler) UpdatePendingPolicy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPolicyBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	p, err := factory.ParsePendingPolicy(body)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	err = h.Engine.UpdatePendingPolicy(r.Context(), p)
	h.Metrics.adminActions.WithLabelValues("update_policy", result(err)).Inc()
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// RunSweep runs the expiry sweep immediately. ?days= overrides the policy
// horizon for this run.
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days")
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	var report ledger.SweepReport
	if h.Scheduler != nil && days == 0 {
		report, err = h.Scheduler.RunNow(r.Context())
	} else {
		report, err = h.Engine.ExpirePendingBatch(r.Context(), days)
		h.Metrics.sweepRuns.WithLabelValues("manual", result(err)).Inc()
		h.Metrics.sweepPromoted.Add(float64(report.Promoted))
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// CreateInternalCredit grants in-app coins (spin wheel, bonuses). They go
// through the same pending policy as partner credits. A missing
// transactionId is generated, which makes the call non-idempotent.
func (h *Handler) CreateInternalCredit(w http.ResponseWriter, r *http.Request) {
	var req InternalCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	txID := strings.TrimSpace(req.TransactionID)
	if txID == "" {
		txID = "internal-" + uuid.NewString()
	}

	res, err := h.Engine.CreditNew(r.Context(), ledger.RewardEvent{
		UserID:        ledger.UserID(req.UserID),
		TransactionID: ledger.TransactionID(txID),
		OfferWallName: string(ledger.SourceInternal),
		OfferName:     req.Reason,
		Amount:        req.Amount,
		PayoutRevenue: decimal.Zero,
		OccurredAt:    time.Now(),
		Source:        ledger.SourceInternal,
	})
	h.Metrics.adminActions.WithLabelValues("internal_credit", result(err)).Inc()
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Outcome == ledger.OutcomeDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, toResultDTO(res))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps an engine error to its status and category code.
// Internal failures do not leak their cause.
func writeLedgerError(w http.ResponseWriter, err error) {
	status := postback.HTTPStatus(err)
	resp := ErrorResponse{Error: http.StatusText(status), Code: ledger.Category(err)}
	if status < http.StatusInternalServerError {
		resp.Details = err.Error()
	}
	var be *ledger.BalanceError
	if errors.As(err, &be) {
		resp.Details = map[string]any{
			"message":   err.Error(),
			"field":     be.Field,
			"available": be.Available,
			"requested": be.Requested,
		}
	}
	writeJSON(w, status, resp)
}

// queryInt reads a non-negative integer query parameter; absent means 0.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &ledger.FieldError{Field: name, Reason: "must be a non-negative integer"}
	}
	return n, nil
}

func pagination(r *http.Request) (page, limit int, err error) {
	if page, err = queryInt(r, "page"); err != nil {
		return 0, 0, err
	}
	if limit, err = queryInt(r, "limit"); err != nil {
		return 0, 0, err
	}
	return page, limit, nil
}
