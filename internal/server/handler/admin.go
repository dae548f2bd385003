package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/binarysim/internal/domain"
	"github.com/alanyoungcy/binarysim/internal/service"
)

// FutureSessions lists upcoming sessions for the admin back office.
type FutureSessions interface {
	ListFuture(ctx context.Context, page, limit int) (service.FutureSessions, error)
}

// OutcomeAssigner stamps session outcomes on an admin's behalf.
type OutcomeAssigner interface {
	SetOutcome(ctx context.Context, admin domain.Actor, sessionID string, outcome domain.Outcome) (domain.Session, error)
	BulkSetOutcomes(ctx context.Context, admin domain.Actor, ids []string, outcomes []domain.Outcome) (service.BulkResult, error)
	BulkRandomBalanced(ctx context.Context, admin domain.Actor, ids []string) (service.BulkResult, error)
	GenerateFuture(ctx context.Context, admin domain.Actor) (int, error)
}

// SettlementRunner exposes manual settlement and the settlement stream.
type SettlementRunner interface {
	RunNow(ctx context.Context, admin domain.Actor) (service.Report, error)
	Recent(ctx context.Context, count int) ([]map[string]any, error)
}

// DepositReviewer is the admin side of the deposit workflow.
type DepositReviewer interface {
	ListDeposits(ctx context.Context, page, limit int) (service.DepositPage, error)
	Approve(ctx context.Context, admin domain.Actor, depositID string) (domain.Deposit, error)
	Reject(ctx context.Context, admin domain.Actor, depositID string) (domain.Deposit, error)
	AdminDeposit(ctx context.Context, admin domain.Actor, userID string, amount int64, note string) (domain.Deposit, domain.Balance, error)
}

// PasswordChanger resets a user's password.
type PasswordChanger interface {
	ChangePassword(ctx context.Context, admin domain.Actor, userID, newPassword string) error
}

// ActivityLister reads the admin audit trail.
type ActivityLister interface {
	List(ctx context.Context, page, limit int) ([]domain.AdminActivity, error)
}

// AdminHandler serves the admin back office. Every route is wrapped in
// middleware.RequireAdmin.
type AdminHandler struct {
	future     FutureSessions
	outcomes   OutcomeAssigner
	settlement SettlementRunner
	deposits   DepositReviewer
	passwords  PasswordChanger
	activity   ActivityLister
	logger     *slog.Logger
}

// AdminDeps groups AdminHandler's collaborators.
type AdminDeps struct {
	Future     FutureSessions
	Outcomes   OutcomeAssigner
	Settlement SettlementRunner
	Deposits   DepositReviewer
	Passwords  PasswordChanger
	Activity   ActivityLister
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(deps AdminDeps, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		future:     deps.Future,
		outcomes:   deps.Outcomes,
		settlement: deps.Settlement,
		deposits:   deps.Deposits,
		passwords:  deps.Passwords,
		activity:   deps.Activity,
		logger:     logHandler(logger, "admin"),
	}
}

// ListFuture pages through sessions that have not started yet.
// GET /api/admin/session-results/future?page=1&limit=30
func (h *AdminHandler) ListFuture(w http.ResponseWriter, r *http.Request) {
	page, limit := parsePage(r)
	out, err := h.future.ListFuture(r.Context(), page, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type futureActionRequest struct {
	Action     string           `json:"action" validate:"required,oneof=set_future_result bulk_set_future_results bulk_random_results generate_future_sessions"`
	SessionID  string           `json:"sessionId" validate:"required_if=Action set_future_result"`
	Result     domain.Outcome   `json:"result" validate:"required_if=Action set_future_result"`
	SessionIDs []string         `json:"sessionIds" validate:"required_if=Action bulk_set_future_results,required_if=Action bulk_random_results,max=500"`
	Results    []domain.Outcome `json:"results" validate:"required_if=Action bulk_set_future_results,max=500"`
}

// FutureAction dispatches one of the outcome-assignment actions.
// POST /api/admin/session-results/future
func (h *AdminHandler) FutureAction(w http.ResponseWriter, r *http.Request) {
	var req futureActionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	admin := actor(r)
	ctx := r.Context()

	switch req.Action {
	case "set_future_result":
		sess, err := h.outcomes.SetOutcome(ctx, admin, req.SessionID, req.Result)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": sess})

	case "bulk_set_future_results":
		res, err := h.outcomes.BulkSetOutcomes(ctx, admin, req.SessionIDs, req.Results)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	case "bulk_random_results":
		res, err := h.outcomes.BulkRandomBalanced(ctx, admin, req.SessionIDs)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	case "generate_future_sessions":
		n, err := h.outcomes.GenerateFuture(ctx, admin)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"inserted": n})
	}
}

// RunSettlement settles every due trade now.
// POST /api/admin/settlement/run
func (h *AdminHandler) RunSettlement(w http.ResponseWriter, r *http.Request) {
	rep, err := h.settlement.RunNow(r.Context(), actor(r))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// RecentSettlements returns the newest settlement stream entries.
// GET /api/admin/settlement/recent?count=50
func (h *AdminHandler) RecentSettlements(w http.ResponseWriter, r *http.Request) {
	count := 0
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "count must be a positive integer")
			return
		}
		count = n
	}
	entries, err := h.settlement.Recent(r.Context(), count)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlements": entries})
}

// ListDeposits pages through every deposit.
// GET /api/admin/deposits?page=1&limit=50
func (h *AdminHandler) ListDeposits(w http.ResponseWriter, r *http.Request) {
	page, limit := parsePage(r)
	out, err := h.deposits.ListDeposits(r.Context(), page, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type resolveDepositRequest struct {
	DepositID string `json:"depositId" validate:"required"`
	Action    string `json:"action" validate:"required,oneof=approve reject"`
}

// ResolveDeposit approves or rejects a pending deposit.
// PATCH /api/admin/deposits
func (h *AdminHandler) ResolveDeposit(w http.ResponseWriter, r *http.Request) {
	var req resolveDepositRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	resolve := h.deposits.Approve
	if req.Action == "reject" {
		resolve = h.deposits.Reject
	}
	d, err := resolve(r.Context(), actor(r), req.DepositID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deposit": d})
}

type adminDepositRequest struct {
	UserID string `json:"userId" validate:"required"`
	Amount int64  `json:"amount" validate:"gt=0,lte=1000000000000000"`
	Note   string `json:"note" validate:"max=500"`
}

// Deposit credits a user directly.
// POST /api/admin/deposit
func (h *AdminHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req adminDepositRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	d, bal, err := h.deposits.AdminDeposit(r.Context(), actor(r), req.UserID, req.Amount, req.Note)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"deposit": d, "balance": bal})
}

type changePasswordRequest struct {
	UserID      string `json:"userId" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required"`
}

// ChangePassword resets a user's password.
// POST /api/admin/change-password
func (h *AdminHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.passwords.ChangePassword(r.Context(), actor(r), req.UserID, req.NewPassword); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Activities lists the admin audit trail, newest first.
// GET /api/admin/activities?page=1&limit=50
func (h *AdminHandler) Activities(w http.ResponseWriter, r *http.Request) {
	page, limit := parsePage(r)
	acts, err := h.activity.List(r.Context(), page, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": acts})
}
