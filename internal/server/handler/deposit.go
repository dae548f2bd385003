package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

// DepositRequester defines the user-facing deposit methods.
type DepositRequester interface {
	RequestDeposit(ctx context.Context, user domain.Actor, amount int64, note string) (domain.Deposit, error)
	ListUserDeposits(ctx context.Context, userID string, page, limit int) ([]domain.Deposit, error)
}

// DepositHandler serves a user's own deposit requests.
type DepositHandler struct {
	deposits DepositRequester
	logger   *slog.Logger
}

// NewDepositHandler creates a DepositHandler.
func NewDepositHandler(deposits DepositRequester, logger *slog.Logger) *DepositHandler {
	return &DepositHandler{deposits: deposits, logger: logHandler(logger, "deposits")}
}

type depositRequest struct {
	Amount int64  `json:"amount" validate:"gt=0,lte=1000000000000000"`
	Note   string `json:"note" validate:"max=500"`
}

// Request files a pending deposit for admin review.
// POST /api/deposits
func (h *DepositHandler) Request(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	d, err := h.deposits.RequestDeposit(r.Context(), actor(r), req.Amount, req.Note)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"deposit": d})
}

// List returns the caller's deposits, newest first.
// GET /api/deposits
func (h *DepositHandler) List(w http.ResponseWriter, r *http.Request) {
	page, limit := parsePage(r)
	deps, err := h.deposits.ListUserDeposits(r.Context(), actor(r).ID, page, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deposits": deps})
}
