package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/binarysim/internal/domain"
	"github.com/alanyoungcy/binarysim/internal/service"
)

// BalanceLedger defines the methods that the balance handler requires from
// the service layer.
type BalanceLedger interface {
	Get(ctx context.Context, userID string) (domain.Balance, error)
	SyncBalance(ctx context.Context, userID string, waitForPending bool) (service.SyncResult, error)
	Entries(ctx context.Context, userID string, page, limit int) ([]domain.BalanceEntry, error)
}

// BalanceHandler serves the caller's balance and its journal.
type BalanceHandler struct {
	balances BalanceLedger
	logger   *slog.Logger
}

// NewBalanceHandler creates a BalanceHandler.
func NewBalanceHandler(balances BalanceLedger, logger *slog.Logger) *BalanceHandler {
	return &BalanceHandler{balances: balances, logger: logHandler(logger, "balance")}
}

// Get returns the caller's balance as stored.
// GET /api/user/balance
func (h *BalanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	b, err := h.balances.Get(r.Context(), actor(r).ID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": b})
}

// Sync settles the caller's due trades before reading the balance. When
// trades are still pending after the bounded wait the response is 202 with
// the last known balance so the client can poll again.
// GET /api/user/balance/sync?waitForPending=true
func (h *BalanceHandler) Sync(w http.ResponseWriter, r *http.Request) {
	wait := true
	if v := r.URL.Query().Get("waitForPending"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(w, "waitForPending must be a boolean")
			return
		}
		wait = b
	}

	res, err := h.balances.SyncBalance(r.Context(), actor(r).ID, wait)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	status := http.StatusOK
	if res.PendingTrades > 0 {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// History lists balance journal entries, newest first.
// GET /api/user/balance/history?page=1&limit=50
func (h *BalanceHandler) History(w http.ResponseWriter, r *http.Request) {
	page, limit := parsePage(r)
	entries, err := h.balances.Entries(r.Context(), actor(r).ID, page, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
