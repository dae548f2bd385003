package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/binarysim/internal/domain"
	"github.com/alanyoungcy/binarysim/internal/service"
)

// TradeLedger defines the methods that the trade handler requires from the
// service layer.
type TradeLedger interface {
	PlaceTrade(ctx context.Context, user domain.Actor, in service.PlaceTradeInput) (service.PlacedTrade, error)
	History(ctx context.Context, userID string, page, limit int) ([]domain.Trade, error)
	Get(ctx context.Context, user domain.Actor, id string) (domain.Trade, error)
}

// TradeHandler serves bet placement and trade history.
type TradeHandler struct {
	trades TradeLedger
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades TradeLedger, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logHandler(logger, "trades")}
}

// placeTradeRequest is deliberately loose: direction and minimum stake are
// checked by the ledger so every client sees the same error codes.
type placeTradeRequest struct {
	SessionID string `json:"sessionId" validate:"omitempty,len=12,numeric"`
	Direction string `json:"direction" validate:"required"`
	Amount    int64  `json:"amount" validate:"lte=1000000000000000"`
	Asset     string `json:"asset" validate:"max=32"`
}

// Place records a bet and freezes its stake.
// POST /api/trades/place
func (h *TradeHandler) Place(w http.ResponseWriter, r *http.Request) {
	var req placeTradeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	placed, err := h.trades.PlaceTrade(r.Context(), actor(r), service.PlaceTradeInput{
		SessionID: req.SessionID,
		Direction: domain.Direction(req.Direction),
		Amount:    req.Amount,
		Asset:     req.Asset,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, placed)
}

// History lists the caller's trades, newest first.
// GET /api/trades/history?page=1&limit=20
func (h *TradeHandler) History(w http.ResponseWriter, r *http.Request) {
	page, limit := parsePage(r)
	trades, err := h.trades.History(r.Context(), actor(r).ID, page, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

// Get returns one of the caller's trades.
// GET /api/trades/{id}
func (h *TradeHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.trades.Get(r.Context(), actor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trade": t})
}
