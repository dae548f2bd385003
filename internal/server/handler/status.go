package handler

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// StatusHandler serves the process mode and the trading parameters clients
// need to render the bet form.
type StatusHandler struct {
	Mode       string
	Asset      string
	MinStake   int64
	PayoutRate decimal.Decimal
	StartedAt  time.Time
}

// GetStatus responds with the current backend mode and trading parameters.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":          h.Mode,
		"asset":         h.Asset,
		"minStake":      h.MinStake,
		"payoutRate":    h.PayoutRate.String(),
		"uptimeSeconds": int64(time.Since(h.StartedAt).Seconds()),
	})
}
