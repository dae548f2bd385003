package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/binarysim/internal/service"
)

// SessionClock defines what the session handler reads from the clock.
type SessionClock interface {
	CurrentSession(ctx context.Context) (service.CurrentSession, error)
	SessionChange(ctx context.Context, lastSessionID string) (service.SessionChange, error)
}

// SessionHandler serves the public trading-session endpoints.
type SessionHandler struct {
	clock  SessionClock
	logger *slog.Logger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(clock SessionClock, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{clock: clock, logger: logHandler(logger, "sessions")}
}

// Current returns the session containing now and the seconds left in it.
// GET /api/trading-sessions
func (h *SessionHandler) Current(w http.ResponseWriter, r *http.Request) {
	cur, err := h.clock.CurrentSession(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"currentSession": cur})
}

// Change reports whether the current session differs from lastSessionId,
// and if so includes the previous session with its outcome.
// GET /api/trading-sessions/session-change?lastSessionId=
func (h *SessionHandler) Change(w http.ResponseWriter, r *http.Request) {
	ch, err := h.clock.SessionChange(r.Context(), r.URL.Query().Get("lastSessionId"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}
