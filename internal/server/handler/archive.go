package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// ArchiveHandler lets an admin request an archive run outside the cron
// schedule.
type ArchiveHandler struct {
	logger    *slog.Logger
	triggerCh chan<- struct{} // when non-nil, sending triggers one archive run
}

// NewArchiveHandler creates an ArchiveHandler with the given logger.
func NewArchiveHandler(logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{logger: logHandler(logger, "archive")}
}

// WithTriggerChannel sets the channel to send on when a run is requested.
// The archive loop must receive from this channel to run one cycle.
func (h *ArchiveHandler) WithTriggerChannel(ch chan<- struct{}) *ArchiveHandler {
	h.triggerCh = ch
	return h
}

// Trigger enqueues one archive run. The send is non-blocking, so repeated
// requests before the loop picks one up collapse into a single run.
// POST /api/admin/archive/run
func (h *ArchiveHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	if h.triggerCh == nil {
		writeJSON(w, http.StatusConflict, errorResponse{
			Error: "archiving is disabled", Code: "invalid_state",
		})
		return
	}
	h.logger.InfoContext(r.Context(), "archive run requested",
		slog.String("admin", actor(r).Username),
	)
	select {
	case h.triggerCh <- struct{}{}:
	default:
		// already triggered and not yet consumed
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "accepted",
		"requestedAt": time.Now().UTC().Format(time.RFC3339),
	})
}
