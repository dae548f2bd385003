package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

// Notifier delivers operator alerts. *notify.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// publish marshals fields with the event name and sends it on channel.
// Events on a user channel also carry the userId they belong to. A
// nil bus or a failed publish is logged and otherwise ignored: clients fall
// back to polling.
func publish(ctx context.Context, bus domain.SignalBus, logger *slog.Logger, channel, event string, fields map[string]any) {
	if bus == nil {
		return
	}
	payload := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		payload[k] = v
	}
	payload["event"] = event
	if id, ok := strings.CutPrefix(channel, domain.UserChannelPrefix); ok {
		payload["userId"] = id
	}
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	evt, err := json.Marshal(payload)
	if err != nil {
		logger.WarnContext(ctx, "marshal event failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := bus.Publish(ctx, channel, evt); err != nil {
		logger.WarnContext(ctx, "publish event failed",
			slog.String("event", event),
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func logActivity(ctx context.Context, store domain.ActivityStore, logger *slog.Logger, a domain.AdminActivity) {
	if store == nil {
		return
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if err := store.Log(ctx, a); err != nil {
		logger.WarnContext(ctx, "activity log failed",
			slog.String("action", a.Action),
			slog.String("error", err.Error()),
		)
	}
}

func alert(ctx context.Context, n Notifier, logger *slog.Logger, event, title, message string) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, event, title, message); err != nil {
		logger.WarnContext(ctx, "notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func activityFor(admin domain.Actor, action string) domain.AdminActivity {
	return domain.AdminActivity{
		AdminID:       admin.ID,
		AdminUsername: admin.Username,
		Action:        action,
	}
}
