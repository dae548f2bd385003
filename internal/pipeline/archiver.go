package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/binarysim/internal/domain"
	"github.com/alanyoungcy/binarysim/internal/notify"
)

// catchUpDays is how many days before the cutoff each run revisits. Days
// already exported are skipped by the blob archiver, so a missed run is
// healed by the next one.
const catchUpDays = 7

// Alerter receives archive failures. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Archiver exports settled data older than the retention window to S3 cold
// storage.
type Archiver struct {
	blobArchiver  domain.Archiver
	retentionDays int
	alerter       Alerter
	now           func() time.Time
	logger        *slog.Logger
}

// NewArchiver creates a new Archiver. alerter may be nil.
func NewArchiver(blobArchiver domain.Archiver, retentionDays int, alerter Alerter, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		retentionDays: retentionDays,
		alerter:       alerter,
		now:           time.Now,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// Run executes a single archive run: every UTC day from the cutoff (now minus
// retentionDays) back catchUpDays days has its completed sessions and
// settled trades exported. Failures on one day do not stop the others.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().UTC().AddDate(0, 0, -a.retentionDays)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.String("cutoff_day", cutoff.Format(time.DateOnly)),
		slog.Int("retention_days", a.retentionDays),
	)

	var errs []error
	var sessions, trades int64
	for i := 0; i < catchUpDays; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		day := cutoff.AddDate(0, 0, -i)

		n, err := a.blobArchiver.ArchiveSessions(ctx, day)
		if err != nil {
			errs = append(errs, fmt.Errorf("sessions %s: %w", day.Format(time.DateOnly), err))
		}
		sessions += n

		n, err = a.blobArchiver.ArchiveTrades(ctx, day)
		if err != nil {
			errs = append(errs, fmt.Errorf("trades %s: %w", day.Format(time.DateOnly), err))
		}
		trades += n
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("sessions_archived", sessions),
		slog.Int64("trades_archived", trades),
		slog.Int("failures", len(errs)),
	)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pipeline: archive: %w", err)
	}
	return nil
}

// RunCron runs the archiver on a cron schedule until the context is cancelled.
// A receive on trigger runs it immediately without disturbing the schedule;
// trigger may be nil. Cron expressions use the standard 5-field format:
// "minute hour day-of-month month day-of-week"
//
// Example: "30 3 * * *" runs at 03:30 UTC every day.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string, trigger <-chan struct{}) error {
	a.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, a.now().UTC())
		if err != nil {
			return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
		}

		waitDuration := time.Until(next)
		a.logger.DebugContext(ctx, "archiver waiting for next cron trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", waitDuration),
		)

		timer := time.NewTimer(waitDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return ctx.Err()
		case <-trigger:
			timer.Stop()
			a.runOnce(ctx, "manual")
		case <-timer.C:
			a.runOnce(ctx, "cron")
		}
	}
}

func (a *Archiver) runOnce(ctx context.Context, source string) {
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		a.logger.ErrorContext(ctx, "archive run failed",
			slog.String("source", source),
			slog.String("error", err.Error()),
		)
		if a.alerter != nil {
			if nerr := a.alerter.Notify(ctx, notify.EventError, "Archive run failed", err.Error()); nerr != nil {
				a.logger.WarnContext(ctx, "notify failed", slog.String("error", nerr.Error()))
			}
		}
	}
}

// cronField represents a parsed cron field that can match against a value.
type cronField struct {
	wildcard bool
	values   []int
}

// matches returns true if the given value matches this cron field.
func (f cronField) matches(val int) bool {
	if f.wildcard {
		return true
	}
	for _, v := range f.values {
		if v == val {
			return true
		}
	}
	return false
}

// parseCronField parses a single cron field: "*", "5", "1,15", "1-5" or a
// step such as "*/10" or "0-30/5". Values must lie in [lo, hi].
func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}

	var values []int
	for _, p := range strings.Split(field, ",") {
		p = strings.TrimSpace(p)

		step := 1
		if base, s, ok := strings.Cut(p, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return cronField{}, fmt.Errorf("invalid cron step %q", p)
			}
			step, p = n, base
		}

		from, to := lo, hi
		switch {
		case p == "*":
		case strings.Contains(p, "-"):
			a, b, _ := strings.Cut(p, "-")
			var err error
			if from, err = strconv.Atoi(a); err != nil {
				return cronField{}, fmt.Errorf("invalid cron range %q: %w", p, err)
			}
			if to, err = strconv.Atoi(b); err != nil {
				return cronField{}, fmt.Errorf("invalid cron range %q: %w", p, err)
			}
		default:
			v, err := strconv.Atoi(p)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid cron field value %q: %w", p, err)
			}
			from, to = v, v
		}

		if from < lo || to > hi || from > to {
			return cronField{}, fmt.Errorf("cron field %q out of range %d-%d", p, lo, hi)
		}
		for v := from; v <= to; v += step {
			values = append(values, v)
		}
	}
	return cronField{values: values}, nil
}

// parsedCron holds five parsed cron fields.
type parsedCron struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

// matchesTime returns true if the given time matches all five cron fields.
func (c parsedCron) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

// cronBounds lists the allowed range of each field in order.
var cronBounds = [5]struct {
	name   string
	lo, hi int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// parseCron parses a 5-field cron expression into a parsedCron struct.
func parseCron(expr string) (parsedCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return parsedCron{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	var parsed [5]cronField
	for i, b := range cronBounds {
		f, err := parseCronField(fields[i], b.lo, b.hi)
		if err != nil {
			return parsedCron{}, fmt.Errorf("parsing %s field: %w", b.name, err)
		}
		parsed[i] = f
	}

	return parsedCron{
		minute:     parsed[0],
		hour:       parsed[1],
		dayOfMonth: parsed[2],
		month:      parsed[3],
		dayOfWeek:  parsed[4],
	}, nil
}

// ValidateCron reports whether expr is a cron expression RunCron accepts.
func ValidateCron(expr string) error {
	_, err := parseCron(expr)
	return err
}

// nextCronTime calculates the next time after 'after' that matches the given
// cron expression. It searches minute-by-minute up to one year ahead.
func nextCronTime(cronExpr string, after time.Time) (time.Time, error) {
	cron, err := parseCron(cronExpr)
	if err != nil {
		return time.Time{}, err
	}

	// Start from the next minute boundary.
	candidate := after.Truncate(time.Minute).Add(time.Minute)

	// Search up to one year ahead to avoid infinite loops.
	limit := after.Add(366 * 24 * time.Hour)

	for candidate.Before(limit) {
		if cron.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}

	return time.Time{}, fmt.Errorf("no matching cron time found within one year for %q", cronExpr)
}
