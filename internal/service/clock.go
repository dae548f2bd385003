package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

const (
	horizonLockKey    = "horizon"
	boundaryLockTTL   = 30 * time.Second
	defaultFutureSize = 30
	maxPageSize       = 100
)

// ClockConfig tunes the session clock.
type ClockConfig struct {
	// HorizonCount is how many sessions must exist after now.
	HorizonCount int
	// MaxAttempts caps the candidate windows examined per horizon pass.
	MaxAttempts int
	// Interval is the worker's horizon check period.
	Interval time.Duration
}

// CurrentSession is the session containing now plus whole seconds left.
type CurrentSession struct {
	domain.Session
	TimeLeft int `json:"timeLeft"`
}

// FutureSessions is one page of upcoming sessions.
type FutureSessions struct {
	Sessions []domain.Session `json:"sessions"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	Limit    int              `json:"limit"`
}

// SessionChange answers a client's "did the session roll over" poll.
type SessionChange struct {
	Current  CurrentSession  `json:"currentSession"`
	Changed  bool            `json:"sessionChanged"`
	Previous *domain.Session `json:"previousSession,omitempty"`
}

// SessionClock maps wall-clock time onto sessions and keeps a horizon of
// future sessions materialised. The current session is always derived from
// now with a range query; nothing is cached between calls.
type SessionClock struct {
	sessions domain.SessionStore
	locks    domain.LockManager
	bus      domain.SignalBus
	retry    *RetryPolicy
	cfg      ClockConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewSessionClock creates a SessionClock. locks and bus may be nil.
func NewSessionClock(
	sessions domain.SessionStore,
	locks domain.LockManager,
	bus domain.SignalBus,
	cfg ClockConfig,
	logger *slog.Logger,
) *SessionClock {
	if cfg.HorizonCount <= 0 {
		cfg.HorizonCount = defaultFutureSize
	}
	if cfg.MaxAttempts < cfg.HorizonCount {
		cfg.MaxAttempts = cfg.HorizonCount
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &SessionClock{
		sessions: sessions,
		locks:    locks,
		bus:      bus,
		retry:    NewRetryPolicy(3, 200*time.Millisecond),
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "session_clock")),
	}
}

// CurrentSession returns the session whose window contains now. A missing
// row is a gap: the window is inserted, the horizon topped up, and the row
// read again.
func (c *SessionClock) CurrentSession(ctx context.Context) (CurrentSession, error) {
	now := c.now().UTC()
	sess, err := c.sessionAt(ctx, now)
	if err != nil {
		return CurrentSession{}, err
	}
	return CurrentSession{Session: sess, TimeLeft: sess.TimeLeft(now)}, nil
}

func (c *SessionClock) sessionAt(ctx context.Context, now time.Time) (domain.Session, error) {
	var sess domain.Session
	read := func(ctx context.Context) error {
		var err error
		sess, err = c.sessions.GetAt(ctx, now)
		return err
	}

	err := c.retry.Do(ctx, read)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Session{}, fmt.Errorf("session_clock: current session: %w", err)
	}

	c.logger.WarnContext(ctx, "no session for current window, healing gap",
		slog.String("session_id", domain.SessionID(now)),
	)
	current := domain.NewSession(domain.WindowStart(now), now)
	if err := c.retry.Do(ctx, func(ctx context.Context) error {
		_, err := c.sessions.InsertBatch(ctx, []domain.Session{current})
		return err
	}); err != nil {
		return domain.Session{}, fmt.Errorf("session_clock: heal gap: %w", err)
	}
	if _, err := c.EnsureFutureHorizon(ctx); err != nil {
		c.logger.WarnContext(ctx, "horizon top-up after gap failed", slog.String("error", err.Error()))
	}

	if err := c.retry.Do(ctx, read); err != nil {
		return domain.Session{}, fmt.Errorf("session_clock: current session after heal: %w", err)
	}
	return sess, nil
}

// EnsureFutureHorizon guarantees at least HorizonCount sessions start after
// now. Candidate windows are walked from the next minute onward, existing
// ids are skipped, and at most MaxAttempts candidates are examined. It
// returns the number of rows created.
func (c *SessionClock) EnsureFutureHorizon(ctx context.Context) (int, error) {
	now := c.now().UTC()

	var count int
	if err := c.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		count, err = c.sessions.CountAfter(ctx, now)
		return err
	}); err != nil {
		return 0, fmt.Errorf("session_clock: count future: %w", err)
	}

	missing := c.cfg.HorizonCount - count
	if missing <= 0 {
		return 0, nil
	}

	base := domain.WindowStart(now)
	starts := make([]time.Time, 0, c.cfg.MaxAttempts)
	ids := make([]string, 0, c.cfg.MaxAttempts)
	for i := 1; i <= c.cfg.MaxAttempts; i++ {
		start := base.Add(time.Duration(i) * domain.SessionLength)
		starts = append(starts, start)
		ids = append(ids, domain.SessionID(start))
	}

	var existing map[string]bool
	if err := c.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		existing, err = c.sessions.ExistingIDs(ctx, ids)
		return err
	}); err != nil {
		return 0, fmt.Errorf("session_clock: existing ids: %w", err)
	}

	batch := make([]domain.Session, 0, missing)
	for i, id := range ids {
		if len(batch) == missing {
			break
		}
		if existing[id] {
			continue
		}
		batch = append(batch, domain.NewSession(starts[i], now))
	}
	if len(batch) < missing {
		c.logger.WarnContext(ctx, "horizon candidate cap reached",
			slog.Int("missing", missing),
			slog.Int("generated", len(batch)),
			slog.Int("max_attempts", c.cfg.MaxAttempts),
		)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	var inserted int
	if err := c.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		inserted, err = c.sessions.InsertBatch(ctx, batch)
		return err
	}); err != nil {
		return 0, fmt.Errorf("session_clock: insert horizon: %w", err)
	}

	if inserted > 0 {
		c.logger.InfoContext(ctx, "future sessions generated",
			slog.Int("inserted", inserted),
			slog.String("first", batch[0].ID),
			slog.String("last", batch[len(batch)-1].ID),
		)
		publish(ctx, c.bus, c.logger, domain.ChannelSessions, domain.EventHorizonExtended, map[string]any{
			"count": inserted,
			"first": batch[0].ID,
			"last":  batch[len(batch)-1].ID,
		})
	}
	return inserted, nil
}

// ListFuture tops up the horizon and returns one page of sessions starting
// after now, earliest first.
func (c *SessionClock) ListFuture(ctx context.Context, page, limit int) (FutureSessions, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultFutureSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	if _, err := c.EnsureFutureHorizon(ctx); err != nil {
		c.logger.WarnContext(ctx, "horizon top-up before listing failed", slog.String("error", err.Error()))
	}

	now := c.now().UTC()
	total, err := c.sessions.CountAfter(ctx, now)
	if err != nil {
		return FutureSessions{}, fmt.Errorf("session_clock: count future: %w", err)
	}
	sessions, err := c.sessions.ListAfter(ctx, now, domain.PageOpts(page, limit))
	if err != nil {
		return FutureSessions{}, fmt.Errorf("session_clock: list future: %w", err)
	}
	return FutureSessions{Sessions: sessions, Total: total, Page: page, Limit: limit}, nil
}

// SessionChange reports the current session, whether it differs from
// lastSessionID, and the session of the preceding window if it exists.
func (c *SessionClock) SessionChange(ctx context.Context, lastSessionID string) (SessionChange, error) {
	cur, err := c.CurrentSession(ctx)
	if err != nil {
		return SessionChange{}, err
	}

	out := SessionChange{
		Current: cur,
		Changed: lastSessionID != "" && lastSessionID != cur.ID,
	}

	prevID := domain.SessionID(cur.StartTime.Add(-domain.SessionLength))
	prev, err := c.sessions.Get(ctx, prevID)
	switch {
	case err == nil:
		out.Previous = &prev
	case errors.Is(err, domain.ErrNotFound):
	default:
		return SessionChange{}, fmt.Errorf("session_clock: previous session: %w", err)
	}
	return out, nil
}

// RunHorizon tops up the horizon immediately and then every Interval until
// ctx is cancelled. With a lock manager only one replica runs each pass.
func (c *SessionClock) RunHorizon(ctx context.Context) error {
	c.horizonPass(ctx)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.horizonPass(ctx)
		}
	}
}

func (c *SessionClock) horizonPass(ctx context.Context) {
	if c.locks != nil {
		unlock, err := c.locks.Acquire(ctx, horizonLockKey, c.cfg.Interval)
		if err != nil {
			if !errors.Is(err, domain.ErrLockHeld) {
				c.logger.WarnContext(ctx, "horizon lock failed", slog.String("error", err.Error()))
			}
			return
		}
		defer unlock()
	}
	if _, err := c.EnsureFutureHorizon(ctx); err != nil && ctx.Err() == nil {
		c.logger.ErrorContext(ctx, "horizon pass failed", slog.String("error", err.Error()))
	}
}

// RunBoundaries publishes session_changed on the sessions channel at every
// window boundary until ctx is cancelled.
func (c *SessionClock) RunBoundaries(ctx context.Context) error {
	for {
		now := c.now().UTC()
		next := domain.WindowStart(now).Add(domain.SessionLength)
		if err := sleepCtx(ctx, next.Sub(now)+50*time.Millisecond); err != nil {
			return err
		}
		c.announce(ctx)
	}
}

func (c *SessionClock) announce(ctx context.Context) {
	cur, err := c.CurrentSession(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "boundary lookup failed", slog.String("error", err.Error()))
		return
	}

	if c.locks != nil {
		// The lock is left to expire so a late replica still skips this
		// boundary.
		if _, err := c.locks.Acquire(ctx, "boundary:"+cur.ID, boundaryLockTTL); err != nil {
			return
		}
	}

	publish(ctx, c.bus, c.logger, domain.ChannelSessions, domain.EventSessionChanged, map[string]any{
		"sessionId":         cur.ID,
		"previousSessionId": domain.SessionID(cur.StartTime.Add(-domain.SessionLength)),
		"startTime":         cur.StartTime.Format(time.RFC3339),
		"endTime":           cur.EndTime.Format(time.RFC3339),
		"status":            string(cur.Status),
		"timeLeft":          cur.TimeLeft,
	})
}
