package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

// BulkEntry is one line of a bulk outcome report.
type BulkEntry struct {
	SessionID string         `json:"sessionId"`
	Outcome   domain.Outcome `json:"result,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// BulkResult lists which sessions were stamped and which were skipped.
type BulkResult struct {
	Stamped []BulkEntry `json:"stamped"`
	Skipped []BulkEntry `json:"skipped"`
}

// OutcomeService stamps terminal outcomes onto sessions. It never touches
// trades or balances; settlement picks completed sessions up on its own.
type OutcomeService struct {
	sessions domain.SessionStore
	clock    *SessionClock
	activity domain.ActivityStore
	bus      domain.SignalBus
	shuffle  func([]domain.Outcome)
	now      func() time.Time
	logger   *slog.Logger
}

// NewOutcomeService creates an OutcomeService.
func NewOutcomeService(
	sessions domain.SessionStore,
	clock *SessionClock,
	activity domain.ActivityStore,
	bus domain.SignalBus,
	logger *slog.Logger,
) *OutcomeService {
	return &OutcomeService{
		sessions: sessions,
		clock:    clock,
		activity: activity,
		bus:      bus,
		shuffle:  shuffleOutcomes,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "outcome_service")),
	}
}

// SetOutcome stamps outcome onto one ACTIVE session. Unknown ids yield
// ErrNotFound, a bad outcome ErrInvalidArgument, and a session that is not
// ACTIVE ErrInvalidState with its outcome left unchanged.
func (s *OutcomeService) SetOutcome(ctx context.Context, admin domain.Actor, sessionID string, outcome domain.Outcome) (domain.Session, error) {
	if !outcome.Valid() {
		if _, err := s.sessions.Get(ctx, sessionID); err != nil {
			return domain.Session{}, fmt.Errorf("outcome_service: set outcome %s: %w", sessionID, err)
		}
		return domain.Session{}, fmt.Errorf("outcome_service: set outcome %s: %w: result must be UP or DOWN", sessionID, domain.ErrInvalidArgument)
	}

	sess, err := s.sessions.StampOutcome(ctx, sessionID, outcome, domain.CreatedByAdmin, s.now().UTC())
	if err != nil {
		return domain.Session{}, fmt.Errorf("outcome_service: set outcome %s: %w", sessionID, err)
	}
	s.completed(ctx, sess)

	a := activityFor(admin, domain.ActionSetOutcome)
	a.Details = map[string]any{"sessionId": sessionID, "result": string(outcome)}
	logActivity(ctx, s.activity, s.logger, a)

	s.logger.InfoContext(ctx, "session outcome set",
		slog.String("session_id", sessionID),
		slog.String("outcome", string(outcome)),
		slog.String("admin", admin.Username),
	)
	return sess, nil
}

// BulkSetOutcomes pairs ids with outcomes by position. Entries with an
// invalid outcome or a session that cannot be stamped are skipped and
// reported; the rest of the batch proceeds.
func (s *OutcomeService) BulkSetOutcomes(ctx context.Context, admin domain.Actor, ids []string, outcomes []domain.Outcome) (BulkResult, error) {
	if len(ids) == 0 {
		return BulkResult{}, fmt.Errorf("outcome_service: bulk set: %w: no sessions given", domain.ErrInvalidArgument)
	}
	if len(ids) != len(outcomes) {
		return BulkResult{}, fmt.Errorf("outcome_service: bulk set: %w: %d ids but %d results",
			domain.ErrInvalidArgument, len(ids), len(outcomes))
	}

	res := BulkResult{Stamped: []BulkEntry{}, Skipped: []BulkEntry{}}
	for i, id := range ids {
		o := outcomes[i]
		if !o.Valid() {
			res.Skipped = append(res.Skipped, BulkEntry{SessionID: id, Outcome: o, Reason: "result must be UP or DOWN"})
			continue
		}
		s.stampInto(ctx, &res, id, o, domain.CreatedByAdmin)
	}

	a := activityFor(admin, domain.ActionBulkSetOutcomes)
	a.Details = map[string]any{"stamped": len(res.Stamped), "skipped": len(res.Skipped)}
	logActivity(ctx, s.activity, s.logger, a)
	return res, nil
}

// BulkRandomBalanced stamps the ACTIVE sessions among ids with an exactly
// balanced, shuffled set of outcomes: floor(n/2) UP and the rest DOWN.
func (s *OutcomeService) BulkRandomBalanced(ctx context.Context, admin domain.Actor, ids []string) (BulkResult, error) {
	if len(ids) == 0 {
		return BulkResult{}, fmt.Errorf("outcome_service: bulk random: %w: no sessions given", domain.ErrInvalidArgument)
	}

	found, err := s.sessions.ListByIDs(ctx, ids)
	if err != nil {
		return BulkResult{}, fmt.Errorf("outcome_service: bulk random: %w", err)
	}
	active := make([]domain.Session, 0, len(found))
	for _, sess := range found {
		if sess.Status == domain.SessionActive {
			active = append(active, sess)
		}
	}
	if len(active) == 0 {
		return BulkResult{}, fmt.Errorf("outcome_service: bulk random: %w: no sessions need results", domain.ErrInvalidArgument)
	}

	outcomes := BalancedOutcomes(len(active))
	s.shuffle(outcomes)

	res := BulkResult{Stamped: []BulkEntry{}, Skipped: []BulkEntry{}}
	for i, sess := range active {
		s.stampInto(ctx, &res, sess.ID, outcomes[i], domain.CreatedBySystem)
	}

	a := activityFor(admin, domain.ActionBulkRandomOutcomes)
	a.Details = map[string]any{"stamped": len(res.Stamped), "skipped": len(res.Skipped)}
	logActivity(ctx, s.activity, s.logger, a)

	s.logger.InfoContext(ctx, "random outcomes assigned",
		slog.Int("active", len(active)),
		slog.Int("stamped", len(res.Stamped)),
	)
	return res, nil
}

// GenerateFuture tops up the session horizon on an admin's request.
func (s *OutcomeService) GenerateFuture(ctx context.Context, admin domain.Actor) (int, error) {
	n, err := s.clock.EnsureFutureHorizon(ctx)
	if err != nil {
		return 0, fmt.Errorf("outcome_service: generate future: %w", err)
	}
	a := activityFor(admin, domain.ActionGenerateSessions)
	a.Details = map[string]any{"inserted": n}
	logActivity(ctx, s.activity, s.logger, a)
	return n, nil
}

func (s *OutcomeService) stampInto(ctx context.Context, res *BulkResult, id string, o domain.Outcome, by domain.Creator) {
	sess, err := s.sessions.StampOutcome(ctx, id, o, by, s.now().UTC())
	if err != nil {
		res.Skipped = append(res.Skipped, BulkEntry{SessionID: id, Outcome: o, Reason: err.Error()})
		return
	}
	s.completed(ctx, sess)
	res.Stamped = append(res.Stamped, BulkEntry{SessionID: id, Outcome: o})
}

func (s *OutcomeService) completed(ctx context.Context, sess domain.Session) {
	publish(ctx, s.bus, s.logger, domain.ChannelSessions, domain.EventSessionCompleted, map[string]any{
		"sessionId": sess.ID,
		"result":    string(sess.Outcome),
		"createdBy": string(sess.CreatedBy),
	})
}

// BalancedOutcomes returns n outcomes, floor(n/2) UP followed by the
// remainder DOWN.
func BalancedOutcomes(n int) []domain.Outcome {
	out := make([]domain.Outcome, n)
	up := n / 2
	for i := range out {
		if i < up {
			out[i] = domain.OutcomeUp
		} else {
			out[i] = domain.OutcomeDown
		}
	}
	return out
}

// shuffleOutcomes applies a uniform Fisher-Yates permutation.
func shuffleOutcomes(o []domain.Outcome) {
	rand.Shuffle(len(o), func(i, j int) { o[i], o[j] = o[j], o[i] })
}
