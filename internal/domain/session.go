package domain

import (
	"fmt"
	"time"
)

// SessionLength is the fixed width of every trading session window.
const SessionLength = 60 * time.Second

// sessionIDLayout renders the UTC start minute as YYYYMMDDHHmm.
const sessionIDLayout = "200601021504"

// SessionStatus tracks the session lifecycle.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionPredicted SessionStatus = "PREDICTED"
	SessionCompleted SessionStatus = "COMPLETED"
)

// Outcome is the terminal result stamped onto a session.
type Outcome string

const (
	OutcomeUp   Outcome = "UP"
	OutcomeDown Outcome = "DOWN"
)

// Valid reports whether o is one of the two stampable outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeUp || o == OutcomeDown
}

// Creator records who produced a session row or its outcome.
type Creator string

const (
	CreatedBySystem Creator = "system"
	CreatedByAdmin  Creator = "admin"
)

// Session is one fixed-length betting window.
type Session struct {
	ID        string        `json:"sessionId"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Status    SessionStatus `json:"status"`
	Outcome   Outcome       `json:"result,omitempty"`
	CreatedBy Creator       `json:"createdBy"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// SessionID derives the session identifier from a start time. Two instants in
// the same UTC minute map to the same id.
func SessionID(start time.Time) string {
	return start.UTC().Format(sessionIDLayout)
}

// ParseSessionID returns the start time encoded in a session id.
func ParseSessionID(id string) (time.Time, error) {
	t, err := time.ParseInLocation(sessionIDLayout, id, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: malformed session id %q", ErrInvalidArgument, id)
	}
	return t, nil
}

// WindowStart returns the start of the session window containing t.
func WindowStart(t time.Time) time.Time {
	return t.UTC().Truncate(SessionLength)
}

// NewSession builds an ACTIVE, system-created session starting at start.
func NewSession(start, now time.Time) Session {
	start = start.UTC()
	return Session{
		ID:        SessionID(start),
		StartTime: start,
		EndTime:   start.Add(SessionLength),
		Status:    SessionActive,
		CreatedBy: CreatedBySystem,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

// Contains reports whether t falls inside [StartTime, EndTime).
func (s Session) Contains(t time.Time) bool {
	return !t.Before(s.StartTime) && t.Before(s.EndTime)
}

// TimeLeft returns the whole seconds remaining until EndTime, rounded up.
func (s Session) TimeLeft(now time.Time) int {
	remaining := s.EndTime.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int((remaining + time.Second - 1) / time.Second)
}

// Tradable reports whether new trades may be placed into s at now.
func (s Session) Tradable(now time.Time) bool {
	return s.Status == SessionActive && s.Contains(now)
}
