package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

var noon = time.Date(2025, 1, 1, 12, 0, 30, 0, time.UTC)

func newTestClock(db *memDB, bus domain.SignalBus, now time.Time) *SessionClock {
	c := NewSessionClock(memSessions{db}, nil, bus, ClockConfig{HorizonCount: 30, MaxAttempts: 100}, discardLogger())
	c.now = fixedClock(now)
	c.retry.sleep = noSleep
	return c
}

func TestEnsureFutureHorizonContiguous(t *testing.T) {
	db := newMemDB()
	bus := newFakeBus()
	c := newTestClock(db, bus, noon)

	n, err := c.EnsureFutureHorizon(context.Background())
	if err != nil {
		t.Fatalf("EnsureFutureHorizon: %v", err)
	}
	if n != 30 {
		t.Fatalf("inserted = %d, want 30", n)
	}

	sessions, _ := memSessions{db}.ListAfter(context.Background(), noon, domain.ListOpts{})
	if len(sessions) != 30 {
		t.Fatalf("future sessions = %d, want 30", len(sessions))
	}
	if got, want := sessions[0].ID, "202501011201"; got != want {
		t.Errorf("first id = %s, want %s", got, want)
	}
	for i, s := range sessions {
		if !s.EndTime.Equal(s.StartTime.Add(60 * time.Second)) {
			t.Errorf("session %s: end - start = %v, want 60s", s.ID, s.EndTime.Sub(s.StartTime))
		}
		if s.Status != domain.SessionActive || s.Outcome != "" {
			t.Errorf("session %s: status %s outcome %q, want ACTIVE with no outcome", s.ID, s.Status, s.Outcome)
		}
		if i > 0 && !sessions[i-1].EndTime.Equal(s.StartTime) {
			t.Errorf("gap or overlap between %s and %s", sessions[i-1].ID, s.ID)
		}
	}
	if bus.count(domain.ChannelSessions) != 1 {
		t.Errorf("horizon events = %d, want 1", bus.count(domain.ChannelSessions))
	}

	again, err := c.EnsureFutureHorizon(context.Background())
	if err != nil {
		t.Fatalf("second EnsureFutureHorizon: %v", err)
	}
	if again != 0 {
		t.Errorf("second pass inserted %d, want 0", again)
	}
}

func TestEnsureFutureHorizonSkipsExisting(t *testing.T) {
	db := newMemDB()
	base := domain.WindowStart(noon)
	existing := domain.NewSession(base.Add(3*time.Minute), noon)
	existing.Status = domain.SessionCompleted
	existing.Outcome = domain.OutcomeUp
	db.addSession(existing)
	db.addSession(domain.NewSession(base.Add(5*time.Minute), noon))

	c := newTestClock(db, nil, noon)
	n, err := c.EnsureFutureHorizon(context.Background())
	if err != nil {
		t.Fatalf("EnsureFutureHorizon: %v", err)
	}
	if n != 28 {
		t.Errorf("inserted = %d, want 28", n)
	}
	if got := db.session(existing.ID); got.Status != domain.SessionCompleted || got.Outcome != domain.OutcomeUp {
		t.Errorf("existing session overwritten: %+v", got)
	}
	count, _ := memSessions{db}.CountAfter(context.Background(), noon)
	if count != 30 {
		t.Errorf("future count = %d, want 30", count)
	}
}

func TestEnsureFutureHorizonCandidateCap(t *testing.T) {
	db := newMemDB()
	c := NewSessionClock(memSessions{db}, nil, nil, ClockConfig{HorizonCount: 5, MaxAttempts: 5}, discardLogger())
	c.now = fixedClock(noon)
	base := domain.WindowStart(noon)
	// Two windows inside the cap are taken and counted, so three are missing
	// and exactly three free candidates remain.
	db.addSession(domain.NewSession(base.Add(1*time.Minute), noon))
	db.addSession(domain.NewSession(base.Add(4*time.Minute), noon))

	n, err := c.EnsureFutureHorizon(context.Background())
	if err != nil {
		t.Fatalf("EnsureFutureHorizon: %v", err)
	}
	if n != 3 {
		t.Errorf("inserted = %d, want 3", n)
	}
	if _, err := (memSessions{db}).Get(context.Background(), domain.SessionID(base.Add(6*time.Minute))); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("session beyond the candidate cap was created")
	}
}

func TestCurrentSessionHealsGap(t *testing.T) {
	db := newMemDB()
	c := newTestClock(db, nil, noon)

	cur, err := c.CurrentSession(context.Background())
	if err != nil {
		t.Fatalf("CurrentSession: %v", err)
	}
	if cur.ID != "202501011200" {
		t.Errorf("ID = %s, want 202501011200", cur.ID)
	}
	if cur.TimeLeft != 30 {
		t.Errorf("TimeLeft = %d, want 30", cur.TimeLeft)
	}
	count, _ := memSessions{db}.CountAfter(context.Background(), noon)
	if count != 30 {
		t.Errorf("future count after heal = %d, want 30", count)
	}
}

func TestCurrentSessionTimeLeftRoundsUp(t *testing.T) {
	db := newMemDB()
	now := noon.Add(200 * time.Millisecond)
	db.addSession(domain.NewSession(domain.WindowStart(now), now))
	c := newTestClock(db, nil, now)

	cur, err := c.CurrentSession(context.Background())
	if err != nil {
		t.Fatalf("CurrentSession: %v", err)
	}
	if cur.TimeLeft != 30 {
		t.Errorf("TimeLeft = %d, want 30", cur.TimeLeft)
	}
}

func TestCurrentSessionRetriesTransient(t *testing.T) {
	db := newMemDB()
	db.addSession(domain.NewSession(domain.WindowStart(noon), noon))
	db.failGetAt = 2
	c := newTestClock(db, nil, noon)

	cur, err := c.CurrentSession(context.Background())
	if err != nil {
		t.Fatalf("CurrentSession: %v", err)
	}
	if cur.ID != "202501011200" {
		t.Errorf("ID = %s, want 202501011200", cur.ID)
	}
}

func TestCurrentSessionGivesUpAfterRetries(t *testing.T) {
	db := newMemDB()
	db.failGetAt = 10
	c := newTestClock(db, nil, noon)

	_, err := c.CurrentSession(context.Background())
	if !errors.Is(err, domain.ErrTransient) {
		t.Errorf("err = %v, want ErrTransient", err)
	}
}

func TestSessionChange(t *testing.T) {
	db := newMemDB()
	prev := domain.NewSession(domain.WindowStart(noon).Add(-time.Minute), noon)
	prev.Status = domain.SessionCompleted
	prev.Outcome = domain.OutcomeDown
	db.addSession(prev)
	db.addSession(domain.NewSession(domain.WindowStart(noon), noon))
	c := newTestClock(db, nil, noon)

	tests := []struct {
		name    string
		last    string
		changed bool
	}{
		{"first poll", "", false},
		{"same session", "202501011200", false},
		{"rolled over", "202501011159", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.SessionChange(context.Background(), tt.last)
			if err != nil {
				t.Fatalf("SessionChange: %v", err)
			}
			if got.Changed != tt.changed {
				t.Errorf("Changed = %v, want %v", got.Changed, tt.changed)
			}
			if got.Previous == nil || got.Previous.Outcome != domain.OutcomeDown {
				t.Errorf("Previous = %+v, want completed DOWN session", got.Previous)
			}
		})
	}
}

func TestListFuturePages(t *testing.T) {
	db := newMemDB()
	c := newTestClock(db, nil, noon)

	page, err := c.ListFuture(context.Background(), 2, 10)
	if err != nil {
		t.Fatalf("ListFuture: %v", err)
	}
	if page.Total != 30 {
		t.Errorf("Total = %d, want 30", page.Total)
	}
	if len(page.Sessions) != 10 {
		t.Fatalf("len = %d, want 10", len(page.Sessions))
	}
	if got, want := page.Sessions[0].ID, "202501011211"; got != want {
		t.Errorf("first on page 2 = %s, want %s", got, want)
	}
}

func TestHorizonPassSkipsWhenLocked(t *testing.T) {
	db := newMemDB()
	locks := newFakeLocks()
	c := NewSessionClock(memSessions{db}, locks, nil, ClockConfig{}, discardLogger())
	c.now = fixedClock(noon)

	unlock, _ := locks.Acquire(context.Background(), horizonLockKey, time.Minute)
	c.horizonPass(context.Background())
	if n, _ := (memSessions{db}).CountAfter(context.Background(), noon); n != 0 {
		t.Errorf("sessions created while lock held: %d", n)
	}

	unlock()
	c.horizonPass(context.Background())
	if n, _ := (memSessions{db}).CountAfter(context.Background(), noon); n != 30 {
		t.Errorf("sessions after pass = %d, want 30", n)
	}
}
