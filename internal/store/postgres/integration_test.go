package postgres

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

// These tests run against a real database and are skipped unless
// BINSIM_TEST_DSN is set. Each run uses fresh user ids and a random session
// minute far in the future, so they can share a database with other runs.

func integrationClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("BINSIM_TEST_DSN")
	if dsn == "" {
		t.Skip("BINSIM_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 16})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Close)
	if err := c.RunMigrations(ctx); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return c
}

func seedFundedUser(t *testing.T, c *Client, amount int64) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	now := time.Now().UTC()
	err := NewUserStore(c.Pool()).Create(ctx, domain.User{
		ID:           id,
		Username:     "it-" + id[:13],
		PasswordHash: "x",
		Role:         domain.RoleUser,
		CreatedAt:    now,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := NewBalanceStore(c.Pool()).Adjust(ctx, id, amount, domain.EntryDeposit, "seed-"+id); err != nil {
		t.Fatalf("Adjust() error = %v", err)
	}
	return id
}

func seedActiveSession(t *testing.T, c *Client) domain.Session {
	t.Helper()
	base := time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
	start := base.Add(time.Duration(rand.Int64N(50_000_000)) * time.Minute)
	now := time.Now().UTC()
	sess := domain.Session{
		ID:        domain.SessionID(start),
		StartTime: start,
		EndTime:   start.Add(domain.SessionLength),
		Status:    domain.SessionActive,
		CreatedBy: domain.CreatedBySystem,
		CreatedAt: now,
		UpdatedAt: now,
	}
	n, err := NewSessionStore(c.Pool()).InsertBatch(context.Background(), []domain.Session{sess})
	if err != nil {
		t.Fatalf("InsertBatch() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("InsertBatch() inserted %d, want 1 (session %s already exists)", n, sess.ID)
	}
	return sess
}

func newTrade(userID, sessionID string, amount int64) domain.Trade {
	return domain.Trade{
		ID:        uuid.NewString(),
		UserID:    userID,
		SessionID: sessionID,
		Direction: domain.DirectionUp,
		Amount:    amount,
	}
}

func TestIntegrationConcurrentPlaceNeverOverdraws(t *testing.T) {
	c := integrationClient(t)
	ctx := context.Background()
	userID := seedFundedUser(t, c, 500)
	sess := seedActiveSession(t, c)
	trades := NewTradeStore(c.Pool())
	at := sess.StartTime.Add(30 * time.Second)

	const attempts = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		placed   int
		rejected int
		other    []error
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := trades.Place(ctx, newTrade(userID, sess.ID, 100), at)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				placed++
			case errors.Is(err, domain.ErrInsufficientFunds):
				rejected++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("Place() unexpected errors = %v", other)
	}
	if placed != 5 {
		t.Errorf("placed = %d, want 5", placed)
	}
	if rejected != attempts-5 {
		t.Errorf("rejected = %d, want %d", rejected, attempts-5)
	}

	bal, err := NewBalanceStore(c.Pool()).Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if bal.Available != 0 || bal.Frozen != 500 {
		t.Errorf("balance = %+v, want available 0 frozen 500", bal)
	}

	var pending int
	if err := c.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM trades WHERE user_id = $1 AND status = 'pending'`, userID,
	).Scan(&pending); err != nil {
		t.Fatalf("count trades: %v", err)
	}
	if pending != 5 {
		t.Errorf("pending trades = %d, want 5", pending)
	}
}

func TestIntegrationPlaceAfterOutcomeStamped(t *testing.T) {
	c := integrationClient(t)
	ctx := context.Background()
	userID := seedFundedUser(t, c, 300)
	sess := seedActiveSession(t, c)
	trades := NewTradeStore(c.Pool())
	at := sess.StartTime.Add(10 * time.Second)

	if _, _, err := trades.Place(ctx, newTrade(userID, sess.ID, 100), at); err != nil {
		t.Fatalf("Place() before stamp error = %v", err)
	}

	// Racing stakes against the stamp: whatever lands must have seen ACTIVE,
	// and whatever was refused must leave no debit behind.
	var wg sync.WaitGroup
	results := make(chan error, 8)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := NewSessionStore(c.Pool()).StampOutcome(ctx, sess.ID, domain.OutcomeUp, domain.CreatedByAdmin, time.Now())
		if err != nil {
			t.Errorf("StampOutcome() error = %v", err)
		}
	}()
	for range cap(results) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := trades.Place(ctx, newTrade(userID, sess.ID, 10), at)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var raced int64
	for err := range results {
		switch {
		case err == nil:
			raced += 10
		case errors.Is(err, domain.ErrInvalidState):
		default:
			t.Errorf("Place() during stamp error = %v, want nil or ErrInvalidState", err)
		}
	}

	_, _, err := trades.Place(ctx, newTrade(userID, sess.ID, 10), at)
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("Place() after stamp error = %v, want ErrInvalidState", err)
	}

	bal, err := NewBalanceStore(c.Pool()).Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	wantFrozen := 100 + raced
	if bal.Frozen != wantFrozen || bal.Available != 300-wantFrozen {
		t.Errorf("balance = %+v, want available %d frozen %d", bal, 300-wantFrozen, wantFrozen)
	}
}

func TestIntegrationConcurrentSettleAppliesOnce(t *testing.T) {
	c := integrationClient(t)
	ctx := context.Background()
	userID := seedFundedUser(t, c, 100)
	sess := seedActiveSession(t, c)
	trades := NewTradeStore(c.Pool())

	placed, _, err := trades.Place(ctx, newTrade(userID, sess.ID, 100), sess.StartTime.Add(5*time.Second))
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	if _, err := NewSessionStore(c.Pool()).StampOutcome(ctx, sess.ID, domain.OutcomeUp, domain.CreatedBySystem, time.Now()); err != nil {
		t.Fatalf("StampOutcome() error = %v", err)
	}

	st := domain.Settlement{
		TradeID:   placed.ID,
		UserID:    userID,
		Result:    domain.ResultWin,
		Profit:    80,
		Credit:    180,
		Release:   100,
		SettledAt: sess.EndTime,
	}

	const passes = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for range passes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := trades.Settle(ctx, st)
			if err != nil {
				t.Errorf("Settle() error = %v", err)
				return
			}
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Errorf("applied settlements = %d, want 1", applied)
	}

	bal, err := NewBalanceStore(c.Pool()).Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if bal.Available != 180 || bal.Frozen != 0 {
		t.Errorf("balance = %+v, want available 180 frozen 0", bal)
	}

	var payouts int
	if err := c.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM balance_entries WHERE ref_id = $1 AND kind = 'payout'`, placed.ID,
	).Scan(&payouts); err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if payouts != 1 {
		t.Errorf("payout entries = %d, want 1", payouts)
	}

	got, err := trades.Get(ctx, placed.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.TradeCompleted || got.Result != domain.ResultWin || got.Profit != 80 {
		t.Errorf("trade = %+v, want completed win profit 80", got)
	}
}
