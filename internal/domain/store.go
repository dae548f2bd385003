package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PageOpts converts a 1-based page number and page size into ListOpts.
func PageOpts(page, limit int) ListOpts {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 1
	}
	return ListOpts{Limit: limit, Offset: (page - 1) * limit}
}

// SessionStore persists trading sessions.
type SessionStore interface {
	Get(ctx context.Context, id string) (Session, error)
	// GetAt returns the session whose window contains t.
	GetAt(ctx context.Context, t time.Time) (Session, error)
	CountAfter(ctx context.Context, t time.Time) (int, error)
	ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error)
	// InsertBatch inserts sessions, leaving existing ids untouched, and
	// returns how many rows were created.
	InsertBatch(ctx context.Context, sessions []Session) (int, error)
	ListAfter(ctx context.Context, t time.Time, opts ListOpts) ([]Session, error)
	ListByIDs(ctx context.Context, ids []string) ([]Session, error)
	// StampOutcome moves an ACTIVE session to COMPLETED. It returns
	// ErrNotFound for an unknown id and ErrInvalidState when the session is
	// not ACTIVE.
	StampOutcome(ctx context.Context, id string, outcome Outcome, by Creator, at time.Time) (Session, error)
	// ListCompletedBetween returns COMPLETED sessions with from <= end_time < to.
	ListCompletedBetween(ctx context.Context, from, to time.Time) ([]Session, error)
}

// TradeStore persists trades and performs the atomic placement and
// settlement transitions.
type TradeStore interface {
	// Place reserves the stake and inserts the trade in one transaction. It
	// returns ErrInsufficientFunds or ErrInvalidState when the conditional
	// updates fail.
	Place(ctx context.Context, trade Trade, at time.Time) (Trade, Balance, error)
	Get(ctx context.Context, id string) (Trade, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Trade, error)
	ListDue(ctx context.Context, filter DueFilter) ([]DueTrade, error)
	// CountDue counts pending trades whose session is COMPLETED. Orphans are
	// not counted. An empty userID counts all users.
	CountDue(ctx context.Context, userID string) (int, error)
	// Settle applies s only if the trade is still pending. The boolean is
	// false when another pass got there first.
	Settle(ctx context.Context, s Settlement) (bool, error)
	// ListSettledBetween returns completed trades with from <= settled_at < to.
	ListSettledBetween(ctx context.Context, from, to time.Time) ([]Trade, error)
}

// UserStore persists accounts.
type UserStore interface {
	Create(ctx context.Context, user User) error
	Get(ctx context.Context, id string) (User, error)
	GetByUsername(ctx context.Context, username string) (User, error)
	SetPassword(ctx context.Context, id, hash string, at time.Time) error
}

// BalanceStore performs journaled balance adjustments.
type BalanceStore interface {
	Get(ctx context.Context, userID string) (Balance, error)
	// Adjust applies delta to available funds. A negative delta that would
	// drive available below zero fails with ErrInsufficientFunds.
	Adjust(ctx context.Context, userID string, delta int64, kind EntryKind, refID string) (Balance, error)
	ListEntries(ctx context.Context, userID string, opts ListOpts) ([]BalanceEntry, error)
}

// DepositStore persists deposit requests.
type DepositStore interface {
	Create(ctx context.Context, d Deposit) error
	Get(ctx context.Context, id string) (Deposit, error)
	List(ctx context.Context, opts ListOpts) ([]Deposit, int, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Deposit, error)
	// Resolve moves a pending deposit to status, crediting the balance when
	// status is DepositCompleted. Already-resolved deposits return
	// ErrInvalidState.
	Resolve(ctx context.Context, id string, status DepositStatus, admin Actor, at time.Time) (Deposit, error)
	// CreateCompleted credits the user and records d as completed in one
	// transaction.
	CreateCompleted(ctx context.Context, d Deposit) (Balance, error)
}

// ActivityStore persists the append-only admin audit trail.
type ActivityStore interface {
	Log(ctx context.Context, activity AdminActivity) error
	List(ctx context.Context, opts ListOpts) ([]AdminActivity, error)
}
