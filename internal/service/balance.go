package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

const defaultEntriesLimit = 50

// SyncConfig bounds SyncBalance.
type SyncConfig struct {
	MaxAttempts    int
	PendingBackoff time.Duration
	ErrorBackoff   time.Duration
	// BatchSize caps the user-scoped settlement pass.
	BatchSize int
}

// SyncResult is the balance returned by SyncBalance. PendingTrades is
// non-zero when settlement was still due after the last attempt, in which
// case Balance is the last value read and may be stale.
type SyncResult struct {
	Balance       domain.Balance `json:"balance"`
	PendingTrades int            `json:"pendingTrades"`
	Attempts      int            `json:"attempts"`
}

// BalanceLedger is the single writer of user balances outside the trade and
// deposit transactions.
type BalanceLedger struct {
	balances domain.BalanceStore
	trades   domain.TradeStore
	settler  *SettlementEngine
	bus      domain.SignalBus
	cfg      SyncConfig
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

// NewBalanceLedger creates a BalanceLedger.
func NewBalanceLedger(
	balances domain.BalanceStore,
	trades domain.TradeStore,
	settler *SettlementEngine,
	bus domain.SignalBus,
	cfg SyncConfig,
	logger *slog.Logger,
) *BalanceLedger {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.PendingBackoff <= 0 {
		cfg.PendingBackoff = 2 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultSettleBatch
	}
	return &BalanceLedger{
		balances: balances,
		trades:   trades,
		settler:  settler,
		bus:      bus,
		cfg:      cfg,
		sleep:    sleepCtx,
		logger:   logger.With(slog.String("component", "balance_ledger")),
	}
}

// Get returns the user's balance.
func (b *BalanceLedger) Get(ctx context.Context, userID string) (domain.Balance, error) {
	bal, err := b.balances.Get(ctx, userID)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("balance_ledger: get %s: %w", userID, err)
	}
	return bal, nil
}

// Credit adds amount to available funds.
func (b *BalanceLedger) Credit(ctx context.Context, userID string, amount int64, kind domain.EntryKind, refID string) (domain.Balance, error) {
	if err := checkAmount(amount); err != nil {
		return domain.Balance{}, fmt.Errorf("balance_ledger: credit: %w", err)
	}
	return b.adjust(ctx, userID, amount, kind, refID)
}

// Debit removes amount from available funds, failing with
// ErrInsufficientFunds rather than going negative.
func (b *BalanceLedger) Debit(ctx context.Context, userID string, amount int64, kind domain.EntryKind, refID string) (domain.Balance, error) {
	if err := checkAmount(amount); err != nil {
		return domain.Balance{}, fmt.Errorf("balance_ledger: debit: %w", err)
	}
	return b.adjust(ctx, userID, -amount, kind, refID)
}

// checkAmount accepts amounts in (0, domain.MaxAmount].
func checkAmount(amount int64) error {
	switch {
	case amount <= 0:
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidArgument)
	case amount > domain.MaxAmount:
		return fmt.Errorf("%w: amount exceeds %d", domain.ErrInvalidArgument, domain.MaxAmount)
	}
	return nil
}

func (b *BalanceLedger) adjust(ctx context.Context, userID string, delta int64, kind domain.EntryKind, refID string) (domain.Balance, error) {
	bal, err := b.balances.Adjust(ctx, userID, delta, kind, refID)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("balance_ledger: adjust %s: %w", userID, err)
	}
	publish(ctx, b.bus, b.logger, domain.UserChannel(userID), domain.EventBalanceChanged, map[string]any{
		"available": bal.Available,
		"frozen":    bal.Frozen,
		"delta":     delta,
		"kind":      string(kind),
	})
	return bal, nil
}

// Entries returns the user's balance journal, newest first.
func (b *BalanceLedger) Entries(ctx context.Context, userID string, page, limit int) ([]domain.BalanceEntry, error) {
	if limit <= 0 {
		limit = defaultEntriesLimit
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	entries, err := b.balances.ListEntries(ctx, userID, domain.PageOpts(page, limit))
	if err != nil {
		return nil, fmt.Errorf("balance_ledger: entries %s: %w", userID, err)
	}
	if entries == nil {
		entries = []domain.BalanceEntry{}
	}
	return entries, nil
}

// SyncBalance returns the user's balance. When waitForPending is set and the
// user has trades whose session already has an outcome, it settles them and
// re-checks, up to MaxAttempts times, backing off PendingBackoff while
// trades remain due and ErrorBackoff after a store error. It never waits
// beyond those attempts: the last balance read is returned with
// PendingTrades > 0.
func (b *BalanceLedger) SyncBalance(ctx context.Context, userID string, waitForPending bool) (SyncResult, error) {
	if !waitForPending {
		bal, err := b.Get(ctx, userID)
		if err != nil {
			return SyncResult{}, err
		}
		return SyncResult{Balance: bal, Attempts: 1}, nil
	}

	var (
		last    domain.Balance
		haveBal bool
		pending int
		lastErr error
	)
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		backoff := b.cfg.PendingBackoff

		due, err := b.dueFor(ctx, userID)
		if err == nil {
			var bal domain.Balance
			bal, err = b.balances.Get(ctx, userID)
			if err == nil {
				last, haveBal, pending = bal, true, due
				if due == 0 {
					return SyncResult{Balance: bal, Attempts: attempt}, nil
				}
			}
		}
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) || ctx.Err() != nil {
				return SyncResult{}, fmt.Errorf("balance_ledger: sync %s: %w", userID, err)
			}
			lastErr = err
			backoff = b.cfg.ErrorBackoff
			b.logger.WarnContext(ctx, "balance sync attempt failed",
				slog.String("user_id", userID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}

		if attempt < b.cfg.MaxAttempts {
			if err := b.sleep(ctx, backoff); err != nil {
				return SyncResult{}, fmt.Errorf("balance_ledger: sync %s: %w", userID, err)
			}
		}
	}

	if !haveBal {
		return SyncResult{}, fmt.Errorf("balance_ledger: sync %s: %w: %v", userID, domain.ErrTransient, lastErr)
	}
	b.logger.WarnContext(ctx, "balance sync gave up with trades still due",
		slog.String("user_id", userID),
		slog.Int("pending", pending),
	)
	return SyncResult{Balance: last, PendingTrades: pending, Attempts: b.cfg.MaxAttempts}, nil
}

// dueFor settles the user's due trades and returns how many are still due.
func (b *BalanceLedger) dueFor(ctx context.Context, userID string) (int, error) {
	due, err := b.trades.CountDue(ctx, userID)
	if err != nil || due == 0 || b.settler == nil {
		return due, err
	}
	if _, err := b.settler.Reconcile(ctx, domain.DueFilter{UserID: userID, Limit: b.cfg.BatchSize}); err != nil {
		return due, err
	}
	return b.trades.CountDue(ctx, userID)
}
