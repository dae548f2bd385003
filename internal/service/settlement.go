package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/binarysim/internal/domain"
	"github.com/alanyoungcy/binarysim/internal/notify"
)

const (
	settlementLockKey  = "settlement"
	maxBatchesPerTick  = 20
	orphanAlertTTL     = time.Hour
	defaultSettleBatch = 500
	defaultSettleEvery = 5 * time.Second
)

// Payout computes settlements. A win earns floor(stake * rate) profit and
// credits stake + profit; a loss forfeits the stake. The frozen stake is
// released in both cases.
type Payout struct {
	rate decimal.Decimal
}

// NewPayout creates a Payout with the given rate.
func NewPayout(rate decimal.Decimal) Payout {
	return Payout{rate: rate}
}

// Rate returns the payout rate.
func (p Payout) Rate() decimal.Decimal { return p.rate }

var maxCredit = decimal.NewFromInt(math.MaxInt64)

// Settle resolves t against outcome. A stake whose winning credit would not
// fit in int64 is reported as ErrIntegrity instead of wrapping.
func (p Payout) Settle(t domain.Trade, outcome domain.Outcome, at time.Time) (domain.Settlement, error) {
	s := domain.Settlement{
		TradeID:   t.ID,
		UserID:    t.UserID,
		Release:   t.Amount,
		SettledAt: at.UTC(),
	}
	if !t.Direction.Wins(outcome) {
		s.Result = domain.ResultLose
		s.Profit = -t.Amount
		return s, nil
	}

	stake := decimal.NewFromInt(t.Amount)
	profit := stake.Mul(p.rate).Floor()
	credit := stake.Add(profit)
	if profit.IsNegative() || credit.GreaterThan(maxCredit) {
		return domain.Settlement{}, fmt.Errorf("payout: trade %s: %w: credit %s out of range",
			t.ID, domain.ErrIntegrity, credit.String())
	}
	s.Result = domain.ResultWin
	s.Profit = profit.IntPart()
	s.Credit = credit.IntPart()
	return s, nil
}

// SettlementConfig tunes the settlement engine.
type SettlementConfig struct {
	BatchSize int
	Interval  time.Duration
}

// Report summarises one reconciliation pass.
type Report struct {
	Candidates     int      `json:"candidates"`
	Settled        int      `json:"settled"`
	AlreadySettled int      `json:"alreadySettled"`
	Orphans        int      `json:"orphans"`
	Failed         int      `json:"failed"`
	OrphanTradeIDs []string `json:"orphanTradeIds,omitempty"`
}

// SettlementEngine resolves pending trades whose session has an outcome.
// Each trade is settled by a compare-and-set in the store, so passes may run
// concurrently and repeatedly without settling anything twice.
type SettlementEngine struct {
	trades   domain.TradeStore
	locks    domain.LockManager
	bus      domain.SignalBus
	notifier Notifier
	payout   Payout
	orphans  *Dedup
	activity domain.ActivityStore
	cfg      SettlementConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewSettlementEngine creates a SettlementEngine. locks, bus and notifier
// may be nil.
func NewSettlementEngine(
	trades domain.TradeStore,
	locks domain.LockManager,
	bus domain.SignalBus,
	notifier Notifier,
	payout Payout,
	cfg SettlementConfig,
	logger *slog.Logger,
) *SettlementEngine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultSettleBatch
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSettleEvery
	}
	return &SettlementEngine{
		trades:   trades,
		locks:    locks,
		bus:      bus,
		notifier: notifier,
		payout:   payout,
		orphans:  NewDedup(orphanAlertTTL),
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "settlement_engine")),
	}
}

// WithActivity enables audit logging of admin-triggered runs.
func (e *SettlementEngine) WithActivity(store domain.ActivityStore) *SettlementEngine {
	e.activity = store
	return e
}

// RunNow is the admin-triggered pass over every user. It does not take the
// scheduler lock; the per-trade compare-and-set keeps it safe to overlap.
func (e *SettlementEngine) RunNow(ctx context.Context, admin domain.Actor) (Report, error) {
	rep, err := e.Reconcile(ctx, domain.DueFilter{Limit: e.cfg.BatchSize})
	if err != nil {
		return rep, err
	}
	a := activityFor(admin, domain.ActionSettlementRun)
	a.Details = map[string]any{
		"candidates": rep.Candidates,
		"settled":    rep.Settled,
		"orphans":    rep.Orphans,
		"failed":     rep.Failed,
	}
	logActivity(ctx, e.activity, e.logger, a)
	return rep, nil
}

// SettleDue runs one pass over every user and returns how many trades this
// call settled. A trade settled by a concurrent pass is not counted.
func (e *SettlementEngine) SettleDue(ctx context.Context) (int, error) {
	rep, err := e.Reconcile(ctx, domain.DueFilter{Limit: e.cfg.BatchSize})
	return rep.Settled, err
}

// Reconcile settles the trades matched by filter. Orphaned trades and
// per-trade failures are counted and skipped; only a failed candidate query
// or cancellation aborts the pass.
func (e *SettlementEngine) Reconcile(ctx context.Context, filter domain.DueFilter) (Report, error) {
	e.orphans.Cleanup()
	due, err := e.trades.ListDue(ctx, filter)
	if err != nil {
		return Report{}, fmt.Errorf("settlement: list due: %w", err)
	}

	rep := Report{Candidates: len(due)}
	for _, d := range due {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		if !d.SessionFound || !d.Outcome.Valid() {
			rep.Orphans++
			rep.OrphanTradeIDs = append(rep.OrphanTradeIDs, d.ID)
			e.reportOrphan(ctx, d)
			continue
		}

		st, err := e.payout.Settle(d.Trade, d.Outcome, e.now())
		ok := false
		if err == nil {
			ok, err = e.trades.Settle(ctx, st)
		}
		if err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			rep.Failed++
			e.logger.ErrorContext(ctx, "settle trade failed",
				slog.String("trade_id", d.ID),
				slog.String("user_id", d.UserID),
				slog.String("error", err.Error()),
			)
			if errors.Is(err, domain.ErrIntegrity) {
				alert(ctx, e.notifier, e.logger, notify.EventIntegrity,
					"Settlement integrity violation",
					fmt.Sprintf("trade %s: %v", d.ID, err))
			}
			continue
		}
		if !ok {
			rep.AlreadySettled++
			continue
		}

		rep.Settled++
		e.settled(ctx, d.Trade, st)
	}

	if rep.Settled > 0 || rep.Orphans > 0 || rep.Failed > 0 {
		e.logger.InfoContext(ctx, "settlement pass",
			slog.String("user_id", filter.UserID),
			slog.Int("candidates", rep.Candidates),
			slog.Int("settled", rep.Settled),
			slog.Int("already_settled", rep.AlreadySettled),
			slog.Int("orphans", rep.Orphans),
			slog.Int("failed", rep.Failed),
		)
	}
	return rep, nil
}

func (e *SettlementEngine) reportOrphan(ctx context.Context, d domain.DueTrade) {
	if e.orphans.IsDuplicate(d.ID) {
		return
	}
	err := fmt.Errorf("trade %s references session %s: %w", d.ID, d.SessionID, domain.ErrIntegrity)
	e.logger.ErrorContext(ctx, "orphaned trade skipped",
		slog.String("trade_id", d.ID),
		slog.String("session_id", d.SessionID),
		slog.String("user_id", d.UserID),
		slog.String("error", err.Error()),
	)
	alert(ctx, e.notifier, e.logger, notify.EventIntegrity,
		"Orphaned trade",
		fmt.Sprintf("Trade %s (user %s, stake %d) references missing session %s",
			d.ID, d.UserID, d.Amount, d.SessionID))
}

func (e *SettlementEngine) settled(ctx context.Context, t domain.Trade, st domain.Settlement) {
	fields := map[string]any{
		"tradeId":   t.ID,
		"userId":    t.UserID,
		"sessionId": t.SessionID,
		"direction": string(t.Direction),
		"amount":    t.Amount,
		"result":    string(st.Result),
		"profit":    st.Profit,
		"credit":    st.Credit,
		"settledAt": st.SettledAt.Format(time.RFC3339),
	}
	publish(ctx, e.bus, e.logger, domain.UserChannel(t.UserID), domain.EventTradeSettled, fields)

	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return
	}
	if err := e.bus.StreamAppend(ctx, domain.StreamSettlements, payload); err != nil {
		e.logger.WarnContext(ctx, "settlement stream append failed",
			slog.String("trade_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}

// RunScheduled drains due trades in batches under the settlement lock. A
// held lock means another replica is settling and the tick is skipped.
func (e *SettlementEngine) RunScheduled(ctx context.Context) (int, error) {
	if e.locks != nil {
		unlock, err := e.locks.Acquire(ctx, settlementLockKey, e.cfg.Interval*4)
		if errors.Is(err, domain.ErrLockHeld) {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("settlement: acquire lock: %w", err)
		}
		defer unlock()
	}

	total := 0
	for i := 0; i < maxBatchesPerTick; i++ {
		rep, err := e.Reconcile(ctx, domain.DueFilter{Limit: e.cfg.BatchSize})
		total += rep.Settled
		if err != nil {
			return total, err
		}
		// Orphans and failures stay pending, so a batch made only of them
		// would repeat forever.
		if rep.Candidates < e.cfg.BatchSize || rep.Settled == 0 {
			break
		}
	}
	return total, nil
}

// Run settles immediately and then every Interval until ctx is cancelled.
func (e *SettlementEngine) Run(ctx context.Context) error {
	e.tick(ctx)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *SettlementEngine) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "settlement tick panicked", slog.Any("panic", r))
		}
	}()
	if _, err := e.RunScheduled(ctx); err != nil && ctx.Err() == nil {
		e.logger.ErrorContext(ctx, "scheduled settlement failed", slog.String("error", err.Error()))
		alert(ctx, e.notifier, e.logger, notify.EventError, "Settlement pass failed", err.Error())
	}
}

// Recent returns the newest entries of the durable settlement stream.
func (e *SettlementEngine) Recent(ctx context.Context, count int) ([]map[string]any, error) {
	if e.bus == nil {
		return []map[string]any{}, nil
	}
	if count <= 0 || count > maxPageSize {
		count = 50
	}
	msgs, err := e.bus.StreamRecent(ctx, domain.StreamSettlements, count)
	if err != nil {
		return nil, fmt.Errorf("settlement: recent: %w", err)
	}
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		var entry map[string]any
		if err := json.Unmarshal(m.Payload, &entry); err != nil {
			e.logger.WarnContext(ctx, "malformed settlement stream entry",
				slog.String("id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		entry["streamId"] = m.ID
		out = append(out, entry)
	}
	return out, nil
}
