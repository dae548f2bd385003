package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

const (
	placeRateWindow     = time.Minute
	defaultHistoryLimit = 20
)

// TradeConfig tunes trade placement.
type TradeConfig struct {
	MinStake int64
	// MaxStake is clamped to domain.MaxAmount.
	MaxStake int64
	Asset    string
	// PlaceRateLimit caps placements per user per minute. Zero disables it.
	PlaceRateLimit int
}

// PlaceTradeInput is a user's bet request. An empty SessionID means the
// session containing now.
type PlaceTradeInput struct {
	SessionID string
	Direction domain.Direction
	Amount    int64
	Asset     string
}

// PlacedTrade is the stored trade with the balance after the stake was
// reserved.
type PlacedTrade struct {
	Trade   domain.Trade   `json:"trade"`
	Balance domain.Balance `json:"balance"`
}

// TradeLedger records bets and serves trade history.
type TradeLedger struct {
	trades   domain.TradeStore
	sessions domain.SessionStore
	balances domain.BalanceStore
	limiter  domain.RateLimiter
	bus      domain.SignalBus
	cfg      TradeConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewTradeLedger creates a TradeLedger. limiter and bus may be nil.
func NewTradeLedger(
	trades domain.TradeStore,
	sessions domain.SessionStore,
	balances domain.BalanceStore,
	limiter domain.RateLimiter,
	bus domain.SignalBus,
	cfg TradeConfig,
	logger *slog.Logger,
) *TradeLedger {
	if cfg.MinStake <= 0 {
		cfg.MinStake = domain.DefaultMinStake
	}
	if cfg.MaxStake <= 0 {
		cfg.MaxStake = domain.DefaultMaxStake
	}
	cfg.MaxStake = min(cfg.MaxStake, domain.MaxAmount)
	return &TradeLedger{
		trades:   trades,
		sessions: sessions,
		balances: balances,
		limiter:  limiter,
		bus:      bus,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "trade_ledger")),
	}
}

// PlaceTrade validates a bet and reserves its stake. Failures are reported
// in order: ErrInvalidArgument for a bad direction or a stake outside the
// configured range, ErrInsufficientFunds when the stake exceeds available funds, and
// ErrInvalidState when the session is not open for trading. The store
// repeats the funds and session checks inside the placement transaction, so
// racing requests cannot double-spend.
func (l *TradeLedger) PlaceTrade(ctx context.Context, user domain.Actor, in PlaceTradeInput) (PlacedTrade, error) {
	if !in.Direction.Valid() {
		return PlacedTrade{}, fmt.Errorf("trade_ledger: place: %w: direction must be UP or DOWN", domain.ErrInvalidArgument)
	}
	if in.Amount < l.cfg.MinStake {
		return PlacedTrade{}, fmt.Errorf("trade_ledger: place: %w: minimum stake is %d", domain.ErrInvalidArgument, l.cfg.MinStake)
	}
	if in.Amount > l.cfg.MaxStake {
		return PlacedTrade{}, fmt.Errorf("trade_ledger: place: %w: maximum stake is %d", domain.ErrInvalidArgument, l.cfg.MaxStake)
	}

	if l.limiter != nil && l.cfg.PlaceRateLimit > 0 {
		ok, err := l.limiter.Allow(ctx, "place:"+user.ID, l.cfg.PlaceRateLimit, placeRateWindow)
		if err != nil {
			l.logger.WarnContext(ctx, "placement rate limiter unavailable", slog.String("error", err.Error()))
		} else if !ok {
			return PlacedTrade{}, fmt.Errorf("trade_ledger: place: %w", domain.ErrRateLimited)
		}
	}

	bal, err := l.balances.Get(ctx, user.ID)
	if err != nil {
		return PlacedTrade{}, fmt.Errorf("trade_ledger: place: %w", err)
	}
	if in.Amount > bal.Available {
		return PlacedTrade{}, fmt.Errorf("trade_ledger: place: %w: stake %d exceeds available %d",
			domain.ErrInsufficientFunds, in.Amount, bal.Available)
	}

	now := l.now().UTC()
	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = domain.SessionID(now)
	}
	sess, err := l.sessions.Get(ctx, sessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return PlacedTrade{}, fmt.Errorf("trade_ledger: place: %w: session %s does not exist", domain.ErrInvalidState, sessionID)
	}
	if err != nil {
		return PlacedTrade{}, fmt.Errorf("trade_ledger: place: %w", err)
	}
	if !sess.Tradable(now) {
		return PlacedTrade{}, fmt.Errorf("trade_ledger: place: %w: session %s is %s", domain.ErrInvalidState, sessionID, sess.Status)
	}

	asset := in.Asset
	if asset == "" {
		asset = l.cfg.Asset
	}
	trade, newBal, err := l.trades.Place(ctx, domain.Trade{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		SessionID: sessionID,
		Direction: in.Direction,
		Amount:    in.Amount,
		Asset:     asset,
	}, now)
	if err != nil {
		return PlacedTrade{}, fmt.Errorf("trade_ledger: place: %w", err)
	}

	channel := domain.UserChannel(user.ID)
	publish(ctx, l.bus, l.logger, channel, domain.EventTradePlaced, map[string]any{
		"tradeId":   trade.ID,
		"sessionId": trade.SessionID,
		"direction": string(trade.Direction),
		"amount":    trade.Amount,
	})
	publish(ctx, l.bus, l.logger, channel, domain.EventBalanceChanged, map[string]any{
		"available": newBal.Available,
		"frozen":    newBal.Frozen,
	})

	l.logger.InfoContext(ctx, "trade placed",
		slog.String("trade_id", trade.ID),
		slog.String("user_id", user.ID),
		slog.String("session_id", trade.SessionID),
		slog.String("direction", string(trade.Direction)),
		slog.Int64("amount", trade.Amount),
	)
	return PlacedTrade{Trade: trade, Balance: newBal}, nil
}

// History returns a user's trades, newest first.
func (l *TradeLedger) History(ctx context.Context, userID string, page, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	trades, err := l.trades.ListByUser(ctx, userID, domain.PageOpts(page, limit))
	if err != nil {
		return nil, fmt.Errorf("trade_ledger: history: %w", err)
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	return trades, nil
}

// Get returns one of the user's trades.
func (l *TradeLedger) Get(ctx context.Context, user domain.Actor, id string) (domain.Trade, error) {
	t, err := l.trades.Get(ctx, id)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade_ledger: get %s: %w", id, err)
	}
	if t.UserID != user.ID && !user.IsAdmin() {
		return domain.Trade{}, fmt.Errorf("trade_ledger: get %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}
