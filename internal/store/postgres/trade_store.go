package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `t.id, t.user_id, t.session_id, t.direction, t.amount, t.asset,
	t.status, t.result, t.profit, t.created_at, t.settled_at`

// dueWhere selects pending trades whose session has an outcome, plus trades
// whose session row is gone.
const dueWhere = `t.status = 'pending' AND (s.session_id IS NULL OR s.status = 'COMPLETED')`

func scanTradeInto(row pgx.Row, t *domain.Trade, extra ...any) error {
	var result *string
	dest := []any{
		&t.ID, &t.UserID, &t.SessionID, &t.Direction, &t.Amount, &t.Asset,
		&t.Status, &result, &t.Profit, &t.CreatedAt, &t.SettledAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	if result != nil {
		t.Result = domain.TradeResult(*result)
	}
	return nil
}

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		if err := scanTradeInto(rows, &t); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Place runs the stake debit, the session re-check and the trade insert in
// one transaction. The session row is read FOR SHARE so an outcome cannot be
// stamped between the check and the insert.
func (s *TradeStore) Place(ctx context.Context, trade domain.Trade, at time.Time) (domain.Trade, domain.Balance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Trade{}, domain.Balance{}, mapErr("begin place trade", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	bal, err := applyBalance(ctx, tx, trade.UserID, -trade.Amount, trade.Amount, domain.EntryStake, trade.ID)
	if err != nil {
		return domain.Trade{}, domain.Balance{}, err
	}

	var (
		status     domain.SessionStatus
		start, end time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT status, start_time, end_time FROM trading_sessions
		 WHERE session_id = $1 FOR SHARE`, trade.SessionID,
	).Scan(&status, &start, &end)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Trade{}, domain.Balance{}, fmt.Errorf("postgres: place trade: %w: session %s does not exist", domain.ErrInvalidState, trade.SessionID)
	}
	if err != nil {
		return domain.Trade{}, domain.Balance{}, mapErr("lock session "+trade.SessionID, err)
	}
	if status != domain.SessionActive || at.Before(start) || !at.Before(end) {
		return domain.Trade{}, domain.Balance{}, fmt.Errorf("postgres: place trade: %w: session %s is %s", domain.ErrInvalidState, trade.SessionID, status)
	}

	trade.Status = domain.TradePending
	trade.Result = ""
	trade.Profit = 0
	trade.CreatedAt = at.UTC()
	trade.SettledAt = nil
	if _, err := tx.Exec(ctx,
		`INSERT INTO trades (
			id, user_id, session_id, direction, amount, asset, status, profit, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)`,
		trade.ID, trade.UserID, trade.SessionID, trade.Direction, trade.Amount,
		trade.Asset, trade.Status, trade.CreatedAt,
	); err != nil {
		return domain.Trade{}, domain.Balance{}, mapErr("insert trade", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Trade{}, domain.Balance{}, mapErr("commit place trade", err)
	}
	return trade, bal, nil
}

// Get returns a single trade by id.
func (s *TradeStore) Get(ctx context.Context, id string) (domain.Trade, error) {
	var t domain.Trade
	err := scanTradeInto(s.pool.QueryRow(ctx,
		`SELECT `+tradeSelectCols+` FROM trades t WHERE t.id = $1`, id), &t)
	if err != nil {
		return domain.Trade{}, mapErr("get trade "+id, err)
	}
	return t, nil
}

// ListByUser returns a user's trades, newest first.
func (s *TradeStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query, args := appendWindow(
		`SELECT `+tradeSelectCols+` FROM trades t WHERE t.user_id = $1`,
		[]any{userID}, 2, "t.created_at", "t.created_at DESC, t.id DESC", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list trades by user", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, mapErr("scan trades by user", err)
	}
	return trades, nil
}

// ListDue returns pending trades that can be settled, oldest first, with
// orphans after every trade that has a completed session.
func (s *TradeStore) ListDue(ctx context.Context, filter domain.DueFilter) ([]domain.DueTrade, error) {
	query := `SELECT ` + tradeSelectCols + `, s.session_id IS NOT NULL, s.outcome
		FROM trades t
		LEFT JOIN trading_sessions s ON s.session_id = t.session_id
		WHERE ` + dueWhere
	var args []any
	argIdx := 1

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND t.user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}

	query += " ORDER BY (s.session_id IS NULL), t.created_at ASC, t.id ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list due trades", err)
	}
	defer rows.Close()

	var due []domain.DueTrade
	for rows.Next() {
		var (
			d       domain.DueTrade
			outcome *string
		)
		if err := scanTradeInto(rows, &d.Trade, &d.SessionFound, &outcome); err != nil {
			return nil, mapErr("scan due trade", err)
		}
		if outcome != nil {
			d.Outcome = domain.Outcome(*outcome)
		}
		due = append(due, d)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list due trades rows", err)
	}
	return due, nil
}

// CountDue counts pending trades whose session is COMPLETED, optionally for
// one user. Orphans are left to the settlement pass, which reports them.
func (s *TradeStore) CountDue(ctx context.Context, userID string) (int, error) {
	query := `SELECT COUNT(*) FROM trades t
		JOIN trading_sessions s ON s.session_id = t.session_id
		WHERE t.status = 'pending' AND s.status = 'COMPLETED'`
	var args []any
	if userID != "" {
		query += " AND t.user_id = $1"
		args = append(args, userID)
	}

	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, mapErr("count due trades", err)
	}
	return n, nil
}

// Settle flips a pending trade to completed and applies the payout in one
// transaction. The status guard on the UPDATE is the at-most-once barrier:
// a concurrent pass that lost the race sees zero rows and returns false
// without touching the balance.
func (s *TradeStore) Settle(ctx context.Context, st domain.Settlement) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, mapErr("begin settle", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID string
	err = tx.QueryRow(ctx,
		`UPDATE trades
		 SET status = 'completed', result = $2, profit = $3, settled_at = $4
		 WHERE id = $1 AND status = 'pending'
		 RETURNING user_id`,
		st.TradeID, st.Result, st.Profit, st.SettledAt.UTC(),
	).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapErr("settle trade "+st.TradeID, err)
	}

	kind := domain.EntryRelease
	if st.Credit > 0 {
		kind = domain.EntryPayout
	}
	if _, err := applyBalance(ctx, tx, userID, st.Credit, -st.Release, kind, st.TradeID); err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			return false, fmt.Errorf("postgres: settle trade %s: %w: frozen balance below stake", st.TradeID, domain.ErrIntegrity)
		}
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, mapErr("commit settle "+st.TradeID, err)
	}
	return true, nil
}

// ListSettledBetween returns trades settled in [from, to), for archiving.
func (s *TradeStore) ListSettledBetween(ctx context.Context, from, to time.Time) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades t
		 WHERE t.status = 'completed' AND t.settled_at >= $1 AND t.settled_at < $2
		 ORDER BY t.settled_at ASC`, from.UTC(), to.UTC())
	if err != nil {
		return nil, mapErr("list settled trades between", err)
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

var _ domain.TradeStore = (*TradeStore)(nil)
