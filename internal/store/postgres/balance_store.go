package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

// BalanceStore implements domain.BalanceStore using PostgreSQL.
type BalanceStore struct {
	pool *pgxpool.Pool
}

// NewBalanceStore creates a new BalanceStore backed by the given connection pool.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

// Get returns the current balance for userID.
func (s *BalanceStore) Get(ctx context.Context, userID string) (domain.Balance, error) {
	var b domain.Balance
	err := s.pool.QueryRow(ctx,
		`SELECT available, frozen FROM users WHERE id = $1`, userID,
	).Scan(&b.Available, &b.Frozen)
	if err != nil {
		return domain.Balance{}, mapErr("get balance "+userID, err)
	}
	return b, nil
}

// Adjust applies delta to available funds and journals the change.
func (s *BalanceStore) Adjust(ctx context.Context, userID string, delta int64, kind domain.EntryKind, refID string) (domain.Balance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Balance{}, mapErr("begin adjust", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b, err := applyBalance(ctx, tx, userID, delta, 0, kind, refID)
	if err != nil {
		return domain.Balance{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Balance{}, mapErr("commit adjust", err)
	}
	return b, nil
}

// ListEntries returns the balance journal for userID, newest first.
func (s *BalanceStore) ListEntries(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.BalanceEntry, error) {
	query, args := appendWindow(
		`SELECT id, user_id, kind, delta, frozen_delta, available_after, frozen_after,
			ref_id, created_at
		 FROM balance_entries WHERE user_id = $1`,
		[]any{userID}, 2, "created_at", "id DESC", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list balance entries", err)
	}
	defer rows.Close()

	var entries []domain.BalanceEntry
	for rows.Next() {
		var e domain.BalanceEntry
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.Kind, &e.Delta, &e.FrozenDelta,
			&e.AvailableAfter, &e.FrozenAfter, &e.RefID, &e.CreatedAt,
		); err != nil {
			return nil, mapErr("scan balance entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list balance entries rows", err)
	}
	return entries, nil
}

// applyBalance moves delta into available and frozenDelta into frozen with a
// single relative UPDATE guarded against either column going negative, then
// appends the journal row. It must run inside tx so the journal and the
// balance commit together.
func applyBalance(ctx context.Context, tx pgx.Tx, userID string, delta, frozenDelta int64, kind domain.EntryKind, refID string) (domain.Balance, error) {
	var b domain.Balance
	err := tx.QueryRow(ctx,
		`UPDATE users
		 SET available = available + $2, frozen = frozen + $3, updated_at = NOW()
		 WHERE id = $1 AND available + $2 >= 0 AND frozen + $3 >= 0
		 RETURNING available, frozen`,
		userID, delta, frozenDelta,
	).Scan(&b.Available, &b.Frozen)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID,
		).Scan(&exists); err != nil {
			return domain.Balance{}, mapErr("check user "+userID, err)
		}
		if !exists {
			return domain.Balance{}, fmt.Errorf("postgres: adjust balance %s: %w", userID, domain.ErrNotFound)
		}
		return domain.Balance{}, fmt.Errorf("postgres: adjust balance %s: %w", userID, domain.ErrInsufficientFunds)
	}
	if err != nil {
		return domain.Balance{}, mapErr("adjust balance "+userID, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO balance_entries (
			user_id, kind, delta, frozen_delta, available_after, frozen_after, ref_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		userID, kind, delta, frozenDelta, b.Available, b.Frozen, refID,
	); err != nil {
		return domain.Balance{}, mapErr("journal balance entry", err)
	}
	return b, nil
}

var _ domain.BalanceStore = (*BalanceStore)(nil)
