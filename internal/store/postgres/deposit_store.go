package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

// DepositStore implements domain.DepositStore using PostgreSQL.
type DepositStore struct {
	pool *pgxpool.Pool
}

// NewDepositStore creates a new DepositStore backed by the given connection pool.
func NewDepositStore(pool *pgxpool.Pool) *DepositStore {
	return &DepositStore{pool: pool}
}

const depositSelectCols = `id, user_id, username, amount, note, status,
	admin_id, admin_username, created_at, updated_at`

func scanDeposit(row pgx.Row) (domain.Deposit, error) {
	var d domain.Deposit
	err := row.Scan(
		&d.ID, &d.UserID, &d.Username, &d.Amount, &d.Note, &d.Status,
		&d.AdminID, &d.AdminUsername, &d.CreatedAt, &d.UpdatedAt,
	)
	return d, err
}

func scanDepositRows(rows pgx.Rows) ([]domain.Deposit, error) {
	var out []domain.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertDeposit(ctx context.Context, q execer, d domain.Deposit) error {
	_, err := q.Exec(ctx,
		`INSERT INTO deposits (
			id, user_id, username, amount, note, status,
			admin_id, admin_username, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.UserID, d.Username, d.Amount, d.Note, d.Status,
		d.AdminID, d.AdminUsername, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

// Create inserts a deposit request.
func (s *DepositStore) Create(ctx context.Context, d domain.Deposit) error {
	if err := insertDeposit(ctx, s.pool, d); err != nil {
		return mapErr("create deposit", err)
	}
	return nil
}

// Get returns a deposit by id.
func (s *DepositStore) Get(ctx context.Context, id string) (domain.Deposit, error) {
	d, err := scanDeposit(s.pool.QueryRow(ctx,
		`SELECT `+depositSelectCols+` FROM deposits WHERE id = $1`, id))
	if err != nil {
		return domain.Deposit{}, mapErr("get deposit "+id, err)
	}
	return d, nil
}

// List returns every deposit, newest first, with the total row count.
func (s *DepositStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Deposit, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM deposits`).Scan(&total); err != nil {
		return nil, 0, mapErr("count deposits", err)
	}

	query, args := appendWindow(
		`SELECT `+depositSelectCols+` FROM deposits WHERE 1=1`,
		nil, 1, "created_at", "created_at DESC, id DESC", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, mapErr("list deposits", err)
	}
	defer rows.Close()

	deposits, err := scanDepositRows(rows)
	if err != nil {
		return nil, 0, mapErr("scan deposits", err)
	}
	return deposits, total, nil
}

// ListByUser returns one user's deposits, newest first.
func (s *DepositStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Deposit, error) {
	query, args := appendWindow(
		`SELECT `+depositSelectCols+` FROM deposits WHERE user_id = $1`,
		[]any{userID}, 2, "created_at", "created_at DESC, id DESC", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list user deposits", err)
	}
	defer rows.Close()

	deposits, err := scanDepositRows(rows)
	if err != nil {
		return nil, mapErr("scan user deposits", err)
	}
	return deposits, nil
}

// Resolve flips a pending deposit to status and, on approval, credits the
// user in the same transaction so a deposit is credited at most once.
func (s *DepositStore) Resolve(ctx context.Context, id string, status domain.DepositStatus, admin domain.Actor, at time.Time) (domain.Deposit, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Deposit{}, mapErr("begin resolve deposit", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	d, err := scanDeposit(tx.QueryRow(ctx,
		`UPDATE deposits
		 SET status = $2, admin_id = $3, admin_username = $4, updated_at = $5
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+depositSelectCols,
		id, status, admin.ID, admin.Username, at))
	if errors.Is(err, pgx.ErrNoRows) {
		var current domain.DepositStatus
		if err := tx.QueryRow(ctx, `SELECT status FROM deposits WHERE id = $1`, id).Scan(&current); err != nil {
			return domain.Deposit{}, mapErr("resolve deposit "+id, err)
		}
		return domain.Deposit{}, fmt.Errorf("postgres: resolve deposit %s: %w: already %s", id, domain.ErrInvalidState, current)
	}
	if err != nil {
		return domain.Deposit{}, mapErr("resolve deposit "+id, err)
	}

	if status == domain.DepositCompleted {
		if _, err := applyBalance(ctx, tx, d.UserID, d.Amount, 0, domain.EntryDeposit, d.ID); err != nil {
			return domain.Deposit{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Deposit{}, mapErr("commit resolve deposit", err)
	}
	return d, nil
}

// CreateCompleted credits the user and records an already-completed deposit.
func (s *DepositStore) CreateCompleted(ctx context.Context, d domain.Deposit) (domain.Balance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Balance{}, mapErr("begin admin deposit", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	bal, err := applyBalance(ctx, tx, d.UserID, d.Amount, 0, domain.EntryAdminCredit, d.ID)
	if err != nil {
		return domain.Balance{}, err
	}
	d.Status = domain.DepositCompleted
	if err := insertDeposit(ctx, tx, d); err != nil {
		return domain.Balance{}, mapErr("insert admin deposit", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Balance{}, mapErr("commit admin deposit", err)
	}
	return bal, nil
}

var _ domain.DepositStore = (*DepositStore)(nil)
