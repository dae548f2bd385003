package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

// ActivityStore implements domain.ActivityStore using PostgreSQL.
type ActivityStore struct {
	pool *pgxpool.Pool
}

// NewActivityStore creates a new ActivityStore backed by the given connection pool.
func NewActivityStore(pool *pgxpool.Pool) *ActivityStore {
	return &ActivityStore{pool: pool}
}

// Log appends an admin activity. Details are stored as JSONB.
func (s *ActivityStore) Log(ctx context.Context, a domain.AdminActivity) error {
	var details []byte
	if len(a.Details) > 0 {
		var err error
		details, err = json.Marshal(a.Details)
		if err != nil {
			return fmt.Errorf("postgres: marshal activity details: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO admin_activities (
			admin_id, admin_username, action, target_user_id, target_username,
			amount, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.AdminID, a.AdminUsername, a.Action, a.TargetUserID, a.TargetUsername,
		a.Amount, details, a.CreatedAt,
	)
	if err != nil {
		return mapErr("log activity "+a.Action, err)
	}
	return nil
}

// List returns admin activities, newest first.
func (s *ActivityStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AdminActivity, error) {
	query, args := appendWindow(
		`SELECT id, admin_id, admin_username, action, target_user_id, target_username,
			amount, details, created_at
		 FROM admin_activities WHERE 1=1`,
		nil, 1, "created_at", "created_at DESC, id DESC", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list activities", err)
	}
	defer rows.Close()

	var out []domain.AdminActivity
	for rows.Next() {
		var (
			a       domain.AdminActivity
			details []byte
		)
		if err := rows.Scan(
			&a.ID, &a.AdminID, &a.AdminUsername, &a.Action, &a.TargetUserID,
			&a.TargetUsername, &a.Amount, &details, &a.CreatedAt,
		); err != nil {
			return nil, mapErr("scan activity", err)
		}
		if details != nil {
			if err := json.Unmarshal(details, &a.Details); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal activity details: %w", err)
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list activities rows", err)
	}
	return out, nil
}

var _ domain.ActivityStore = (*ActivityStore)(nil)
