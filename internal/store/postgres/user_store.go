package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

// UserStore implements domain.UserStore using PostgreSQL.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore creates a new UserStore backed by the given connection pool.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

const userSelectCols = `id, username, password_hash, role, available, frozen, created_at, updated_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID, &u.Username, &u.PasswordHash, &u.Role,
		&u.Balance.Available, &u.Balance.Frozen, &u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

// Create inserts a new user. A taken username yields domain.ErrAlreadyExists.
func (s *UserStore) Create(ctx context.Context, user domain.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, password_hash, role, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	if err != nil {
		return mapErr("create user "+user.Username, err)
	}
	return nil
}

// Get returns a user by id.
func (s *UserStore) Get(ctx context.Context, id string) (domain.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userSelectCols+` FROM users WHERE id = $1`, id))
	if err != nil {
		return domain.User{}, mapErr("get user "+id, err)
	}
	return u, nil
}

// GetByUsername returns a user by username.
func (s *UserStore) GetByUsername(ctx context.Context, username string) (domain.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userSelectCols+` FROM users WHERE username = $1`, username))
	if err != nil {
		return domain.User{}, mapErr("get user by username", err)
	}
	return u, nil
}

// SetPassword replaces a user's password hash.
func (s *UserStore) SetPassword(ctx context.Context, id, hash string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`, id, hash, at)
	if err != nil {
		return mapErr("set password "+id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: set password %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

var _ domain.UserStore = (*UserStore)(nil)
