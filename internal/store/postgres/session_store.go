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

// SessionStore implements domain.SessionStore using PostgreSQL.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a new SessionStore backed by the given connection pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

const sessionSelectCols = `session_id, start_time, end_time, status, outcome,
	created_by, created_at, updated_at`

func scanSession(row pgx.Row) (domain.Session, error) {
	var (
		s       domain.Session
		outcome *string
	)
	if err := row.Scan(
		&s.ID, &s.StartTime, &s.EndTime, &s.Status, &outcome,
		&s.CreatedBy, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return domain.Session{}, err
	}
	if outcome != nil {
		s.Outcome = domain.Outcome(*outcome)
	}
	s.StartTime = s.StartTime.UTC()
	s.EndTime = s.EndTime.UTC()
	return s, nil
}

func scanSessionRows(rows pgx.Rows) ([]domain.Session, error) {
	var sessions []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Get returns the session with the given id.
func (s *SessionStore) Get(ctx context.Context, id string) (domain.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionSelectCols+` FROM trading_sessions WHERE session_id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		return domain.Session{}, mapErr("get session "+id, err)
	}
	return sess, nil
}

// GetAt returns the session whose [start_time, end_time) window contains t.
func (s *SessionStore) GetAt(ctx context.Context, t time.Time) (domain.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionSelectCols+` FROM trading_sessions
		 WHERE start_time <= $1 AND end_time > $1
		 ORDER BY start_time DESC LIMIT 1`, t.UTC())
	sess, err := scanSession(row)
	if err != nil {
		return domain.Session{}, mapErr("get session at", err)
	}
	return sess, nil
}

// CountAfter counts sessions starting strictly after t.
func (s *SessionStore) CountAfter(ctx context.Context, t time.Time) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trading_sessions WHERE start_time > $1`, t.UTC(),
	).Scan(&n); err != nil {
		return 0, mapErr("count sessions after", err)
	}
	return n, nil
}

// ExistingIDs reports which of ids already have a row.
func (s *SessionStore) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return existing, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT session_id FROM trading_sessions WHERE session_id = ANY($1)`, ids)
	if err != nil {
		return nil, mapErr("existing session ids", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr("scan session id", err)
		}
		existing[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("existing session ids rows", err)
	}
	return existing, nil
}

// InsertBatch inserts sessions using pgx Batch. Rows whose id or start time
// already exist are silently skipped via ON CONFLICT DO NOTHING, so
// concurrent horizon passes converge on the same set of rows.
func (s *SessionStore) InsertBatch(ctx context.Context, sessions []domain.Session) (int, error) {
	if len(sessions) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO trading_sessions (
			session_id, start_time, end_time, status, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING`

	for _, sess := range sessions {
		batch.Queue(query,
			sess.ID, sess.StartTime.UTC(), sess.EndTime.UTC(), sess.Status,
			sess.CreatedBy, sess.CreatedAt, sess.UpdatedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for i := range sessions {
		tag, err := br.Exec()
		if err != nil {
			return inserted, mapErr(fmt.Sprintf("insert session batch item %d", i), err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ListAfter returns sessions starting strictly after t, earliest first.
func (s *SessionStore) ListAfter(ctx context.Context, t time.Time, opts domain.ListOpts) ([]domain.Session, error) {
	query, args := appendWindow(
		`SELECT `+sessionSelectCols+` FROM trading_sessions WHERE start_time > $1`,
		[]any{t.UTC()}, 2, "start_time", "start_time ASC", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list sessions after", err)
	}
	defer rows.Close()

	sessions, err := scanSessionRows(rows)
	if err != nil {
		return nil, mapErr("scan sessions after", err)
	}
	return sessions, nil
}

// ListByIDs returns the sessions matching ids in start order. Unknown ids are
// omitted.
func (s *SessionStore) ListByIDs(ctx context.Context, ids []string) ([]domain.Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionSelectCols+` FROM trading_sessions
		 WHERE session_id = ANY($1) ORDER BY start_time ASC`, ids)
	if err != nil {
		return nil, mapErr("list sessions by id", err)
	}
	defer rows.Close()

	sessions, err := scanSessionRows(rows)
	if err != nil {
		return nil, mapErr("scan sessions by id", err)
	}
	return sessions, nil
}

// StampOutcome completes an ACTIVE session with outcome. The status guard in
// the UPDATE makes a second stamp a no-op, which is then reported as
// ErrInvalidState.
func (s *SessionStore) StampOutcome(ctx context.Context, id string, outcome domain.Outcome, by domain.Creator, at time.Time) (domain.Session, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE trading_sessions
		 SET status = 'COMPLETED', outcome = $2, created_by = $3, updated_at = $4
		 WHERE session_id = $1 AND status = 'ACTIVE'
		 RETURNING `+sessionSelectCols,
		id, outcome, by, at.UTC())
	sess, err := scanSession(row)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, mapErr("stamp outcome "+id, err)
	}

	var status domain.SessionStatus
	err = s.pool.QueryRow(ctx,
		`SELECT status FROM trading_sessions WHERE session_id = $1`, id).Scan(&status)
	if err != nil {
		return domain.Session{}, mapErr("stamp outcome "+id, err)
	}
	return domain.Session{}, fmt.Errorf("postgres: stamp outcome %s: %w: status is %s", id, domain.ErrInvalidState, status)
}

// ListCompletedBetween returns completed sessions that ended in [from, to),
// for archiving.
func (s *SessionStore) ListCompletedBetween(ctx context.Context, from, to time.Time) ([]domain.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionSelectCols+` FROM trading_sessions
		 WHERE status = 'COMPLETED' AND end_time >= $1 AND end_time < $2
		 ORDER BY start_time ASC`, from.UTC(), to.UTC())
	if err != nil {
		return nil, mapErr("list completed sessions between", err)
	}
	defer rows.Close()
	return scanSessionRows(rows)
}

var _ domain.SessionStore = (*SessionStore)(nil)
