package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

// PostgreSQL SQLSTATE codes the stores care about.
const (
	codeUniqueViolation     = "23505"
	codeCheckViolation      = "23514"
	codeNumericOutOfRange   = "22003"
	codeSerializationFailed = "40001"
	codeDeadlockDetected    = "40P01"
	codeAdminShutdown       = "57P01"
	codeCannotConnectNow    = "57P03"
)

// mapErr wraps err with "postgres: op" and attaches the domain sentinel that
// callers branch on. Context cancellation is passed through unchanged so that
// shutdown is not reported as a store fault.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: %s: %w", op, domain.ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("postgres: %s: %w: %s", op, domain.ErrAlreadyExists, pgErr.ConstraintName)
		case codeCheckViolation, codeNumericOutOfRange:
			return fmt.Errorf("postgres: %s: %w: %s", op, domain.ErrInvalidArgument, pgErr.ConstraintName)
		case codeSerializationFailed, codeDeadlockDetected, codeAdminShutdown, codeCannotConnectNow:
			return fmt.Errorf("postgres: %s: %w: %v", op, domain.ErrTransient, err)
		}
		return fmt.Errorf("postgres: %s: %w", op, err)
	}

	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("postgres: %s: %w: %v", op, domain.ErrTransient, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("postgres: %s: %w: %v", op, domain.ErrTransient, err)
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}
