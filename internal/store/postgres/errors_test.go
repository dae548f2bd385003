package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

func TestMapErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", pgx.ErrNoRows, domain.ErrNotFound},
		{"unique", &pgconn.PgError{Code: "23505", ConstraintName: "users_username_key"}, domain.ErrAlreadyExists},
		{"check", &pgconn.PgError{Code: "23514"}, domain.ErrInvalidArgument},
		{"bigint overflow", &pgconn.PgError{Code: "22003"}, domain.ErrInvalidArgument},
		{"serialization", &pgconn.PgError{Code: "40001"}, domain.ErrTransient},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, domain.ErrTransient},
		{"deadline", context.DeadlineExceeded, domain.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapErr("op", tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("mapErr(%v) = %v, want wrapping %v", tt.err, got, tt.want)
			}
			if !strings.HasPrefix(got.Error(), "postgres: op:") {
				t.Errorf("mapErr prefix = %q", got.Error())
			}
		})
	}
}

func TestMapErrPassesThroughCancel(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", context.Canceled)
	if got := mapErr("op", err); got != err {
		t.Errorf("mapErr(canceled) = %v, want unchanged", got)
	}
	if mapErr("op", nil) != nil {
		t.Error("mapErr(nil) != nil")
	}
}

func TestMapErrUnknownPgError(t *testing.T) {
	got := mapErr("op", &pgconn.PgError{Code: "42P01"})
	for _, sentinel := range []error{domain.ErrNotFound, domain.ErrTransient, domain.ErrAlreadyExists} {
		if errors.Is(got, sentinel) {
			t.Errorf("mapErr(undefined_table) matched %v", sentinel)
		}
	}
}

func TestAppendWindow(t *testing.T) {
	q, args := appendWindow("SELECT 1 FROM t WHERE user_id = $1", []any{"u"}, 2,
		"created_at", "created_at DESC", domain.ListOpts{Limit: 20, Offset: 40})
	want := "SELECT 1 FROM t WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3"
	if q != want {
		t.Errorf("query = %q, want %q", q, want)
	}
	if len(args) != 3 || args[1] != 20 || args[2] != 40 {
		t.Errorf("args = %v, want [u 20 40]", args)
	}

	q, args = appendWindow("SELECT 1 FROM t WHERE 1=1", nil, 1, "ts", "ts", domain.ListOpts{})
	if q != "SELECT 1 FROM t WHERE 1=1 ORDER BY ts" || len(args) != 0 {
		t.Errorf("empty opts: query = %q args = %v", q, args)
	}
}

func TestMigrationNamesSorted(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/010_b.sql": {Data: []byte("--")},
		"migrations/001_a.sql": {Data: []byte("--")},
		"migrations/README.md": {Data: []byte("x")},
		"migrations/002/x.sql": {Data: []byte("--")},
	}
	names, err := migrationNames(fsys)
	if err != nil {
		t.Fatalf("migrationNames: %v", err)
	}
	if strings.Join(names, ",") != "001_a.sql,010_b.sql" {
		t.Errorf("names = %v", names)
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	names, err := migrationNames(migrationsFS)
	if err != nil {
		t.Fatalf("migrationNames: %v", err)
	}
	if len(names) == 0 || names[0] != "001_init.sql" {
		t.Errorf("embedded migrations = %v, want 001_init.sql first", names)
	}
}

func TestDSN(t *testing.T) {
	got := DSN(ClientConfig{Host: "db", Database: "binarysim", User: "u", Password: "p"})
	want := "postgres://u:p@db:5432/binarysim?sslmode=disable"
	if got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
	if got := DSN(ClientConfig{DSN: " postgres://x "}); got != " postgres://x " {
		t.Errorf("DSN() with explicit dsn = %q", got)
	}
}
