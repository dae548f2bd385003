package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

type fakeIssuer struct{}

func (fakeIssuer) Issue(a domain.Actor) (string, time.Time, error) {
	return "token-" + a.ID, noon.Add(time.Hour), nil
}

func newTestAccounts(db *memDB) *AccountService {
	s := NewAccountService(memUsers{db}, fakeIssuer{}, memActivity{db}, discardLogger())
	s.now = fixedClock(noon)
	return s
}

func TestRegisterAndLogin(t *testing.T) {
	db := newMemDB()
	s := newTestAccounts(db)
	ctx := context.Background()

	u, err := s.Register(ctx, " carol ", "secret1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Username != "carol" || u.Role != domain.RoleUser {
		t.Errorf("user = %+v", u)
	}
	if u.Balance != (domain.Balance{}) {
		t.Errorf("new balance = %+v, want zero", u.Balance)
	}
	if u.PasswordHash == "secret1" || u.PasswordHash == "" {
		t.Error("password stored unhashed")
	}

	if _, err := s.Register(ctx, "carol", "another1"); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("duplicate err = %v, want ErrAlreadyExists", err)
	}

	res, err := s.Login(ctx, "carol", "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Token != "token-"+u.ID {
		t.Errorf("token = %q", res.Token)
	}

	if _, err := s.Login(ctx, "carol", "wrong-pass"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("wrong password err = %v, want ErrUnauthorized", err)
	}
	if _, err := s.Login(ctx, "nobody", "secret1"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("unknown user err = %v, want ErrUnauthorized", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	s := newTestAccounts(newMemDB())
	tests := []struct {
		name, username, password string
	}{
		{"short username", "ab", "secret1"},
		{"long username", "abcdefghijklmnopqrstuvwxyz0123456", "secret1"},
		{"short password", "dave", "12345"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Register(context.Background(), tt.username, tt.password)
			if !errors.Is(err, domain.ErrInvalidArgument) {
				t.Errorf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestChangePassword(t *testing.T) {
	db := newMemDB()
	s := newTestAccounts(db)
	ctx := context.Background()
	u, err := s.Register(ctx, "erin", "first-pass")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := s.ChangePassword(ctx, admin, u.ID, "123"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("short password err = %v, want ErrInvalidArgument", err)
	}
	if err := s.ChangePassword(ctx, admin, "ghost", "long-enough"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown user err = %v, want ErrNotFound", err)
	}
	if err := s.ChangePassword(ctx, admin, u.ID, "second-pass"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	if _, err := s.Login(ctx, "erin", "first-pass"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("old password still works: %v", err)
	}
	if _, err := s.Login(ctx, "erin", "second-pass"); err != nil {
		t.Errorf("new password rejected: %v", err)
	}
	if acts := db.actions(); len(acts) != 1 || acts[0] != domain.ActionChangePassword {
		t.Errorf("activities = %v", acts)
	}
}

func TestEnsureAdmin(t *testing.T) {
	db := newMemDB()
	s := newTestAccounts(db)
	ctx := context.Background()

	if err := s.EnsureAdmin(ctx, "root", "rootpass"); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	if err := s.EnsureAdmin(ctx, "root", "ignored"); err != nil {
		t.Fatalf("second EnsureAdmin: %v", err)
	}
	u, err := memUsers{db}.GetByUsername(ctx, "root")
	if err != nil {
		t.Fatalf("GetByUsername: %v", err)
	}
	if u.Role != domain.RoleAdmin {
		t.Errorf("role = %s, want admin", u.Role)
	}
	if _, err := s.Login(ctx, "root", "rootpass"); err != nil {
		t.Errorf("bootstrap admin cannot log in: %v", err)
	}
	if err := s.EnsureAdmin(ctx, "", ""); err != nil {
		t.Errorf("empty bootstrap err = %v, want nil", err)
	}
}
