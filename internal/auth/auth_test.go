package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

func TestIssueAndVerify(t *testing.T) {
	tok := NewTokens("0123456789abcdef", "binarysim", time.Hour)
	actor := domain.Actor{ID: "u1", Username: "alice", Role: domain.RoleAdmin}

	raw, exp, err := tok.Issue(actor)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Errorf("exp = %v, want future", exp)
	}
	got, err := tok.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != actor {
		t.Errorf("Verify() = %+v, want %+v", got, actor)
	}
}

func TestVerifyRejects(t *testing.T) {
	tok := NewTokens("0123456789abcdef", "binarysim", time.Hour)
	other := NewTokens("another-secret-value", "binarysim", time.Hour)
	wrongIssuer := NewTokens("0123456789abcdef", "someone-else", time.Hour)
	expired := NewTokens("0123456789abcdef", "binarysim", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	actor := domain.Actor{ID: "u1", Username: "bob", Role: domain.RoleUser}
	forged, _, _ := other.Issue(actor)
	foreign, _, _ := wrongIssuer.Issue(actor)
	stale, _, _ := expired.Issue(actor)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "u1", "iss": "binarysim", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name string
		raw  string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", forged},
		{"wrong issuer", foreign},
		{"expired", stale},
		{"alg none", none},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tok.Verify(tt.raw); !errors.Is(err, domain.ErrUnauthorized) {
				t.Errorf("Verify() error = %v, want ErrUnauthorized", err)
			}
		})
	}
}

func TestPasswordHashing(t *testing.T) {
	if _, err := HashPassword("12345"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("HashPassword(short) = %v, want ErrInvalidArgument", err)
	}
	hash, err := HashPassword("hunter22")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := CheckPassword(hash, "hunter22"); err != nil {
		t.Errorf("CheckPassword(correct) = %v", err)
	}
	if err := CheckPassword(hash, "hunter23"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("CheckPassword(wrong) = %v, want ErrUnauthorized", err)
	}
}
