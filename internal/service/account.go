package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/binarysim/internal/auth"
	"github.com/alanyoungcy/binarysim/internal/domain"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 32
)

// TokenIssuer signs bearer tokens. *auth.Tokens satisfies it.
type TokenIssuer interface {
	Issue(actor domain.Actor) (string, time.Time, error)
}

// LoginResult is a signed token and the account it was issued for.
type LoginResult struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	User      domain.User `json:"user"`
}

// AccountService registers users, logs them in, and lets admins reset
// passwords.
type AccountService struct {
	users    domain.UserStore
	tokens   TokenIssuer
	activity domain.ActivityStore
	now      func() time.Time
	logger   *slog.Logger
}

// NewAccountService creates an AccountService.
func NewAccountService(users domain.UserStore, tokens TokenIssuer, activity domain.ActivityStore, logger *slog.Logger) *AccountService {
	return &AccountService{
		users:    users,
		tokens:   tokens,
		activity: activity,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "account_service")),
	}
}

// Register creates a user account with a zero balance.
func (s *AccountService) Register(ctx context.Context, username, password string) (domain.User, error) {
	return s.create(ctx, username, password, domain.RoleUser)
}

func (s *AccountService) create(ctx context.Context, username, password string, role domain.Role) (domain.User, error) {
	username = strings.TrimSpace(username)
	if n := len(username); n < minUsernameLength || n > maxUsernameLength {
		return domain.User{}, fmt.Errorf("account_service: register: %w: username must be %d-%d characters",
			domain.ErrInvalidArgument, minUsernameLength, maxUsernameLength)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("account_service: register: %w", err)
	}

	now := s.now().UTC()
	u := domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return domain.User{}, fmt.Errorf("account_service: register %s: %w", username, err)
	}
	s.logger.InfoContext(ctx, "user registered",
		slog.String("user_id", u.ID),
		slog.String("username", u.Username),
		slog.String("role", string(role)),
	)
	return u, nil
}

// Login checks credentials and issues a token. Unknown users and wrong
// passwords both yield ErrUnauthorized.
func (s *AccountService) Login(ctx context.Context, username, password string) (LoginResult, error) {
	u, err := s.users.GetByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, domain.ErrNotFound) {
		return LoginResult{}, fmt.Errorf("account_service: login: %w: invalid credentials", domain.ErrUnauthorized)
	}
	if err != nil {
		return LoginResult{}, fmt.Errorf("account_service: login: %w", err)
	}
	if err := auth.CheckPassword(u.PasswordHash, password); err != nil {
		return LoginResult{}, fmt.Errorf("account_service: login: %w", err)
	}

	token, exp, err := s.tokens.Issue(domain.Actor{ID: u.ID, Username: u.Username, Role: u.Role})
	if err != nil {
		return LoginResult{}, fmt.Errorf("account_service: login: %w", err)
	}
	return LoginResult{Token: token, ExpiresAt: exp, User: u}, nil
}

// Me returns the actor's account.
func (s *AccountService) Me(ctx context.Context, actor domain.Actor) (domain.User, error) {
	u, err := s.users.Get(ctx, actor.ID)
	if err != nil {
		return domain.User{}, fmt.Errorf("account_service: me: %w", err)
	}
	return u, nil
}

// ChangePassword sets a new password for userID on an admin's behalf.
func (s *AccountService) ChangePassword(ctx context.Context, admin domain.Actor, userID, newPassword string) error {
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("account_service: change password: %w", err)
	}
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("account_service: change password: %w", err)
	}
	if err := s.users.SetPassword(ctx, userID, hash, s.now().UTC()); err != nil {
		return fmt.Errorf("account_service: change password: %w", err)
	}

	a := activityFor(admin, domain.ActionChangePassword)
	a.TargetUserID = u.ID
	a.TargetUsername = u.Username
	logActivity(ctx, s.activity, s.logger, a)
	return nil
}

// EnsureAdmin creates the bootstrap admin if no user has that name yet.
func (s *AccountService) EnsureAdmin(ctx context.Context, username, password string) error {
	if username == "" {
		return nil
	}
	_, err := s.users.GetByUsername(ctx, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("account_service: bootstrap admin: %w", err)
	}
	if _, err := s.create(ctx, username, password, domain.RoleAdmin); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return err
	}
	return nil
}
