package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/binarysim/internal/domain"
	"github.com/alanyoungcy/binarysim/internal/notify"
)

const (
	defaultDepositLimit = 50
	adminDepositNote    = "Admin deposit"
)

// DepositPage is one page of the admin deposit list.
type DepositPage struct {
	Deposits []domain.Deposit `json:"deposits"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	Limit    int              `json:"limit"`
}

// DepositService handles deposit requests and their admin resolution.
// Crediting happens inside the store transaction that resolves the request,
// so a deposit is credited at most once.
type DepositService struct {
	deposits domain.DepositStore
	users    domain.UserStore
	activity domain.ActivityStore
	notifier Notifier
	bus      domain.SignalBus
	now      func() time.Time
	logger   *slog.Logger
}

// NewDepositService creates a DepositService.
func NewDepositService(
	deposits domain.DepositStore,
	users domain.UserStore,
	activity domain.ActivityStore,
	notifier Notifier,
	bus domain.SignalBus,
	logger *slog.Logger,
) *DepositService {
	return &DepositService{
		deposits: deposits,
		users:    users,
		activity: activity,
		notifier: notifier,
		bus:      bus,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "deposit_service")),
	}
}

// RequestDeposit records a pending deposit for the user.
func (s *DepositService) RequestDeposit(ctx context.Context, user domain.Actor, amount int64, note string) (domain.Deposit, error) {
	if err := checkAmount(amount); err != nil {
		return domain.Deposit{}, fmt.Errorf("deposit_service: request: %w", err)
	}
	now := s.now().UTC()
	d := domain.Deposit{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Username:  user.Username,
		Amount:    amount,
		Note:      strings.TrimSpace(note),
		Status:    domain.DepositPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deposits.Create(ctx, d); err != nil {
		return domain.Deposit{}, fmt.Errorf("deposit_service: request: %w", err)
	}

	alert(ctx, s.notifier, s.logger, notify.EventDepositRequested,
		"Deposit requested",
		fmt.Sprintf("%s requested %d VND (deposit %s)", user.Username, amount, d.ID))
	s.logger.InfoContext(ctx, "deposit requested",
		slog.String("deposit_id", d.ID),
		slog.String("user_id", user.ID),
		slog.Int64("amount", amount),
	)
	return d, nil
}

// ListDeposits returns every deposit, newest first.
func (s *DepositService) ListDeposits(ctx context.Context, page, limit int) (DepositPage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultDepositLimit
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	deposits, total, err := s.deposits.List(ctx, domain.PageOpts(page, limit))
	if err != nil {
		return DepositPage{}, fmt.Errorf("deposit_service: list: %w", err)
	}
	if deposits == nil {
		deposits = []domain.Deposit{}
	}
	return DepositPage{Deposits: deposits, Total: total, Page: page, Limit: limit}, nil
}

// ListUserDeposits returns one user's deposits, newest first.
func (s *DepositService) ListUserDeposits(ctx context.Context, userID string, page, limit int) ([]domain.Deposit, error) {
	if limit <= 0 {
		limit = defaultDepositLimit
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	deposits, err := s.deposits.ListByUser(ctx, userID, domain.PageOpts(page, limit))
	if err != nil {
		return nil, fmt.Errorf("deposit_service: list user: %w", err)
	}
	if deposits == nil {
		deposits = []domain.Deposit{}
	}
	return deposits, nil
}

// Approve completes a pending deposit and credits the user.
func (s *DepositService) Approve(ctx context.Context, admin domain.Actor, depositID string) (domain.Deposit, error) {
	return s.resolve(ctx, admin, depositID, domain.DepositCompleted, domain.ActionApproveDeposit)
}

// Reject closes a pending deposit without crediting.
func (s *DepositService) Reject(ctx context.Context, admin domain.Actor, depositID string) (domain.Deposit, error) {
	return s.resolve(ctx, admin, depositID, domain.DepositRejected, domain.ActionRejectDeposit)
}

func (s *DepositService) resolve(ctx context.Context, admin domain.Actor, id string, status domain.DepositStatus, action string) (domain.Deposit, error) {
	d, err := s.deposits.Resolve(ctx, id, status, admin, s.now().UTC())
	if err != nil {
		return domain.Deposit{}, fmt.Errorf("deposit_service: %s %s: %w", action, id, err)
	}

	a := activityFor(admin, action)
	a.TargetUserID = d.UserID
	a.TargetUsername = d.Username
	a.Amount = d.Amount
	a.Details = map[string]any{"depositId": d.ID}
	logActivity(ctx, s.activity, s.logger, a)

	if status == domain.DepositCompleted {
		s.balanceChanged(ctx, d.UserID)
	}
	alert(ctx, s.notifier, s.logger, notify.EventAdminAction,
		"Deposit "+string(status),
		fmt.Sprintf("%s %s deposit %s of %d VND for %s", admin.Username, status, d.ID, d.Amount, d.Username))

	s.logger.InfoContext(ctx, "deposit resolved",
		slog.String("deposit_id", d.ID),
		slog.String("status", string(status)),
		slog.String("admin", admin.Username),
	)
	return d, nil
}

// AdminDeposit credits a user directly and records a completed deposit.
func (s *DepositService) AdminDeposit(ctx context.Context, admin domain.Actor, userID string, amount int64, note string) (domain.Deposit, domain.Balance, error) {
	if err := checkAmount(amount); err != nil {
		return domain.Deposit{}, domain.Balance{}, fmt.Errorf("deposit_service: admin deposit: %w", err)
	}
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return domain.Deposit{}, domain.Balance{}, fmt.Errorf("deposit_service: admin deposit: %w", err)
	}

	note = strings.TrimSpace(note)
	if note == "" {
		note = adminDepositNote
	}
	now := s.now().UTC()
	d := domain.Deposit{
		ID:            uuid.NewString(),
		UserID:        user.ID,
		Username:      user.Username,
		Amount:        amount,
		Note:          note,
		Status:        domain.DepositCompleted,
		AdminID:       admin.ID,
		AdminUsername: admin.Username,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	bal, err := s.deposits.CreateCompleted(ctx, d)
	if err != nil {
		return domain.Deposit{}, domain.Balance{}, fmt.Errorf("deposit_service: admin deposit: %w", err)
	}

	a := activityFor(admin, domain.ActionDepositMoney)
	a.TargetUserID = user.ID
	a.TargetUsername = user.Username
	a.Amount = amount
	a.Details = map[string]any{"depositId": d.ID, "note": note}
	logActivity(ctx, s.activity, s.logger, a)

	publish(ctx, s.bus, s.logger, domain.UserChannel(user.ID), domain.EventBalanceChanged, map[string]any{
		"available": bal.Available,
		"frozen":    bal.Frozen,
	})
	return d, bal, nil
}

func (s *DepositService) balanceChanged(ctx context.Context, userID string) {
	if s.bus == nil {
		return
	}
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		s.logger.WarnContext(ctx, "balance lookup for event failed", slog.String("error", err.Error()))
		return
	}
	publish(ctx, s.bus, s.logger, domain.UserChannel(userID), domain.EventBalanceChanged, map[string]any{
		"available": u.Balance.Available,
		"frozen":    u.Balance.Frozen,
	})
}
