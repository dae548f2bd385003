package service

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

// ActivityLog serves the admin audit trail.
type ActivityLog struct {
	store domain.ActivityStore
}

// NewActivityLog creates an ActivityLog.
func NewActivityLog(store domain.ActivityStore) *ActivityLog {
	return &ActivityLog{store: store}
}

// List returns activities newest first.
func (l *ActivityLog) List(ctx context.Context, page, limit int) ([]domain.AdminActivity, error) {
	if limit <= 0 {
		limit = defaultDepositLimit
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	out, err := l.store.List(ctx, domain.PageOpts(page, limit))
	if err != nil {
		return nil, fmt.Errorf("activity_log: list: %w", err)
	}
	if out == nil {
		out = []domain.AdminActivity{}
	}
	return out, nil
}
