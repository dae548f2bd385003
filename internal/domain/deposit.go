package domain

import "time"

// DepositStatus tracks a funds request.
type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositCompleted DepositStatus = "completed"
	DepositRejected  DepositStatus = "rejected"
)

// Deposit is a user- or admin-initiated credit request.
type Deposit struct {
	ID            string        `json:"id"`
	UserID        string        `json:"userId"`
	Username      string        `json:"username"`
	Amount        int64         `json:"amount"`
	Note          string        `json:"note,omitempty"`
	Status        DepositStatus `json:"status"`
	AdminID       string        `json:"adminId,omitempty"`
	AdminUsername string        `json:"adminUsername,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// AdminActivity is one row of the admin audit trail.
type AdminActivity struct {
	ID             int64          `json:"id"`
	AdminID        string         `json:"adminId"`
	AdminUsername  string         `json:"adminUsername"`
	Action         string         `json:"action"`
	TargetUserID   string         `json:"targetUserId,omitempty"`
	TargetUsername string         `json:"targetUsername,omitempty"`
	Amount         int64          `json:"amount,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	CreatedAt      time.Time      `json:"timestamp"`
}

// Admin activity actions.
const (
	ActionApproveDeposit     = "approve_deposit"
	ActionRejectDeposit      = "reject_deposit"
	ActionDepositMoney       = "deposit_money"
	ActionChangePassword     = "change_user_password"
	ActionSetOutcome         = "set_session_outcome"
	ActionBulkSetOutcomes    = "bulk_set_outcomes"
	ActionBulkRandomOutcomes = "bulk_random_outcomes"
	ActionGenerateSessions   = "generate_future_sessions"
	ActionSettlementRun      = "settlement_run"
	ActionArchiveRun         = "archive_run"
)
