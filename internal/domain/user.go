package domain

import "time"

// Role gates access to the admin back office.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Balance holds a user's funds in VND.
type Balance struct {
	Available int64 `json:"available"`
	Frozen    int64 `json:"frozen"`
}

// User is an account with an embedded balance.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Balance      Balance   `json:"balance"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Actor is the authenticated identity behind a request.
type Actor struct {
	ID       string
	Username string
	Role     Role
}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// EntryKind classifies a balance journal entry.
type EntryKind string

const (
	EntryDeposit     EntryKind = "deposit"
	EntryAdminCredit EntryKind = "admin_credit"
	EntryStake       EntryKind = "stake"
	EntryPayout      EntryKind = "payout"
	EntryRelease     EntryKind = "release"
)

// BalanceEntry is one row of the append-only balance journal.
type BalanceEntry struct {
	ID             int64     `json:"id"`
	UserID         string    `json:"userId"`
	Kind           EntryKind `json:"kind"`
	Delta          int64     `json:"delta"`
	FrozenDelta    int64     `json:"frozenDelta"`
	AvailableAfter int64     `json:"availableAfter"`
	FrozenAfter    int64     `json:"frozenAfter"`
	RefID          string    `json:"refId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}
