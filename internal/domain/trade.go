package domain

import "time"

// DefaultMinStake is the smallest stake accepted for a trade, in VND.
const DefaultMinStake int64 = 100_000

// DefaultMaxStake is the largest stake accepted when none is configured.
const DefaultMaxStake int64 = 10_000_000_000

// MaxAmount caps any single stake, deposit or balance adjustment. It keeps
// stake plus profit, and balance sums, well inside int64.
const MaxAmount int64 = 1_000_000_000_000_000

// Direction is the side a user bets on.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// Valid reports whether d is UP or DOWN.
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// Wins reports whether a bet in direction d wins against outcome o.
func (d Direction) Wins(o Outcome) bool {
	return string(d) == string(o)
}

// TradeStatus tracks the settlement lifecycle of a trade.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeCompleted TradeStatus = "completed"
)

// TradeResult is the settled result; empty while pending.
type TradeResult string

const (
	ResultWin  TradeResult = "win"
	ResultLose TradeResult = "lose"
)

// Trade is one user's bet on one session.
type Trade struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId"`
	SessionID string      `json:"sessionId"`
	Direction Direction   `json:"direction"`
	Amount    int64       `json:"amount"`
	Asset     string      `json:"asset,omitempty"`
	Status    TradeStatus `json:"status"`
	Result    TradeResult `json:"result,omitempty"`
	Profit    int64       `json:"profit"`
	CreatedAt time.Time   `json:"createdAt"`
	SettledAt *time.Time  `json:"settledAt,omitempty"`
}

// DueTrade is a pending trade joined with its session. SessionFound is false
// when the referenced session row no longer exists.
type DueTrade struct {
	Trade
	SessionFound bool
	Outcome      Outcome
}

// DueFilter narrows a settlement candidate query.
type DueFilter struct {
	UserID string // empty means all users
	Limit  int
}

// Settlement is the computed resolution of one trade.
type Settlement struct {
	TradeID   string
	UserID    string
	Result    TradeResult
	Profit    int64
	Credit    int64 // added to available; zero on a loss
	Release   int64 // stake released from frozen
	SettledAt time.Time
}
