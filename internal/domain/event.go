package domain

// Pub/sub channels and streams.
const (
	ChannelSessions   = "sessions"
	UserChannelPrefix = "user:"
	StreamSettlements = "stream:settlements"
)

// UserChannel is the per-user channel for trade and balance events.
func UserChannel(userID string) string {
	return UserChannelPrefix + userID
}

// Event names carried in the "event" field of bus payloads.
const (
	EventSessionChanged   = "session_changed"
	EventSessionCompleted = "session_completed"
	EventHorizonExtended  = "horizon_extended"
	EventTradePlaced      = "trade_placed"
	EventTradeSettled     = "trade_settled"
	EventBalanceChanged   = "balance_changed"
)
