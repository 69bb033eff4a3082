package domain

import "time"

// Bus channels for settlement events.
const (
	ChannelMarkets = "markets"
	ChannelStakes  = "stakes"
	ChannelClaims  = "claims"
	ChannelStatus  = "status"
)

// Settlement event names, used both on the bus and in the audit log.
const (
	EventMarketCreated   = "market_created"
	EventStakePlaced     = "stake_placed"
	EventMarketResolved  = "market_resolved"
	EventMarketCancelled = "market_cancelled"
	EventClaimPaid       = "claim_paid"
	EventEscrowFailure   = "escrow_failure"
)

// SettlementEvent is the JSON envelope published on the signal bus after a
// committed mutation.
type SettlementEvent struct {
	ID       string         `json:"id"`
	Event    string         `json:"event"`
	MarketID int64          `json:"market_id"`
	Detail   map[string]any `json:"detail,omitempty"`
	At       time.Time      `json:"at"`
}
