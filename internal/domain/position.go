package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Position is one participant's stake record for one side of one market.
// A participant may hold both a believer and a doubter position on the same
// market; they are always two independent records so side-pool accounting
// stays unambiguous. The amount is never zeroed by a claim; the record
// remains as proof of what was staked and paid.
type Position struct {
	MarketID    int64
	Participant common.Address
	Side        Side
	Amount      int64
	Claimed     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ClaimedAt   *time.Time
}

// Empty reports whether the position carries no stake. A zero-amount
// position is equivalent to never having staked.
func (p Position) Empty() bool {
	return p.Amount == 0
}

// ClaimKind distinguishes a winning payout from a cancellation refund.
type ClaimKind string

const (
	ClaimKindPayout ClaimKind = "payout"
	ClaimKindRefund ClaimKind = "refund"
)

// Claim is the durable record of one settled payment: a winner's share or a
// cancelled-market refund for a single position.
type Claim struct {
	ID          string // UUID
	MarketID    int64
	Participant common.Address
	Side        Side
	Amount      int64 // amount actually transferred out of escrow
	Kind        ClaimKind
	PaidAt      time.Time
}
