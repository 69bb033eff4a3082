package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Side identifies which outcome of a market a stake backs.
type Side string

const (
	// SideBeliever backs the claim coming true.
	SideBeliever Side = "believer"
	// SideDoubter backs the claim failing.
	SideDoubter Side = "doubter"
)

// Valid reports whether s is one of the two recognized sides.
func (s Side) Valid() bool {
	return s == SideBeliever || s == SideDoubter
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBeliever {
		return SideDoubter
	}
	return SideBeliever
}

// LifecycleState is the derived phase of a market. It is never stored; it is
// computed from the deadlines and the resolved/cancelled flags at query time
// so there is no second source of truth to drift.
type LifecycleState string

const (
	StateActive        LifecycleState = "active"
	StateStakingClosed LifecycleState = "staking_closed"
	StateResolved      LifecycleState = "resolved"
	StateCancelled     LifecycleState = "cancelled"
)

// Market is one claim being staked on, with two opposing pools and a
// lifecycle. Pool totals only grow until the market reaches a terminal
// state, after which they are frozen; claims drain escrow, not the totals.
type Market struct {
	ID                 int64
	Creator            common.Address
	ContentRef         string // opaque reference, stored and returned verbatim
	StakingDeadline    time.Time
	ResolutionDeadline time.Time
	BelieverPool       int64
	DoubterPool        int64
	Resolved           bool
	Cancelled          bool
	Outcome            bool // valid only when Resolved; true means believers won
	CreatedAt          time.Time
	ResolvedAt         *time.Time
	CancelledAt        *time.Time
}

// State derives the lifecycle phase at the given instant.
func (m Market) State(now time.Time) LifecycleState {
	switch {
	case m.Cancelled:
		return StateCancelled
	case m.Resolved:
		return StateResolved
	case now.Before(m.StakingDeadline):
		return StateActive
	default:
		return StateStakingClosed
	}
}

// Terminal reports whether the market has reached resolution or cancellation.
func (m Market) Terminal() bool {
	return m.Resolved || m.Cancelled
}

// Pool returns the cumulative stake total for one side.
func (m Market) Pool(side Side) int64 {
	if side == SideBeliever {
		return m.BelieverPool
	}
	return m.DoubterPool
}

// TotalPool returns the combined stake across both sides.
func (m Market) TotalPool() int64 {
	return m.BelieverPool + m.DoubterPool
}

// WinningSide returns the side favored by the recorded outcome. Only
// meaningful when Resolved is true.
func (m Market) WinningSide() Side {
	if m.Outcome {
		return SideBeliever
	}
	return SideDoubter
}
