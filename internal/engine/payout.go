package engine

import (
	"fmt"

	"github.com/meridianlabs/stakehouse/internal/domain"
	"github.com/meridianlabs/stakehouse/internal/fixedpoint"
)

// payoutFor computes the pari-mutuel share for a stake on the winning side:
// the whole combined pool distributed proportionally to winning stakes. When
// nobody opposed the winning side there is nothing to win, so each winner
// gets back exactly their stake; an empty losing side yields nothing extra.
// Truncation is per-claimant and always downward, so the sum of payouts can
// fall short of the pool by at most one unit per winner but can never
// exceed it.
func payoutFor(winningPool, losingPool, stake int64) (int64, error) {
	if losingPool == 0 {
		return stake, nil
	}
	payout, err := fixedpoint.MulDiv(stake, winningPool+losingPool, winningPool)
	if err != nil {
		return 0, fmt.Errorf("engine: payout: %w", err)
	}
	return payout, nil
}

// previewPayout answers "what would I receive if I staked amount on side
// right now and the market resolved in my favor". The hypothetical stake is
// added to its pool before applying the payout formula, which is also
// exactly the computation the slippage guard repeats at commit time.
func previewPayout(m domain.Market, amount int64, side domain.Side) (int64, error) {
	winning := m.Pool(side) + amount
	losing := m.Pool(side.Opposite())
	return payoutFor(winning, losing, amount)
}

// oddsMultiplier returns totalPool/sidePool as a Scale-fixed ratio. It is
// undefined for an empty side.
func oddsMultiplier(m domain.Market, side domain.Side) (int64, error) {
	sidePool := m.Pool(side)
	if sidePool == 0 {
		return 0, fmt.Errorf("engine: odds for empty %s pool: %w", side, fixedpoint.ErrDivideByZero)
	}
	odds, err := fixedpoint.MulDiv(m.TotalPool(), fixedpoint.Scale, sidePool)
	if err != nil {
		return 0, fmt.Errorf("engine: odds: %w", err)
	}
	return odds, nil
}
