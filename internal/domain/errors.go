package domain

import "errors"

var (
	// Lookup
	ErrNotFound = errors.New("not found")

	// Timing
	ErrStakingClosed   = errors.New("staking deadline has passed")
	ErrResolveTooEarly = errors.New("staking deadline has not passed")
	ErrInvalidDeadline = errors.New("invalid deadline")

	// State
	ErrAlreadyResolved  = errors.New("market already resolved")
	ErrAlreadyCancelled = errors.New("market already cancelled")
	ErrMarketNotSettled = errors.New("market neither resolved nor cancelled")

	// Authorization
	ErrNotAuthority = errors.New("caller is not the resolution authority")
	ErrNotCreator   = errors.New("caller is not the market creator")
	ErrCreatorStake = errors.New("creator may not stake beyond the initial position")
	ErrUnauthorized = errors.New("unauthorized")

	// Sizing
	ErrZeroStake     = errors.New("stake amount is zero")
	ErrStakeTooSmall = errors.New("stake below minimum")
	ErrStakeTooLarge = errors.New("stake exceeds per-participant maximum")
	ErrInvalidSide   = errors.New("invalid side")

	// Settlement
	ErrAlreadyClaimed  = errors.New("position already claimed")
	ErrNoStakeToRefund = errors.New("no stake to refund")
	ErrUserIsNotWinner = errors.New("participant holds no winning position")

	// Economic guard
	ErrSlippage = errors.New("payout below minimum acceptable")

	// Collaborators
	ErrEscrowRejected = errors.New("escrow transfer rejected")
	ErrLockHeld       = errors.New("lock already held")
)
