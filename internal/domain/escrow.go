package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// EscrowAdapter moves value between participants and the market escrow. The
// core only computes amounts; custody is entirely the adapter's problem. An
// adapter call must either fully succeed or leave custody state unchanged;
// the engine treats any error as fatal to the enclosing operation and
// performs no state change of its own.
//
// ref is an idempotency reference unique to the logical transfer (e.g.
// "claim:42:0xabc..:believer") so a retried call cannot double-move funds.
type EscrowAdapter interface {
	// Deposit pulls amount from the participant into escrow.
	Deposit(ctx context.Context, from common.Address, amount int64, ref string) error
	// Withdraw pays amount out of escrow to the participant.
	Withdraw(ctx context.Context, to common.Address, amount int64, ref string) error
}
