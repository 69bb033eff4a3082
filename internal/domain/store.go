package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists markets. Markets are never deleted; the history is
// permanent and auditable.
type MarketStore interface {
	Insert(ctx context.Context, m Market) error
	Update(ctx context.Context, m Market) error
	GetByID(ctx context.Context, id int64) (Market, error)
	List(ctx context.Context, opts ListOpts) ([]Market, error)
	// ListTerminalBefore returns resolved or cancelled markets whose terminal
	// timestamp is strictly before the cutoff. Used by the archiver.
	ListTerminalBefore(ctx context.Context, before time.Time) ([]Market, error)
	MaxID(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int64, error)
}

// PositionStore persists per-(market, participant, side) stake records.
type PositionStore interface {
	Upsert(ctx context.Context, p Position) error
	Get(ctx context.Context, marketID int64, participant common.Address, side Side) (Position, error)
	ListByMarket(ctx context.Context, marketID int64) ([]Position, error)
	ListByParticipant(ctx context.Context, participant common.Address, opts ListOpts) ([]Position, error)
	// ListAll streams every position. Used to rebuild engine state at startup.
	ListAll(ctx context.Context) ([]Position, error)
}

// ClaimStore persists settled payments.
type ClaimStore interface {
	Insert(ctx context.Context, c Claim) error
	ListByMarket(ctx context.Context, marketID int64) ([]Claim, error)
	SumByParticipant(ctx context.Context, participant common.Address) (int64, error)
	ListBefore(ctx context.Context, before time.Time) ([]Claim, error)
	ListAll(ctx context.Context) ([]Claim, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
