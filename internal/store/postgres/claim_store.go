package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianlabs/stakehouse/internal/domain"
)

// ClaimStore implements domain.ClaimStore using PostgreSQL.
type ClaimStore struct {
	pool *pgxpool.Pool
}

// NewClaimStore creates a new ClaimStore backed by the given connection pool.
func NewClaimStore(pool *pgxpool.Pool) *ClaimStore {
	return &ClaimStore{pool: pool}
}

const claimCols = `id, market_id, participant, side, amount, kind, paid_at`

// Insert appends one settled payment. Claims are immutable; there is no
// update path.
func (s *ClaimStore) Insert(ctx context.Context, c domain.Claim) error {
	const query = `
		INSERT INTO claims (id, market_id, participant, side, amount, kind, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		c.ID, c.MarketID, c.Participant.Hex(),
		string(c.Side), c.Amount, string(c.Kind), c.PaidAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert claim %s: %w", c.ID, err)
	}
	return nil
}

func scanClaim(row pgx.Row) (domain.Claim, error) {
	var c domain.Claim
	var participant, side, kind string
	err := row.Scan(&c.ID, &c.MarketID, &participant, &side, &c.Amount, &kind, &c.PaidAt)
	if err != nil {
		return domain.Claim{}, err
	}
	c.Participant = common.HexToAddress(participant)
	c.Side = domain.Side(side)
	c.Kind = domain.ClaimKind(kind)
	return c, nil
}

// ListByMarket returns every payment made on one market.
func (s *ClaimStore) ListByMarket(ctx context.Context, marketID int64) ([]domain.Claim, error) {
	return s.queryClaims(ctx,
		`SELECT `+claimCols+` FROM claims WHERE market_id = $1 ORDER BY paid_at`, marketID)
}

// SumByParticipant returns the participant's lifetime claimed total across
// all markets, payouts and refunds combined.
func (s *ClaimStore) SumByParticipant(ctx context.Context, participant common.Address) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM claims WHERE participant = $1`,
		participant.Hex()).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum claims for %s: %w", participant.Hex(), err)
	}
	return sum, nil
}

// ListBefore returns claims paid strictly before the cutoff. Used by the
// archiver.
func (s *ClaimStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Claim, error) {
	return s.queryClaims(ctx,
		`SELECT `+claimCols+` FROM claims WHERE paid_at < $1 ORDER BY paid_at`, before)
}

// ListAll returns every claim in the database, for engine restore.
func (s *ClaimStore) ListAll(ctx context.Context) ([]domain.Claim, error) {
	return s.queryClaims(ctx, `SELECT `+claimCols+` FROM claims ORDER BY paid_at`)
}

func (s *ClaimStore) queryClaims(ctx context.Context, query string, args ...any) ([]domain.Claim, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query claims: %w", err)
	}
	defer rows.Close()

	var claims []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query claims rows: %w", err)
	}
	return claims, nil
}
