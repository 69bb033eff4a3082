package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianlabs/stakehouse/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `market_id, participant, side, amount, claimed,
	created_at, updated_at, claimed_at`

// Upsert writes the position keyed by (market_id, participant, side). The
// engine accumulates stakes in memory, so the row always carries the full
// current amount rather than a delta.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			market_id, participant, side, amount, claimed,
			created_at, updated_at, claimed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8
		)
		ON CONFLICT (market_id, participant, side) DO UPDATE SET
			amount     = EXCLUDED.amount,
			claimed    = EXCLUDED.claimed,
			updated_at = EXCLUDED.updated_at,
			claimed_at = EXCLUDED.claimed_at`

	_, err := s.pool.Exec(ctx, query,
		p.MarketID, p.Participant.Hex(), string(p.Side),
		p.Amount, p.Claimed,
		p.CreatedAt, p.UpdatedAt, p.ClaimedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %d/%s/%s: %w",
			p.MarketID, p.Participant.Hex(), p.Side, err)
	}
	return nil
}

// scanPosition scans a single position row into a domain.Position.
func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var participant, side string
	err := row.Scan(
		&p.MarketID, &participant, &side,
		&p.Amount, &p.Claimed,
		&p.CreatedAt, &p.UpdatedAt, &p.ClaimedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Participant = common.HexToAddress(participant)
	p.Side = domain.Side(side)
	return p, nil
}

// Get retrieves a single position by its composite key.
func (s *PositionStore) Get(ctx context.Context, marketID int64, participant common.Address, side domain.Side) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE market_id = $1 AND participant = $2 AND side = $3`,
		marketID, participant.Hex(), string(side))
	p, err := scanPosition(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %d/%s/%s: %w",
			marketID, participant.Hex(), side, err)
	}
	return p, nil
}

// ListByMarket returns every position on one market.
func (s *PositionStore) ListByMarket(ctx context.Context, marketID int64) ([]domain.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = $1 ORDER BY participant, side`,
		marketID)
}

// ListByParticipant returns one participant's positions across all markets,
// newest market first.
func (s *PositionStore) ListByParticipant(ctx context.Context, participant common.Address, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions WHERE participant = $1 ORDER BY market_id DESC, side`
	args := []any{participant.Hex()}
	argIdx := 2

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.queryPositions(ctx, query, args...)
}

// ListAll returns every position in the database, for engine restore.
func (s *PositionStore) ListAll(ctx context.Context) ([]domain.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionCols+` FROM positions ORDER BY market_id, participant, side`)
}

func (s *PositionStore) queryPositions(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query positions rows: %w", err)
	}
	return positions, nil
}
