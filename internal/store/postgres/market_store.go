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

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `id, creator, content_ref, staking_deadline, resolution_deadline,
	believer_pool, doubter_pool, resolved, cancelled, outcome,
	created_at, resolved_at, cancelled_at`

// Insert writes a newly created market. Market IDs are allocated by the
// engine, so the id column is written explicitly rather than generated.
func (s *MarketStore) Insert(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, creator, content_ref, staking_deadline, resolution_deadline,
			believer_pool, doubter_pool, resolved, cancelled, outcome,
			created_at, resolved_at, cancelled_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13
		)`

	_, err := s.pool.Exec(ctx, query,
		m.ID, m.Creator.Hex(), m.ContentRef,
		m.StakingDeadline, m.ResolutionDeadline,
		m.BelieverPool, m.DoubterPool,
		m.Resolved, m.Cancelled, m.Outcome,
		m.CreatedAt, m.ResolvedAt, m.CancelledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert market %d: %w", m.ID, err)
	}
	return nil
}

// Update overwrites the mutable columns of an existing market. Identity
// columns (creator, content_ref, deadlines, created_at) never change after
// insert and are left alone.
func (s *MarketStore) Update(ctx context.Context, m domain.Market) error {
	const query = `
		UPDATE markets SET
			believer_pool = $2,
			doubter_pool  = $3,
			resolved      = $4,
			cancelled     = $5,
			outcome       = $6,
			resolved_at   = $7,
			cancelled_at  = $8
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		m.ID, m.BelieverPool, m.DoubterPool,
		m.Resolved, m.Cancelled, m.Outcome,
		m.ResolvedAt, m.CancelledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update market %d: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update market %d: %w", m.ID, domain.ErrNotFound)
	}
	return nil
}

// scanMarket scans a single market row into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var creator string
	err := row.Scan(
		&m.ID, &creator, &m.ContentRef,
		&m.StakingDeadline, &m.ResolutionDeadline,
		&m.BelieverPool, &m.DoubterPool,
		&m.Resolved, &m.Cancelled, &m.Outcome,
		&m.CreatedAt, &m.ResolvedAt, &m.CancelledAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Creator = common.HexToAddress(creator)
	return m, nil
}

// GetByID retrieves a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id int64) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %d: %w", id, err)
	}
	return m, nil
}

// List returns markets newest first with pagination and optional time
// filtering on created_at.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.queryMarkets(ctx, query, args...)
}

// ListTerminalBefore returns resolved or cancelled markets whose terminal
// timestamp is strictly before the cutoff.
func (s *MarketStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Market, error) {
	const query = `
		SELECT ` + marketCols + ` FROM markets
		WHERE (resolved AND resolved_at < $1)
		   OR (cancelled AND cancelled_at < $1)
		ORDER BY id`
	return s.queryMarkets(ctx, query, before)
}

func (s *MarketStore) queryMarkets(ctx context.Context, query string, args ...any) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query markets rows: %w", err)
	}
	return markets, nil
}

// MaxID returns the highest market ID, or zero when no markets exist. The
// engine resumes its ID sequence from this value at startup.
func (s *MarketStore) MaxID(ctx context.Context) (int64, error) {
	var max int64
	err := s.pool.QueryRow(ctx, "SELECT COALESCE(MAX(id), 0) FROM markets").Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("postgres: max market id: %w", err)
	}
	return max, nil
}

// Count returns the total number of markets in the database.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM markets").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return count, nil
}
