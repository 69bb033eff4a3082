package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meridianlabs/stakehouse/internal/domain"
)

// oddsTTL bounds staleness if an invalidation is ever missed. Snapshots are
// rewritten on every stake, so in practice reads never hit the TTL.
const oddsTTL = 5 * time.Minute

// OddsCache implements domain.OddsCache using Redis string keys holding a
// JSON-encoded snapshot per market.
type OddsCache struct {
	rdb *redis.Client
}

// NewOddsCache creates an OddsCache backed by the given Client.
func NewOddsCache(c *Client) *OddsCache {
	return &OddsCache{rdb: c.Underlying()}
}

func oddsKey(marketID int64) string {
	return "odds:" + strconv.FormatInt(marketID, 10)
}

// Set stores the latest odds snapshot for a market.
func (oc *OddsCache) Set(ctx context.Context, snap domain.OddsSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal odds snapshot %d: %w", snap.MarketID, err)
	}
	if err := oc.rdb.Set(ctx, oddsKey(snap.MarketID), data, oddsTTL).Err(); err != nil {
		return fmt.Errorf("redis: set odds %d: %w", snap.MarketID, err)
	}
	return nil
}

// Get retrieves the latest odds snapshot for a market. It returns
// domain.ErrNotFound when no snapshot is cached.
func (oc *OddsCache) Get(ctx context.Context, marketID int64) (domain.OddsSnapshot, error) {
	data, err := oc.rdb.Get(ctx, oddsKey(marketID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return domain.OddsSnapshot{}, domain.ErrNotFound
		}
		return domain.OddsSnapshot{}, fmt.Errorf("redis: get odds %d: %w", marketID, err)
	}

	var snap domain.OddsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.OddsSnapshot{}, fmt.Errorf("redis: unmarshal odds %d: %w", marketID, err)
	}
	return snap, nil
}

// Invalidate removes a market's snapshot, forcing the next read through to
// the engine.
func (oc *OddsCache) Invalidate(ctx context.Context, marketID int64) error {
	if err := oc.rdb.Del(ctx, oddsKey(marketID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate odds %d: %w", marketID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.OddsCache = (*OddsCache)(nil)
