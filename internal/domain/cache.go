package domain

import (
	"context"
	"time"
)

// OddsSnapshot is a cached view of a market's pools and odds, published for
// cheap reads by the API and the WebSocket feed.
type OddsSnapshot struct {
	MarketID     int64          `json:"market_id"`
	State        LifecycleState `json:"state"`
	BelieverPool int64          `json:"believer_pool"`
	DoubterPool  int64          `json:"doubter_pool"`
	BelieverOdds int64          `json:"believer_odds"` // fixed-point multiplier, 0 if undefined
	DoubterOdds  int64          `json:"doubter_odds"`
	ComputedAt   time.Time      `json:"computed_at"`
}

// OddsCache provides fast access to the latest odds snapshot per market.
type OddsCache interface {
	Set(ctx context.Context, snap OddsSnapshot) error
	Get(ctx context.Context, marketID int64) (OddsSnapshot, error)
	Invalidate(ctx context.Context, marketID int64) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking. The engine owner lock makes the
// single-writer guarantee hold across processes, not just goroutines.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub fanout and durable streams for settlement
// events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
