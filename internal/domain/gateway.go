package domain

import (
	"context"
	"io"
	"time"
)

// SnapshotSource is the raw market-data boundary. Implementations may fail
// transiently; callers go through the snapshot cache, never directly here.
type SnapshotSource interface {
	GetSnapshot(ctx context.Context, tokenID string) (MarketSnapshot, error)
}

// SnapshotCache fronts a SnapshotSource with a TTL cache. Get serves a cached
// snapshot while fresh, coalesces concurrent refreshes per key, and falls
// back to a stale value (flagged) when a refresh fails.
type SnapshotCache interface {
	Get(ctx context.Context, tokenID string) (MarketSnapshot, error)
	// Put lets a streaming feed pre-warm the cache.
	Put(snapshot MarketSnapshot)
}

// OrderGateway is the exchange boundary for exit execution.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, order ExitOrder) (OrderResult, error)
	OrderStatus(ctx context.Context, orderID string) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// EdgeModel recomputes the model edge for an open position. The model's
// internals are out of scope; the monitor only consumes its outputs.
type EdgeModel interface {
	// Edge returns the expected-value advantage as a fraction of cost.
	Edge(ctx context.Context, pos Position, snap MarketSnapshot) (float64, error)
	// BetterOpportunity reports whether the portfolio currently holds a
	// superior use for this position's capital.
	BetterOpportunity(ctx context.Context, pos Position) (bool, error)
}

// AccountFeed supplies account-level aggregates to the circuit breaker.
type AccountFeed interface {
	AccountState(ctx context.Context) (AccountState, error)
}

// RateLimiter gates every outbound market and order API call behind a shared
// token bucket.
type RateLimiter interface {
	// Acquire blocks until n tokens are available or ctx is done.
	Acquire(ctx context.Context, n int) error
}

// StreamMessage is a single entry read from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub for close events, hard alerts, and the breaker
// broadcast, plus a durable stream for the audit trail.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Lock is a held per-position lock. Holders renew it for as long as they own
// the position; a failed renewal means the TTL lapsed and ownership is gone.
type Lock interface {
	// Renew extends the lock's TTL. It returns ErrLockHeld when the lock has
	// expired or been taken over by another holder.
	Renew(ctx context.Context, ttl time.Duration) error
	// Release frees the lock. Safe to call more than once; releasing a lock
	// that already changed hands is a no-op.
	Release()
}

// LockManager provides per-position locks so a restarted supervisor can never
// run concurrently with a stalled predecessor, and a second process can never
// drive a position that is already supervised here.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// BlobWriter writes archive objects to long-term storage.
type BlobWriter interface {
	Write(ctx context.Context, key string, r io.Reader, contentType string) error
}
