// Package pricecache fronts the raw market-data source with a TTL cache so
// supervisors never hit the source directly.
package pricecache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/quantegy/exitd/internal/domain"
)

// Cache implements domain.SnapshotCache. Reads are shared; each key has a
// single writer at a time because concurrent refreshes for the same token
// are coalesced into one in-flight fetch.
type Cache struct {
	source  domain.SnapshotSource
	limiter domain.RateLimiter
	ttl     time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]domain.MarketSnapshot

	group singleflight.Group

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Cache over the given source. Every refresh acquires one token
// from the shared rate limiter before touching the source.
func New(source domain.SnapshotSource, limiter domain.RateLimiter, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{
		source:  source,
		limiter: limiter,
		ttl:     ttl,
		logger:  logger.With(slog.String("component", "pricecache")),
		entries: make(map[string]domain.MarketSnapshot),
		now:     time.Now,
	}
}

// Get returns the cached snapshot when younger than the TTL; otherwise it
// performs a rate-limited fetch, coalescing concurrent requests for the same
// token into one call. When the fetch fails and a cached value exists, that
// value is returned flagged stale rather than failing the cycle; with no
// cached value the transient error propagates to the caller.
func (c *Cache) Get(ctx context.Context, tokenID string) (domain.MarketSnapshot, error) {
	if snap, ok := c.fresh(tokenID); ok {
		return snap, nil
	}

	v, err, _ := c.group.Do(tokenID, func() (any, error) {
		// Re-check under the flight: another caller may have refreshed the
		// key while this one waited to enter.
		if snap, ok := c.fresh(tokenID); ok {
			return snap, nil
		}
		return c.refresh(ctx, tokenID)
	})
	if err == nil {
		return v.(domain.MarketSnapshot), nil
	}

	// Serve stale on refresh failure when possible.
	c.mu.RLock()
	snap, ok := c.entries[tokenID]
	c.mu.RUnlock()
	if ok {
		c.logger.WarnContext(ctx, "refresh failed, serving stale snapshot",
			slog.String("token_id", tokenID),
			slog.Duration("age", snap.Age(c.now())),
			slog.String("error", err.Error()),
		)
		snap.Stale = true
		return snap, nil
	}

	return domain.MarketSnapshot{}, fmt.Errorf("pricecache: get %s: %w", tokenID, err)
}

// Put stores a snapshot produced outside the cache, e.g. by the websocket
// book feed. Streamed snapshots reset the TTL clock like a fetch would.
func (c *Cache) Put(snap domain.MarketSnapshot) {
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = c.now()
	}
	snap.Stale = false

	c.mu.Lock()
	c.entries[snap.TokenID] = snap
	c.mu.Unlock()
}

// fresh returns the cached snapshot when it is younger than the TTL.
func (c *Cache) fresh(tokenID string) (domain.MarketSnapshot, bool) {
	c.mu.RLock()
	snap, ok := c.entries[tokenID]
	c.mu.RUnlock()
	if !ok || snap.Age(c.now()) >= c.ttl {
		return domain.MarketSnapshot{}, false
	}
	return snap, true
}

// refresh performs one rate-limited fetch and stores the result.
func (c *Cache) refresh(ctx context.Context, tokenID string) (domain.MarketSnapshot, error) {
	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return domain.MarketSnapshot{}, err
	}

	snap, err := c.source.GetSnapshot(ctx, tokenID)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = c.now()
	}

	c.mu.Lock()
	c.entries[tokenID] = snap
	c.mu.Unlock()

	return snap, nil
}

// Compile-time interface check.
var _ domain.SnapshotCache = (*Cache)(nil)
