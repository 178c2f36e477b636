// Package ratelimit provides the shared token bucket gating every outbound
// market-data and order API call.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/quantegy/exitd/internal/domain"
)

// Limiter implements domain.RateLimiter on a token bucket. A single Limiter
// is shared by every supervisor and the executor, so the configured capacity
// bounds total API consumption regardless of how many positions are open.
type Limiter struct {
	bucket *rate.Limiter
}

// New creates a Limiter refilling at perSec tokens per second with the given
// burst capacity.
func New(perSec float64, burst int) *Limiter {
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// Acquire blocks until n tokens are available, refilling proportionally to
// elapsed time. It returns an error when ctx is cancelled first or n exceeds
// the bucket capacity.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if err := l.bucket.WaitN(ctx, n); err != nil {
		return fmt.Errorf("ratelimit: acquire %d: %w", n, err)
	}
	return nil
}

// Burst returns the configured bucket capacity.
func (l *Limiter) Burst() int {
	return l.bucket.Burst()
}

// Compile-time interface check.
var _ domain.RateLimiter = (*Limiter)(nil)
