// Package breaker implements the account-level circuit breaker. It is an
// explicit injected service with serialized counters and a broadcast channel
// that interrupts every supervisor the moment it trips.
package breaker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/quantegy/exitd/internal/domain"
	"github.com/quantegy/exitd/internal/metrics"
)

// Config holds the account-level trip limits.
type Config struct {
	// MaxDailyLoss trips the breaker when the day's realized P&L falls to or
	// below this (negative) value.
	MaxDailyLoss float64
	// MaxConsecutiveLosses trips the breaker after this many losing closes in
	// a row.
	MaxConsecutiveLosses int
	// PollInterval is how often the external account feed is reconciled.
	PollInterval time.Duration
}

// Breaker watches account aggregates from two directions: close events folded
// in as they happen, and a periodic reconcile against the account feed. Once
// tripped it stays tripped until Reset; supervisors observe the trip both by
// polling Tripped and by selecting on TripC.
type Breaker struct {
	cfg    Config
	feed   domain.AccountFeed
	bus    domain.SignalBus
	logger *slog.Logger

	mu                sync.Mutex
	dailyPnL          float64
	consecutiveLosses int
	day               time.Time // UTC date the counters belong to
	tripped           bool
	tripC             chan struct{}

	now func() time.Time
}

// New creates a Breaker. The feed may be nil when no external aggregate
// source exists; close events alone then drive the counters.
func New(cfg Config, feed domain.AccountFeed, bus domain.SignalBus, logger *slog.Logger) *Breaker {
	b := &Breaker{
		cfg:    cfg,
		feed:   feed,
		bus:    bus,
		logger: logger.With(slog.String("component", "breaker")),
		tripC:  make(chan struct{}),
		now:    time.Now,
	}
	b.day = b.now().UTC().Truncate(24 * time.Hour)
	return b
}

// Tripped reports whether the breaker is open.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// TripC returns a channel closed when the breaker trips. Supervisors select
// on it so a trip interrupts their inter-cycle sleep immediately instead of
// waiting out the interval.
func (b *Breaker) TripC() <-chan struct{} {
	return b.tripC
}

// RecordClose folds one realized close into the counters and trips the
// breaker when a limit breaches.
func (b *Breaker) RecordClose(ctx context.Context, evt domain.CloseEvent) {
	b.mu.Lock()
	b.rolloverLocked()

	b.dailyPnL += evt.RealizedPnL
	if evt.RealizedPnL < 0 {
		b.consecutiveLosses++
	} else if evt.RealizedPnL > 0 {
		b.consecutiveLosses = 0
	}
	shouldTrip, cause := b.breachLocked()
	b.mu.Unlock()

	if shouldTrip {
		b.trip(ctx, cause)
	}
}

// Run reconciles the counters against the external account feed until ctx
// ends. Feed errors are logged and retried next interval.
func (b *Breaker) Run(ctx context.Context) error {
	if b.feed == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		state, err := b.feed.AccountState(ctx)
		if err != nil {
			b.logger.WarnContext(ctx, "account feed poll failed", slog.String("error", err.Error()))
			continue
		}

		b.mu.Lock()
		b.rolloverLocked()
		// The feed is authoritative when it disagrees with local folding.
		b.dailyPnL = state.DailyPnL
		b.consecutiveLosses = state.ConsecutiveLosses
		shouldTrip, cause := b.breachLocked()
		b.mu.Unlock()

		if shouldTrip {
			b.trip(ctx, cause)
		}
	}
}

// State returns a copy of the current counters.
func (b *Breaker) State() domain.AccountState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.AccountState{
		DailyPnL:          b.dailyPnL,
		ConsecutiveLosses: b.consecutiveLosses,
		ObservedAt:        b.now(),
	}
}

// Reset closes a tripped breaker and re-arms the broadcast. Intended for
// operator intervention after the account has been reviewed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.tripped {
		return
	}
	b.tripped = false
	b.tripC = make(chan struct{})
	metrics.BreakerOpen.Set(0)
	b.consecutiveLosses = 0
	b.logger.Info("breaker reset")
}

// breachLocked checks the limits. Caller holds b.mu.
func (b *Breaker) breachLocked() (bool, string) {
	if b.tripped {
		return false, ""
	}
	if b.cfg.MaxDailyLoss < 0 && b.dailyPnL <= b.cfg.MaxDailyLoss {
		return true, "daily_loss"
	}
	if b.cfg.MaxConsecutiveLosses > 0 && b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses {
		return true, "consecutive_losses"
	}
	return false, ""
}

// rolloverLocked resets daily counters when the UTC day changes. Caller holds b.mu.
func (b *Breaker) rolloverLocked() {
	today := b.now().UTC().Truncate(24 * time.Hour)
	if today.After(b.day) {
		b.day = today
		b.dailyPnL = 0
	}
}

// trip opens the breaker, closes the broadcast channel, and announces the
// event on the bus.
func (b *Breaker) trip(ctx context.Context, cause string) {
	b.mu.Lock()
	if b.tripped {
		b.mu.Unlock()
		return
	}
	b.tripped = true
	close(b.tripC)
	metrics.BreakerOpen.Set(1)
	pnl := b.dailyPnL
	losses := b.consecutiveLosses
	b.mu.Unlock()

	b.logger.ErrorContext(ctx, "circuit breaker tripped",
		slog.String("cause", cause),
		slog.Float64("daily_pnl", pnl),
		slog.Int("consecutive_losses", losses),
	)

	if b.bus != nil {
		payload, _ := json.Marshal(map[string]any{
			"event":              "breaker_tripped",
			"cause":              cause,
			"daily_pnl":          pnl,
			"consecutive_losses": losses,
		})
		if err := b.bus.Publish(ctx, "alerts", payload); err != nil {
			b.logger.WarnContext(ctx, "publish breaker event failed", slog.String("error", err.Error()))
		}
	}
}
