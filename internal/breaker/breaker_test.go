package breaker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantegy/exitd/internal/domain"
)

type recordingBus struct {
	mu       sync.Mutex
	channels []string
}

func (b *recordingBus) Publish(_ context.Context, channel string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append(b.channels, channel)
	return nil
}
func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }
func (b *recordingBus) StreamAppend(context.Context, string, []byte) error       { return nil }
func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type staticFeed struct{ state domain.AccountState }

func (f staticFeed) AccountState(context.Context) (domain.AccountState, error) {
	return f.state, nil
}

func testBreaker(cfg Config, feed domain.AccountFeed, bus domain.SignalBus) *Breaker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, feed, bus, logger)
}

func closeEvent(pnl float64) domain.CloseEvent {
	return domain.CloseEvent{PositionID: "pos-1", RealizedPnL: pnl, ClosedAt: time.Now()}
}

func TestBreaker_TripsOnDailyLoss(t *testing.T) {
	bus := &recordingBus{}
	b := testBreaker(Config{MaxDailyLoss: -500, MaxConsecutiveLosses: 0}, nil, bus)
	ctx := context.Background()

	b.RecordClose(ctx, closeEvent(-200))
	assert.False(t, b.Tripped())

	b.RecordClose(ctx, closeEvent(-350))
	assert.True(t, b.Tripped())
	assert.Contains(t, bus.channels, "alerts")
}

func TestBreaker_TripsOnConsecutiveLosses(t *testing.T) {
	b := testBreaker(Config{MaxDailyLoss: -1e9, MaxConsecutiveLosses: 3}, nil, &recordingBus{})
	ctx := context.Background()

	b.RecordClose(ctx, closeEvent(-10))
	b.RecordClose(ctx, closeEvent(-10))
	assert.False(t, b.Tripped())

	// A winning close resets the run.
	b.RecordClose(ctx, closeEvent(25))
	b.RecordClose(ctx, closeEvent(-10))
	b.RecordClose(ctx, closeEvent(-10))
	assert.False(t, b.Tripped())

	b.RecordClose(ctx, closeEvent(-10))
	assert.True(t, b.Tripped())
}

func TestBreaker_TripClosesBroadcastChannel(t *testing.T) {
	b := testBreaker(Config{MaxDailyLoss: -100}, nil, &recordingBus{})
	tripC := b.TripC()

	select {
	case <-tripC:
		t.Fatal("channel closed before trip")
	default:
	}

	b.RecordClose(context.Background(), closeEvent(-150))

	select {
	case <-tripC:
	case <-time.After(time.Second):
		t.Fatal("trip was not broadcast")
	}
}

func TestBreaker_StaysTrippedUntilReset(t *testing.T) {
	b := testBreaker(Config{MaxDailyLoss: -100}, nil, &recordingBus{})
	ctx := context.Background()

	b.RecordClose(ctx, closeEvent(-150))
	require.True(t, b.Tripped())

	// Winning closes do not close a tripped breaker.
	b.RecordClose(ctx, closeEvent(500))
	assert.True(t, b.Tripped())

	b.Reset()
	assert.False(t, b.Tripped())

	// The broadcast re-arms after reset.
	select {
	case <-b.TripC():
		t.Fatal("channel still closed after reset")
	default:
	}
}

func TestBreaker_DailyRollover(t *testing.T) {
	b := testBreaker(Config{MaxDailyLoss: -500}, nil, &recordingBus{})
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return base }
	b.day = base.Truncate(24 * time.Hour)

	b.RecordClose(ctx, closeEvent(-400))
	require.False(t, b.Tripped())

	// Next UTC day: the daily counter resets, so another -400 stays safe.
	b.now = func() time.Time { return base.Add(6 * time.Hour) }
	b.RecordClose(ctx, closeEvent(-400))
	assert.False(t, b.Tripped())
	assert.InDelta(t, -400, b.State().DailyPnL, 1e-9)
}

func TestBreaker_RunReconcilesAgainstFeed(t *testing.T) {
	feed := staticFeed{state: domain.AccountState{DailyPnL: -600, ConsecutiveLosses: 1}}
	b := testBreaker(Config{MaxDailyLoss: -500, PollInterval: 5 * time.Millisecond}, feed, &recordingBus{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	select {
	case <-b.TripC():
	case <-time.After(time.Second):
		t.Fatal("feed reconcile did not trip the breaker")
	}

	cancel()
	<-done
	assert.True(t, b.Tripped())
}
