package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BurstIsImmediate(t *testing.T) {
	l := New(10, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(ctx, 1))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_BlocksWhenDrained(t *testing.T) {
	l := New(10, 1) // refill every 100ms
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, 1))

	start := time.Now()
	require.NoError(t, l.Acquire(ctx, 1))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_ContextCancellation(t *testing.T) {
	l := New(0.1, 1) // one token per ten seconds
	require.NoError(t, l.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx, 1)
	assert.Error(t, err)
}

func TestLimiter_RejectsOversizedRequest(t *testing.T) {
	l := New(10, 5)
	err := l.Acquire(context.Background(), 6)
	assert.Error(t, err)
}

func TestLimiter_Burst(t *testing.T) {
	assert.Equal(t, 20, New(10, 20).Burst())
}

func TestLimiter_SharedAcrossConcurrentConsumers(t *testing.T) {
	// One bucket shared by many consumers: the burst is spent once in total,
	// then everyone queues behind the same refill rate.
	l := New(10, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	const consumers = 6
	errs := make(chan error, consumers)
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Acquire(ctx, 1)
		}()
	}
	wg.Wait()
	close(errs)
	elapsed := time.Since(start)

	for err := range errs {
		require.NoError(t, err)
	}

	// 2 tokens from the burst, 4 queued at 10/s: ~400ms end to end.
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}
