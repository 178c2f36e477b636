package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlippageEMA_FirstObservationSeedsValue(t *testing.T) {
	e := newSlippageEMA(0.3, 10*time.Minute)
	now := time.Now()

	e.Observe(0.04, now)
	assert.InDelta(t, 0.04, e.Value(now), 1e-9)
}

func TestSlippageEMA_FoldsWithAlpha(t *testing.T) {
	e := newSlippageEMA(0.3, 10*time.Minute)
	now := time.Now()

	e.Observe(0.04, now)
	e.Observe(0.10, now)
	// 0.3*0.10 + 0.7*0.04 = 0.058
	assert.InDelta(t, 0.058, e.Value(now), 1e-9)
}

func TestSlippageEMA_AbsoluteValue(t *testing.T) {
	e := newSlippageEMA(0.3, 10*time.Minute)
	now := time.Now()

	e.Observe(-0.04, now)
	assert.InDelta(t, 0.04, e.Value(now), 1e-9)
}

func TestSlippageEMA_IdleDecayHalvesPerHalfLife(t *testing.T) {
	e := newSlippageEMA(0.3, 10*time.Minute)
	now := time.Now()

	e.Observe(0.08, now)
	assert.InDelta(t, 0.04, e.Value(now.Add(10*time.Minute)), 1e-9)
	assert.InDelta(t, 0.02, e.Value(now.Add(20*time.Minute)), 1e-9)
	// An hour idle leaves essentially nothing.
	assert.Less(t, e.Value(now.Add(time.Hour)), 0.002)
}
