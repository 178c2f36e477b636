package executor

import (
	"math"
	"sync"
	"time"
)

// slippageEMA tracks an exponential moving average of observed fill slippage
// (|fill - intended| / intended). The executor scales its walk step by recent
// slippage so a fast-moving book gets chased with bigger increments.
//
// Reset policy after idle periods: the average decays exponentially toward
// zero with the configured half-life, measured from the last observation. A
// book that was slipping an hour ago says nothing about the book now.
type slippageEMA struct {
	mu       sync.Mutex
	alpha    float64
	halfLife time.Duration
	value    float64
	lastObs  time.Time
}

func newSlippageEMA(alpha float64, halfLife time.Duration) *slippageEMA {
	return &slippageEMA{alpha: alpha, halfLife: halfLife}
}

// Observe folds one slippage observation into the average.
func (e *slippageEMA) Observe(slippage float64, now time.Time) {
	if slippage < 0 {
		slippage = -slippage
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.decayLocked(now)
	if e.lastObs.IsZero() {
		e.value = slippage
	} else {
		e.value = e.alpha*slippage + (1-e.alpha)*e.value
	}
	e.lastObs = now
}

// Value returns the idle-decayed average.
func (e *slippageEMA) Value(now time.Time) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.decayLocked(now)
	return e.value
}

// decayLocked applies the idle decay in place. Caller holds e.mu.
func (e *slippageEMA) decayLocked(now time.Time) {
	if e.lastObs.IsZero() || e.halfLife <= 0 {
		return
	}
	idle := now.Sub(e.lastObs)
	if idle <= 0 {
		return
	}
	e.value *= math.Pow(0.5, float64(idle)/float64(e.halfLife))
	// Advance the clock so repeated reads do not compound the decay.
	e.lastObs = now
}
