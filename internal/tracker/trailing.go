// Package tracker holds the per-position state trackers: the trailing stop
// and the partial-exit stager. Both are pure, reading and writing only the
// position handed to them.
package tracker

import "github.com/quantegy/exitd/internal/domain"

// boundaryEps absorbs float rounding in threshold comparisons so a mark
// sitting exactly on a configured boundary still fires: 0.51 against a 0.60
// entry computes to -0.14999999999999997, not -0.15.
const boundaryEps = 1e-9

// Phase is the trailing-stop state machine position.
type Phase int

const (
	PhaseInactive Phase = iota
	PhaseActive
	PhaseTriggered // terminal
)

// String returns the phase name used in logs.
func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseTriggered:
		return "triggered"
	default:
		return "inactive"
	}
}

// TrailingStop advances a position's trailing-stop sub-state one observation
// at a time. The stop price only ever moves in the profit-protecting
// direction: up for longs, down for shorts.
type TrailingStop struct {
	cfg domain.TrailingConfig
}

// NewTrailingStop creates a tracker bound to one position's immutable config.
func NewTrailingStop(cfg domain.TrailingConfig) *TrailingStop {
	return &TrailingStop{cfg: cfg}
}

// Observe consumes the position's current price and P&L%, updates the
// trailing sub-state on the position, and returns the resulting phase.
// Triggering is reported to the caller, never acted on here; the evaluator
// surfaces it as the trailing_stop condition.
func (t *TrailingStop) Observe(pos *domain.Position) Phase {
	price := pos.CurrentPrice
	st := &pos.Trailing

	if !st.Active {
		if pos.UnrealizedPnLPct < t.cfg.ActivationPct-boundaryEps {
			return PhaseInactive
		}
		// Arm: peak starts at the activating price.
		st.Active = true
		st.PeakPrice = price
		st.StopPrice = t.stopFrom(price, t.cfg.InitialDistance, pos.Direction)
		return PhaseActive
	}

	// Track new extremes.
	if newPeak(price, st.PeakPrice, pos.Direction) {
		st.PeakPrice = price
	}

	// Tighten the distance toward the floor as profit grows, then ratchet the
	// stop. It is never allowed to retreat.
	dist := t.distance(pos.UnrealizedPnLPct)
	candidate := t.stopFrom(st.PeakPrice, dist, pos.Direction)
	if pos.Direction == domain.OrderSideBuy {
		if candidate > st.StopPrice {
			st.StopPrice = candidate
		}
		if price <= st.StopPrice+boundaryEps {
			return PhaseTriggered
		}
	} else {
		if candidate < st.StopPrice {
			st.StopPrice = candidate
		}
		if price >= st.StopPrice-boundaryEps {
			return PhaseTriggered
		}
	}

	return PhaseActive
}

// distance returns the stop distance for the given P&L%, shrinking from the
// initial distance toward the floor as profit exceeds the activation level.
func (t *TrailingStop) distance(pnlPct float64) float64 {
	d := t.cfg.InitialDistance - t.cfg.TighteningRate*(pnlPct-t.cfg.ActivationPct)
	if d < t.cfg.FloorDistance {
		return t.cfg.FloorDistance
	}
	return d
}

// stopFrom computes the stop level at the given distance from an extreme.
func (t *TrailingStop) stopFrom(extreme, dist float64, dir domain.OrderSide) float64 {
	if dir == domain.OrderSideBuy {
		return extreme * (1 - dist)
	}
	return extreme * (1 + dist)
}

// newPeak reports whether price is a fresh favorable extreme.
func newPeak(price, peak float64, dir domain.OrderSide) bool {
	if dir == domain.OrderSideBuy {
		return price > peak
	}
	return price < peak
}
