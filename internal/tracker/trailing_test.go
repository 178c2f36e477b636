package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantegy/exitd/internal/domain"
)

func longPosition(entry float64) *domain.Position {
	return &domain.Position{
		ID:         "pos-1",
		Direction:  domain.OrderSideBuy,
		Quantity:   100,
		EntryPrice: entry,
	}
}

func observe(t *TrailingStop, pos *domain.Position, price float64) Phase {
	pos.MarkPrice(price)
	return t.Observe(pos)
}

func TestTrailingStop_StaysInactiveBelowActivation(t *testing.T) {
	ts := NewTrailingStop(domain.TrailingConfig{
		ActivationPct:   0.10,
		InitialDistance: 0.05,
		FloorDistance:   0.02,
	})
	pos := longPosition(0.60)

	assert.Equal(t, PhaseInactive, observe(ts, pos, 0.62))
	assert.Equal(t, PhaseInactive, observe(ts, pos, 0.65)) // +8.3%, still below 10%
	assert.False(t, pos.Trailing.Active)
}

func TestTrailingStop_WorkedExample(t *testing.T) {
	// Activation 10%, initial distance 5%, floor 2%. Entry 0.60, peak 0.70:
	// stop settles at 0.70*(1-0.05) = 0.665. A dip to 0.686 must not trigger;
	// 0.665 must.
	ts := NewTrailingStop(domain.TrailingConfig{
		ActivationPct:   0.10,
		InitialDistance: 0.05,
		FloorDistance:   0.02,
	})
	pos := longPosition(0.60)

	require.Equal(t, PhaseActive, observe(ts, pos, 0.66)) // +10%, arms
	require.Equal(t, PhaseActive, observe(ts, pos, 0.70))
	assert.InDelta(t, 0.70, pos.Trailing.PeakPrice, 1e-9)
	assert.InDelta(t, 0.665, pos.Trailing.StopPrice, 1e-9)

	assert.Equal(t, PhaseActive, observe(ts, pos, 0.686))
	assert.Equal(t, PhaseTriggered, observe(ts, pos, 0.665))
}

func TestTrailingStop_StopNeverDecreases(t *testing.T) {
	ts := NewTrailingStop(domain.TrailingConfig{
		ActivationPct:   0.10,
		InitialDistance: 0.05,
		TighteningRate:  0.10,
		FloorDistance:   0.015,
	})
	pos := longPosition(0.50)

	prices := []float64{0.56, 0.60, 0.59, 0.63, 0.62, 0.66, 0.65, 0.70, 0.69}
	var lastStop float64
	for _, p := range prices {
		phase := observe(ts, pos, p)
		require.NotEqual(t, PhaseTriggered, phase, "price %v", p)
		require.GreaterOrEqual(t, pos.Trailing.StopPrice, lastStop, "price %v", p)
		lastStop = pos.Trailing.StopPrice
	}
}

func TestTrailingStop_DistanceTightensTowardFloor(t *testing.T) {
	cfg := domain.TrailingConfig{
		ActivationPct:   0.10,
		InitialDistance: 0.05,
		TighteningRate:  0.10,
		FloorDistance:   0.015,
	}
	ts := NewTrailingStop(cfg)

	assert.InDelta(t, 0.05, ts.distance(0.10), 1e-9)
	assert.InDelta(t, 0.04, ts.distance(0.20), 1e-9)
	// Far beyond activation the distance clamps at the floor.
	assert.InDelta(t, 0.015, ts.distance(1.0), 1e-9)
}

func TestTrailingStop_ShortDirectionTrailsDown(t *testing.T) {
	ts := NewTrailingStop(domain.TrailingConfig{
		ActivationPct:   0.10,
		InitialDistance: 0.05,
		FloorDistance:   0.02,
	})
	pos := &domain.Position{
		ID:         "pos-2",
		Direction:  domain.OrderSideSell,
		Quantity:   100,
		EntryPrice: 0.60,
	}

	// A short profits as price falls.
	require.Equal(t, PhaseActive, observe(ts, pos, 0.54)) // +10%
	require.Equal(t, PhaseActive, observe(ts, pos, 0.50))
	assert.InDelta(t, 0.50, pos.Trailing.PeakPrice, 1e-9)
	assert.InDelta(t, 0.525, pos.Trailing.StopPrice, 1e-9)

	assert.Equal(t, PhaseActive, observe(ts, pos, 0.51))
	assert.Equal(t, PhaseTriggered, observe(ts, pos, 0.526))
}

func TestTrailingStop_PeakTracksNewHighs(t *testing.T) {
	ts := NewTrailingStop(domain.TrailingConfig{
		ActivationPct:   0.10,
		InitialDistance: 0.05,
		FloorDistance:   0.02,
	})
	pos := longPosition(0.50)

	require.Equal(t, PhaseActive, observe(ts, pos, 0.55))
	require.Equal(t, PhaseActive, observe(ts, pos, 0.60))
	require.Equal(t, PhaseActive, observe(ts, pos, 0.58)) // dip, peak holds
	assert.InDelta(t, 0.60, pos.Trailing.PeakPrice, 1e-9)

	require.Equal(t, PhaseActive, observe(ts, pos, 0.65))
	assert.InDelta(t, 0.65, pos.Trailing.PeakPrice, 1e-9)
}
