package evaluator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantegy/exitd/internal/domain"
	"github.com/quantegy/exitd/internal/tracker"
)

func baseConfig() domain.MonitoringConfig {
	return domain.MonitoringConfig{
		StopLossPct: map[domain.Confidence]float64{
			domain.ConfidenceLow:    -0.08,
			domain.ConfidenceMedium: -0.12,
			domain.ConfidenceHigh:   -0.18,
		},
		ProfitTargetPct: map[domain.Confidence]float64{
			domain.ConfidenceLow:    0.15,
			domain.ConfidenceMedium: 0.25,
			domain.ConfidenceHigh:   0.40,
		},
		EarlyExitEdgeFloor: 0.02,
		TimeUrgentWindow:   4 * time.Hour,
		MaxSpread:          0.05,
		MinDepth:           100,
	}
}

func healthySnapshot() domain.MarketSnapshot {
	return domain.MarketSnapshot{
		TokenID:  "tok-1",
		BestBid:  0.64,
		BestAsk:  0.66,
		Spread:   0.02,
		BidDepth: 500,
		AskDepth: 500,
	}
}

func baseInput(pos *domain.Position) Input {
	return Input{
		Position: pos,
		Snapshot: healthySnapshot(),
		Config:   baseConfig(),
		Now:      time.Now(),
	}
}

func openLong(entry, price float64, conf domain.Confidence) *domain.Position {
	pos := &domain.Position{
		ID:           "pos-1",
		TokenID:      "tok-1",
		Direction:    domain.OrderSideBuy,
		Quantity:     100,
		EntryPrice:   entry,
		Confidence:   conf,
		Status:       domain.PositionStatusOpen,
		SettlementAt: time.Now().Add(72 * time.Hour),
	}
	pos.MarkPrice(price)
	return pos
}

func TestEvaluate_NoTrigger(t *testing.T) {
	in := baseInput(openLong(0.60, 0.61, domain.ConfidenceMedium))
	assert.Nil(t, Evaluate(in))
}

func TestEvaluate_StopLossByConfidenceTier(t *testing.T) {
	// -10% breaches the low tier's -8% floor but not medium's -12%.
	low := baseInput(openLong(0.60, 0.54, domain.ConfidenceLow))
	trig := Evaluate(low)
	require.NotNil(t, trig)
	assert.Equal(t, domain.ReasonStopLoss, trig.Reason)
	assert.Equal(t, domain.PriorityCritical, trig.Priority)
	assert.Equal(t, domain.QuantityFull, trig.Quantity.Kind)

	medium := baseInput(openLong(0.60, 0.54, domain.ConfidenceMedium))
	assert.Nil(t, Evaluate(medium))
}

func TestEvaluate_StopLossAlongDecliningPath(t *testing.T) {
	// Entry 0.60 with a -15% floor: nothing fires until the mark drops to
	// 0.51 or below.
	cfg := baseConfig()
	cfg.StopLossPct[domain.ConfidenceMedium] = -0.15

	for _, price := range []float64{0.58, 0.55, 0.52} {
		in := baseInput(openLong(0.60, price, domain.ConfidenceMedium))
		in.Config = cfg
		assert.Nilf(t, Evaluate(in), "no trigger expected at %.2f", price)
	}

	// The floor itself fires: 0.51 is exactly -15%.
	at := baseInput(openLong(0.60, 0.51, domain.ConfidenceMedium))
	at.Config = cfg
	trig := Evaluate(at)
	require.NotNil(t, trig)
	assert.Equal(t, domain.ReasonStopLoss, trig.Reason)

	in := baseInput(openLong(0.60, 0.50, domain.ConfidenceMedium))
	in.Config = cfg
	trig = Evaluate(in)
	require.NotNil(t, trig)
	assert.Equal(t, domain.ReasonStopLoss, trig.Reason)
}

func TestEvaluate_CircuitBreakerOutranksEverything(t *testing.T) {
	in := baseInput(openLong(0.60, 0.50, domain.ConfidenceLow)) // stop-loss also firing
	in.BreakerTripped = true

	trig := Evaluate(in)
	require.NotNil(t, trig)
	assert.Equal(t, domain.ReasonCircuitBreaker, trig.Reason)
	assert.Equal(t, domain.PriorityCritical, trig.Priority)
	assert.Equal(t, domain.QuantityAllPositions, trig.Quantity.Kind)
	assert.Contains(t, trig.AlsoMatched, domain.ReasonStopLoss)
}

func TestEvaluate_TrailingStop(t *testing.T) {
	in := baseInput(openLong(0.60, 0.67, domain.ConfidenceMedium))
	in.Trailing = tracker.PhaseTriggered

	trig := Evaluate(in)
	require.NotNil(t, trig)
	assert.Equal(t, domain.ReasonTrailingStop, trig.Reason)
	assert.Equal(t, domain.PriorityHigh, trig.Priority)
}

func TestEvaluate_TimeUrgentOnlyWhileLosing(t *testing.T) {
	losing := openLong(0.60, 0.58, domain.ConfidenceMedium)
	losing.SettlementAt = time.Now().Add(2 * time.Hour)
	in := baseInput(losing)
	in.Now = time.Now()

	trig := Evaluate(in)
	require.NotNil(t, trig)
	assert.Equal(t, domain.ReasonTimeUrgent, trig.Reason)

	winning := openLong(0.60, 0.62, domain.ConfidenceMedium)
	winning.SettlementAt = time.Now().Add(2 * time.Hour)
	in = baseInput(winning)
	assert.Nil(t, Evaluate(in))
}

func TestEvaluate_LiquidityDriedUp(t *testing.T) {
	in := baseInput(openLong(0.60, 0.61, domain.ConfidenceMedium))
	in.Snapshot.Spread = 0.08

	trig := Evaluate(in)
	require.NotNil(t, trig)
	assert.Equal(t, domain.ReasonLiquidityGone, trig.Reason)

	in = baseInput(openLong(0.60, 0.61, domain.ConfidenceMedium))
	in.Snapshot.BidDepth = 10 // a long exits into the bid side
	trig = Evaluate(in)
	require.NotNil(t, trig)
	assert.Equal(t, domain.ReasonLiquidityGone, trig.Reason)
}

func TestEvaluate_StaleSnapshotStandsLiquidityDown(t *testing.T) {
	in := baseInput(openLong(0.60, 0.61, domain.ConfidenceMedium))
	in.Snapshot.Spread = 0.50
	in.Snapshot.BidDepth = 0
	in.Snapshot.Stale = true

	assert.Nil(t, Evaluate(in))
}

func TestEvaluate_ProfitTargetWithoutStaging(t *testing.T) {
	in := baseInput(openLong(0.60, 0.76, domain.ConfidenceMedium)) // +26.7%

	trig := Evaluate(in)
	require.NotNil(t, trig)
	assert.Equal(t, domain.ReasonProfitTarget, trig.Reason)
	assert.Equal(t, domain.PriorityMedium, trig.Priority)
	assert.Equal(t, domain.QuantityFull, trig.Quantity.Kind)
}

func TestEvaluate_ProfitTargetDelegatesToStager(t *testing.T) {
	pos := openLong(0.60, 0.76, domain.ConfidenceMedium) // +26.7%
	in := baseInput(pos)
	in.Partial = tracker.NewPartialExits([]domain.PartialStage{
		{Name: "first", Threshold: 0.15, ExitFraction: 0.50},
		{Name: "second", Threshold: 0.25, ExitFraction: 0.25},
	})

	trig := Evaluate(in)
	require.NotNil(t, trig)
	assert.Equal(t, domain.ReasonPartialExit, trig.Reason)
	assert.Equal(t, "first", trig.Stage)
	assert.Equal(t, domain.QuantityPartial, trig.Quantity.Kind)
	assert.InDelta(t, 50.0, trig.Quantity.Amount, 1e-9)
}

func TestEvaluate_PartialStagesExhaustedFallsThrough(t *testing.T) {
	pos := openLong(0.60, 0.76, domain.ConfidenceMedium)
	pos.ConsumeStage("first")
	pos.ConsumeStage("second")
	in := baseInput(pos)
	in.Partial = tracker.NewPartialExits([]domain.PartialStage{
		{Name: "first", Threshold: 0.15, ExitFraction: 0.50},
		{Name: "second", Threshold: 0.25, ExitFraction: 0.25},
	})

	// Staging configured but fully consumed: neither the stager nor the
	// full profit target fires, so the remainder rides.
	assert.Nil(t, Evaluate(in))
}

func TestEvaluate_EarlyExitAndEdgeGone(t *testing.T) {
	in := baseInput(openLong(0.60, 0.61, domain.ConfidenceMedium))
	in.HasEdge = true
	in.Edge = 0.01 // below the 0.02 floor but still positive

	trig := Evaluate(in)
	require.NotNil(t, trig)
	assert.Equal(t, domain.ReasonEarlyExit, trig.Reason)
	assert.Equal(t, domain.PriorityLow, trig.Priority)

	in.Edge = -0.01 // negative: both early_exit and edge_disappeared match
	trig = Evaluate(in)
	require.NotNil(t, trig)
	assert.Equal(t, domain.ReasonEarlyExit, trig.Reason)
	assert.Contains(t, trig.AlsoMatched, domain.ReasonEdgeGone)
}

func TestEvaluate_EdgeConditionsStandDownWithoutModel(t *testing.T) {
	in := baseInput(openLong(0.60, 0.61, domain.ConfidenceMedium))
	in.HasEdge = false
	in.Edge = -1.0 // must be ignored

	assert.Nil(t, Evaluate(in))
}

func TestEvaluate_RebalanceRequiresProfit(t *testing.T) {
	in := baseInput(openLong(0.60, 0.61, domain.ConfidenceMedium))
	in.HasOpportunity = true
	in.BetterOpportunity = true

	trig := Evaluate(in)
	require.NotNil(t, trig)
	assert.Equal(t, domain.ReasonRebalance, trig.Reason)

	in = baseInput(openLong(0.60, 0.59, domain.ConfidenceMedium))
	in.HasOpportunity = true
	in.BetterOpportunity = true
	assert.Nil(t, Evaluate(in))
}

func TestEvaluate_HigherTierWinsAndRecordsAlsoMatched(t *testing.T) {
	// Losing position near settlement with a vanished edge: time_based_urgent
	// (HIGH) must beat edge_disappeared (LOW).
	pos := openLong(0.60, 0.58, domain.ConfidenceMedium)
	pos.SettlementAt = time.Now().Add(time.Hour)
	in := baseInput(pos)
	in.HasEdge = true
	in.Edge = -0.05

	trig := Evaluate(in)
	require.NotNil(t, trig)
	assert.Equal(t, domain.ReasonTimeUrgent, trig.Reason)
	assert.ElementsMatch(t,
		[]domain.ExitReason{domain.ReasonEarlyExit, domain.ReasonEdgeGone},
		trig.AlsoMatched,
	)
}

func TestEvaluate_ExecParamsFollowTier(t *testing.T) {
	in := baseInput(openLong(0.60, 0.50, domain.ConfidenceLow))

	trig := Evaluate(in)
	require.NotNil(t, trig)
	assert.Equal(t, domain.OrderTypeMarket, trig.Exec.OrderType)
	assert.True(t, trig.Exec.MarketFallback)
}

func TestEvaluate_IsPureAndRepeatable(t *testing.T) {
	// Same input, same answer, no matter how often it is asked, and the
	// position record is never mutated by asking.
	pos := openLong(0.60, 0.50, domain.ConfidenceLow)
	in := baseInput(pos)
	in.HasEdge = true
	in.Edge = -0.01 // edge conditions match alongside the stop-loss

	before := *pos

	first := Evaluate(in)
	require.NotNil(t, first)
	assert.Equal(t, domain.ReasonStopLoss, first.Reason)

	for i := 0; i < 5; i++ {
		again := Evaluate(in)
		require.NotNil(t, again)
		assert.Equal(t, first.Reason, again.Reason)
		assert.Equal(t, first.Priority, again.Priority)
		assert.Equal(t, first.Quantity, again.Quantity)
		assert.Equal(t, first.Stage, again.Stage)
		assert.ElementsMatch(t, first.AlsoMatched, again.AlsoMatched)
	}

	assert.Equal(t, before, *pos)
}
