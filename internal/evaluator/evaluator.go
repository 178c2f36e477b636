// Package evaluator decides, once per monitoring cycle, whether a position
// should exit and why. It is a pure function of its input: identical inputs
// always produce the identical trigger, which is what makes exit decisions
// replayable from the audit trail.
package evaluator

import (
	"time"

	"github.com/quantegy/exitd/internal/domain"
	"github.com/quantegy/exitd/internal/tracker"
)

// boundaryEps absorbs float rounding in P&L threshold comparisons so a mark
// sitting exactly on a configured boundary still fires.
const boundaryEps = 1e-9

// Input bundles everything a single evaluation cycle may read. The supervisor
// resolves all I/O (snapshot fetch, edge recomputation, breaker state) before
// calling Evaluate, so evaluation itself never blocks and never errors.
type Input struct {
	Position *domain.Position
	Snapshot domain.MarketSnapshot
	Config   domain.MonitoringConfig

	// Trailing is the phase returned by this cycle's TrailingStop.Observe.
	Trailing tracker.Phase
	// Partial is the position's stager; nil disables partial conditions.
	Partial *tracker.PartialExits

	// Edge is the recomputed model edge. HasEdge is false when the model was
	// unreachable this cycle; edge-driven conditions then stand down rather
	// than risk a false exit.
	Edge    float64
	HasEdge bool

	// BetterOpportunity is the portfolio signal consumed by rebalance.
	// HasOpportunity mirrors HasEdge.
	BetterOpportunity bool
	HasOpportunity    bool

	// BreakerTripped is the account-level circuit breaker state.
	BreakerTripped bool

	Now time.Time
}

// match is the outcome of one condition check.
type match struct {
	reason   domain.ExitReason
	priority domain.Priority
	quantity domain.QuantitySpec
	stage    string
}

// condition is one tagged entry in the evaluation table: a reason code, its
// tier, and a pure predicate over the cycle input.
type condition struct {
	reason   domain.ExitReason
	priority domain.Priority
	check    func(in Input) (match, bool)
}

// conditions is the full table, ordered by tier and, within a tier, by the
// order ties are broken. All entries are checked every cycle regardless of
// earlier matches so the audit trail records every concurrent condition.
var conditions = []condition{
	{domain.ReasonCircuitBreaker, domain.PriorityCritical, checkCircuitBreaker},
	{domain.ReasonStopLoss, domain.PriorityCritical, checkStopLoss},
	{domain.ReasonTrailingStop, domain.PriorityHigh, checkTrailingStop},
	{domain.ReasonTimeUrgent, domain.PriorityHigh, checkTimeUrgent},
	{domain.ReasonLiquidityGone, domain.PriorityHigh, checkLiquidity},
	{domain.ReasonProfitTarget, domain.PriorityMedium, checkProfitTarget},
	{domain.ReasonPartialExit, domain.PriorityMedium, checkPartialExit},
	{domain.ReasonEarlyExit, domain.PriorityLow, checkEarlyExit},
	{domain.ReasonEdgeGone, domain.PriorityLow, checkEdgeGone},
	{domain.ReasonRebalance, domain.PriorityLow, checkRebalance},
}

// Evaluate checks all ten exit conditions and returns the single
// highest-priority match as a trigger, or nil when nothing matched. Every
// other matched reason is recorded in the trigger's AlsoMatched metadata.
func Evaluate(in Input) *domain.ExitTrigger {
	var matches []match
	for _, c := range conditions {
		if m, ok := c.check(in); ok {
			m.reason = c.reason
			m.priority = c.priority
			matches = append(matches, m)
		}
	}
	if len(matches) == 0 {
		return nil
	}

	// The table is already ordered by descending tier, so the first match is
	// the winner; a stable scan keeps tie-breaking deterministic.
	best := matches[0]
	for _, m := range matches[1:] {
		if m.priority > best.priority {
			best = m
		}
	}

	trig := &domain.ExitTrigger{
		Reason:      best.reason,
		Priority:    best.priority,
		Quantity:    best.quantity,
		Exec:        domain.DefaultExecParams(best.priority),
		Stage:       best.stage,
		EvaluatedAt: in.Now,
	}
	for _, m := range matches {
		if m.reason != best.reason {
			trig.AlsoMatched = append(trig.AlsoMatched, m.reason)
		}
	}
	return trig
}

func fullExit() match {
	return match{quantity: domain.QuantitySpec{Kind: domain.QuantityFull}}
}

func checkCircuitBreaker(in Input) (match, bool) {
	if !in.BreakerTripped {
		return match{}, false
	}
	return match{quantity: domain.QuantitySpec{Kind: domain.QuantityAllPositions}}, true
}

func checkStopLoss(in Input) (match, bool) {
	floor := in.Config.StopLossFor(in.Position.Confidence)
	if in.Position.UnrealizedPnLPct > floor+boundaryEps {
		return match{}, false
	}
	return fullExit(), true
}

func checkTrailingStop(in Input) (match, bool) {
	if in.Trailing != tracker.PhaseTriggered {
		return match{}, false
	}
	return fullExit(), true
}

func checkTimeUrgent(in Input) (match, bool) {
	if in.Config.TimeUrgentWindow <= 0 {
		return match{}, false
	}
	ttl := in.Position.TimeToSettlement(in.Now)
	if ttl > in.Config.TimeUrgentWindow || in.Position.UnrealizedPnL >= 0 {
		return match{}, false
	}
	return fullExit(), true
}

func checkLiquidity(in Input) (match, bool) {
	// A stale snapshot proves nothing about current liquidity.
	if in.Snapshot.Stale {
		return match{}, false
	}
	depth := in.Snapshot.BidDepth
	if in.Position.Direction == domain.OrderSideSell {
		depth = in.Snapshot.AskDepth
	}
	if in.Snapshot.Spread <= in.Config.MaxSpread && depth >= in.Config.MinDepth {
		return match{}, false
	}
	return fullExit(), true
}

func checkProfitTarget(in Input) (match, bool) {
	target := in.Config.ProfitTargetFor(in.Position.Confidence)
	if in.Position.UnrealizedPnLPct < target-boundaryEps {
		return match{}, false
	}
	// When partial staging is configured, the target delegates to the stager
	// instead of closing the whole position at once.
	if in.Partial != nil && in.Partial.Enabled() {
		return match{}, false
	}
	return fullExit(), true
}

func checkPartialExit(in Input) (match, bool) {
	if in.Partial == nil {
		return match{}, false
	}
	stage, ok := in.Partial.Armed(in.Position)
	if !ok {
		return match{}, false
	}
	return match{
		quantity: domain.QuantitySpec{
			Kind:   domain.QuantityPartial,
			Amount: stage.ExitFraction * in.Position.Quantity,
		},
		stage: stage.Name,
	}, true
}

func checkEarlyExit(in Input) (match, bool) {
	if !in.HasEdge || in.Edge >= in.Config.EarlyExitEdgeFloor {
		return match{}, false
	}
	return fullExit(), true
}

func checkEdgeGone(in Input) (match, bool) {
	if !in.HasEdge || in.Edge >= 0 {
		return match{}, false
	}
	return fullExit(), true
}

func checkRebalance(in Input) (match, bool) {
	if !in.HasOpportunity || !in.BetterOpportunity {
		return match{}, false
	}
	if in.Position.UnrealizedPnL <= 0 {
		return match{}, false
	}
	return fullExit(), true
}
