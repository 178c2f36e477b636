package domain

import "time"

// ExitReason identifies which monitored condition requested the exit.
type ExitReason string

const (
	ReasonStopLoss       ExitReason = "stop_loss"
	ReasonCircuitBreaker ExitReason = "circuit_breaker"
	ReasonTrailingStop   ExitReason = "trailing_stop"
	ReasonTimeUrgent     ExitReason = "time_based_urgent"
	ReasonLiquidityGone  ExitReason = "liquidity_dried_up"
	ReasonProfitTarget   ExitReason = "profit_target"
	ReasonPartialExit    ExitReason = "partial_exit_target"
	ReasonEarlyExit      ExitReason = "early_exit"
	ReasonEdgeGone       ExitReason = "edge_disappeared"
	ReasonRebalance      ExitReason = "rebalance"
)

// Priority ranks simultaneous exit matches. Higher values win.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the tier name used in logs and audit rows.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// QuantityKind selects how much of the position an exit trigger covers.
type QuantityKind string

const (
	QuantityFull    QuantityKind = "full"
	QuantityPartial QuantityKind = "partial"
	// QuantityAllPositions marks account-level triggers that must close every
	// open position, not just the one under evaluation.
	QuantityAllPositions QuantityKind = "all_positions"
)

// QuantitySpec resolves to concrete contract counts inside the executor.
// Amount is only meaningful for QuantityPartial.
type QuantitySpec struct {
	Kind   QuantityKind
	Amount float64
}

// PriceStrategy selects how the executor prices the initial limit order.
type PriceStrategy string

const (
	PriceStrategyMarket       PriceStrategy = "market"
	PriceStrategyAggressive   PriceStrategy = "aggressive"
	PriceStrategyFair         PriceStrategy = "fair"
	PriceStrategyConservative PriceStrategy = "conservative"
)

// ExecParams carries the tier-specific escalation protocol for a trigger.
type ExecParams struct {
	OrderType      OrderType
	PriceStrategy  PriceStrategy
	FillTimeout    time.Duration
	MaxWalks       int
	WalkStep       float64 // base price increment per walk
	MarketFallback bool    // escalate to at-market after the final walk
}

// ExitTrigger is the single decision an evaluation cycle may produce. It is
// constructed fresh every cycle and never persisted as mutable state.
type ExitTrigger struct {
	Reason   ExitReason
	Priority Priority
	Quantity QuantitySpec
	Exec     ExecParams

	// Stage names the partial-exit stage for ReasonPartialExit triggers.
	Stage string

	// AlsoMatched records every other condition that matched on the same
	// cycle, for the audit trail. The chosen reason is not repeated here.
	AlsoMatched []ExitReason

	EvaluatedAt time.Time
}

// DefaultExecParams returns the escalation protocol for a priority tier:
// CRITICAL goes straight to market and re-submits; HIGH crosses the book and
// falls back to market; MEDIUM and LOW walk patiently and leave the position
// open when walks are exhausted.
func DefaultExecParams(p Priority) ExecParams {
	switch p {
	case PriorityCritical:
		return ExecParams{
			OrderType:      OrderTypeMarket,
			PriceStrategy:  PriceStrategyMarket,
			FillTimeout:    5 * time.Second,
			MaxWalks:       0,
			MarketFallback: true,
		}
	case PriorityHigh:
		return ExecParams{
			OrderType:      OrderTypeLimit,
			PriceStrategy:  PriceStrategyAggressive,
			FillTimeout:    10 * time.Second,
			MaxWalks:       2,
			WalkStep:       0.01,
			MarketFallback: true,
		}
	case PriorityMedium:
		return ExecParams{
			OrderType:     OrderTypeLimit,
			PriceStrategy: PriceStrategyFair,
			FillTimeout:   30 * time.Second,
			MaxWalks:      5,
			WalkStep:      0.005,
		}
	default:
		return ExecParams{
			OrderType:     OrderTypeLimit,
			PriceStrategy: PriceStrategyConservative,
			FillTimeout:   60 * time.Second,
			MaxWalks:      10,
			WalkStep:      0.002,
		}
	}
}
