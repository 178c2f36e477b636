package domain

import (
	"fmt"
	"strings"
	"time"
)

// PartialStage is one pre-configured fractional close. Threshold is the
// unrealized P&L% (fraction, e.g. 0.15) at which the stage arms; ExitFraction
// is the share of the remaining quantity to close when it fires.
type PartialStage struct {
	Name         string
	Threshold    float64
	ExitFraction float64
}

// TrailingConfig holds the trailing-stop parameters. Distances are fractions
// of the peak price.
type TrailingConfig struct {
	ActivationPct   float64 // P&L% at which the trail arms
	InitialDistance float64 // stop distance at activation
	TighteningRate  float64 // distance shrink per unit of P&L% beyond activation
	FloorDistance   float64 // distance never tightens below this
}

// MonitoringConfig is the immutable per-position snapshot of every monitoring
// threshold, bound at entry. It is never mutated mid-position, so an exit
// decision can be replayed deterministically from (position, snapshot, config).
type MonitoringConfig struct {
	// StopLossPct maps confidence tier to the (negative) P&L% floor.
	StopLossPct map[Confidence]float64
	// ProfitTargetPct maps confidence tier to the P&L% target.
	ProfitTargetPct map[Confidence]float64

	Trailing TrailingConfig

	// PartialStages is ordered by ascending threshold. Empty disables staging.
	PartialStages []PartialStage

	// EarlyExitEdgeFloor is the absolute edge below which early_exit fires.
	EarlyExitEdgeFloor float64

	// TimeUrgentWindow fires time_based_urgent when settlement is nearer than
	// this while the position is losing.
	TimeUrgentWindow time.Duration

	// Liquidity minimums.
	MaxSpread float64
	MinDepth  float64

	// Polling cadence.
	NormalInterval time.Duration
	UrgentInterval time.Duration
	// UrgencyMargin switches to UrgentInterval when price is within this
	// fraction of any stop-loss, profit-target, or trailing-stop level.
	UrgencyMargin float64

	SnapshotTTL time.Duration
}

// StopLossFor returns the stop-loss floor for a confidence tier, falling back
// to the medium tier when the tier is unset.
func (c MonitoringConfig) StopLossFor(tier Confidence) float64 {
	if v, ok := c.StopLossPct[tier]; ok {
		return v
	}
	return c.StopLossPct[ConfidenceMedium]
}

// ProfitTargetFor returns the profit target for a confidence tier, falling
// back to the medium tier when the tier is unset.
func (c MonitoringConfig) ProfitTargetFor(tier Confidence) float64 {
	if v, ok := c.ProfitTargetPct[tier]; ok {
		return v
	}
	return c.ProfitTargetPct[ConfidenceMedium]
}

// Validate checks threshold ordering and rejects the config before use when
// any rule is violated. Configuration errors are fatal at load.
func (c MonitoringConfig) Validate() error {
	var errs []string

	for tier, v := range c.StopLossPct {
		if v >= 0 {
			errs = append(errs, fmt.Sprintf("stop_loss[%s] must be negative, got %v", tier, v))
		}
	}
	for tier, v := range c.ProfitTargetPct {
		if v <= 0 {
			errs = append(errs, fmt.Sprintf("profit_target[%s] must be positive, got %v", tier, v))
		}
	}

	t := c.Trailing
	if t.ActivationPct <= 0 {
		errs = append(errs, "trailing: activation_pct must be positive")
	}
	if t.InitialDistance <= 0 || t.InitialDistance >= 1 {
		errs = append(errs, "trailing: initial_distance must be in (0, 1)")
	}
	if t.FloorDistance <= 0 || t.FloorDistance > t.InitialDistance {
		errs = append(errs, "trailing: floor_distance must be in (0, initial_distance]")
	}
	if t.TighteningRate < 0 {
		errs = append(errs, "trailing: tightening_rate must not be negative")
	}

	prev := 0.0
	seen := make(map[string]bool, len(c.PartialStages))
	for i, st := range c.PartialStages {
		if st.Name == "" {
			errs = append(errs, fmt.Sprintf("partial stage %d: name must not be empty", i))
		}
		if seen[st.Name] {
			errs = append(errs, fmt.Sprintf("partial stage %q: duplicate name", st.Name))
		}
		seen[st.Name] = true
		if st.Threshold <= prev {
			errs = append(errs, fmt.Sprintf("partial stage %q: thresholds must be strictly increasing", st.Name))
		}
		prev = st.Threshold
		if st.ExitFraction <= 0 || st.ExitFraction > 1 {
			errs = append(errs, fmt.Sprintf("partial stage %q: exit_fraction must be in (0, 1]", st.Name))
		}
	}

	if c.MaxSpread <= 0 {
		errs = append(errs, "max_spread must be positive")
	}
	if c.MinDepth < 0 {
		errs = append(errs, "min_depth must not be negative")
	}

	if c.NormalInterval <= 0 || c.UrgentInterval <= 0 {
		errs = append(errs, "polling intervals must be positive")
	}
	if c.UrgentInterval >= c.NormalInterval {
		errs = append(errs, "urgent_interval must be shorter than normal_interval")
	}
	if c.UrgencyMargin <= 0 {
		errs = append(errs, "urgency_margin must be positive")
	}
	if c.SnapshotTTL <= 0 {
		errs = append(errs, "snapshot_ttl must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("monitoring config invalid:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
