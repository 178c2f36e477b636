package tracker

import "github.com/quantegy/exitd/internal/domain"

// PartialExits walks a position through its ordered one-shot exit stages.
// Consumption is recorded on the position itself, so a stage that fired once
// never fires again no matter how price moves afterwards.
type PartialExits struct {
	stages []domain.PartialStage
}

// NewPartialExits creates a stager over the config's ordered stage list.
func NewPartialExits(stages []domain.PartialStage) *PartialExits {
	return &PartialExits{stages: stages}
}

// Enabled reports whether any stages are configured.
func (p *PartialExits) Enabled() bool {
	return len(p.stages) > 0
}

// Armed returns the first stage whose threshold the position's P&L% currently
// meets and that has not been consumed, or false when no stage is armed.
func (p *PartialExits) Armed(pos *domain.Position) (domain.PartialStage, bool) {
	for _, st := range p.stages {
		if pos.StageConsumed(st.Name) {
			continue
		}
		if pos.UnrealizedPnLPct >= st.Threshold-boundaryEps {
			return st, true
		}
	}
	return domain.PartialStage{}, false
}

// Commit marks the stage consumed and reduces the position's quantity by the
// filled amount. The position stays open with the remainder; callers record
// realized P&L separately from the actual fill price.
func (p *PartialExits) Commit(pos *domain.Position, stage domain.PartialStage, filledQty float64) {
	pos.ConsumeStage(stage.Name)
	pos.Quantity -= filledQty
	if pos.Quantity < 0 {
		pos.Quantity = 0
	}
}
