package domain

import (
	"fmt"
	"time"
)

// PositionStatus tracks the lifecycle of a position.
type PositionStatus string

const (
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusClosing PositionStatus = "closing"
	PositionStatusClosed  PositionStatus = "closed"
)

// Confidence is the model-assigned confidence tier applied at entry. It
// selects which stop-loss floor and profit target the monitor uses.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ParseConfidence converts a string into a Confidence tier.
func ParseConfidence(s string) (Confidence, error) {
	switch Confidence(s) {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return Confidence(s), nil
	}
	return "", fmt.Errorf("unknown confidence tier %q", s)
}

// TrailingState captures the trailing-stop sub-state carried on a position.
// Once Active, StopPrice only ever moves in the profit-protecting direction.
type TrailingState struct {
	Active    bool
	PeakPrice float64
	StopPrice float64
}

// Position represents an open or historical trading position. While open it
// is exclusively owned by its supervisor goroutine; once closed it becomes an
// immutable historical record.
type Position struct {
	ID         string
	MarketID   string
	TokenID    string
	Wallet     string
	Direction  OrderSide // Buy (long the token) or Sell (short inventory)
	Quantity   float64   // contracts remaining
	EntryPrice float64
	CostBasis  float64 // entry_price * original quantity
	Confidence Confidence

	CurrentPrice     float64
	UnrealizedPnL    float64
	UnrealizedPnLPct float64 // fraction of entry price, signed

	Status   PositionStatus
	Trailing TrailingState

	// ConsumedStages records partial-exit stage names that have already
	// fired. A consumed stage never re-fires for this position.
	ConsumedStages map[string]bool

	RealizedPnL float64
	ExitPrice   *float64

	OpenedAt     time.Time
	SettlementAt time.Time
	ClosedAt     *time.Time
}

// MarkPrice updates the observed price and recomputes unrealized P&L and
// P&L% for the remaining quantity.
func (p *Position) MarkPrice(price float64) {
	p.CurrentPrice = price

	var perContract float64
	switch p.Direction {
	case OrderSideBuy:
		perContract = price - p.EntryPrice
	case OrderSideSell:
		perContract = p.EntryPrice - price
	}

	p.UnrealizedPnL = perContract * p.Quantity
	if p.EntryPrice > 0 {
		p.UnrealizedPnLPct = perContract / p.EntryPrice
	}
}

// ConsumeStage marks a partial-exit stage as fired.
func (p *Position) ConsumeStage(name string) {
	if p.ConsumedStages == nil {
		p.ConsumedStages = make(map[string]bool)
	}
	p.ConsumedStages[name] = true
}

// StageConsumed reports whether the named partial-exit stage already fired.
func (p *Position) StageConsumed(name string) bool {
	return p.ConsumedStages[name]
}

// TimeToSettlement returns the remaining time until the market settles,
// measured from now. Zero or negative means the deadline has passed.
func (p *Position) TimeToSettlement(now time.Time) time.Duration {
	return p.SettlementAt.Sub(now)
}
