package domain

import "time"

// CloseEvent is published on the signal bus whenever an exit order fills,
// fully or partially. Downstream performance tracking consumes these.
type CloseEvent struct {
	PositionID  string     `json:"position_id"`
	MarketID    string     `json:"market_id"`
	TokenID     string     `json:"token_id"`
	Reason      ExitReason `json:"reason"`
	ExitPrice   float64    `json:"exit_price"`
	Quantity    float64    `json:"quantity"`
	RealizedPnL float64    `json:"realized_pnl"`
	Partial     bool       `json:"partial"`
	ClosedAt    time.Time  `json:"closed_at"`
}

// AccountState is the account-level aggregate consumed by the circuit
// breaker: realized P&L for the current trading day and the current run of
// consecutive losing closes.
type AccountState struct {
	DailyPnL          float64
	ConsecutiveLosses int
	ObservedAt        time.Time
}
