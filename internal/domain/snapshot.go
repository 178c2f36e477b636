package domain

import "time"

// MarketSnapshot is an ephemeral view of one token's book: best prices,
// spread, and aggregate depth near the top of the book. Snapshots are cached
// with a bounded TTL and never persisted.
type MarketSnapshot struct {
	TokenID    string
	BestBid    float64
	BestAsk    float64
	Spread     float64
	BidDepth   float64 // contracts resting on the bid side
	AskDepth   float64 // contracts resting on the ask side
	ObservedAt time.Time

	// Stale is set when the cache served this snapshot past its TTL because
	// a refresh failed. Consumers may still evaluate on it but must not treat
	// it as a fresh observation.
	Stale bool
}

// Mid returns the bid/ask midpoint, or whichever side exists when the book
// is one-sided.
func (s MarketSnapshot) Mid() float64 {
	switch {
	case s.BestBid > 0 && s.BestAsk > 0:
		return (s.BestBid + s.BestAsk) / 2
	case s.BestBid > 0:
		return s.BestBid
	default:
		return s.BestAsk
	}
}

// ExitSidePrice returns the marketable price for closing a position that was
// entered in the given direction: longs exit into the bid, shorts into the ask.
func (s MarketSnapshot) ExitSidePrice(entered OrderSide) float64 {
	if entered == OrderSideBuy {
		return s.BestBid
	}
	return s.BestAsk
}

// Age returns how old the snapshot is relative to now.
func (s MarketSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.ObservedAt)
}
