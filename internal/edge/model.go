// Package edge consumes model edge signals from a Redis stream and serves
// the freshest value per position to the monitoring loop. The pricing model
// itself runs as a separate process and appends one entry per recompute.
package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantegy/exitd/internal/domain"
)

const (
	pollInterval = 1 * time.Second
	readBatch    = 256
)

// signal is the wire shape of a single stream entry. The model keys signals
// by position when it tracks our book, or by token when it only prices
// markets; both lookups are supported.
type signal struct {
	PositionID        string    `json:"position_id"`
	TokenID           string    `json:"token_id"`
	Edge              float64   `json:"edge"`
	BetterOpportunity bool      `json:"better_opportunity"`
	ObservedAt        time.Time `json:"observed_at"`
}

// StreamModel implements domain.EdgeModel on top of a Redis stream. Run must
// be started for Edge and BetterOpportunity to return anything; before the
// first signal arrives every lookup fails and callers stand the edge
// conditions down.
type StreamModel struct {
	bus      domain.SignalBus
	stream   string
	maxStale time.Duration
	logger   *slog.Logger

	mu         sync.RWMutex
	byPosition map[string]signal
	byToken    map[string]signal
	lastID     string
}

var _ domain.EdgeModel = (*StreamModel)(nil)

func New(bus domain.SignalBus, stream string, maxStale time.Duration, logger *slog.Logger) *StreamModel {
	return &StreamModel{
		bus:        bus,
		stream:     stream,
		maxStale:   maxStale,
		logger:     logger.With("component", "edge"),
		byPosition: make(map[string]signal),
		byToken:    make(map[string]signal),
		lastID:     "0-0",
	}
}

// Run polls the stream until ctx is cancelled. Replaying from the beginning
// on startup is intentional: the stream is length-capped, and replay restores
// the latest known edge per position after a restart.
func (m *StreamModel) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.drain(ctx); err != nil {
				m.logger.WarnContext(ctx, "edge stream read failed", "error", err)
			}
		}
	}
}

func (m *StreamModel) drain(ctx context.Context) error {
	for {
		msgs, err := m.bus.StreamRead(ctx, m.stream, m.lastID, readBatch)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		m.mu.Lock()
		for _, msg := range msgs {
			var sig signal
			if err := json.Unmarshal(msg.Payload, &sig); err != nil {
				m.logger.Warn("malformed edge signal", "id", msg.ID, "error", err)
				continue
			}
			if sig.ObservedAt.IsZero() {
				sig.ObservedAt = time.Now()
			}
			if sig.PositionID != "" {
				m.byPosition[sig.PositionID] = sig
			}
			if sig.TokenID != "" {
				m.byToken[sig.TokenID] = sig
			}
		}
		m.lastID = msgs[len(msgs)-1].ID
		m.mu.Unlock()
		if len(msgs) < readBatch {
			return nil
		}
	}
}

// Edge returns the freshest signal for the position. A missing or stale
// signal is an error; the caller decides how to degrade.
func (m *StreamModel) Edge(_ context.Context, pos domain.Position, _ domain.MarketSnapshot) (float64, error) {
	sig, err := m.lookup(pos)
	if err != nil {
		return 0, err
	}
	return sig.Edge, nil
}

func (m *StreamModel) BetterOpportunity(_ context.Context, pos domain.Position) (bool, error) {
	sig, err := m.lookup(pos)
	if err != nil {
		return false, err
	}
	return sig.BetterOpportunity, nil
}

func (m *StreamModel) lookup(pos domain.Position) (signal, error) {
	m.mu.RLock()
	sig, ok := m.byPosition[pos.ID]
	if !ok {
		sig, ok = m.byToken[pos.TokenID]
	}
	m.mu.RUnlock()

	if !ok {
		return signal{}, fmt.Errorf("edge: no signal for position %s: %w", pos.ID, domain.ErrNotFound)
	}
	if age := time.Since(sig.ObservedAt); age > m.maxStale {
		return signal{}, fmt.Errorf("edge: signal for position %s is stale (%s old)", pos.ID, age.Round(time.Second))
	}
	return sig, nil
}
