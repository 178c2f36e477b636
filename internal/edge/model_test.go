package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantegy/exitd/internal/domain"
)

// scriptedBus serves stream entries after the caller's lastID, the way a
// Redis stream does.
type scriptedBus struct {
	messages []domain.StreamMessage
}

func (b *scriptedBus) Publish(context.Context, string, []byte) error          { return nil }
func (b *scriptedBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }
func (b *scriptedBus) StreamAppend(context.Context, string, []byte) error     { return nil }

func (b *scriptedBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	var out []domain.StreamMessage
	for _, m := range b.messages {
		if m.ID > lastID && len(out) < count {
			out = append(out, m)
		}
	}
	return out, nil
}

func (b *scriptedBus) append(t *testing.T, sig signal) {
	t.Helper()
	payload, err := json.Marshal(sig)
	require.NoError(t, err)
	b.messages = append(b.messages, domain.StreamMessage{
		ID:      fmt.Sprintf("%d-0", len(b.messages)+1),
		Payload: payload,
	})
}

func testModel(bus domain.SignalBus) *StreamModel {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(bus, "edges", 10*time.Minute, logger)
}

func testPos() domain.Position {
	return domain.Position{ID: "pos-1", TokenID: "tok-1"}
}

func TestStreamModel_MissingSignalIsAnError(t *testing.T) {
	m := testModel(&scriptedBus{})
	require.NoError(t, m.drain(context.Background()))

	_, err := m.Edge(context.Background(), testPos(), domain.MarketSnapshot{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStreamModel_ServesLatestSignalPerPosition(t *testing.T) {
	bus := &scriptedBus{}
	bus.append(t, signal{PositionID: "pos-1", Edge: 0.05, ObservedAt: time.Now()})
	bus.append(t, signal{PositionID: "pos-1", Edge: 0.01, BetterOpportunity: true, ObservedAt: time.Now()})

	m := testModel(bus)
	require.NoError(t, m.drain(context.Background()))

	edge, err := m.Edge(context.Background(), testPos(), domain.MarketSnapshot{})
	require.NoError(t, err)
	assert.InDelta(t, 0.01, edge, 1e-9)

	better, err := m.BetterOpportunity(context.Background(), testPos())
	require.NoError(t, err)
	assert.True(t, better)
}

func TestStreamModel_FallsBackToTokenKeyedSignal(t *testing.T) {
	bus := &scriptedBus{}
	bus.append(t, signal{TokenID: "tok-1", Edge: 0.03, ObservedAt: time.Now()})

	m := testModel(bus)
	require.NoError(t, m.drain(context.Background()))

	edge, err := m.Edge(context.Background(), testPos(), domain.MarketSnapshot{})
	require.NoError(t, err)
	assert.InDelta(t, 0.03, edge, 1e-9)
}

func TestStreamModel_StaleSignalIsAnError(t *testing.T) {
	bus := &scriptedBus{}
	bus.append(t, signal{PositionID: "pos-1", Edge: 0.05, ObservedAt: time.Now().Add(-time.Hour)})

	m := testModel(bus)
	require.NoError(t, m.drain(context.Background()))

	_, err := m.Edge(context.Background(), testPos(), domain.MarketSnapshot{})
	assert.Error(t, err)
}

func TestStreamModel_ResumesAfterLastID(t *testing.T) {
	bus := &scriptedBus{}
	bus.append(t, signal{PositionID: "pos-1", Edge: 0.05, ObservedAt: time.Now()})

	m := testModel(bus)
	require.NoError(t, m.drain(context.Background()))
	require.NoError(t, m.drain(context.Background())) // no-op, nothing new

	bus.append(t, signal{PositionID: "pos-1", Edge: -0.02, ObservedAt: time.Now()})
	require.NoError(t, m.drain(context.Background()))

	edge, err := m.Edge(context.Background(), testPos(), domain.MarketSnapshot{})
	require.NoError(t, err)
	assert.InDelta(t, -0.02, edge, 1e-9)
}

func TestStreamModel_MalformedSignalIsSkipped(t *testing.T) {
	bus := &scriptedBus{}
	bus.messages = append(bus.messages, domain.StreamMessage{ID: "1-0", Payload: []byte("not json")})
	bus.append(t, signal{PositionID: "pos-1", Edge: 0.04, ObservedAt: time.Now()})

	m := testModel(bus)
	require.NoError(t, m.drain(context.Background()))

	edge, err := m.Edge(context.Background(), testPos(), domain.MarketSnapshot{})
	require.NoError(t, err)
	assert.InDelta(t, 0.04, edge, 1e-9)
}
