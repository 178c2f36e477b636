package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions. Open positions are read at startup and
// written back by their owning supervisor; closed positions are history.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	Close(ctx context.Context, id string, exitPrice, realizedPnL float64) error
	GetByID(ctx context.Context, id string) (Position, error)
	GetOpen(ctx context.Context, wallet string) ([]Position, error)
	ListHistory(ctx context.Context, wallet string, opts ListOpts) ([]Position, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of every trigger decision and
// escalation step (placements, fills, cancellations, walks).
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	// DeleteBefore removes entries older than the cutoff after archival.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
