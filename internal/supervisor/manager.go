package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantegy/exitd/internal/domain"
	"github.com/quantegy/exitd/internal/metrics"
)

// lockTTLFactor sizes the per-position lock TTL relative to the normal
// polling interval. The lock is renewed every interval for as long as the
// supervisor runs (see keepLock), so the TTL only bounds how long a crashed
// holder can block takeover; no two supervisors can ever drive the same
// position's orders concurrently.
const lockTTLFactor = 4

// stallFactor is how many expected intervals may pass without progress
// before a supervisor counts as stalled.
const stallFactor = 2

// Manager spawns one supervisor per open position, watches their heartbeats,
// and restarts any that stall without re-entering the market or duplicating
// orders.
type Manager struct {
	store  domain.PositionStore
	locks  domain.LockManager
	cfg    domain.MonitoringConfig
	wallet string
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]*entry
}

// entry tracks one live supervisor and its cancel/lock handles.
type entry struct {
	sup    *Supervisor
	cancel context.CancelFunc
	lock   domain.Lock
}

// NewManager creates a Manager over the shared dependencies. cfg is the
// monitoring config bound to positions that carry none of their own.
func NewManager(
	store domain.PositionStore,
	locks domain.LockManager,
	cfg domain.MonitoringConfig,
	wallet string,
	deps Deps,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		store:   store,
		locks:   locks,
		cfg:     cfg,
		wallet:  wallet,
		deps:    deps,
		logger:  logger.With(slog.String("component", "manager")),
		running: make(map[string]*entry),
	}
}

// Run loads every open position, spawns its supervisor, and keeps the
// watchdog going until ctx ends. One supervisor's failure never takes its
// siblings down.
func (m *Manager) Run(ctx context.Context) error {
	positions, err := m.store.GetOpen(ctx, m.wallet)
	if err != nil {
		return fmt.Errorf("manager: load open positions: %w", err)
	}
	m.logger.InfoContext(ctx, "loaded open positions", slog.Int("count", len(positions)))

	g, ctx := errgroup.WithContext(ctx)

	for i := range positions {
		pos := positions[i]
		g.Go(func() error {
			m.supervise(ctx, pos)
			return nil
		})
	}

	g.Go(func() error {
		return m.watchdog(ctx)
	})

	return g.Wait()
}

// supervise runs one position under the takeover lock until it closes or ctx
// ends, containing panics and errors to this position.
func (m *Manager) supervise(ctx context.Context, pos domain.Position) {
	lock, err := m.locks.Acquire(ctx, "position:"+pos.ID, m.lockTTL())
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			m.logger.WarnContext(ctx, "position already supervised elsewhere, skipping",
				slog.String("position_id", pos.ID),
			)
			return
		}
		m.logger.ErrorContext(ctx, "position lock failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	sup := New(&pos, m.cfg, m.deps, m.logger)
	e := &entry{sup: sup, cancel: cancel, lock: lock}

	m.mu.Lock()
	m.running[pos.ID] = e
	metrics.OpenPositions.Set(float64(len(m.running)))
	m.mu.Unlock()

	go m.keepLock(runCtx, lock, cancel, pos.ID)

	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "supervisor panicked",
				slog.String("position_id", pos.ID),
				slog.Any("panic", r),
			)
		}
		cancel()
		lock.Release()
		m.mu.Lock()
		// A watchdog takeover may have registered a replacement under this
		// ID already; remove only our own entry.
		if cur, ok := m.running[pos.ID]; ok && cur == e {
			delete(m.running, pos.ID)
		}
		metrics.OpenPositions.Set(float64(len(m.running)))
		m.mu.Unlock()
	}()

	if err := sup.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.ErrorContext(ctx, "supervisor exited with error",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

// keepLock renews the position lock every normal interval for as long as the
// supervisor runs. A supervisor outlives any fixed TTL, so without renewal a
// second process could acquire the lock minutes later and double-drive the
// position. A failed renewal means ownership is already lost; the only safe
// reaction is to stop this supervisor immediately.
func (m *Manager) keepLock(ctx context.Context, lock domain.Lock, cancel context.CancelFunc, id string) {
	ticker := time.NewTicker(m.cfg.NormalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := lock.Renew(ctx, m.lockTTL()); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.ErrorContext(ctx, "position lock lost, stopping supervisor",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
			cancel()
			return
		}
	}
}

// Adopt starts supervising a position opened after startup.
func (m *Manager) Adopt(ctx context.Context, pos domain.Position) {
	go m.supervise(ctx, pos)
}

// watchdog scans heartbeats and restarts stalled supervisors. A supervisor
// that is actively executing an exit is exempt: execution is bounded by its
// tier protocol and must not be interrupted mid-order.
func (m *Manager) watchdog(ctx context.Context) error {
	interval := m.cfg.UrgentInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	threshold := stallFactor * m.cfg.NormalInterval

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for _, stalled := range m.findStalled(threshold) {
			m.restart(ctx, stalled)
		}
	}
}

// findStalled returns the IDs of supervisors with stale heartbeats.
func (m *Manager) findStalled(threshold time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	now := time.Now()
	for id, e := range m.running {
		if e.sup.Executing() {
			continue
		}
		if now.Sub(e.sup.LastProgress()) > threshold {
			ids = append(ids, id)
		}
	}
	return ids
}

// restart tears a stalled supervisor down and spawns a replacement from the
// freshly re-read position record. The replacement acquires the position
// lock before doing anything, so even a zombie predecessor cannot duplicate
// orders: the lock outlives the stall threshold.
func (m *Manager) restart(ctx context.Context, id string) {
	m.mu.Lock()
	e, ok := m.running[id]
	if ok {
		delete(m.running, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.logger.WarnContext(ctx, "restarting stalled supervisor", slog.String("position_id", id))
	metrics.SupervisorRestarts.Inc()

	e.cancel()
	e.lock.Release()

	pos, err := m.store.GetByID(ctx, id)
	if err != nil {
		m.logger.ErrorContext(ctx, "reload position for restart failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	if pos.Status == domain.PositionStatusClosed {
		m.logger.InfoContext(ctx, "position closed during stall, not restarting",
			slog.String("position_id", id),
		)
		return
	}
	// Re-read state means a restart resumes from durable truth: consumed
	// stages and quantity reflect whatever the stalled run already executed.
	go m.supervise(ctx, pos)
}

func (m *Manager) lockTTL() time.Duration {
	return lockTTLFactor * m.cfg.NormalInterval
}
