// Package supervisor runs one monitoring loop per open position: fetch a
// snapshot, update the trackers, evaluate, and either execute the resulting
// trigger or sleep until the next cycle on an urgency-adaptive interval.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/quantegy/exitd/internal/breaker"
	"github.com/quantegy/exitd/internal/domain"
	"github.com/quantegy/exitd/internal/evaluator"
	"github.com/quantegy/exitd/internal/executor"
	"github.com/quantegy/exitd/internal/metrics"
	"github.com/quantegy/exitd/internal/tracker"
)

// fetchRetries bounds back-to-back snapshot retries inside one cycle before
// the cycle is abandoned and retried on the next tick. A fetch failure is
// never allowed to produce a false exit.
const fetchRetries = 3

// Supervisor owns exactly one open position. The position record is mutated
// only here and in the executor call made from here, so no lock guards it;
// cycles are strictly sequential by loop structure.
type Supervisor struct {
	pos  *domain.Position
	cfg  domain.MonitoringConfig
	deps Deps

	trailing *tracker.TrailingStop
	partial  *tracker.PartialExits

	logger *slog.Logger

	// heartbeat is the unix-nano time of the last cycle progress, read by the
	// manager's watchdog.
	heartbeat atomic.Int64
	// executing is set while an exit is being driven through the gateway;
	// the watchdog never restarts an executing supervisor.
	executing atomic.Bool

	now func() time.Time
}

// Deps bundles the shared singletons a supervisor works against.
type Deps struct {
	Cache     domain.SnapshotCache
	Edges     domain.EdgeModel
	Breaker   *breaker.Breaker
	Executor  *executor.Executor
	Positions domain.PositionStore
}

// New creates a supervisor for one open position with its entry-bound config.
func New(pos *domain.Position, cfg domain.MonitoringConfig, deps Deps, logger *slog.Logger) *Supervisor {
	s := &Supervisor{
		pos:      pos,
		cfg:      cfg,
		deps:     deps,
		trailing: tracker.NewTrailingStop(cfg.Trailing),
		partial:  tracker.NewPartialExits(cfg.PartialStages),
		logger: logger.With(
			slog.String("component", "supervisor"),
			slog.String("position_id", pos.ID),
			slog.String("market", pos.MarketID),
		),
		now: time.Now,
	}
	s.markProgress()
	return s
}

// PositionID returns the supervised position's ID.
func (s *Supervisor) PositionID() string { return s.pos.ID }

// LastProgress returns the time of the last observed cycle progress.
func (s *Supervisor) LastProgress() time.Time {
	return time.Unix(0, s.heartbeat.Load())
}

// Executing reports whether an exit is currently being driven.
func (s *Supervisor) Executing() bool { return s.executing.Load() }

// Run drives the position until it closes or ctx ends. It returns nil when
// the position closed and ctx.Err() on shutdown. Errors inside a cycle are
// contained: they degrade to a retry next tick, never to a crash that could
// take sibling supervisors down.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "supervisor started",
		slog.Float64("entry_price", s.pos.EntryPrice),
		slog.Float64("quantity", s.pos.Quantity),
	)
	defer s.logger.InfoContext(ctx, "supervisor stopped")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		closed, err := s.cycle(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WarnContext(ctx, "cycle abandoned, retrying next tick",
				slog.String("error", err.Error()),
			)
		}
		if closed {
			return nil
		}

		if err := s.sleep(ctx); err != nil {
			return err
		}
	}
}

// cycle performs one fetch → track → evaluate → execute pass. The fetch and
// evaluation are wrapped in a per-cycle deadline so a stuck call degrades to
// a retry; execution runs under the parent context because tier timeouts
// bound it on their own (and a CRITICAL exit must not be cut short).
func (s *Supervisor) cycle(ctx context.Context) (closed bool, err error) {
	s.markProgress()

	cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.NormalInterval)
	defer cancel()

	snap, err := s.fetchSnapshot(cycleCtx)
	if err != nil {
		return false, err
	}
	if snap.Stale {
		metrics.StaleSnapshots.Inc()
	}

	price := snap.ExitSidePrice(s.pos.Direction)
	if price <= 0 {
		price = snap.Mid()
	}
	if price <= 0 {
		return false, domain.ErrTransient
	}
	s.pos.MarkPrice(price)

	phase := s.trailing.Observe(s.pos)

	in := evaluator.Input{
		Position:       s.pos,
		Snapshot:       snap,
		Config:         s.cfg,
		Trailing:       phase,
		Partial:        s.partial,
		BreakerTripped: s.deps.Breaker.Tripped(),
		Now:            s.now(),
	}
	s.resolveEdge(cycleCtx, &in, snap)

	trig := evaluator.Evaluate(in)
	s.markProgress()

	if trig == nil {
		s.logger.DebugContext(ctx, "no exit condition",
			slog.Float64("price", price),
			slog.Float64("pnl_pct", s.pos.UnrealizedPnLPct),
			slog.String("trailing", phase.String()),
		)
		return false, nil
	}

	metrics.Triggers.WithLabelValues(string(trig.Reason), trig.Priority.String()).Inc()
	s.logger.InfoContext(ctx, "exit trigger chosen",
		slog.String("reason", string(trig.Reason)),
		slog.String("tier", trig.Priority.String()),
		slog.Any("also_matched", trig.AlsoMatched),
		slog.Float64("pnl_pct", s.pos.UnrealizedPnLPct),
	)

	s.executing.Store(true)
	out, execErr := s.deps.Executor.Execute(ctx, s.pos, snap, trig)
	s.executing.Store(false)
	s.markProgress()

	if out.FilledQty > 0 {
		metrics.Fills.WithLabelValues(string(trig.Reason)).Inc()
		s.deps.Breaker.RecordClose(ctx, domain.CloseEvent{
			PositionID:  s.pos.ID,
			MarketID:    s.pos.MarketID,
			TokenID:     s.pos.TokenID,
			Reason:      trig.Reason,
			ExitPrice:   out.AvgFillPrice,
			Quantity:    out.FilledQty,
			RealizedPnL: out.RealizedPnL,
			Partial:     !out.Closed,
			ClosedAt:    s.now(),
		})
	}
	if execErr != nil {
		return out.Closed, execErr
	}
	return out.Closed, nil
}

// fetchSnapshot pulls from the cache with bounded in-cycle retries.
func (s *Supervisor) fetchSnapshot(ctx context.Context) (domain.MarketSnapshot, error) {
	var lastErr error
	for attempt := 0; attempt < fetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.MarketSnapshot{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		snap, err := s.deps.Cache.Get(ctx, s.pos.TokenID)
		if err == nil {
			return snap, nil
		}
		lastErr = err
	}
	return domain.MarketSnapshot{}, lastErr
}

// resolveEdge fills the evaluator's model inputs. A model failure stands the
// edge conditions down for this cycle instead of failing it.
func (s *Supervisor) resolveEdge(ctx context.Context, in *evaluator.Input, snap domain.MarketSnapshot) {
	if s.deps.Edges == nil {
		return
	}

	edge, err := s.deps.Edges.Edge(ctx, *s.pos, snap)
	if err != nil {
		s.logger.WarnContext(ctx, "edge recompute failed",
			slog.String("error", err.Error()),
		)
	} else {
		in.Edge = edge
		in.HasEdge = true
	}

	better, err := s.deps.Edges.BetterOpportunity(ctx, *s.pos)
	if err == nil {
		in.BetterOpportunity = better
		in.HasOpportunity = true
	}
}

// sleep waits out the adaptive interval. A breaker trip interrupts the sleep
// so the CRITICAL path runs immediately instead of waiting out the tick.
func (s *Supervisor) sleep(ctx context.Context) error {
	interval := s.cfg.NormalInterval
	label := "normal"
	if s.urgent() {
		interval = s.cfg.UrgentInterval
		label = "urgent"
	}
	metrics.Cycles.WithLabelValues(label).Inc()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.deps.Breaker.TripC():
		return nil
	case <-timer.C:
		return nil
	}
}

// urgent reports whether the current price sits within the configured margin
// of any exit level: stop-loss, profit-target, or an active trailing stop.
func (s *Supervisor) urgent() bool {
	price := s.pos.CurrentPrice
	if price <= 0 {
		return false
	}

	levels := []float64{
		s.levelFromPnL(s.cfg.StopLossFor(s.pos.Confidence)),
		s.levelFromPnL(s.cfg.ProfitTargetFor(s.pos.Confidence)),
	}
	if s.pos.Trailing.Active {
		levels = append(levels, s.pos.Trailing.StopPrice)
	}

	for _, level := range levels {
		if level <= 0 {
			continue
		}
		if math.Abs(price-level)/level <= s.cfg.UrgencyMargin {
			return true
		}
	}
	return false
}

// levelFromPnL converts a P&L% threshold into the price that crosses it.
func (s *Supervisor) levelFromPnL(pnlPct float64) float64 {
	if s.pos.Direction == domain.OrderSideBuy {
		return s.pos.EntryPrice * (1 + pnlPct)
	}
	return s.pos.EntryPrice * (1 - pnlPct)
}

func (s *Supervisor) markProgress() {
	s.heartbeat.Store(s.now().UnixNano())
}
