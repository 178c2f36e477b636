// Package app owns the daemon lifecycle. It wires the stores, caches, market
// gateway, and monitoring collaborators together and runs them under one
// errgroup until the context ends.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantegy/exitd/internal/config"
	"github.com/quantegy/exitd/internal/domain"
	"github.com/quantegy/exitd/internal/metrics"
	"github.com/quantegy/exitd/internal/supervisor"
)

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, starts the monitoring manager and its
// collaborators, and blocks until the context is cancelled or a component
// fails. On return the caller should invoke Close.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting daemon",
		slog.String("wallet", a.cfg.Wallet.Address),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	monCfg, err := a.cfg.DomainMonitoring()
	if err != nil {
		return fmt.Errorf("app: monitoring config: %w", err)
	}

	supDeps := supervisor.Deps{
		Cache:     deps.Cache,
		Breaker:   deps.Breaker,
		Executor:  deps.Executor,
		Positions: deps.Positions,
	}
	if deps.Edges != nil {
		supDeps.Edges = deps.Edges
	}
	manager := supervisor.NewManager(
		deps.Positions, deps.Locks, monCfg, a.cfg.Wallet.Address, supDeps, a.logger,
	)

	// Pre-warm the stream subscription with every open position's token so
	// the cache is fed before the first poll cycle.
	open, err := deps.Positions.GetOpen(ctx, a.cfg.Wallet.Address)
	if err != nil {
		return fmt.Errorf("app: load open positions: %w", err)
	}
	tokens := make([]string, 0, len(open))
	for _, pos := range open {
		tokens = append(tokens, pos.TokenID)
	}
	deps.Feed.Watch(tokens...)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return deps.Breaker.Run(gctx) })
	g.Go(func() error { return deps.Feed.Run(gctx) })
	g.Go(func() error { return a.adoptOpens(gctx, deps, manager) })

	if deps.Edges != nil {
		g.Go(func() error { return deps.Edges.Run(gctx) })
	}
	if deps.Archiver != nil {
		g.Go(func() error { return deps.Archiver.Run(gctx) })
	}
	if a.cfg.Metrics.Enabled {
		g.Go(func() error { return a.serveMetrics(gctx) })
	}

	a.logger.InfoContext(ctx, "daemon running",
		slog.Int("open_positions", len(open)),
		slog.Bool("archiver", deps.Archiver != nil),
		slog.Bool("edge_model", deps.Edges != nil),
	)

	return g.Wait()
}

// adoptOpens supervises positions opened after startup. The entry system
// announces a new position's ID on the opens channel; the manager adopts it
// after re-reading the record, so a mid-session entry is monitored without a
// daemon restart.
func (a *App) adoptOpens(ctx context.Context, deps *Dependencies, manager *supervisor.Manager) error {
	ch, err := deps.SignalBus.Subscribe(ctx, "opens")
	if err != nil {
		return fmt.Errorf("app: subscribe opens: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			var evt struct {
				PositionID string `json:"position_id"`
			}
			if err := json.Unmarshal(payload, &evt); err != nil || evt.PositionID == "" {
				a.logger.WarnContext(ctx, "malformed open event",
					slog.String("payload", string(payload)),
				)
				continue
			}
			pos, err := deps.Positions.GetByID(ctx, evt.PositionID)
			if err != nil {
				a.logger.WarnContext(ctx, "open event for unknown position",
					slog.String("position_id", evt.PositionID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if pos.Status != domain.PositionStatusOpen {
				continue
			}
			deps.Feed.Watch(pos.TokenID)
			manager.Adopt(ctx, pos)
		}
	}
}

// serveMetrics runs the Prometheus scrape endpoint until ctx ends.
func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errC := make(chan error, 1)
	go func() { errC <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return ctx.Err()
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: metrics server: %w", err)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down daemon")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
