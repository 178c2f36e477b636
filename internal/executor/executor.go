// Package executor realizes exit triggers as orders against the gateway,
// escalating per priority tier: CRITICAL hammers at-market until filled, HIGH
// crosses the book and falls back to market, MEDIUM and LOW walk their limit
// price patiently and leave the position open when walks run out.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quantegy/exitd/internal/domain"
	"github.com/quantegy/exitd/internal/metrics"
	"github.com/quantegy/exitd/internal/notify"
)

const (
	// statusPollInterval is how often an outstanding order is polled for fill
	// confirmation. Each poll consumes a rate-limiter token.
	statusPollInterval = time.Second

	// placeRetries bounds transient placement retries within one attempt.
	placeRetries = 3
	// placeBackoff is the base pause between placement retries.
	placeBackoff = 500 * time.Millisecond

	// criticalAlertAfter is how long a CRITICAL exit may fail against an
	// unreachable gateway before a hard alert is raised. The executor keeps
	// retrying after the alert; a CRITICAL exit is never abandoned silently.
	criticalAlertAfter = 30 * time.Second

	// slippageAlpha and slippageHalfLife parameterize the walk-step momentum
	// scaling. The half-life governs idle decay (see slippageEMA).
	slippageAlpha    = 0.3
	slippageHalfLife = 10 * time.Minute

	// minPrice/maxPrice clamp limit prices to the exchange's valid tick range.
	minPrice = 0.001
	maxPrice = 0.999
)

// Outcome reports what an execution attempt achieved.
type Outcome struct {
	FilledQty    float64
	AvgFillPrice float64
	RealizedPnL  float64
	Closed       bool // quantity reached zero
	Exhausted    bool // walks ran out, position left open
}

// Executor drives the tier-specific escalation protocol. One Executor is
// shared by all supervisors; per-position state stays on the position.
type Executor struct {
	gateway   domain.OrderGateway
	positions domain.PositionStore
	cache     domain.SnapshotCache
	limiter   domain.RateLimiter
	bus       domain.SignalBus
	audit     domain.AuditStore
	notifier  *notify.Notifier
	slippage  *slippageEMA
	logger    *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates an Executor with all required dependencies.
func New(
	gateway domain.OrderGateway,
	positions domain.PositionStore,
	cache domain.SnapshotCache,
	limiter domain.RateLimiter,
	bus domain.SignalBus,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		gateway:   gateway,
		positions: positions,
		cache:     cache,
		limiter:   limiter,
		bus:       bus,
		audit:     audit,
		notifier:  notifier,
		slippage:  newSlippageEMA(slippageAlpha, slippageHalfLife),
		logger:    logger.With(slog.String("component", "executor")),
		now:       time.Now,
	}
}

// Execute realizes a trigger for the position that produced it. Account-level
// (all_positions) triggers resolve to a full exit of this position; the
// breaker broadcast delivers the same trigger to every other supervisor, so
// iteration over open positions happens through their own loops.
//
// The position is mutated in place and persisted; on a terminal fill a close
// event is published for downstream performance tracking.
func (e *Executor) Execute(ctx context.Context, pos *domain.Position, snap domain.MarketSnapshot, trig *domain.ExitTrigger) (Outcome, error) {
	qty := e.resolveQuantity(pos, trig)
	if qty <= 0 {
		return Outcome{}, fmt.Errorf("executor: trigger %s resolved to zero quantity", trig.Reason)
	}

	log := e.logger.With(
		slog.String("position_id", pos.ID),
		slog.String("reason", string(trig.Reason)),
		slog.String("tier", trig.Priority.String()),
	)

	full := qty >= pos.Quantity
	if full {
		pos.Status = domain.PositionStatusClosing
		if err := e.positions.Update(ctx, *pos); err != nil {
			log.WarnContext(ctx, "persist closing status failed", slog.String("error", err.Error()))
		}
	}

	e.auditLog(ctx, "exit_trigger", map[string]any{
		"position_id":  pos.ID,
		"reason":       trig.Reason,
		"tier":         trig.Priority.String(),
		"quantity":     qty,
		"also_matched": trig.AlsoMatched,
		"stage":        trig.Stage,
	})

	// Intended price for slippage accounting is the exit side at decision time.
	intended := snap.ExitSidePrice(pos.Direction)

	filledQty, avgPrice, err := e.escalate(ctx, pos, snap, trig, qty, log)
	if filledQty > 0 {
		e.recordSlippage(intended, avgPrice)
		out := e.settle(ctx, pos, trig, filledQty, avgPrice, log)
		return out, err
	}
	if err != nil {
		return Outcome{}, err
	}

	// Walks exhausted with nothing filled: revert to open and report.
	if full {
		pos.Status = domain.PositionStatusOpen
		if uerr := e.positions.Update(ctx, *pos); uerr != nil {
			log.WarnContext(ctx, "revert to open failed", slog.String("error", uerr.Error()))
		}
	}
	e.auditLog(ctx, "exit_walks_exhausted", map[string]any{
		"position_id": pos.ID,
		"reason":      trig.Reason,
		"max_walks":   trig.Exec.MaxWalks,
	})
	log.WarnContext(ctx, "walks exhausted, position left open")
	return Outcome{Exhausted: true}, fmt.Errorf("executor: %s exit for %s: %w",
		trig.Priority, pos.ID, domain.ErrWalksExhausted)
}

// escalate runs the tier protocol and returns what was filled. A zero fill
// with a nil error means the protocol exhausted its walks.
func (e *Executor) escalate(
	ctx context.Context,
	pos *domain.Position,
	snap domain.MarketSnapshot,
	trig *domain.ExitTrigger,
	qty float64,
	log *slog.Logger,
) (filledQty, avgPrice float64, err error) {
	if trig.Exec.OrderType == domain.OrderTypeMarket {
		return e.marketUntilFilled(ctx, pos, trig, qty, log)
	}

	remaining := qty
	var notional float64 // avg-price accumulator, price*qty

	for walk := 0; walk <= trig.Exec.MaxWalks; walk++ {
		if walk > 0 {
			// Each walk reprices from the current book, not the stale one.
			if fresh, cerr := e.cache.Get(ctx, pos.TokenID); cerr == nil {
				snap = fresh
			}
			metrics.PriceWalks.WithLabelValues(trig.Priority.String()).Inc()
			e.auditLog(ctx, "exit_price_walk", map[string]any{
				"position_id": pos.ID,
				"walk":        walk,
				"remaining":   remaining,
			})
		}

		price := e.walkPrice(trig.Exec, snap, pos.Direction, walk)
		res, perr := e.placeAndWait(ctx, pos, trig, price, remaining, log)
		if perr != nil {
			return filledQty, avg(notional, filledQty), perr
		}

		if res.FilledQty > 0 {
			filledQty += res.FilledQty
			notional += res.FilledQty * res.AvgFillPrice
			remaining -= res.FilledQty
		}
		if remaining <= 0 {
			return filledQty, avg(notional, filledQty), nil
		}
	}

	if trig.Exec.MarketFallback {
		e.auditLog(ctx, "exit_market_fallback", map[string]any{
			"position_id": pos.ID,
			"remaining":   remaining,
		})
		log.WarnContext(ctx, "walks exhausted, falling back to market",
			slog.Float64("remaining", remaining),
		)
		mQty, mPrice, merr := e.marketUntilFilled(ctx, pos, trig, remaining, log)
		if mQty > 0 {
			filledQty += mQty
			notional += mQty * mPrice
		}
		return filledQty, avg(notional, filledQty), merr
	}

	return filledQty, avg(notional, filledQty), nil
}

// marketUntilFilled submits at-market and, on non-fill within the tier
// timeout, resubmits until filled or the context ends. Gateway outages are
// retried with bounded backoff; for CRITICAL triggers an outage lasting past
// criticalAlertAfter raises a hard alert exactly once and retries continue.
func (e *Executor) marketUntilFilled(
	ctx context.Context,
	pos *domain.Position,
	trig *domain.ExitTrigger,
	qty float64,
	log *slog.Logger,
) (filledQty, avgPrice float64, err error) {
	remaining := qty
	var notional float64
	var failingSince time.Time
	alerted := false

	for remaining > 0 {
		if ctx.Err() != nil {
			return filledQty, avg(notional, filledQty), ctx.Err()
		}

		res, perr := e.placeAndWait(ctx, pos, trig, 0, remaining, log)
		if perr != nil {
			if failingSince.IsZero() {
				failingSince = e.now()
			}
			if trig.Priority == domain.PriorityCritical &&
				!alerted && e.now().Sub(failingSince) >= criticalAlertAfter {
				alerted = true
				e.hardAlert(ctx, pos, trig, perr)
			}
			if !errors.Is(perr, domain.ErrGatewayDown) && !errors.Is(perr, domain.ErrRateLimited) {
				return filledQty, avg(notional, filledQty), perr
			}
			select {
			case <-ctx.Done():
				return filledQty, avg(notional, filledQty), ctx.Err()
			case <-time.After(placeBackoff):
			}
			continue
		}
		failingSince = time.Time{}

		if res.FilledQty > 0 {
			filledQty += res.FilledQty
			notional += res.FilledQty * res.AvgFillPrice
			remaining -= res.FilledQty
		}
	}

	return filledQty, avg(notional, filledQty), nil
}

// placeAndWait submits one order, waits up to the tier timeout for a terminal
// status, cancels whatever is still resting, and reports what filled.
func (e *Executor) placeAndWait(
	ctx context.Context,
	pos *domain.Position,
	trig *domain.ExitTrigger,
	price, qty float64,
	log *slog.Logger,
) (domain.OrderResult, error) {
	order := domain.ExitOrder{
		ID:         uuid.New().String(),
		PositionID: pos.ID,
		MarketID:   pos.MarketID,
		TokenID:    pos.TokenID,
		Wallet:     pos.Wallet,
		Side:       oppositeSide(pos.Direction),
		Type:       trig.Exec.OrderType,
		Price:      price,
		Quantity:   qty,
		Reason:     trig.Reason,
		CreatedAt:  e.now(),
	}
	if price > 0 {
		order.Type = domain.OrderTypeLimit
	} else {
		order.Type = domain.OrderTypeMarket
	}

	res, err := e.place(ctx, order, log)
	if err != nil {
		return domain.OrderResult{}, err
	}

	e.auditLog(ctx, "exit_order_placed", map[string]any{
		"position_id": pos.ID,
		"order_id":    res.OrderID,
		"type":        order.Type,
		"price":       price,
		"quantity":    qty,
	})
	log.InfoContext(ctx, "exit order placed",
		slog.String("order_id", res.OrderID),
		slog.Float64("price", price),
		slog.Float64("quantity", qty),
	)

	final := e.waitFill(ctx, res, trig.Exec.FillTimeout, log)
	if final.Status == domain.OrderStatusFilled {
		e.auditLog(ctx, "exit_order_filled", map[string]any{
			"position_id": pos.ID,
			"order_id":    final.OrderID,
			"fill_price":  final.AvgFillPrice,
			"filled_qty":  final.FilledQty,
		})
		return final, nil
	}

	// Timeout or partial: pull the remainder off the book before repricing.
	if !final.Status.Terminal() {
		if cerr := e.cancel(ctx, final.OrderID); cerr != nil {
			log.WarnContext(ctx, "cancel failed", slog.String("order_id", final.OrderID), slog.String("error", cerr.Error()))
		} else {
			e.auditLog(ctx, "exit_order_cancelled", map[string]any{
				"position_id": pos.ID,
				"order_id":    final.OrderID,
				"filled_qty":  final.FilledQty,
			})
		}
	}
	return final, nil
}

// place submits an order with bounded retry on transient gateway failures.
func (e *Executor) place(ctx context.Context, order domain.ExitOrder, log *slog.Logger) (domain.OrderResult, error) {
	var lastErr error
	for attempt := 0; attempt < placeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.OrderResult{}, ctx.Err()
			case <-time.After(placeBackoff << attempt):
			}
		}

		if err := e.limiter.Acquire(ctx, 1); err != nil {
			return domain.OrderResult{}, err
		}
		res, err := e.gateway.PlaceOrder(ctx, order)
		if err == nil {
			if res.OrderID == "" {
				res.OrderID = order.ID
			}
			return res, nil
		}
		lastErr = err
		log.WarnContext(ctx, "order placement failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return domain.OrderResult{}, fmt.Errorf("%w: %w", domain.ErrGatewayDown, lastErr)
}

// waitFill polls order status until terminal or the timeout elapses. Poll
// errors are tolerated; the order's last known state is returned.
func (e *Executor) waitFill(ctx context.Context, res domain.OrderResult, timeout time.Duration, log *slog.Logger) domain.OrderResult {
	last := res
	if last.Status.Terminal() {
		return last
	}
	deadline := e.now().Add(timeout)

	for e.now().Before(deadline) {
		select {
		case <-ctx.Done():
			return last
		case <-time.After(statusPollInterval):
		}

		if err := e.limiter.Acquire(ctx, 1); err != nil {
			return last
		}
		cur, err := e.gateway.OrderStatus(ctx, last.OrderID)
		if err != nil {
			log.WarnContext(ctx, "order status poll failed",
				slog.String("order_id", last.OrderID),
				slog.String("error", err.Error()),
			)
			continue
		}
		cur.OrderID = last.OrderID
		last = cur
		if cur.Status.Terminal() {
			return cur
		}
	}
	return last
}

// cancel pulls an order with a rate-limiter token.
func (e *Executor) cancel(ctx context.Context, orderID string) error {
	if err := e.limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	return e.gateway.CancelOrder(ctx, orderID)
}

// settle applies a fill to the position, persists it, and publishes the close
// event. Partial fills leave the position open with the remainder.
func (e *Executor) settle(ctx context.Context, pos *domain.Position, trig *domain.ExitTrigger, filledQty, avgPrice float64, log *slog.Logger) Outcome {
	var pnl float64
	switch pos.Direction {
	case domain.OrderSideBuy:
		pnl = (avgPrice - pos.EntryPrice) * filledQty
	case domain.OrderSideSell:
		pnl = (pos.EntryPrice - avgPrice) * filledQty
	}

	pos.Quantity -= filledQty
	if pos.Quantity < 1e-9 {
		pos.Quantity = 0
	}
	pos.RealizedPnL += pnl

	closed := pos.Quantity == 0
	if closed {
		now := e.now()
		pos.Status = domain.PositionStatusClosed
		pos.ClosedAt = &now
		pos.ExitPrice = &avgPrice
		if err := e.positions.Close(ctx, pos.ID, avgPrice, pos.RealizedPnL); err != nil {
			log.ErrorContext(ctx, "persist close failed", slog.String("error", err.Error()))
		}
	} else {
		pos.Status = domain.PositionStatusOpen
		if trig.Stage != "" {
			pos.ConsumeStage(trig.Stage)
		}
		if err := e.positions.Update(ctx, *pos); err != nil {
			log.ErrorContext(ctx, "persist partial close failed", slog.String("error", err.Error()))
		}
	}

	evt := domain.CloseEvent{
		PositionID:  pos.ID,
		MarketID:    pos.MarketID,
		TokenID:     pos.TokenID,
		Reason:      trig.Reason,
		ExitPrice:   avgPrice,
		Quantity:    filledQty,
		RealizedPnL: pnl,
		Partial:     !closed,
		ClosedAt:    e.now(),
	}
	payload, _ := json.Marshal(evt)
	if err := e.bus.Publish(ctx, "closes", payload); err != nil {
		log.WarnContext(ctx, "publish close event failed", slog.String("error", err.Error()))
	}

	event := "position_closed"
	if !closed {
		event = "position_partial_close"
	}
	e.auditLog(ctx, event, map[string]any{
		"position_id":  pos.ID,
		"reason":       trig.Reason,
		"exit_price":   avgPrice,
		"filled_qty":   filledQty,
		"realized_pnl": pnl,
		"remaining":    pos.Quantity,
	})
	log.InfoContext(ctx, event,
		slog.Float64("exit_price", avgPrice),
		slog.Float64("filled_qty", filledQty),
		slog.Float64("realized_pnl", pnl),
	)

	return Outcome{
		FilledQty:    filledQty,
		AvgFillPrice: avgPrice,
		RealizedPnL:  pnl,
		Closed:       closed,
	}
}

// walkPrice derives the limit price for a walk from the current book, the
// tier's price strategy, and a step scaled by recent slippage momentum.
func (e *Executor) walkPrice(exec domain.ExecParams, snap domain.MarketSnapshot, entered domain.OrderSide, walk int) float64 {
	step := exec.WalkStep * (1 + e.slippage.Value(e.now()))
	move := float64(walk) * step

	var price float64
	if entered == domain.OrderSideBuy {
		// Exiting a long is a sell: walks concede price downward.
		switch exec.PriceStrategy {
		case domain.PriceStrategyAggressive:
			price = snap.BestBid - move
		case domain.PriceStrategyConservative:
			price = snap.BestAsk - move
		default: // fair
			price = snap.Mid() - move
		}
	} else {
		// Exiting a short is a buy: walks concede price upward.
		switch exec.PriceStrategy {
		case domain.PriceStrategyAggressive:
			price = snap.BestAsk + move
		case domain.PriceStrategyConservative:
			price = snap.BestBid + move
		default:
			price = snap.Mid() + move
		}
	}

	return clampPrice(price)
}

// resolveQuantity turns the trigger's quantity spec into contracts for this
// position, capped at what is actually held.
func (e *Executor) resolveQuantity(pos *domain.Position, trig *domain.ExitTrigger) float64 {
	switch trig.Quantity.Kind {
	case domain.QuantityPartial:
		if trig.Quantity.Amount > pos.Quantity {
			return pos.Quantity
		}
		return trig.Quantity.Amount
	default: // full and all_positions both close this position entirely
		return pos.Quantity
	}
}

// recordSlippage folds one fill into the momentum EMA.
func (e *Executor) recordSlippage(intended, fill float64) {
	if intended <= 0 {
		return
	}
	e.slippage.Observe((fill-intended)/intended, e.now())
}

// hardAlert raises the process-level alert for a CRITICAL exit that cannot
// reach the gateway: signal bus, notifier, and an error log.
func (e *Executor) hardAlert(ctx context.Context, pos *domain.Position, trig *domain.ExitTrigger, cause error) {
	detail := map[string]any{
		"alert":       "critical_exit_unfilled",
		"position_id": pos.ID,
		"reason":      trig.Reason,
		"error":       cause.Error(),
	}
	payload, _ := json.Marshal(detail)
	if err := e.bus.Publish(ctx, "alerts", payload); err != nil {
		e.logger.ErrorContext(ctx, "publish hard alert failed", slog.String("error", err.Error()))
	}
	if e.notifier != nil {
		_ = e.notifier.NotifyAll(ctx,
			"CRITICAL exit unfilled",
			fmt.Sprintf("position %s (%s): gateway unreachable: %v", pos.ID, trig.Reason, cause),
		)
	}
	e.auditLog(ctx, "exit_gateway_alert", detail)
	e.logger.ErrorContext(ctx, "critical exit unfilled past alert deadline",
		slog.String("position_id", pos.ID),
		slog.String("error", cause.Error()),
	)
}

// auditLog writes an audit row; audit failures are logged, never fatal.
func (e *Executor) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func oppositeSide(s domain.OrderSide) domain.OrderSide {
	if s == domain.OrderSideBuy {
		return domain.OrderSideSell
	}
	return domain.OrderSideBuy
}

func clampPrice(p float64) float64 {
	switch {
	case p < minPrice:
		return minPrice
	case p > maxPrice:
		return maxPrice
	default:
		return p
	}
}

func avg(notional, qty float64) float64 {
	if qty <= 0 {
		return 0
	}
	return notional / qty
}
