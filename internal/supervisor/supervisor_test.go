package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantegy/exitd/internal/breaker"
	"github.com/quantegy/exitd/internal/domain"
	"github.com/quantegy/exitd/internal/executor"
	"github.com/quantegy/exitd/internal/notify"
)

// --- fakes -----------------------------------------------------------------

type fakeGateway struct {
	mu     sync.Mutex
	result domain.OrderResult
	orders []domain.ExitOrder
}

func (g *fakeGateway) PlaceOrder(_ context.Context, order domain.ExitOrder) (domain.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders = append(g.orders, order)
	res := g.result
	if res.OrderID == "" {
		res.OrderID = order.ID
	}
	return res, nil
}

func (g *fakeGateway) OrderStatus(_ context.Context, orderID string) (domain.OrderResult, error) {
	return domain.OrderResult{OrderID: orderID, Status: domain.OrderStatusOpen}, nil
}

func (g *fakeGateway) CancelOrder(context.Context, string) error { return nil }

func (g *fakeGateway) orderCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.orders)
}

type fakeStore struct {
	mu     sync.Mutex
	open   []domain.Position
	closes []string
}

func (s *fakeStore) Create(context.Context, domain.Position) error { return nil }
func (s *fakeStore) Update(context.Context, domain.Position) error { return nil }
func (s *fakeStore) Close(_ context.Context, id string, _, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes = append(s.closes, id)
	return nil
}
func (s *fakeStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	for _, p := range s.open {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}
func (s *fakeStore) GetOpen(context.Context, string) ([]domain.Position, error) {
	return s.open, nil
}
func (s *fakeStore) ListHistory(context.Context, string, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}
func (s *fakeStore) closedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.closes...)
}

type fakeCache struct {
	mu   sync.Mutex
	snap domain.MarketSnapshot
	err  error
}

func (c *fakeCache) Get(context.Context, string) (domain.MarketSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return domain.MarketSnapshot{}, c.err
	}
	snap := c.snap
	snap.ObservedAt = time.Now()
	return snap, nil
}
func (c *fakeCache) Put(domain.MarketSnapshot) {}

type nopLimiter struct{}

func (nopLimiter) Acquire(context.Context, int) error { return nil }

type nopBus struct{}

func (nopBus) Publish(context.Context, string, []byte) error          { return nil }
func (nopBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }
func (nopBus) StreamAppend(context.Context, string, []byte) error     { return nil }
func (nopBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type nopAudit struct{}

func (nopAudit) Log(context.Context, string, map[string]any) error { return nil }
func (nopAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}
func (nopAudit) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type memLocks struct {
	mu     sync.Mutex
	held   map[string]int // key -> holder token
	next   int
	renews int
}

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (domain.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]int)
	}
	if _, ok := l.held[key]; ok {
		return nil, domain.ErrLockHeld
	}
	l.next++
	l.held[key] = l.next
	return &memLock{locks: l, key: key, token: l.next}, nil
}

func (l *memLocks) renewCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renews
}

// steal reassigns the key to a foreign holder, as an expired lock taken by
// another process would be.
func (l *memLocks) steal(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]int)
	}
	l.held[key] = -1
}

type memLock struct {
	locks *memLocks
	key   string
	token int
}

func (lk *memLock) Renew(context.Context, time.Duration) error {
	lk.locks.mu.Lock()
	defer lk.locks.mu.Unlock()
	if lk.locks.held[lk.key] != lk.token {
		return domain.ErrLockHeld
	}
	lk.locks.renews++
	return nil
}

func (lk *memLock) Release() {
	lk.locks.mu.Lock()
	defer lk.locks.mu.Unlock()
	if lk.locks.held[lk.key] == lk.token {
		delete(lk.locks.held, lk.key)
	}
}

// stallingCache blocks its first fetch until stall is closed, regardless of
// the caller's context, then serves healthy snapshots.
type stallingCache struct {
	mu    sync.Mutex
	calls int
	stall chan struct{}
	snap  domain.MarketSnapshot
}

func (c *stallingCache) Get(_ context.Context, _ string) (domain.MarketSnapshot, error) {
	c.mu.Lock()
	c.calls++
	first := c.calls == 1
	c.mu.Unlock()
	if first {
		<-c.stall
		return domain.MarketSnapshot{}, errors.New("fetch interrupted")
	}
	snap := c.snap
	snap.ObservedAt = time.Now()
	return snap, nil
}

func (c *stallingCache) Put(domain.MarketSnapshot) {}

func (c *stallingCache) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// --- fixtures ----------------------------------------------------------------

func fastConfig() domain.MonitoringConfig {
	return domain.MonitoringConfig{
		StopLossPct: map[domain.Confidence]float64{
			domain.ConfidenceMedium: -0.12,
		},
		ProfitTargetPct: map[domain.Confidence]float64{
			domain.ConfidenceMedium: 0.25,
		},
		Trailing: domain.TrailingConfig{
			ActivationPct:   0.10,
			InitialDistance: 0.05,
			FloorDistance:   0.02,
		},
		MaxSpread:      0.10,
		MinDepth:       1,
		NormalInterval: 30 * time.Millisecond,
		UrgentInterval: 10 * time.Millisecond,
		UrgencyMargin:  0.02,
		SnapshotTTL:    time.Millisecond,
	}
}

func snapshotAt(bid, ask float64) domain.MarketSnapshot {
	return domain.MarketSnapshot{
		TokenID:  "tok-1",
		BestBid:  bid,
		BestAsk:  ask,
		Spread:   ask - bid,
		BidDepth: 1000,
		AskDepth: 1000,
	}
}

func openPosition() domain.Position {
	return domain.Position{
		ID:           "pos-1",
		MarketID:     "mkt-1",
		TokenID:      "tok-1",
		Wallet:       "0xabc",
		Direction:    domain.OrderSideBuy,
		Quantity:     100,
		EntryPrice:   0.70,
		CostBasis:    70,
		Confidence:   domain.ConfidenceMedium,
		Status:       domain.PositionStatusOpen,
		SettlementAt: time.Now().Add(72 * time.Hour),
	}
}

type harness struct {
	gateway *fakeGateway
	store   *fakeStore
	cache   *fakeCache
	breaker *breaker.Breaker
	deps    Deps
	logger  *slog.Logger
}

func newHarness(fillResult domain.OrderResult, snap domain.MarketSnapshot) *harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		gateway: &fakeGateway{result: fillResult},
		store:   &fakeStore{},
		cache:   &fakeCache{snap: snap},
		logger:  logger,
	}
	h.breaker = breaker.New(breaker.Config{MaxDailyLoss: -1e9, MaxConsecutiveLosses: 1000}, nil, nopBus{}, logger)
	exec := executor.New(h.gateway, h.store, h.cache, nopLimiter{}, nopBus{}, nopAudit{}, notify.NewNotifier(nil, nil, logger), logger)
	h.deps = Deps{
		Cache:     h.cache,
		Breaker:   h.breaker,
		Executor:  exec,
		Positions: h.store,
	}
	return h
}

// --- tests -------------------------------------------------------------------

func TestSupervisor_ClosesOnStopLoss(t *testing.T) {
	// -21% against a -12% floor: first cycle must exit at market and close.
	h := newHarness(
		domain.OrderResult{Status: domain.OrderStatusFilled, FilledQty: 100, AvgFillPrice: 0.55},
		snapshotAt(0.55, 0.57),
	)
	pos := openPosition()
	sup := New(&pos, fastConfig(), h.deps, h.logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := sup.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.Contains(t, h.store.closedIDs(), "pos-1")
	require.NotZero(t, h.gateway.orderCount())
	assert.Equal(t, domain.OrderSideSell, h.gateway.orders[0].Side)

	// The fill was folded into the breaker counters.
	assert.InDelta(t, -15.0, h.breaker.State().DailyPnL, 1e-9)
}

func TestSupervisor_TransientFetchErrorsNeverExit(t *testing.T) {
	h := newHarness(domain.OrderResult{}, snapshotAt(0.55, 0.57))
	h.cache.err = errors.New("source down")
	pos := openPosition()
	sup := New(&pos, fastConfig(), h.deps, h.logger)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := sup.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.Zero(t, h.gateway.orderCount())
	assert.Empty(t, h.store.closedIDs())
}

func TestSupervisor_HealthyPositionKeepsPolling(t *testing.T) {
	h := newHarness(domain.OrderResult{}, snapshotAt(0.71, 0.73))
	pos := openPosition()
	sup := New(&pos, fastConfig(), h.deps, h.logger)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_ = sup.Run(ctx)

	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.Zero(t, h.gateway.orderCount())
	// Price was marked on the exit side (the bid, for a long).
	assert.InDelta(t, 0.71, pos.CurrentPrice, 1e-9)
}

func TestSupervisor_UrgentNearStopLoss(t *testing.T) {
	h := newHarness(domain.OrderResult{}, snapshotAt(0.62, 0.64))
	pos := openPosition()
	sup := New(&pos, fastConfig(), h.deps, h.logger)

	// Stop-loss level for a 0.70 entry at -12% is 0.616; 0.62 is within the
	// 2% margin.
	pos.MarkPrice(0.62)
	assert.True(t, sup.urgent())

	pos.MarkPrice(0.70)
	assert.False(t, sup.urgent())
}

func TestSupervisor_BreakerTripInterruptsSleep(t *testing.T) {
	cfg := fastConfig()
	cfg.NormalInterval = 10 * time.Second // sleep would dwarf the test timeout
	h := newHarness(
		domain.OrderResult{Status: domain.OrderStatusFilled, FilledQty: 100, AvgFillPrice: 0.70},
		snapshotAt(0.71, 0.73),
	)
	pos := openPosition()
	sup := New(&pos, cfg, h.deps, h.logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// First cycle finds nothing; trip the breaker mid-sleep. The next cycle
	// must run immediately and close the position through the CRITICAL path.
	time.Sleep(50 * time.Millisecond)
	h.breaker.RecordClose(ctx, domain.CloseEvent{RealizedPnL: -2e9})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not react to the breaker trip")
	}
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
}

func TestManager_RunsPositionsToCompletion(t *testing.T) {
	h := newHarness(
		domain.OrderResult{Status: domain.OrderStatusFilled, FilledQty: 100, AvgFillPrice: 0.55},
		snapshotAt(0.55, 0.57),
	)
	h.store.open = []domain.Position{openPosition()}

	mgr := NewManager(h.store, &memLocks{}, fastConfig(), "0xabc", h.deps, h.logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(h.store.closedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestManager_RestartKeepsReplacementRegistered(t *testing.T) {
	h := newHarness(domain.OrderResult{}, snapshotAt(0.71, 0.73))
	sc := &stallingCache{stall: make(chan struct{}), snap: snapshotAt(0.71, 0.73)}
	h.deps.Cache = sc
	h.store.open = []domain.Position{openPosition()}

	mgr := NewManager(h.store, &memLocks{}, fastConfig(), "0xabc", h.deps, h.logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	// The first supervisor wedges in its snapshot fetch; the watchdog must
	// restart it, and the replacement's second fetch proves it is cycling.
	require.Eventually(t, func() bool {
		return sc.callCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	// Unblock the cancelled predecessor and let its cleanup unwind. It must
	// not unregister the replacement: the watchdog has to keep seeing this
	// position for any later stall.
	close(sc.stall)
	time.Sleep(100 * time.Millisecond)

	mgr.mu.Lock()
	registered := len(mgr.running)
	mgr.mu.Unlock()
	assert.Equal(t, 1, registered)

	cancel()
	<-done
}

func TestManager_RenewsPositionLock(t *testing.T) {
	h := newHarness(domain.OrderResult{}, snapshotAt(0.71, 0.73))
	h.store.open = []domain.Position{openPosition()}

	locks := &memLocks{}
	mgr := NewManager(h.store, locks, fastConfig(), "0xabc", h.deps, h.logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	// A long-lived supervisor has to keep extending its lock TTL; otherwise
	// the lock expires and a second process could take the position over.
	require.Eventually(t, func() bool {
		return locks.renewCount() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestManager_LockLossStopsSupervisor(t *testing.T) {
	h := newHarness(
		domain.OrderResult{Status: domain.OrderStatusFilled, FilledQty: 100, AvgFillPrice: 0.55},
		snapshotAt(0.71, 0.73),
	)
	h.store.open = []domain.Position{openPosition()}

	locks := &memLocks{}
	mgr := NewManager(h.store, locks, fastConfig(), "0xabc", h.deps, h.logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	require.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		return len(mgr.running) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Another holder now owns the lock; this supervisor must stand down
	// instead of double-driving the position.
	locks.steal("position:pos-1")

	require.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		return len(mgr.running) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.gateway.orderCount())

	cancel()
	<-done
}

func TestManager_AdoptsLateOpenedPosition(t *testing.T) {
	h := newHarness(
		domain.OrderResult{Status: domain.OrderStatusFilled, FilledQty: 100, AvgFillPrice: 0.55},
		snapshotAt(0.55, 0.57),
	)
	// Nothing open at startup; the position arrives mid-session.
	mgr := NewManager(h.store, &memLocks{}, fastConfig(), "0xabc", h.deps, h.logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	mgr.Adopt(ctx, openPosition())

	require.Eventually(t, func() bool {
		return len(h.store.closedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestManager_SkipsPositionsLockedElsewhere(t *testing.T) {
	h := newHarness(
		domain.OrderResult{Status: domain.OrderStatusFilled, FilledQty: 100, AvgFillPrice: 0.55},
		snapshotAt(0.55, 0.57),
	)
	h.store.open = []domain.Position{openPosition()}

	locks := &memLocks{held: map[string]int{"position:pos-1": -1}}
	mgr := NewManager(h.store, locks, fastConfig(), "0xabc", h.deps, h.logger)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = mgr.Run(ctx)

	assert.Zero(t, h.gateway.orderCount())
	assert.Empty(t, h.store.closedIDs())
}
