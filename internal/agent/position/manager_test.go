package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai_strategy/internal/agent/execution"
	"ai_strategy/internal/domain"
	"ai_strategy/internal/notify"
)

// fakeExchange fills at the reference price. Entries carry a quote amount,
// exits a quantity.
type fakeExchange struct {
	mu           sync.Mutex
	failEntry    bool
	failExits    int
	exitCalls    int
	entryCalls   int
	honourCancel bool
	exitOrders   []execution.OrderRequest
}

func (f *fakeExchange) SubmitOrder(ctx context.Context, req execution.OrderRequest) (execution.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.honourCancel && ctx.Err() != nil {
		return execution.Fill{}, ctx.Err()
	}
	if req.QuoteAmount > 0 {
		f.entryCalls++
		if f.failEntry {
			return execution.Fill{}, errors.New("insufficient balance")
		}
		return execution.Fill{OrderID: "entry", Price: req.ReferencePrice, Quantity: req.QuoteAmount / req.ReferencePrice}, nil
	}
	f.exitCalls++
	f.exitOrders = append(f.exitOrders, req)
	if f.failExits > 0 {
		f.failExits--
		return execution.Fill{}, errors.New("exchange timeout")
	}
	return execution.Fill{OrderID: "exit", Price: req.ReferencePrice, Quantity: req.Quantity}, nil
}

func (f *fakeExchange) CancelOrder(context.Context, string, string) error { return nil }

func (f *fakeExchange) exits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitCalls
}

type memStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
}

func newMemStore() *memStore { return &memStore{positions: map[string]domain.Position{}} }

func (s *memStore) SavePosition(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = p
	return nil
}

func (s *memStore) ListActivePositions(context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		switch p.Status {
		case domain.PositionOpening, domain.PositionOpen, domain.PositionClosing:
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) get(id string) domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[id]
}

type closedRecorder struct {
	mu     sync.Mutex
	closed []domain.Position
}

func (c *closedRecorder) OnClosed(_ context.Context, p domain.Position) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, p)
	return true, nil
}

func (c *closedRecorder) all() []domain.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Position(nil), c.closed...)
}

type stopRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (s *stopRecorder) RecordStopLoss(symbol, strategyID string, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, symbol+"/"+strategyID)
}

func (s *stopRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *eventRecorder) Notify(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) has(t notify.EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

type harness struct {
	m      *Manager
	ex     *fakeExchange
	store  *memStore
	closed *closedRecorder
	stops  *stopRecorder
	events *eventRecorder
}

func newHarness(t *testing.T, ex *fakeExchange, retries int) *harness {
	t.Helper()
	h := &harness{ex: ex, store: newMemStore(), closed: &closedRecorder{}, stops: &stopRecorder{}, events: &eventRecorder{}}
	exchanges := map[domain.Mode]execution.Exchange{domain.ModePaper: ex, domain.ModeReal: ex}
	h.m = NewManager(Settings{ExitMaxRetries: retries, ExitRetryBackoff: time.Millisecond, PollInterval: time.Hour},
		exchanges, nil, h.store, h.closed, h.stops, h.events)
	h.m.sleep = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(h.m.Close)
	return h
}

func openReq(dir domain.Direction, mode domain.Mode) OpenRequest {
	return OpenRequest{
		Decision: domain.TradeDecision{
			ID:         "dec-1",
			StrategyID: "s-1",
			Symbol:     "BTCUSDT",
			Mode:       mode,
			Direction:  dir,
			Size:       100,
		},
		TrailingStopPercent: 5,
		TakeProfitPercent:   10,
		ReferencePrice:      100,
	}
}

func (h *harness) waitClosed(t *testing.T, n int) []domain.Position {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.closed.all()) >= n }, 2*time.Second, 5*time.Millisecond)
	return h.closed.all()
}

func TestOpenSetsInitialLevels(t *testing.T) {
	h := newHarness(t, &fakeExchange{}, 3)
	pos, err := h.m.Open(context.Background(), openReq(domain.DirectionBuy, domain.ModePaper))
	require.NoError(t, err)

	assert.Equal(t, domain.PositionOpen, pos.Status)
	assert.InDelta(t, 100.0, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 1.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 95.0, pos.TrailingStop, 1e-9)
	assert.InDelta(t, 110.0, pos.TakeProfit, 1e-9)
	assert.Equal(t, domain.PositionOpen, h.store.get(pos.ID).Status)
	assert.True(t, h.events.has(notify.EventTradeOpened))

	got, ok := h.m.Get(pos.ID)
	require.True(t, ok)
	assert.Equal(t, pos.ID, got.ID)
	assert.Equal(t, []string{"BTCUSDT"}, h.m.Symbols())
}

func TestInitialLevelsForSell(t *testing.T) {
	tsl, tp := InitialLevels(domain.DirectionSell, 200, 2, 5)
	assert.InDelta(t, 204.0, tsl, 1e-9)
	assert.InDelta(t, 190.0, tp, 1e-9)
}

func TestBuyClosedAtTakeProfitHasPositivePnL(t *testing.T) {
	h := newHarness(t, &fakeExchange{}, 3)
	pos, err := h.m.Open(context.Background(), openReq(domain.DirectionBuy, domain.ModePaper))
	require.NoError(t, err)

	h.m.OnPrice("btcusdt", 110)
	closed := h.waitClosed(t, 1)

	c := closed[0]
	assert.Equal(t, pos.ID, c.ID)
	assert.Equal(t, domain.PositionClosed, c.Status)
	assert.Equal(t, domain.ExitTakeProfit, c.ExitReason)
	assert.InDelta(t, 10.0, c.RealizedPnL, 1e-9)
	require.NotNil(t, c.ExitTime)
	assert.Equal(t, domain.PositionClosed, h.store.get(pos.ID).Status)
	assert.Equal(t, 0, h.stops.count())
	assert.True(t, h.events.has(notify.EventTradeClosed))

	_, tracked := h.m.Get(pos.ID)
	assert.False(t, tracked)
}

func TestSellStoppedOutHasNegativePnL(t *testing.T) {
	h := newHarness(t, &fakeExchange{}, 3)
	_, err := h.m.Open(context.Background(), openReq(domain.DirectionSell, domain.ModePaper))
	require.NoError(t, err)

	h.m.OnPrice("BTCUSDT", 110)
	c := h.waitClosed(t, 1)[0]

	assert.Equal(t, domain.ExitTrailingStop, c.ExitReason)
	assert.InDelta(t, -10.0, c.RealizedPnL, 1e-9)
	assert.Equal(t, 1, h.stops.count())
}

func TestTrailingStopNeverLoosens(t *testing.T) {
	buy := domain.Position{Direction: domain.DirectionBuy, EntryPrice: 100, HighWater: 100, TrailingStop: 95, TrailingStopPercent: 5}
	last := buy.TrailingStop
	for _, p := range []float64{101, 104, 102, 108, 99, 108, 107.5, 112} {
		Ratchet(&buy, p)
		assert.GreaterOrEqual(t, buy.TrailingStop, last)
		last = buy.TrailingStop
	}
	assert.InDelta(t, 112*0.95, buy.TrailingStop, 1e-9)

	sell := domain.Position{Direction: domain.DirectionSell, EntryPrice: 100, HighWater: 100, TrailingStop: 105, TrailingStopPercent: 5}
	last = sell.TrailingStop
	for _, p := range []float64{99, 96, 98, 93, 101, 92.5} {
		Ratchet(&sell, p)
		assert.LessOrEqual(t, sell.TrailingStop, last)
		last = sell.TrailingStop
	}
	assert.InDelta(t, 92.5*1.05, sell.TrailingStop, 1e-9)
}

func TestRatchetThenStopOut(t *testing.T) {
	h := newHarness(t, &fakeExchange{}, 3)
	pos, err := h.m.Open(context.Background(), openReq(domain.DirectionBuy, domain.ModePaper))
	require.NoError(t, err)

	h.m.OnPrice("BTCUSDT", 108)
	require.Eventually(t, func() bool {
		p, ok := h.m.Get(pos.ID)
		return ok && p.HighWater == 108
	}, 2*time.Second, 5*time.Millisecond)

	p, _ := h.m.Get(pos.ID)
	assert.InDelta(t, 102.6, p.TrailingStop, 1e-9)

	h.m.OnPrice("BTCUSDT", 102)
	c := h.waitClosed(t, 1)[0]
	assert.Equal(t, domain.ExitTrailingStop, c.ExitReason)
	assert.InDelta(t, 2.0, c.RealizedPnL, 1e-9)
}

func TestFailedEntryIsTerminal(t *testing.T) {
	h := newHarness(t, &fakeExchange{failEntry: true}, 3)
	pos, err := h.m.Open(context.Background(), openReq(domain.DirectionBuy, domain.ModeReal))
	require.Error(t, err)

	assert.Equal(t, domain.PositionFailed, pos.Status)
	assert.Contains(t, pos.FailureReason, "insufficient balance")
	assert.Equal(t, domain.PositionFailed, h.store.get(pos.ID).Status)
	assert.Empty(t, h.m.Active())
	assert.Empty(t, h.closed.all())
	assert.True(t, h.events.has(notify.EventTradeFailed))
}

func TestExitRetriesThenManual(t *testing.T) {
	ex := &fakeExchange{failExits: 10}
	h := newHarness(t, ex, 3)
	pos, err := h.m.Open(context.Background(), openReq(domain.DirectionBuy, domain.ModeReal))
	require.NoError(t, err)

	h.m.OnPrice("BTCUSDT", 111)
	require.Eventually(t, func() bool {
		p, ok := h.m.Get(pos.ID)
		return ok && p.NeedsManual
	}, 2*time.Second, 5*time.Millisecond)

	p, _ := h.m.Get(pos.ID)
	assert.Equal(t, domain.PositionClosing, p.Status)
	assert.Equal(t, 3, p.ExitAttempts)
	assert.Equal(t, 3, ex.exits())
	assert.Empty(t, h.closed.all())
	assert.True(t, h.events.has(notify.EventManualIntervention))

	resolved, err := h.m.ResolveManual(context.Background(), pos.ID, 109)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, resolved.Status)
	assert.InDelta(t, 9.0, resolved.RealizedPnL, 1e-9)
	assert.Len(t, h.closed.all(), 1)

	_, err = h.m.ResolveManual(context.Background(), pos.ID, 109)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestExitRecoversWithinRetries(t *testing.T) {
	ex := &fakeExchange{failExits: 2}
	h := newHarness(t, ex, 3)
	_, err := h.m.Open(context.Background(), openReq(domain.DirectionBuy, domain.ModeReal))
	require.NoError(t, err)

	h.m.OnPrice("BTCUSDT", 115)
	c := h.waitClosed(t, 1)[0]
	assert.Equal(t, 3, c.ExitAttempts)
	assert.False(t, c.NeedsManual)
	assert.InDelta(t, 15.0, c.RealizedPnL, 1e-9)
}

func TestOpenIgnoresCallerCancellation(t *testing.T) {
	ex := &fakeExchange{honourCancel: true}
	h := newHarness(t, ex, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pos, err := h.m.Open(ctx, openReq(domain.DirectionBuy, domain.ModeReal))
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, pos.Status)
	assert.Equal(t, domain.PositionOpen, h.store.get(pos.ID).Status)
	assert.False(t, h.events.has(notify.EventTradeFailed))
}

func TestExitOrdersAreProtectiveWithFreshClientIDs(t *testing.T) {
	ex := &fakeExchange{failExits: 1}
	h := newHarness(t, ex, 3)
	_, err := h.m.Open(context.Background(), openReq(domain.DirectionBuy, domain.ModeReal))
	require.NoError(t, err)

	h.m.OnPrice("BTCUSDT", 115)
	h.waitClosed(t, 1)

	ex.mu.Lock()
	orders := append([]execution.OrderRequest(nil), ex.exitOrders...)
	ex.mu.Unlock()
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.True(t, o.Protective)
		assert.NotEmpty(t, o.ClientOrderID)
	}
	assert.NotEqual(t, orders[0].ClientOrderID, orders[1].ClientOrderID)
}

func TestExitPassesOpenBreaker(t *testing.T) {
	inner := &fakeExchange{failExits: 2}
	safe := execution.NewSafeExchange(inner, execution.SafeOptions{
		Venue:            "test-exit-breaker",
		PerMinuteCap:     1,
		DupWindow:        time.Minute,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Hour,
	})
	closed := &closedRecorder{}
	m := NewManager(Settings{ExitMaxRetries: 3, ExitRetryBackoff: time.Millisecond, PollInterval: time.Hour},
		map[domain.Mode]execution.Exchange{domain.ModeReal: safe}, nil, newMemStore(), closed, &stopRecorder{}, &eventRecorder{})
	m.sleep = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(m.Close)

	pos, err := m.Open(context.Background(), openReq(domain.DirectionBuy, domain.ModeReal))
	require.NoError(t, err)

	// 两次失败后断路器打开、分钟额度已用完，第三次平仓仍应送达交易所
	m.OnPrice("BTCUSDT", 112)
	require.Eventually(t, func() bool { return len(closed.all()) == 1 }, 2*time.Second, 5*time.Millisecond)

	c := closed.all()[0]
	assert.Equal(t, pos.ID, c.ID)
	assert.False(t, c.NeedsManual)
	assert.Equal(t, 3, c.ExitAttempts)
	assert.Equal(t, 3, inner.exits())

	_, err = safe.SubmitOrder(context.Background(), execution.OrderRequest{Symbol: "BTCUSDT", Side: domain.DirectionBuy, QuoteAmount: 50, ReferencePrice: 100})
	assert.ErrorIs(t, err, execution.ErrSuppressed)
}

func TestResolveManualRejectsOpenPosition(t *testing.T) {
	h := newHarness(t, &fakeExchange{}, 3)
	pos, err := h.m.Open(context.Background(), openReq(domain.DirectionBuy, domain.ModePaper))
	require.NoError(t, err)

	_, err = h.m.ResolveManual(context.Background(), pos.ID, 100)
	assert.Error(t, err)
}

func TestSecondOwnerIsInvariantViolation(t *testing.T) {
	h := newHarness(t, &fakeExchange{}, 3)
	tr := &tracked{pos: domain.Position{ID: "p-1", Symbol: "ETHUSDT"}, ticks: make(chan float64, 1)}
	require.NoError(t, h.m.claim(tr))
	err := h.m.claim(tr)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	assert.True(t, h.events.has(notify.EventInvariantViolation))
}

func TestOfferKeepsLatestTick(t *testing.T) {
	tr := &tracked{ticks: make(chan float64, 1)}
	tr.offer(1)
	tr.offer(2)
	tr.offer(3)
	assert.Equal(t, 3.0, <-tr.ticks)
	assert.Len(t, tr.ticks, 0)
}

func TestRestoreResumesOpenPositions(t *testing.T) {
	h := newHarness(t, &fakeExchange{}, 3)
	ctx := context.Background()
	open := domain.Position{ID: "open-1", StrategyID: "s-1", Symbol: "ETHUSDT", Mode: domain.ModePaper, Direction: domain.DirectionBuy,
		EntryPrice: 100, Quantity: 2, TrailingStop: 95, TakeProfit: 110, HighWater: 100, TrailingStopPercent: 5, Status: domain.PositionOpen}
	opening := domain.Position{ID: "opening-1", Symbol: "ETHUSDT", Mode: domain.ModeReal, Direction: domain.DirectionBuy, Status: domain.PositionOpening}
	closing := domain.Position{ID: "closing-1", Symbol: "SOLUSDT", Mode: domain.ModeReal, Direction: domain.DirectionBuy,
		EntryPrice: 10, Quantity: 1, Status: domain.PositionClosing, ExitReason: domain.ExitTakeProfit}
	for _, p := range []domain.Position{open, opening, closing} {
		require.NoError(t, h.store.SavePosition(ctx, p))
	}

	require.NoError(t, h.m.Restore(ctx))

	assert.Equal(t, domain.PositionFailed, h.store.get("opening-1").Status)
	assert.True(t, h.store.get("closing-1").NeedsManual)
	assert.Len(t, h.m.Active(), 2)

	h.m.OnPrice("ETHUSDT", 112)
	c := h.waitClosed(t, 1)[0]
	assert.Equal(t, "open-1", c.ID)
	assert.InDelta(t, 24.0, c.RealizedPnL, 1e-9)

	resolved, err := h.m.ResolveManual(ctx, "closing-1", 11)
	require.NoError(t, err)
	assert.Equal(t, domain.ExitTakeProfit, resolved.ExitReason)
	assert.InDelta(t, 1.0, resolved.RealizedPnL, 1e-9)
}
