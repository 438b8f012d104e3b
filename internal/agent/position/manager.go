package position

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ai_strategy/internal/agent/execution"
	"ai_strategy/internal/config"
	"ai_strategy/internal/domain"
	"ai_strategy/internal/notify"
)

// Store persists positions. May be nil.
type Store interface {
	SavePosition(ctx context.Context, p domain.Position) error
	ListActivePositions(ctx context.Context) ([]domain.Position, error)
}

// ClosedHandler receives every closed position exactly as persisted.
type ClosedHandler interface {
	OnClosed(ctx context.Context, p domain.Position) (bool, error)
}

// StopLossRecorder is told about trailing-stop exits.
type StopLossRecorder interface {
	RecordStopLoss(symbol, strategyID string, at time.Time)
}

type Settings struct {
	ExitMaxRetries   int
	ExitRetryBackoff time.Duration
	PollInterval     time.Duration
}

func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		ExitMaxRetries:   cfg.ExitMaxRetries,
		ExitRetryBackoff: time.Duration(cfg.ExitRetryBackoffMs) * time.Millisecond,
		PollInterval:     time.Duration(cfg.MonitorIntervalSec) * time.Second,
	}
}

// OpenRequest carries an approved decision plus the strategy's exit offsets.
type OpenRequest struct {
	Decision            domain.TradeDecision
	TrailingStopPercent float64
	TakeProfitPercent   float64
	ReferencePrice      float64
}

type tracked struct {
	mu    sync.Mutex
	pos   domain.Position
	owner atomic.Bool
	ticks chan float64
}

// offer delivers a tick without blocking; an unread older tick is replaced.
func (t *tracked) offer(price float64) {
	for {
		select {
		case t.ticks <- price:
			return
		default:
		}
		select {
		case <-t.ticks:
		default:
		}
	}
}

func (t *tracked) snapshot() domain.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos
}

// Manager owns every position from entry to close. Each open position is
// monitored by exactly one goroutine.
type Manager struct {
	settings  Settings
	exchanges map[domain.Mode]execution.Exchange
	prices    execution.PriceSource
	store     Store
	closed    ClosedHandler
	stops     StopLossRecorder
	notifier  notify.Notifier

	mu      sync.RWMutex
	tracked map[string]*tracked

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewManager(settings Settings, exchanges map[domain.Mode]execution.Exchange, prices execution.PriceSource,
	store Store, closed ClosedHandler, stops StopLossRecorder, notifier notify.Notifier) *Manager {
	if settings.ExitMaxRetries < 1 {
		settings.ExitMaxRetries = 1
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		settings:  settings,
		exchanges: exchanges,
		prices:    prices,
		store:     store,
		closed:    closed,
		stops:     stops,
		notifier:  notify.OrNop(notifier),
		tracked:   make(map[string]*tracked),
		ctx:       ctx,
		cancel:    cancel,
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Open fills the entry and starts monitoring. A failed entry leaves the
// position in the terminal failed state and returns the exchange error.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (domain.Position, error) {
	// 下单开始后不随调用方取消
	ctx = context.WithoutCancel(ctx)
	d := req.Decision
	if d.Direction != domain.DirectionBuy && d.Direction != domain.DirectionSell {
		return domain.Position{}, fmt.Errorf("open %s: invalid direction %q", d.Symbol, d.Direction)
	}
	ex, ok := m.exchanges[d.Mode]
	if !ok || ex == nil {
		return domain.Position{}, fmt.Errorf("open %s: no exchange for mode %s", d.Symbol, d.Mode)
	}

	now := m.now()
	pos := domain.Position{
		ID:                  uuid.NewString(),
		DecisionID:          d.ID,
		StrategyID:          d.StrategyID,
		Symbol:              d.Symbol,
		Mode:                d.Mode,
		Direction:           d.Direction,
		TrailingStopPercent: req.TrailingStopPercent,
		Status:              domain.PositionOpening,
		UpdatedAt:           now,
	}
	m.save(ctx, pos)

	fill, err := ex.SubmitOrder(ctx, execution.OrderRequest{
		ClientOrderID:  "as" + strings.ReplaceAll(pos.ID, "-", "")[:16],
		Symbol:         d.Symbol,
		Side:           d.Direction,
		QuoteAmount:    d.Size,
		ReferencePrice: req.ReferencePrice,
	})
	if err == nil && (fill.Price <= 0 || fill.Quantity <= 0) {
		err = fmt.Errorf("%w: price=%.8f qty=%.8f", execution.ErrNotFilled, fill.Price, fill.Quantity)
	}
	if err != nil {
		pos.Status = domain.PositionFailed
		pos.FailureReason = err.Error()
		pos.UpdatedAt = m.now()
		m.save(ctx, pos)
		log.Printf("[持仓] ✘ 建仓失败 %s %s %s: %v", shortID(pos.ID), pos.Direction, pos.Symbol, err)
		m.emit(notify.EventTradeFailed, pos, "entry failed: "+err.Error(), nil)
		return pos, fmt.Errorf("open %s: %w", d.Symbol, err)
	}

	pos.EntryPrice = fill.Price
	pos.Quantity = fill.Quantity
	pos.EntryTime = fill.At
	if pos.EntryTime.IsZero() {
		pos.EntryTime = m.now()
	}
	pos.EntryOrder = fill.OrderID
	pos.TrailingStop, pos.TakeProfit = InitialLevels(pos.Direction, pos.EntryPrice, req.TrailingStopPercent, req.TakeProfitPercent)
	pos.HighWater = pos.EntryPrice
	pos.Status = domain.PositionOpen
	pos.UpdatedAt = m.now()
	m.save(ctx, pos)

	t := m.track(pos)
	if err := m.claim(t); err != nil {
		return pos, err
	}
	m.startMonitor(t)

	log.Printf("[持仓] ✔ 已建仓 %s %s %s 入场=%.8f 数量=%.6f 止损=%.8f 止盈=%.8f 模式=%s",
		shortID(pos.ID), pos.Direction, pos.Symbol, pos.EntryPrice, pos.Quantity, pos.TrailingStop, pos.TakeProfit, pos.Mode)
	m.emit(notify.EventTradeOpened, pos, fmt.Sprintf("opened %s %s @ %.8f", pos.Direction, pos.Symbol, pos.EntryPrice),
		map[string]any{"entry_price": pos.EntryPrice, "quantity": pos.Quantity})
	return pos, nil
}

// InitialLevels returns the starting trailing stop and take profit for an entry.
func InitialLevels(dir domain.Direction, entry, tslPct, tpPct float64) (tsl, tp float64) {
	if dir == domain.DirectionSell {
		return entry * (1 + tslPct/100), entry * (1 - tpPct/100)
	}
	return entry * (1 - tslPct/100), entry * (1 + tpPct/100)
}

// Ratchet moves the stop toward a new extreme price and never loosens it.
func Ratchet(p *domain.Position, price float64) {
	k := p.TrailingStopPercent / 100
	switch p.Direction {
	case domain.DirectionBuy:
		if price > p.HighWater {
			p.HighWater = price
			if next := price * (1 - k); next > p.TrailingStop {
				p.TrailingStop = next
			}
		}
	case domain.DirectionSell:
		if price < p.HighWater {
			p.HighWater = price
			if next := price * (1 + k); next < p.TrailingStop {
				p.TrailingStop = next
			}
		}
	}
}

// exitReason reports whether price crosses the stop or the target.
func exitReason(p domain.Position, price float64) (domain.ExitReason, bool) {
	switch p.Direction {
	case domain.DirectionBuy:
		if price <= p.TrailingStop {
			return domain.ExitTrailingStop, true
		}
		if price >= p.TakeProfit {
			return domain.ExitTakeProfit, true
		}
	case domain.DirectionSell:
		if price >= p.TrailingStop {
			return domain.ExitTrailingStop, true
		}
		if price <= p.TakeProfit {
			return domain.ExitTakeProfit, true
		}
	}
	return "", false
}

func (m *Manager) track(pos domain.Position) *tracked {
	t := &tracked{pos: pos, ticks: make(chan float64, 1)}
	m.mu.Lock()
	m.tracked[pos.ID] = t
	m.mu.Unlock()
	m.publishActive()
	return t
}

func (m *Manager) untrack(id string) {
	m.mu.Lock()
	delete(m.tracked, id)
	m.mu.Unlock()
	m.publishActive()
}

// claim makes the caller the position's single owner.
func (m *Manager) claim(t *tracked) error {
	if t.owner.CompareAndSwap(false, true) {
		return nil
	}
	pos := t.snapshot()
	err := fmt.Errorf("%w: position %s already has a monitoring owner", domain.ErrInvariantViolation, pos.ID)
	log.Printf("[持仓] ✘ %v", err)
	m.emit(notify.EventInvariantViolation, pos, err.Error(), nil)
	return err
}

func (m *Manager) startMonitor(t *tracked) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.monitor(t)
	}()
}

func (m *Manager) monitor(t *tracked) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case price := <-t.ticks:
			reason, exit := m.applyTick(t, price)
			if !exit {
				continue
			}
			m.exit(t, price, reason)
			return
		}
	}
}

// applyTick updates levels for one price and moves the position to closing
// when an exit level is crossed.
func (m *Manager) applyTick(t *tracked, price float64) (domain.ExitReason, bool) {
	if price <= 0 {
		return "", false
	}
	t.mu.Lock()
	if t.pos.Status != domain.PositionOpen {
		t.mu.Unlock()
		return "", false
	}
	prevStop := t.pos.TrailingStop
	Ratchet(&t.pos, price)
	t.pos.UnrealizedPnL = domain.PnL(t.pos.Direction, t.pos.EntryPrice, price, t.pos.Quantity)
	reason, exit := exitReason(t.pos, price)
	if exit {
		t.pos.Status = domain.PositionClosing
		t.pos.ExitReason = reason
	}
	moved := t.pos.TrailingStop != prevStop
	t.pos.UpdatedAt = m.now()
	pos := t.pos
	t.mu.Unlock()

	if moved {
		log.Printf("[持仓] %s %s 止损上移至 %.8f（价格 %.8f）", shortID(pos.ID), pos.Symbol, pos.TrailingStop, price)
	}
	if moved || exit {
		m.save(m.ctx, pos)
	}
	if exit {
		log.Printf("[持仓] %s %s 触发%s 价格=%.8f 止损=%.8f 止盈=%.8f",
			shortID(pos.ID), pos.Symbol, reason, price, pos.TrailingStop, pos.TakeProfit)
	}
	return reason, exit
}

// exit submits the closing order, retrying with exponential backoff. When
// every attempt fails the position stays closing and is flagged for manual
// intervention.
func (m *Manager) exit(t *tracked, price float64, reason domain.ExitReason) {
	pos := t.snapshot()
	ex := m.exchanges[pos.Mode]
	side := domain.DirectionSell
	if pos.Direction == domain.DirectionSell {
		side = domain.DirectionBuy
	}

	var lastErr error
	backoff := m.settings.ExitRetryBackoff
	for attempt := 1; attempt <= m.settings.ExitMaxRetries; attempt++ {
		fill, err := ex.SubmitOrder(m.ctx, execution.OrderRequest{
			ClientOrderID:  fmt.Sprintf("ax%s%d", strings.ReplaceAll(pos.ID, "-", "")[:16], attempt),
			Symbol:         pos.Symbol,
			Side:           side,
			Quantity:       pos.Quantity,
			ReferencePrice: price,
			Protective:     true,
		})
		t.mu.Lock()
		t.pos.ExitAttempts = attempt
		t.mu.Unlock()
		if err == nil && fill.Price > 0 {
			m.finalize(t, fill.Price, fill.At, reason)
			return
		}
		if err == nil {
			err = fmt.Errorf("%w: exit fill without price", execution.ErrNotFilled)
		}
		lastErr = err
		metricExitRetries.WithLabelValues(string(pos.Mode)).Inc()
		log.Printf("[持仓] ⚠ 平仓失败 %s %s 第 %d/%d 次: %v", shortID(pos.ID), pos.Symbol, attempt, m.settings.ExitMaxRetries, err)
		if attempt == m.settings.ExitMaxRetries {
			break
		}
		if err := m.sleep(m.ctx, backoff); err != nil {
			return
		}
		backoff *= 2
	}

	t.mu.Lock()
	t.pos.NeedsManual = true
	t.pos.FailureReason = lastErr.Error()
	t.pos.UpdatedAt = m.now()
	pos = t.pos
	t.mu.Unlock()
	m.save(m.ctx, pos)
	log.Printf("[持仓] ✘ %s %s 平仓重试耗尽，需要人工处理", shortID(pos.ID), pos.Symbol)
	m.emit(notify.EventManualIntervention, pos, "exit retries exhausted: "+lastErr.Error(),
		map[string]any{"exit_attempts": pos.ExitAttempts, "exit_reason": string(pos.ExitReason)})
}

// finalize moves a closing position to closed and hands it downstream.
func (m *Manager) finalize(t *tracked, exitPrice float64, at time.Time, reason domain.ExitReason) {
	if at.IsZero() {
		at = m.now()
	}
	t.mu.Lock()
	t.pos.Status = domain.PositionClosed
	t.pos.ExitPrice = exitPrice
	t.pos.ExitTime = &at
	t.pos.ExitReason = reason
	t.pos.RealizedPnL = domain.PnL(t.pos.Direction, t.pos.EntryPrice, exitPrice, t.pos.Quantity)
	t.pos.UnrealizedPnL = 0
	t.pos.NeedsManual = false
	t.pos.UpdatedAt = m.now()
	pos := t.pos
	t.mu.Unlock()

	m.save(m.ctx, pos)
	m.untrack(pos.ID)
	metricClosed.WithLabelValues(string(pos.Mode), string(reason)).Inc()

	log.Printf("[持仓] ✔ 已平仓 %s %s %s 入场=%.8f 出场=%.8f 盈亏=%.4f 原因=%s",
		shortID(pos.ID), pos.Direction, pos.Symbol, pos.EntryPrice, pos.ExitPrice, pos.RealizedPnL, reason)

	if reason == domain.ExitTrailingStop && m.stops != nil {
		m.stops.RecordStopLoss(pos.Symbol, pos.StrategyID, at)
	}
	if m.closed != nil {
		if _, err := m.closed.OnClosed(m.ctx, pos); err != nil {
			log.Printf("[持仓] ⚠ 绩效更新失败 %s: %v", shortID(pos.ID), err)
		}
	}
	m.emit(notify.EventTradeClosed, pos, fmt.Sprintf("closed %s %s pnl=%.4f (%s)", pos.Direction, pos.Symbol, pos.RealizedPnL, reason),
		map[string]any{"exit_price": pos.ExitPrice, "realized_pnl": pos.RealizedPnL, "exit_reason": string(reason)})
}

// ResolveManual closes a position whose exit was flagged for manual handling,
// using the price at which the operator settled it.
func (m *Manager) ResolveManual(ctx context.Context, id string, exitPrice float64) (domain.Position, error) {
	if exitPrice <= 0 {
		return domain.Position{}, fmt.Errorf("resolve %s: exit price must be positive", id)
	}
	m.mu.RLock()
	t, ok := m.tracked[id]
	m.mu.RUnlock()
	if !ok {
		return domain.Position{}, fmt.Errorf("resolve %s: %w", id, domain.ErrPositionNotFound)
	}
	pos := t.snapshot()
	if pos.Status != domain.PositionClosing || !pos.NeedsManual {
		return pos, fmt.Errorf("resolve %s: position is %s and not awaiting manual exit", id, pos.Status)
	}
	reason := pos.ExitReason
	if reason == "" {
		reason = domain.ExitManual
	}
	m.finalize(t, exitPrice, m.now(), reason)
	return t.snapshot(), nil
}

// OnPrice fans a tick out to every open position on the symbol.
func (m *Manager) OnPrice(symbol string, price float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tracked {
		if strings.EqualFold(t.pos.Symbol, symbol) {
			t.offer(price)
		}
	}
}

// Run polls latest prices for open positions until ctx is done. It complements
// the push stream so positions keep moving when no stream is configured.
func (m *Manager) Run(ctx context.Context) {
	if m.prices == nil {
		return
	}
	ticker := time.NewTicker(m.settings.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Manager) poll(ctx context.Context) {
	for _, sym := range m.Symbols() {
		price, err := m.prices.GetLatestPrice(ctx, sym)
		if err != nil {
			log.Printf("[持仓] ⚠ 获取 %s 最新价失败: %v", sym, err)
			continue
		}
		m.OnPrice(sym, price)
	}
}

// Symbols lists the distinct symbols with open positions.
func (m *Manager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, t := range m.tracked {
		sym := strings.ToUpper(t.pos.Symbol)
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

// Get returns an in-memory position that is still open or closing.
func (m *Manager) Get(id string) (domain.Position, bool) {
	m.mu.RLock()
	t, ok := m.tracked[id]
	m.mu.RUnlock()
	if !ok {
		return domain.Position{}, false
	}
	return t.snapshot(), true
}

// Active lists positions that are open or closing.
func (m *Manager) Active() []domain.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Position, 0, len(m.tracked))
	for _, t := range m.tracked {
		out = append(out, t.snapshot())
	}
	return out
}

// Restore resumes positions persisted by a previous process. Open positions
// resume monitoring. Interrupted entries and exits cannot be confirmed, so they
// are failed or flagged for manual handling respectively.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	positions, err := m.store.ListActivePositions(ctx)
	if err != nil {
		return fmt.Errorf("load active positions: %w", err)
	}
	for _, pos := range positions {
		switch pos.Status {
		case domain.PositionOpen:
			t := m.track(pos)
			if err := m.claim(t); err != nil {
				return err
			}
			m.startMonitor(t)
			log.Printf("[持仓] 恢复监控 %s %s %s", shortID(pos.ID), pos.Direction, pos.Symbol)
		case domain.PositionClosing:
			if !pos.NeedsManual {
				pos.NeedsManual = true
				pos.FailureReason = "exit interrupted by restart"
				pos.UpdatedAt = m.now()
				m.save(ctx, pos)
				m.emit(notify.EventManualIntervention, pos, "exit interrupted by restart", nil)
			}
			m.track(pos)
			log.Printf("[持仓] ⚠ %s %s 平仓未确认，等待人工处理", shortID(pos.ID), pos.Symbol)
		case domain.PositionOpening:
			pos.Status = domain.PositionFailed
			pos.FailureReason = "entry interrupted by restart"
			pos.UpdatedAt = m.now()
			m.save(ctx, pos)
			m.emit(notify.EventManualIntervention, pos, "entry interrupted by restart, check the exchange", nil)
			log.Printf("[持仓] ⚠ %s %s 建仓未确认，标记失败", shortID(pos.ID), pos.Symbol)
		}
	}
	return nil
}

// Close stops every monitoring loop and waits for them.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) save(ctx context.Context, pos domain.Position) {
	if m.store == nil {
		return
	}
	if err := m.store.SavePosition(ctx, pos); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[持仓] ⚠ 持仓持久化失败 %s: %v", shortID(pos.ID), err)
	}
}

func (m *Manager) emit(t notify.EventType, pos domain.Position, msg string, data map[string]any) {
	ev := notify.NewEvent(t, msg)
	ev.Mode = pos.Mode
	ev.StrategyID = pos.StrategyID
	ev.Symbol = pos.Symbol
	ev.DecisionID = pos.DecisionID
	ev.PositionID = pos.ID
	ev.Data = data
	m.notifier.Notify(ev)
}

func (m *Manager) publishActive() {
	m.mu.RLock()
	counts := map[domain.Mode]int{}
	for _, t := range m.tracked {
		counts[t.pos.Mode]++
	}
	m.mu.RUnlock()
	for _, mode := range domain.Modes {
		metricActive.WithLabelValues(string(mode)).Set(float64(counts[mode]))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
