package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ai_strategy/internal/agent/assess"
	"ai_strategy/internal/agent/fusion"
	"ai_strategy/internal/agent/performance"
	"ai_strategy/internal/agent/position"
	"ai_strategy/internal/agent/risk"
	"ai_strategy/internal/agent/strategy"
	"ai_strategy/internal/domain"
	"ai_strategy/internal/market"
	"ai_strategy/internal/notify"
)

// 流水线层面的原因（机器可读）
const (
	ReasonStaleOpportunity      = "stale_opportunity"
	ReasonDuplicateOpportunity  = "duplicate_opportunity"
	ReasonMarketDataUnavailable = "market_data_unavailable"
	ReasonEntryFailed           = "entry_failed"
	ReasonGateError             = "gate_error"
)

// Repository is the configuration store the pipeline needs.
type Repository interface {
	SaveStrategy(ctx context.Context, cfg domain.StrategyConfig) error
	GetStrategy(ctx context.Context, id string) (domain.StrategyConfig, error)
	ListStrategies(ctx context.Context) ([]domain.StrategyConfig, error)
	DeleteStrategy(ctx context.Context, id string) error
	InsertDecision(ctx context.Context, d domain.TradeDecision) error
}

type Options struct {
	MaxOpportunityAge time.Duration
}

type Service struct {
	repo      Repository
	feed      market.Feed
	engine    *strategy.Engine
	assessor  assess.Assessor
	gate      *risk.Gate
	positions *position.Manager
	perf      *performance.Aggregator
	notifier  notify.Notifier
	opts      Options

	seenMu sync.Mutex
	seen   map[string]time.Time

	// 串行化策略配置的读改写
	cfgMu sync.Mutex

	now func() time.Time
}

func New(repo Repository, feed market.Feed, engine *strategy.Engine, assessor assess.Assessor, gate *risk.Gate,
	positions *position.Manager, perf *performance.Aggregator, notifier notify.Notifier, opts Options) *Service {
	if assessor == nil {
		assessor = assess.FallbackAssessor{}
	}
	return &Service{
		repo:      repo,
		feed:      feed,
		engine:    engine,
		assessor:  assessor,
		gate:      gate,
		positions: positions,
		perf:      perf,
		notifier:  notify.OrNop(notifier),
		opts:      opts,
		seen:      make(map[string]time.Time),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Report summarises what one opportunity produced.
type Report struct {
	OpportunityID string                 `json:"opportunity_id"`
	Symbol        string                 `json:"symbol"`
	Skipped       bool                   `json:"skipped"`
	Reason        string                 `json:"reason,omitempty"`
	Evaluated     int                    `json:"evaluated"`
	Signals       []domain.Signal        `json:"signals"`
	Decisions     []domain.TradeDecision `json:"decisions"`
	Errors        []string               `json:"errors,omitempty"`
}

// ProcessOpportunity runs one opportunity through evaluation, fusion, the gate
// and position entry. Per-strategy failures are recorded in the report and do
// not abort the other strategies.
func (s *Service) ProcessOpportunity(ctx context.Context, opp domain.Opportunity) (Report, error) {
	opp.Symbol = market.PairToSymbol(opp.Symbol)
	if opp.Symbol == "" {
		return Report{}, fmt.Errorf("opportunity has no symbol")
	}
	if opp.ID == "" {
		opp.ID = uuid.NewString()
	}
	if opp.DetectedAt.IsZero() {
		opp.DetectedAt = s.now()
	}
	if opp.Source == "" {
		opp.Source = domain.SourceExternalFeed
	}
	rep := Report{OpportunityID: opp.ID, Symbol: opp.Symbol, Signals: []domain.Signal{}, Decisions: []domain.TradeDecision{}}
	tag := shortID(opp.ID)

	if s.stale(opp) {
		log.Printf("[机会:%s] ✘ 机会已过期 币对=%s 发现于=%s", tag, opp.Symbol, opp.DetectedAt.Format(time.RFC3339))
		rep.Skipped, rep.Reason = true, ReasonStaleOpportunity
		return rep, nil
	}
	if !s.markSeen(opp.ID) {
		log.Printf("[机会:%s] 重复的机会，忽略", tag)
		rep.Skipped, rep.Reason = true, ReasonDuplicateOpportunity
		return rep, nil
	}

	all, err := s.repo.ListStrategies(ctx)
	if err != nil {
		return rep, fmt.Errorf("list strategies: %w", err)
	}
	var active []domain.StrategyConfig
	for _, cfg := range all {
		if (cfg.ActivePaper || cfg.ActiveReal) && cfg.AppliesTo(opp.Symbol) {
			active = append(active, cfg)
		}
	}
	log.Printf("[机会:%s] ▶ 开始评估 币对=%s 来源=%s 策略数=%d", tag, opp.Symbol, opp.Source, len(active))
	if len(active) == 0 {
		return rep, nil
	}

	windows, dataErrs := s.loadWindows(ctx, opp.Symbol, active)

	results := make([]strategyResult, len(active))
	var wg sync.WaitGroup
	for i, cfg := range active {
		wg.Add(1)
		go func(i int, cfg domain.StrategyConfig) {
			defer wg.Done()
			if derr, ok := dataErrs[cfg.ID]; ok {
				results[i] = strategyResult{err: fmt.Errorf("%s: %s: %v", cfg.ID, ReasonMarketDataUnavailable, derr)}
				return
			}
			results[i] = s.runStrategy(ctx, opp, cfg, windows[cfg.ID])
		}(i, cfg)
	}
	wg.Wait()

	for _, r := range results {
		rep.Evaluated++
		if r.signal != nil {
			rep.Signals = append(rep.Signals, *r.signal)
		}
		rep.Decisions = append(rep.Decisions, r.decisions...)
		if r.err != nil {
			rep.Errors = append(rep.Errors, r.err.Error())
		}
	}
	log.Printf("[机会:%s] ■ 评估完成 信号=%d 决策=%d 错误=%d", tag, len(rep.Signals), len(rep.Decisions), len(rep.Errors))
	return rep, nil
}

type strategyResult struct {
	signal    *domain.Signal
	decisions []domain.TradeDecision
	err       error
}

func (s *Service) runStrategy(ctx context.Context, opp domain.Opportunity, cfg domain.StrategyConfig, window strategy.MarketWindow) strategyResult {
	tag := shortID(opp.ID)
	sig, err := s.engine.Evaluate(ctx, cfg, window)
	if err != nil {
		log.Printf("[机会:%s] ✘ 策略 %s 评估失败: %v", tag, cfg.ID, err)
		return strategyResult{err: fmt.Errorf("%s: %w", cfg.ID, err)}
	}
	if sig == nil {
		log.Printf("[机会:%s] 策略 %s(%s) 无信号", tag, cfg.Name, cfg.Type)
		return strategyResult{}
	}
	sig.OpportunityID = opp.ID
	log.Printf("[信号] 策略=%s 币对=%s 方向=%s 本地置信度=%.3f", cfg.ID, sig.Symbol, sig.Direction, sig.Confidence)

	var assessment *domain.AIAssessment
	var aiErr error
	if cfg.UsesAI {
		a, err := s.assessor.Assess(ctx, opp, assess.StrategyContext{Strategy: cfg, Signal: *sig, Bars: window.Bars, Prices: window.Prices})
		if err != nil {
			aiErr = err
			log.Printf("[信号] ⚠ AI 评估不可用，使用本地信号: %v", err)
			ev := notify.NewEvent(notify.EventAIFallback, err.Error())
			ev.StrategyID, ev.Symbol = cfg.ID, sig.Symbol
			s.notifier.Notify(ev)
		} else {
			assessment = &a
			log.Printf("[信号] AI 评估 策略=%s 动作=%s 置信度=%.3f 警告=%d", cfg.ID, a.Action, a.Confidence, len(a.Warnings))
		}
	}
	fused := fusion.Fuse(*sig, assessment, aiErr, cfg.UsesAI)

	res := strategyResult{signal: sig}
	for _, mode := range domain.Modes {
		if !cfg.ActiveIn(mode) {
			continue
		}
		d := s.decide(ctx, opp, cfg, *sig, fused, mode, referencePrice(window))
		res.decisions = append(res.decisions, d)
	}
	return res
}

// decide admits one fused signal in one mode and opens the position if approved.
func (s *Service) decide(ctx context.Context, opp domain.Opportunity, cfg domain.StrategyConfig, sig domain.Signal,
	fused fusion.Result, mode domain.Mode, refPrice float64) domain.TradeDecision {
	d := domain.TradeDecision{
		ID:            uuid.NewString(),
		OpportunityID: opp.ID,
		StrategyID:    cfg.ID,
		Symbol:        sig.Symbol,
		Mode:          mode,
		CreatedAt:     s.now(),
	}
	fused.Apply(&d)
	if cfg.SizeFraction != nil {
		d.SizeFraction = *cfg.SizeFraction
	}
	defer s.audit(ctx, &d)

	// 过期或已取消的机会不再晋级
	if ctx.Err() != nil || s.stale(opp) {
		d.Reason = ReasonStaleOpportunity
		return d
	}

	adm, err := s.gate.Admit(ctx, d, mode)
	if err != nil {
		d.Reason = ReasonGateError
		if errors.Is(err, domain.ErrInvariantViolation) {
			d.Reason = "invariant_violation"
		}
		log.Printf("[风控] ✘ 闸门错误 模式=%s 策略=%s: %v", mode, cfg.ID, err)
		return d
	}
	d.Size = adm.Size
	d.ReservationID = adm.ReservationID
	if !adm.Approved {
		d.Reason = adm.Reason
		s.emitDecision(notify.EventTradeRejected, d, "rejected: "+adm.Reason)
		return d
	}
	d.Approved = true

	// 获批之后的下单与预留确认不随调用方取消
	ctx = context.WithoutCancel(ctx)
	pos, err := s.positions.Open(ctx, position.OpenRequest{
		Decision:            d,
		TrailingStopPercent: cfg.TrailingStopPercent,
		TakeProfitPercent:   cfg.TakeProfitPercent,
		ReferencePrice:      refPrice,
	})
	d.PositionID = pos.ID
	if err != nil {
		d.Reason = ReasonEntryFailed
		if rerr := s.gate.Release(ctx, adm.ReservationID); rerr != nil {
			log.Printf("[风控] ⚠ 释放预留失败: %v", rerr)
		}
		return d
	}
	if err := s.gate.Commit(ctx, adm.ReservationID); err != nil {
		log.Printf("[风控] ✘ 确认预留失败: %v", err)
	}
	return d
}

func (s *Service) audit(ctx context.Context, d *domain.TradeDecision) {
	if err := s.repo.InsertDecision(context.WithoutCancel(ctx), *d); err != nil {
		log.Printf("[审计] ⚠ 保存决策失败 %s: %v", shortID(d.ID), err)
	}
}

func (s *Service) emitDecision(t notify.EventType, d domain.TradeDecision, msg string) {
	ev := notify.NewEvent(t, msg)
	ev.Mode = d.Mode
	ev.StrategyID = d.StrategyID
	ev.Symbol = d.Symbol
	ev.DecisionID = d.ID
	ev.Data = map[string]any{"confidence": d.Confidence, "reason": d.Reason, "ai_unconfirmed": d.AIUnconfirmed}
	s.notifier.Notify(ev)
}

// loadWindows fetches bars once per timeframe and latest prices for every
// arbitrage leg. Strategies whose data could not be fetched are reported in
// the error map.
func (s *Service) loadWindows(ctx context.Context, symbol string, cfgs []domain.StrategyConfig) (map[string]strategy.MarketWindow, map[string]error) {
	lookbacks := map[string]int{}
	var legs []string
	for _, cfg := range cfgs {
		switch cfg.Type {
		case domain.StrategyTriangularArbitrage:
			if p := cfg.Params.TriangularArbitrage; p != nil {
				legs = append(legs, p.Legs[:]...)
			}
		default:
			tf := timeframeOf(cfg)
			lookbacks[tf] = max(lookbacks[tf], lookbackFor(cfg))
		}
	}

	bars := map[string][]domain.Bar{}
	barErrs := map[string]error{}
	for tf, n := range lookbacks {
		b, err := s.feed.GetOHLCV(ctx, symbol, tf, n)
		if err != nil {
			log.Printf("[行情] ⚠ 获取 %s %s K 线失败: %v", symbol, tf, err)
			barErrs[tf] = err
			continue
		}
		bars[tf] = b
	}

	var prices map[string]float64
	var priceErr error
	if len(legs) > 0 {
		prices, priceErr = market.GetPrices(ctx, s.feed, dedupe(legs))
		if priceErr != nil {
			log.Printf("[行情] ⚠ 获取套利腿价格失败: %v", priceErr)
		}
	}

	windows := make(map[string]strategy.MarketWindow, len(cfgs))
	errs := map[string]error{}
	for _, cfg := range cfgs {
		w := strategy.MarketWindow{Symbol: symbol, Prices: prices}
		if cfg.Type == domain.StrategyTriangularArbitrage {
			if priceErr != nil {
				errs[cfg.ID] = priceErr
			}
		} else {
			tf := timeframeOf(cfg)
			if err, ok := barErrs[tf]; ok {
				errs[cfg.ID] = err
			}
			w.Bars = bars[tf]
		}
		windows[cfg.ID] = w
	}
	return windows, errs
}

// lookbackFor adds warm-up bars on top of the minimum so smoothed
// indicators settle.
func lookbackFor(cfg domain.StrategyConfig) int {
	switch cfg.Type {
	case domain.StrategyTrendMomentum:
		if p := cfg.Params.TrendMomentum; p != nil {
			return p.MinBars() + max(p.SlowPeriod, p.RSIPeriod)*2
		}
	case domain.StrategyVolatilityBreakout:
		if p := cfg.Params.VolatilityBreakout; p != nil {
			return p.MinBars() + p.BollingerPeriod
		}
	}
	return 100
}

func timeframeOf(cfg domain.StrategyConfig) string {
	if cfg.Timeframe == "" {
		return "5m"
	}
	return cfg.Timeframe
}

func referencePrice(w strategy.MarketWindow) float64 {
	if n := len(w.Bars); n > 0 {
		return w.Bars[n-1].Close
	}
	return w.Prices[market.PairToSymbol(w.Symbol)]
}

func (s *Service) stale(opp domain.Opportunity) bool {
	return s.opts.MaxOpportunityAge > 0 && s.now().Sub(opp.DetectedAt) > s.opts.MaxOpportunityAge
}

// markSeen records an opportunity ID and reports whether it was new.
// Entries are kept for a day, which outlives any non-stale opportunity.
func (s *Service) markSeen(id string) bool {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	now := s.now()
	if _, ok := s.seen[id]; ok {
		return false
	}
	for k, at := range s.seen {
		if now.Sub(at) > 24*time.Hour {
			delete(s.seen, k)
		}
	}
	s.seen[id] = now
	return true
}

// Capital returns the gate's current view of a mode.
func (s *Service) Capital(ctx context.Context, mode domain.Mode) (domain.CapitalState, error) {
	return s.gate.Snapshot(ctx, mode)
}

// Performance lists every performance record.
func (s *Service) Performance() []domain.PerformanceRecord {
	return s.perf.All()
}

// ActivePositions lists positions currently being monitored.
func (s *Service) ActivePositions() []domain.Position {
	return s.positions.Active()
}

func (s *Service) LivePosition(id string) (domain.Position, bool) {
	return s.positions.Get(id)
}

// ResolvePosition settles a position flagged for manual exit.
func (s *Service) ResolvePosition(ctx context.Context, id string, exitPrice float64) (domain.Position, error) {
	return s.positions.ResolveManual(ctx, id, exitPrice)
}

func dedupe(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		k := strings.ToUpper(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
