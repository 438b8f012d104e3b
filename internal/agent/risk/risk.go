package risk

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"ai_strategy/internal/config"
	"ai_strategy/internal/domain"
	"ai_strategy/internal/notify"

	"github.com/google/uuid"
)

// 拒绝原因（机器可读）
const (
	ReasonConfidenceBelowThreshold = "confidence_below_threshold"
	ReasonQuotaExhausted           = "quota_exhausted"
	ReasonDailyCapExceeded         = "daily_cap_exceeded"
	ReasonInvalidSize              = "invalid_size"
	ReasonNoAction                 = "no_action"
)

type ThrottleScope string

const (
	ScopeGlobal   ThrottleScope = "global"
	ScopeSymbol   ThrottleScope = "symbol"
	ScopeStrategy ThrottleScope = "strategy"
)

// CapitalStore persists per-mode capital state. May be nil.
type CapitalStore interface {
	LoadCapitalState(ctx context.Context, mode domain.Mode) (domain.CapitalState, bool, error)
	SaveCapitalState(ctx context.Context, st domain.CapitalState) error
}

type Settings struct {
	Capital              map[domain.Mode]float64
	MinConfidence        map[domain.Mode]float64
	RealQuota            int
	DailyCapFraction     float64
	ThrottledCapFraction float64
	TradeCapitalFraction float64
	Scope                ThrottleScope
	StopLossCooldown     time.Duration
	TZ                   string
}

func SettingsFromConfig(cfg config.Config) Settings {
	scope := ThrottleScope(cfg.RiskThrottleScope)
	switch scope {
	case ScopeGlobal, ScopeSymbol, ScopeStrategy:
	default:
		log.Printf("[风控] 未知的降档范围 %q，使用 symbol", cfg.RiskThrottleScope)
		scope = ScopeSymbol
	}
	return Settings{
		Capital: map[domain.Mode]float64{
			domain.ModePaper: cfg.PaperCapitalUSDT,
			domain.ModeReal:  cfg.RealCapitalUSDT,
		},
		MinConfidence: map[domain.Mode]float64{
			domain.ModePaper: cfg.PaperMinConfidence,
			domain.ModeReal:  cfg.RealMinConfidence,
		},
		RealQuota:            cfg.RealTradeQuota,
		DailyCapFraction:     cfg.DailyCapFraction,
		ThrottledCapFraction: cfg.ThrottledCapFraction,
		TradeCapitalFraction: cfg.TradeCapitalFraction,
		Scope:                scope,
		StopLossCooldown:     time.Duration(cfg.StopLossCooldownMin) * time.Minute,
		TZ:                   cfg.TradingTZ,
	}
}

// Admission is the gate's answer for one decision.
type Admission struct {
	Approved      bool    `json:"approved"`
	Reason        string  `json:"reason,omitempty"`
	Size          float64 `json:"size"`
	Cap           float64 `json:"cap"`
	Throttled     bool    `json:"throttled"`
	ReservationID string  `json:"reservation_id,omitempty"`
}

type reservation struct {
	id    string
	mode  domain.Mode
	size  float64
	quota bool
	day   time.Time
}

// Gate owns CapitalState for every mode. All reads and writes of capital go
// through its single mutex.
type Gate struct {
	mu           sync.Mutex
	settings     Settings
	store        CapitalStore
	notifier     notify.Notifier
	states       map[domain.Mode]*domain.CapitalState
	reservations map[string]*reservation
	stopLosses   map[string]time.Time
	now          func() time.Time
}

func New(settings Settings, store CapitalStore, notifier notify.Notifier) *Gate {
	if settings.TZ == "" {
		settings.TZ = "UTC"
	}
	g := &Gate{
		settings:     settings,
		store:        store,
		notifier:     notify.OrNop(notifier),
		states:       make(map[domain.Mode]*domain.CapitalState),
		reservations: make(map[string]*reservation),
		stopLosses:   make(map[string]time.Time),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, m := range domain.Modes {
		g.states[m] = g.freshState(m, TodayOpen(settings.TZ, g.now()))
	}
	return g
}

func (g *Gate) freshState(mode domain.Mode, day time.Time) *domain.CapitalState {
	ceiling := 0
	if mode == domain.ModeReal {
		ceiling = g.settings.RealQuota
	}
	return &domain.CapitalState{
		Mode:           mode,
		TotalCapital:   g.settings.Capital[mode],
		QuotaRemaining: ceiling,
		QuotaCeiling:   ceiling,
		LastReset:      day,
	}
}

// Restore loads persisted state for each mode. Capital and ceiling always come
// from settings; today's counters survive a restart on the same trading day.
func (g *Gate) Restore(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, m := range domain.Modes {
		saved, ok, err := g.store.LoadCapitalState(ctx, m)
		if err != nil {
			return fmt.Errorf("load capital state %s: %w", m, err)
		}
		if !ok {
			continue
		}
		st := g.states[m]
		if SameTradingDay(g.settings.TZ, saved.LastReset, g.now()) {
			st.CommittedToday = saved.CommittedToday
			st.QuotaRemaining = saved.QuotaRemaining
			if st.QuotaRemaining > st.QuotaCeiling {
				st.QuotaRemaining = st.QuotaCeiling
			}
			if st.QuotaRemaining < 0 {
				st.QuotaRemaining = 0
			}
		}
		log.Printf("[风控] 已恢复资金状态 模式=%s 今日已用=%.2f 剩余配额=%d/%d",
			m, st.CommittedToday, st.QuotaRemaining, st.QuotaCeiling)
		g.publish(st)
	}
	return nil
}

// Admit decides whether a fused decision may trade in the given mode and, if so,
// reserves its size against today's budget.
func (g *Gate) Admit(ctx context.Context, d domain.TradeDecision, mode domain.Mode) (Admission, error) {
	if err := ctx.Err(); err != nil {
		return Admission{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.states[mode]
	if !ok {
		return Admission{}, fmt.Errorf("unknown mode %q", mode)
	}
	now := g.now()
	if err := g.rollover(ctx, st, now); err != nil {
		return Admission{}, err
	}
	if err := g.checkInvariants(st); err != nil {
		return Admission{}, err
	}

	adm := g.evaluate(st, d, now)
	if !adm.Approved {
		g.record(mode, d, adm)
		return adm, nil
	}

	res := &reservation{
		id:    uuid.NewString(),
		mode:  mode,
		size:  adm.Size,
		quota: mode == domain.ModeReal,
		day:   st.LastReset,
	}
	prev := *st
	st.CommittedToday += adm.Size
	if err := g.persist(ctx, st); err != nil {
		*st = prev
		return Admission{}, err
	}
	g.reservations[res.id] = res
	adm.ReservationID = res.id
	g.record(mode, d, adm)
	g.publish(st)
	return adm, nil
}

func (g *Gate) evaluate(st *domain.CapitalState, d domain.TradeDecision, now time.Time) Admission {
	mode := st.Mode
	if d.Direction != domain.DirectionBuy && d.Direction != domain.DirectionSell {
		return Admission{Reason: ReasonNoAction}
	}
	if math.IsNaN(d.Confidence) || d.Confidence <= g.settings.MinConfidence[mode] {
		return Admission{Reason: ReasonConfidenceBelowThreshold}
	}
	if mode == domain.ModeReal && st.QuotaRemaining-g.pending(mode, st.LastReset) <= 0 {
		return Admission{Reason: ReasonQuotaExhausted}
	}

	fraction := g.settings.TradeCapitalFraction
	if d.SizeFraction > 0 {
		fraction = d.SizeFraction
	}
	size := fraction * st.TotalCapital
	if math.IsNaN(size) || math.IsInf(size, 0) || size <= 0 {
		return Admission{Reason: ReasonInvalidSize}
	}

	throttled := d.HasRiskWarnings() || g.recentStopLoss(d, now)
	capFraction := g.settings.DailyCapFraction
	if throttled {
		capFraction = g.settings.ThrottledCapFraction
	}
	limit := capFraction * st.TotalCapital
	adm := Admission{Size: size, Cap: limit, Throttled: throttled}
	// 允许浮点误差
	if st.CommittedToday+size > limit+1e-9 {
		adm.Size = 0
		adm.Reason = ReasonDailyCapExceeded
		return adm
	}
	adm.Approved = true
	return adm
}

func (g *Gate) pending(mode domain.Mode, day time.Time) int {
	n := 0
	for _, r := range g.reservations {
		if r.mode == mode && r.quota && r.day.Equal(day) {
			n++
		}
	}
	return n
}

// Commit consumes the quota slot held by an approved reservation. Call it once
// the entry order was filled.
func (g *Gate) Commit(ctx context.Context, reservationID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	res, ok := g.reservations[reservationID]
	if !ok {
		return g.violation(fmt.Errorf("%w: commit of unknown reservation %s", domain.ErrInvariantViolation, reservationID))
	}
	st := g.states[res.mode]
	delete(g.reservations, reservationID)

	if !res.quota || !res.day.Equal(st.LastReset) {
		return nil
	}
	if st.QuotaRemaining <= 0 {
		return g.violation(fmt.Errorf("%w: quota would drop below zero (mode=%s)", domain.ErrInvariantViolation, res.mode))
	}
	st.QuotaRemaining--
	if err := g.persist(ctx, st); err != nil {
		log.Printf("[风控] ⚠ 资金状态持久化失败: %v", err)
	}
	log.Printf("[风控] 预留 %s 已确认 模式=%s 剩余配额=%d/%d", shortID(reservationID), res.mode, st.QuotaRemaining, st.QuotaCeiling)
	g.publish(st)
	return nil
}

// Release returns a reservation's capital and quota slot after a failed entry.
func (g *Gate) Release(ctx context.Context, reservationID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	res, ok := g.reservations[reservationID]
	if !ok {
		return g.violation(fmt.Errorf("%w: release of unknown reservation %s", domain.ErrInvariantViolation, reservationID))
	}
	st := g.states[res.mode]
	delete(g.reservations, reservationID)

	// 跨日的预留不影响新一天的计数
	if !res.day.Equal(st.LastReset) {
		return nil
	}
	st.CommittedToday = math.Max(0, st.CommittedToday-res.size)
	if err := g.persist(ctx, st); err != nil {
		log.Printf("[风控] ⚠ 资金状态持久化失败: %v", err)
	}
	log.Printf("[风控] 预留 %s 已释放 模式=%s 金额=%.2f 今日已用=%.2f", shortID(reservationID), res.mode, res.size, st.CommittedToday)
	g.publish(st)
	return nil
}

// RecordStopLoss remembers a trailing-stop exit for the throttle policy.
func (g *Gate) RecordStopLoss(symbol, strategyID string, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range []string{"global", "symbol:" + symbol, "strategy:" + strategyID} {
		if at.After(g.stopLosses[k]) {
			g.stopLosses[k] = at
		}
	}
	log.Printf("[风控] 记录止损 币对=%s 策略=%s 冷却=%s 范围=%s", symbol, strategyID, g.settings.StopLossCooldown, g.settings.Scope)
}

func (g *Gate) recentStopLoss(d domain.TradeDecision, now time.Time) bool {
	var key string
	switch g.settings.Scope {
	case ScopeGlobal:
		key = "global"
	case ScopeStrategy:
		key = "strategy:" + d.StrategyID
	default:
		key = "symbol:" + d.Symbol
	}
	at, ok := g.stopLosses[key]
	return ok && now.Sub(at) < g.settings.StopLossCooldown
}

// Snapshot returns a copy of the current state for a mode, rolled to today.
func (g *Gate) Snapshot(ctx context.Context, mode domain.Mode) (domain.CapitalState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[mode]
	if !ok {
		return domain.CapitalState{}, fmt.Errorf("unknown mode %q", mode)
	}
	if err := g.rollover(ctx, st, g.now()); err != nil {
		return domain.CapitalState{}, err
	}
	return *st, nil
}

func (g *Gate) rollover(ctx context.Context, st *domain.CapitalState, now time.Time) error {
	if SameTradingDay(g.settings.TZ, st.LastReset, now) {
		return nil
	}
	prev := *st
	st.CommittedToday = 0
	st.QuotaRemaining = st.QuotaCeiling
	st.LastReset = TodayOpen(g.settings.TZ, now)
	if err := g.persist(ctx, st); err != nil {
		*st = prev
		return err
	}
	log.Printf("[风控] 新交易日 模式=%s 日期=%s 配额=%d", st.Mode, st.LastReset.Format("2006-01-02"), st.QuotaRemaining)
	g.publish(st)
	return nil
}

func (g *Gate) checkInvariants(st *domain.CapitalState) error {
	if st.QuotaRemaining < 0 || st.QuotaRemaining > st.QuotaCeiling {
		return g.violation(fmt.Errorf("%w: quota %d outside [0,%d] (mode=%s)",
			domain.ErrInvariantViolation, st.QuotaRemaining, st.QuotaCeiling, st.Mode))
	}
	if st.CommittedToday < 0 {
		return g.violation(fmt.Errorf("%w: negative committed capital %.2f (mode=%s)",
			domain.ErrInvariantViolation, st.CommittedToday, st.Mode))
	}
	return nil
}

func (g *Gate) violation(err error) error {
	metricViolations.Inc()
	log.Printf("[风控] ✘ %v", err)
	g.notifier.Notify(notify.NewEvent(notify.EventInvariantViolation, err.Error()))
	return err
}

func (g *Gate) persist(ctx context.Context, st *domain.CapitalState) error {
	if g.store == nil {
		return nil
	}
	if err := g.store.SaveCapitalState(ctx, *st); err != nil {
		return fmt.Errorf("save capital state %s: %w", st.Mode, err)
	}
	return nil
}

func (g *Gate) record(mode domain.Mode, d domain.TradeDecision, adm Admission) {
	outcome := "approved"
	if !adm.Approved {
		outcome = adm.Reason
	}
	metricDecisions.WithLabelValues(string(mode), outcome).Inc()
	if adm.Approved {
		log.Printf("[风控] ✔ 批准 模式=%s 策略=%s 币对=%s 方向=%s 置信度=%.3f 金额=%.2f 上限=%.2f 降档=%v",
			mode, d.StrategyID, d.Symbol, d.Direction, d.Confidence, adm.Size, adm.Cap, adm.Throttled)
		return
	}
	log.Printf("[风控] ✘ 拒绝 模式=%s 策略=%s 币对=%s 方向=%s 置信度=%.3f 原因=%s",
		mode, d.StrategyID, d.Symbol, d.Direction, d.Confidence, adm.Reason)
}

func (g *Gate) publish(st *domain.CapitalState) {
	metricCommitted.WithLabelValues(string(st.Mode)).Set(st.CommittedToday)
	metricQuota.WithLabelValues(string(st.Mode)).Set(float64(st.QuotaRemaining))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
