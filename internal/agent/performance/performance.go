package performance

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"ai_strategy/internal/domain"
)

var metricTrades = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "strategy_closed_trades_total",
	Help: "Closed trades applied to performance by mode and outcome",
}, []string{"mode", "outcome"})

func init() {
	prometheus.MustRegister(metricTrades)
}

// Store persists performance. ApplyClosure must record the position ID and the
// updated record atomically and report false if the ID was already recorded.
type Store interface {
	ApplyClosure(ctx context.Context, positionID string, rec domain.PerformanceRecord) (bool, error)
	LoadPerformance(ctx context.Context) ([]domain.PerformanceRecord, error)
}

type key struct {
	strategyID string
	mode       domain.Mode
}

// Aggregator rolls closed positions into per-strategy, per-mode records.
type Aggregator struct {
	mu      sync.Mutex
	store   Store
	records map[key]domain.PerformanceRecord
	seen    map[string]struct{}
	now     func() time.Time
}

func New(store Store) *Aggregator {
	return &Aggregator{
		store:   store,
		records: make(map[key]domain.PerformanceRecord),
		seen:    make(map[string]struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Restore loads persisted records.
func (a *Aggregator) Restore(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	recs, err := a.store.LoadPerformance(ctx)
	if err != nil {
		return fmt.Errorf("load performance: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range recs {
		a.records[key{r.StrategyID, r.Mode}] = r
	}
	return nil
}

// OnClosed applies one closed position. Redelivery of the same position ID is
// a no-op reported as applied=false. Positions that never closed (failed
// entries) are ignored.
func (a *Aggregator) OnClosed(ctx context.Context, p domain.Position) (bool, error) {
	if p.Status != domain.PositionClosed {
		log.Printf("[绩效] 跳过 %s：状态=%s", shortID(p.ID), p.Status)
		return false, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, dup := a.seen[p.ID]; dup {
		log.Printf("[绩效] 重复的平仓事件 %s，忽略", shortID(p.ID))
		return false, nil
	}

	k := key{p.StrategyID, p.Mode}
	rec, ok := a.records[k]
	if !ok {
		rec = domain.PerformanceRecord{StrategyID: p.StrategyID, Mode: p.Mode, TotalPnL: decimal.Zero}
	}
	rec.TradeCount++
	win := p.RealizedPnL > 0
	if win {
		rec.WinCount++
	}
	rec.TotalPnL = rec.TotalPnL.Add(decimal.NewFromFloat(p.RealizedPnL))
	rec.UpdatedAt = a.now()

	if a.store != nil {
		applied, err := a.store.ApplyClosure(ctx, p.ID, rec)
		if err != nil {
			return false, fmt.Errorf("apply closure %s: %w", p.ID, err)
		}
		if !applied {
			a.seen[p.ID] = struct{}{}
			log.Printf("[绩效] 平仓 %s 已在存储中记录，忽略", shortID(p.ID))
			return false, nil
		}
	}
	a.seen[p.ID] = struct{}{}
	a.records[k] = rec

	outcome := "loss"
	if win {
		outcome = "win"
	}
	metricTrades.WithLabelValues(string(p.Mode), outcome).Inc()
	log.Printf("[绩效] 策略=%s 模式=%s 交易=%d 盈利=%d 累计盈亏=%s",
		rec.StrategyID, rec.Mode, rec.TradeCount, rec.WinCount, rec.TotalPnL.StringFixed(4))
	return true, nil
}

// Record returns the record for a strategy and mode; zero counts if none.
func (a *Aggregator) Record(strategyID string, mode domain.Mode) domain.PerformanceRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.records[key{strategyID, mode}]; ok {
		return r
	}
	return domain.PerformanceRecord{StrategyID: strategyID, Mode: mode, TotalPnL: decimal.Zero}
}

// ForStrategy returns the records of one strategy keyed by mode.
func (a *Aggregator) ForStrategy(strategyID string) map[domain.Mode]domain.PerformanceRecord {
	out := make(map[domain.Mode]domain.PerformanceRecord, len(domain.Modes))
	for _, m := range domain.Modes {
		out[m] = a.Record(strategyID, m)
	}
	return out
}

// All lists every record, sorted by strategy then mode.
func (a *Aggregator) All() []domain.PerformanceRecord {
	a.mu.Lock()
	out := make([]domain.PerformanceRecord, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, r)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StrategyID != out[j].StrategyID {
			return out[i].StrategyID < out[j].StrategyID
		}
		return out[i].Mode < out[j].Mode
	})
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
