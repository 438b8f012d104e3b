package strategy

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"ai_strategy/internal/domain"
	"ai_strategy/internal/market"
)

// MarketWindow is the already-fetched market data an evaluator may read.
// Bars are oldest first. Prices holds latest prices keyed by exchange symbol.
type MarketWindow struct {
	Symbol string
	Bars   []domain.Bar
	Prices map[string]float64
}

// Engine dispatches a strategy config to its evaluator.
// It owns the per-symbol squeeze state used by VolatilityBreakout.
type Engine struct {
	squeeze *squeezeArena
	now     func() time.Time
}

func NewEngine() *Engine {
	return &Engine{
		squeeze: newSqueezeArena(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate returns nil when the strategy has nothing to say about the window.
// An error means the config could not be dispatched or the evaluator panicked.
func (e *Engine) Evaluate(ctx context.Context, cfg domain.StrategyConfig, window MarketWindow) (sig *domain.Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[策略] 评估器 %s(%s) panic: %v\n%s", cfg.ID, cfg.Type, r, debug.Stack())
			sig = nil
			err = fmt.Errorf("evaluator %s panicked: %v", cfg.Type, r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out *outcome
	switch cfg.Type {
	case domain.StrategyTrendMomentum:
		if cfg.Params.TrendMomentum == nil {
			return nil, fmt.Errorf("%w: missing trend_momentum params", domain.ErrInvalidParams)
		}
		out = evaluateTrend(*cfg.Params.TrendMomentum, window)
	case domain.StrategyVolatilityBreakout:
		if cfg.Params.VolatilityBreakout == nil {
			return nil, fmt.Errorf("%w: missing volatility_breakout params", domain.ErrInvalidParams)
		}
		out = e.evaluateBreakout(cfg.ID, *cfg.Params.VolatilityBreakout, window)
	case domain.StrategyTriangularArbitrage:
		if cfg.Params.TriangularArbitrage == nil {
			return nil, fmt.Errorf("%w: missing triangular_arbitrage params", domain.ErrInvalidParams)
		}
		out = evaluateArbitrage(*cfg.Params.TriangularArbitrage, window)
	default:
		return nil, fmt.Errorf("%w: unknown strategy type %q", domain.ErrInvalidParams, cfg.Type)
	}

	if out == nil || out.direction == domain.DirectionNone {
		return nil, nil
	}
	return &domain.Signal{
		StrategyID: cfg.ID,
		Symbol:     market.PairToSymbol(window.Symbol),
		Direction:  out.direction,
		Confidence: clamp01(out.confidence),
		Indicators: out.indicators,
		CreatedAt:  e.now(),
	}, nil
}

// Forget drops squeeze state kept for a strategy, e.g. after its params change.
func (e *Engine) Forget(strategyID string) {
	e.squeeze.forget(strategyID)
}

type outcome struct {
	direction  domain.Direction
	confidence float64
	indicators map[string]float64
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
