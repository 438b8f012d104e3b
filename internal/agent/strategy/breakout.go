package strategy

import (
	"math"
	"sync"
	"time"

	"ai_strategy/internal/domain"
	"ai_strategy/internal/market"
)

const bollingerK = 2.0

// squeezeState tracks the consecutive low-width run for one (strategy, symbol).
type squeezeState struct {
	mu       sync.Mutex
	lastSeen time.Time
	run      int
	minWidth float64
}

func (s *squeezeState) reset() {
	s.run = 0
	s.minWidth = math.Inf(1)
}

// squeezeArena hands out per-key state. The map lock is only held for lookup,
// so different symbols never contend with each other.
type squeezeArena struct {
	mu     sync.Mutex
	states map[string]*squeezeState
}

func newSqueezeArena() *squeezeArena {
	return &squeezeArena{states: make(map[string]*squeezeState)}
}

func squeezeKey(strategyID, symbol string) string {
	return strategyID + "|" + market.PairToSymbol(symbol)
}

func (a *squeezeArena) get(key string) *squeezeState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[key]
	if !ok {
		st = &squeezeState{minWidth: math.Inf(1)}
		a.states[key] = st
	}
	return st
}

func (a *squeezeArena) forget(strategyID string) {
	prefix := strategyID + "|"
	a.mu.Lock()
	defer a.mu.Unlock()
	for k := range a.states {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(a.states, k)
		}
	}
}

// evaluateBreakout walks bars not seen before for this key, updating the squeeze
// run, and signals only when the newest bar breaks out of a confirmed squeeze.
func (e *Engine) evaluateBreakout(strategyID string, p domain.VolatilityBreakoutParams, w MarketWindow) *outcome {
	if len(w.Bars) < p.MinBars() || !market.ValidBars(w.Bars) {
		return nil
	}
	closes := market.Closes(w.Bars)
	mid, upper, lower := market.Bollinger(closes, p.BollingerPeriod, bollingerK)
	if mid == nil {
		return nil
	}

	st := e.squeeze.get(squeezeKey(strategyID, w.Symbol))
	st.mu.Lock()
	defer st.mu.Unlock()

	last := len(w.Bars) - 1
	var out *outcome
	for i := p.BollingerPeriod - 1; i <= last; i++ {
		bar := w.Bars[i]
		if !bar.Timestamp.After(st.lastSeen) {
			continue
		}
		st.lastSeen = bar.Timestamp

		if i >= p.BollingerPeriod && st.run >= p.LookbackSqueezePeriods {
			dir := domain.DirectionNone
			switch {
			case bar.Close > upper[i-1]*(1+p.BreakoutThreshold):
				dir = domain.DirectionBuy
			case bar.Close < lower[i-1]*(1-p.BreakoutThreshold):
				dir = domain.DirectionSell
			}
			if dir != domain.DirectionNone {
				if i == last {
					out = breakoutOutcome(dir, bar, st, p, upper[i-1], lower[i-1])
				}
				st.reset()
				continue
			}
		}

		width := (upper[i] - lower[i]) / mid[i]
		if width < p.SqueezeThreshold {
			st.run++
			st.minWidth = math.Min(st.minWidth, width)
		} else {
			st.reset()
		}
	}
	return out
}

func breakoutOutcome(dir domain.Direction, bar domain.Bar, st *squeezeState, p domain.VolatilityBreakoutParams, prevUpper, prevLower float64) *outcome {
	conf := 0.3 + 0.5
	if (dir == domain.DirectionBuy && bar.Close > bar.Open) || (dir == domain.DirectionSell && bar.Close < bar.Open) {
		conf += 0.1
	}
	if st.minWidth < p.SqueezeThreshold/2 {
		conf += 0.1
	}
	return &outcome{
		direction:  dir,
		confidence: math.Min(1, conf),
		indicators: map[string]float64{
			"close":         bar.Close,
			"prev_upper":    prevUpper,
			"prev_lower":    prevLower,
			"squeeze_run":   float64(st.run),
			"min_rel_width": st.minWidth,
		},
	}
}
