package strategy

import (
	"math"

	"ai_strategy/internal/domain"
	"ai_strategy/internal/market"
)

// evaluateTrend scores MACD/RSI alignment on the newest bar.
func evaluateTrend(p domain.TrendMomentumParams, w MarketWindow) *outcome {
	if len(w.Bars) < p.MinBars() || !market.ValidBars(w.Bars) {
		return nil
	}
	closes := market.Closes(w.Bars)
	macd, signal, hist := market.MACD(closes, p.FastPeriod, p.SlowPeriod, p.SignalPeriod)
	rsi := market.RSI(closes, p.RSIPeriod)
	if macd == nil {
		return nil
	}

	last := len(closes) - 1
	m, s, r := macd[last], signal[last], rsi[last]
	if math.IsNaN(m) || math.IsNaN(s) || math.IsNaN(r) {
		return nil
	}

	dir := domain.DirectionNone
	switch {
	case m > s && r < p.RSIOverbought:
		dir = domain.DirectionBuy
	case m < s && r > p.RSIOversold:
		dir = domain.DirectionSell
	}
	if dir == domain.DirectionNone {
		return nil
	}

	trend := 0.5
	if (dir == domain.DirectionBuy && m > 0) || (dir == domain.DirectionSell && m < 0) {
		trend = 1.0
	}
	extremity := 0.0
	if (dir == domain.DirectionBuy && r < p.RSIOversold) || (dir == domain.DirectionSell && r > p.RSIOverbought) {
		extremity = 1.0
	}
	strength := math.Min(1, math.Abs(m-s)*10)
	conf := math.Min(1, 0.4*trend+0.3*extremity+0.3*strength)

	return &outcome{
		direction:  dir,
		confidence: conf,
		indicators: map[string]float64{
			"macd":        m,
			"macd_signal": s,
			"macd_hist":   hist[last],
			"rsi":         r,
			"close":       closes[last],
		},
	}
}
