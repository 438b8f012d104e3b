package strategy

import (
	"math"

	"ai_strategy/internal/domain"
	"ai_strategy/internal/market"
)

// evaluateArbitrage simulates both directions of the three-leg loop.
//
// Legs are base/quote, cross/quote and cross/base (BTCUSDT, ETHUSDT, ETHBTC).
// The forward loop sells base for quote, buys cross with quote and sells cross
// for base; the reverse loop runs the other way round. A profitable forward loop
// is reported as a sell of the first leg, a profitable reverse loop as a buy.
func evaluateArbitrage(p domain.TriangularArbitrageParams, w MarketWindow) *outcome {
	if p.BaseQuantity <= 0 {
		return nil
	}
	prices := make([]float64, 3)
	for i, leg := range p.Legs {
		v, ok := w.Prices[market.PairToSymbol(leg)]
		if !ok || v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		prices[i] = v
	}
	baseQuote, crossQuote, crossBase := prices[0], prices[1], prices[2]

	keep := 1 - (p.FeePercent+p.SlippagePercent)/100
	if keep <= 0 {
		return nil
	}

	q := p.BaseQuantity
	forward := q * baseQuote * keep / crossQuote * keep * crossBase * keep
	reverse := q / crossBase * keep * crossQuote * keep / baseQuote * keep

	fwdPct := (forward/q - 1) * 100
	revPct := (reverse/q - 1) * 100

	dir := domain.DirectionSell
	best := fwdPct
	loop := 1.0
	if revPct > fwdPct {
		dir = domain.DirectionBuy
		best = revPct
		loop = -1.0
	}
	if best <= p.MinProfitPercent {
		return nil
	}

	conf := 0.5 + 0.5*(best-p.MinProfitPercent)/math.Max(p.MinProfitPercent, 0.1)
	return &outcome{
		direction:  dir,
		confidence: math.Min(1, conf),
		indicators: map[string]float64{
			"profit_pct":       best,
			"forward_pct":      fwdPct,
			"reverse_pct":      revPct,
			"loop":             loop,
			"base_quote_price": baseQuote,
		},
	}
}
