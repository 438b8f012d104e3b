package market

import (
	"math"

	talib "github.com/markcheno/go-talib"

	"ai_strategy/internal/domain"
)

// EMA computes Exponential Moving Average for the given period.
// Returns a slice of the same length as values. Index period-1 is seeded with the
// SMA of the first `period` values; earlier indices hold the running average.
func EMA(values []float64, period int) []float64 {
	n := len(values)
	if n == 0 || period <= 0 {
		return nil
	}
	out := make([]float64, n)
	k := 2.0 / float64(period+1)

	sum := 0.0
	for i := 0; i < n; i++ {
		if i < period {
			sum += values[i]
			out[i] = sum / float64(i+1)
			continue
		}
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// MACD computes the MACD line (EMA fast - EMA slow), its signal line
// (EMA of MACD over signalPeriod, starting once the slow EMA is seeded) and the histogram.
func MACD(closes []float64, fast, slow, signalPeriod int) (macd, signal, hist []float64) {
	n := len(closes)
	if n == 0 || fast <= 0 || slow <= 0 || signalPeriod <= 0 {
		return nil, nil, nil
	}
	emaFast := EMA(closes, fast)
	emaSlow := EMA(closes, slow)
	macd = make([]float64, n)
	for i := 0; i < n; i++ {
		macd[i] = emaFast[i] - emaSlow[i]
	}

	signal = make([]float64, n)
	start := slow - 1
	if start < n {
		seeded := EMA(macd[start:], signalPeriod)
		copy(signal[start:], seeded)
	}
	for i := 0; i < start && i < n; i++ {
		signal[i] = macd[i]
	}

	hist = make([]float64, n)
	for i := 0; i < n; i++ {
		hist[i] = macd[i] - signal[i]
	}
	return macd, signal, hist
}

// RSI computes Relative Strength Index with Wilder smoothing.
// Values before the first full period are neutral (50).
func RSI(closes []float64, period int) []float64 {
	n := len(closes)
	out := make([]float64, n)
	for i := range out {
		out[i] = 50 // neutral default
	}
	if period <= 0 || n <= period {
		return out
	}

	avgGain := 0.0
	avgLoss := 0.0
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < n; i++ {
		change := closes[i] - closes[i-1]
		gain := math.Max(change, 0)
		loss := math.Max(-change, 0)
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// Bollinger computes the middle band (SMA) and upper/lower bands at k population
// standard deviations. Indices before period-1 are zero.
func Bollinger(closes []float64, period int, k float64) (mid, upper, lower []float64) {
	n := len(closes)
	if n < period || period < 2 {
		return nil, nil, nil
	}
	mid = talib.Sma(closes, period)
	dev := talib.StdDev(closes, period, 1.0)
	upper = make([]float64, n)
	lower = make([]float64, n)
	for i := period - 1; i < n; i++ {
		upper[i] = mid[i] + k*dev[i]
		lower[i] = mid[i] - k*dev[i]
	}
	return mid, upper, lower
}

// ATR computes Average True Range from high, low, close arrays.
func ATR(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	if n < 2 || period <= 0 || len(highs) != n || len(lows) != n {
		return make([]float64, n)
	}
	tr := make([]float64, n)
	tr[0] = highs[0] - lows[0]
	for i := 1; i < n; i++ {
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	return EMA(tr, period)
}

// Closes extracts close prices from bars.
func Closes(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// ValidBars reports whether every bar carries finite, positive prices and the
// timestamps are set and strictly increasing.
func ValidBars(bars []domain.Bar) bool {
	for i, b := range bars {
		for _, v := range []float64{b.Open, b.High, b.Low, b.Close} {
			if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
		if b.Timestamp.IsZero() || (i > 0 && !b.Timestamp.After(bars[i-1].Timestamp)) {
			return false
		}
	}
	return true
}
