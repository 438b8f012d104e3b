package domain

import (
	"fmt"
	"strings"
	"time"
)

// StrategyType 策略类型（封闭集合）
type StrategyType string

const (
	StrategyTrendMomentum       StrategyType = "TrendMomentum"
	StrategyVolatilityBreakout  StrategyType = "VolatilityBreakout"
	StrategyTriangularArbitrage StrategyType = "TriangularArbitrage"
)

// StrategyTypes 全部已支持的策略类型
var StrategyTypes = []StrategyType{
	StrategyTrendMomentum,
	StrategyVolatilityBreakout,
	StrategyTriangularArbitrage,
}

// TrendMomentumParams MACD + RSI 趋势动量参数
type TrendMomentumParams struct {
	FastPeriod    int     `json:"fast_period"`
	SlowPeriod    int     `json:"slow_period"`
	SignalPeriod  int     `json:"signal_period"`
	RSIPeriod     int     `json:"rsi_period"`
	RSIOverbought float64 `json:"rsi_overbought"`
	RSIOversold   float64 `json:"rsi_oversold"`
}

// MinBars 计算所需的最少 K 线数量
func (p TrendMomentumParams) MinBars() int {
	return p.SlowPeriod + p.SignalPeriod
}

// VolatilityBreakoutParams 布林带挤压突破参数
type VolatilityBreakoutParams struct {
	BollingerPeriod        int     `json:"bollinger_period"`
	SqueezeThreshold       float64 `json:"squeeze_threshold"`        // 相对带宽阈值
	LookbackSqueezePeriods int     `json:"lookback_squeeze_periods"` // 连续挤压根数
	BreakoutThreshold      float64 `json:"breakout_threshold"`       // 突破幅度（比例）
}

func (p VolatilityBreakoutParams) MinBars() int {
	return p.BollingerPeriod + p.LookbackSqueezePeriods + 1
}

// TriangularArbitrageParams 三角套利参数
//
// Legs 依次为 基础币/计价币、中间币/计价币、中间币/基础币，例如
// BTCUSDT、ETHUSDT、ETHBTC。
type TriangularArbitrageParams struct {
	Legs             [3]string `json:"legs"`
	BaseQuantity     float64   `json:"base_quantity"`
	MinProfitPercent float64   `json:"min_profit_percent"`
	FeePercent       float64   `json:"fee_percent"`      // 每腿手续费（%）
	SlippagePercent  float64   `json:"slippage_percent"` // 每腿滑点（%）
}

// StrategyParams 带标签的参数包，只能有一个字段非空且必须与策略类型一致
type StrategyParams struct {
	TrendMomentum       *TrendMomentumParams       `json:"trend_momentum,omitempty"`
	VolatilityBreakout  *VolatilityBreakoutParams  `json:"volatility_breakout,omitempty"`
	TriangularArbitrage *TriangularArbitrageParams `json:"triangular_arbitrage,omitempty"`
}

func (p StrategyParams) count() int {
	n := 0
	if p.TrendMomentum != nil {
		n++
	}
	if p.VolatilityBreakout != nil {
		n++
	}
	if p.TriangularArbitrage != nil {
		n++
	}
	return n
}

// Validate 检查参数包形状与类型标签是否一致，以及各参数取值
func (p StrategyParams) Validate(t StrategyType) error {
	if p.count() != 1 {
		return fmt.Errorf("%w: expected exactly one parameter bundle, got %d", ErrInvalidParams, p.count())
	}

	switch t {
	case StrategyTrendMomentum:
		tm := p.TrendMomentum
		if tm == nil {
			return fmt.Errorf("%w: %s requires trend_momentum params", ErrInvalidParams, t)
		}
		if tm.FastPeriod <= 0 || tm.SlowPeriod <= 0 || tm.SignalPeriod <= 0 || tm.RSIPeriod <= 0 {
			return fmt.Errorf("%w: periods must be positive", ErrInvalidParams)
		}
		if tm.FastPeriod >= tm.SlowPeriod {
			return fmt.Errorf("%w: fast_period %d must be below slow_period %d", ErrInvalidParams, tm.FastPeriod, tm.SlowPeriod)
		}
		if tm.RSIOversold <= 0 || tm.RSIOverbought >= 100 || tm.RSIOversold >= tm.RSIOverbought {
			return fmt.Errorf("%w: rsi thresholds must satisfy 0 < oversold < overbought < 100", ErrInvalidParams)
		}
	case StrategyVolatilityBreakout:
		vb := p.VolatilityBreakout
		if vb == nil {
			return fmt.Errorf("%w: %s requires volatility_breakout params", ErrInvalidParams, t)
		}
		if vb.BollingerPeriod < 2 || vb.LookbackSqueezePeriods <= 0 {
			return fmt.Errorf("%w: bollinger_period must be >= 2 and lookback_squeeze_periods > 0", ErrInvalidParams)
		}
		if vb.SqueezeThreshold <= 0 || vb.BreakoutThreshold < 0 {
			return fmt.Errorf("%w: squeeze_threshold must be positive and breakout_threshold non-negative", ErrInvalidParams)
		}
	case StrategyTriangularArbitrage:
		ta := p.TriangularArbitrage
		if ta == nil {
			return fmt.Errorf("%w: %s requires triangular_arbitrage params", ErrInvalidParams, t)
		}
		for i, leg := range ta.Legs {
			if strings.TrimSpace(leg) == "" {
				return fmt.Errorf("%w: leg %d is empty", ErrInvalidParams, i)
			}
		}
		if ta.BaseQuantity <= 0 {
			return fmt.Errorf("%w: base_quantity must be positive", ErrInvalidParams)
		}
		if ta.MinProfitPercent < 0 || ta.FeePercent < 0 || ta.SlippagePercent < 0 {
			return fmt.Errorf("%w: percentages must be non-negative", ErrInvalidParams)
		}
	default:
		return fmt.Errorf("%w: unknown strategy type %q", ErrInvalidParams, t)
	}
	return nil
}

type StrategyConfig struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      StrategyType   `json:"type"`
	Params    StrategyParams `json:"params"`
	UsesAI    bool           `json:"uses_ai"`
	Symbols   []string       `json:"symbols,omitempty"` // 适用币对，空表示全部
	Timeframe string         `json:"timeframe"`

	ActivePaper bool `json:"active_paper"`
	ActiveReal  bool `json:"active_real"`

	// 出场参数（百分比）
	TrailingStopPercent float64  `json:"trailing_stop_percent"`
	TakeProfitPercent   float64  `json:"take_profit_percent"`
	SizeFraction        *float64 `json:"size_fraction,omitempty"` // 覆盖默认单笔资金比例

	Performance map[Mode]PerformanceRecord `json:"performance,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate 写入前的配置校验，参数形状不匹配在此拒绝，不会进入评估阶段
func (c StrategyConfig) Validate() error {
	if err := c.Params.Validate(c.Type); err != nil {
		return err
	}
	if c.TrailingStopPercent <= 0 || c.TrailingStopPercent >= 100 {
		return fmt.Errorf("%w: trailing_stop_percent must be in (0,100)", ErrInvalidParams)
	}
	if c.TakeProfitPercent <= 0 {
		return fmt.Errorf("%w: take_profit_percent must be positive", ErrInvalidParams)
	}
	if c.SizeFraction != nil && (*c.SizeFraction <= 0 || *c.SizeFraction > 1) {
		return fmt.Errorf("%w: size_fraction must be in (0,1]", ErrInvalidParams)
	}
	return nil
}

// ActiveIn 策略在指定模式下是否启用
func (c StrategyConfig) ActiveIn(mode Mode) bool {
	switch mode {
	case ModePaper:
		return c.ActivePaper
	case ModeReal:
		return c.ActiveReal
	default:
		return false
	}
}

// AppliesTo 币对是否在策略的适用范围内
func (c StrategyConfig) AppliesTo(symbol string) bool {
	if len(c.Symbols) == 0 {
		return true
	}
	want := NormalizeSymbol(symbol)
	for _, s := range c.Symbols {
		if NormalizeSymbol(s) == want {
			return true
		}
	}
	return false
}

// NormalizeSymbol 统一币对写法：BTC/USDT、btcusdt → BTCUSDT
func NormalizeSymbol(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(pair), "/", ""))
}

// NormalizeSymbols 规范化策略的币对列表，去除空项与重复项
func (c *StrategyConfig) NormalizeSymbols() {
	if len(c.Symbols) == 0 {
		return
	}
	seen := make(map[string]bool, len(c.Symbols))
	out := c.Symbols[:0]
	for _, s := range c.Symbols {
		sym := NormalizeSymbol(s)
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	c.Symbols = out
}
