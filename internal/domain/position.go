package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PositionStatus string

const (
	PositionOpening PositionStatus = "opening"
	PositionOpen    PositionStatus = "open"
	PositionClosing PositionStatus = "closing"
	PositionClosed  PositionStatus = "closed"
	PositionFailed  PositionStatus = "failed"
)

type ExitReason string

const (
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitTakeProfit   ExitReason = "take_profit"
	ExitManual       ExitReason = "manual"
)

type Position struct {
	ID         string    `json:"id"`
	DecisionID string    `json:"decision_id"`
	StrategyID string    `json:"strategy_id"`
	Symbol     string    `json:"symbol"`
	Mode       Mode      `json:"mode"`
	Direction  Direction `json:"direction"`

	EntryPrice float64   `json:"entry_price"`
	EntryTime  time.Time `json:"entry_time"`
	Quantity   float64   `json:"quantity"`
	EntryOrder string    `json:"entry_order,omitempty"`

	TrailingStopPercent float64 `json:"trailing_stop_percent"`
	TrailingStop        float64 `json:"trailing_stop"`
	TakeProfit          float64 `json:"take_profit"`
	HighWater           float64 `json:"high_water"` // 买单记录最高价，卖单记录最低价

	Status        PositionStatus `json:"status"`
	ExitPrice     float64        `json:"exit_price,omitempty"`
	ExitTime      *time.Time     `json:"exit_time,omitempty"`
	ExitReason    ExitReason     `json:"exit_reason,omitempty"`
	ExitAttempts  int            `json:"exit_attempts,omitempty"`
	NeedsManual   bool           `json:"needs_manual,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`

	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PnL 按方向计算盈亏：(exit-entry)*qty*sign(direction)
func PnL(direction Direction, entry, exit, quantity float64) float64 {
	return (exit - entry) * quantity * direction.Sign()
}

// PerformanceRecord 单策略单模式的绩效汇总
type PerformanceRecord struct {
	StrategyID string          `json:"strategy_id"`
	Mode       Mode            `json:"mode"`
	TradeCount int             `json:"trade_count"`
	WinCount   int             `json:"win_count"`
	TotalPnL   decimal.Decimal `json:"total_pnl"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// WinRate 胜率；没有成交时未定义，第二个返回值为 false
func (r PerformanceRecord) WinRate() (float64, bool) {
	if r.TradeCount == 0 {
		return 0, false
	}
	return float64(r.WinCount) / float64(r.TradeCount), true
}
