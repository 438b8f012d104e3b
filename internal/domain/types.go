package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrInvalidParams      = errors.New("strategy params do not match strategy type")
	ErrStrategyActive     = errors.New("strategy is active in the mode being edited")
	ErrStrategyNotFound   = errors.New("strategy not found")
	ErrPositionNotFound   = errors.New("position not found")
	ErrInvariantViolation = errors.New("invariant violation")
)

type Mode string

const (
	ModePaper Mode = "paper"
	ModeReal  Mode = "real"
)

// Modes 按固定顺序列出全部交易模式
var Modes = []Mode{ModePaper, ModeReal}

func (m Mode) Valid() bool {
	return m == ModePaper || m == ModeReal
}

type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
	DirectionNone Direction = "none"
)

// Sign 返回方向系数：buy=+1，sell=-1，none=0
func (d Direction) Sign() float64 {
	switch d {
	case DirectionBuy:
		return 1
	case DirectionSell:
		return -1
	default:
		return 0
	}
}

type Source string

const (
	SourceExternalFeed Source = "external_feed"
	SourceInternalScan Source = "internal_scan"
)

// Opportunity 待评估的交易机会，创建后不可变
type Opportunity struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Source     Source          `json:"source"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DetectedAt time.Time       `json:"detected_at"`
}

// Bar 单根 K 线
type Bar struct {
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

type Signal struct {
	StrategyID    string             `json:"strategy_id"`
	OpportunityID string             `json:"opportunity_id"`
	Symbol        string             `json:"symbol"`
	Direction     Direction          `json:"direction"`
	Confidence    float64            `json:"confidence"`
	Indicators    map[string]float64 `json:"indicators,omitempty"` // 审计用指标快照
	CreatedAt     time.Time          `json:"created_at"`
}

type VerificationCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// AIAssessment 外部 AI 对信号的评估结果
type AIAssessment struct {
	Confidence  float64             `json:"confidence"`
	Action      Direction           `json:"action"`
	Reasoning   string              `json:"reasoning"`
	Warnings    []string            `json:"warnings,omitempty"`
	Checks      []VerificationCheck `json:"checks,omitempty"`
	ModelName   string              `json:"model_name,omitempty"`
	TotalTokens int                 `json:"total_tokens,omitempty"`
}

// FailedChecks 返回未通过的数据校验项名称
func (a AIAssessment) FailedChecks() []string {
	var out []string
	for _, c := range a.Checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

// TradeDecision 单个策略在单个模式下的最终决策
type TradeDecision struct {
	ID              string    `json:"id"`
	OpportunityID   string    `json:"opportunity_id"`
	StrategyID      string    `json:"strategy_id"`
	Symbol          string    `json:"symbol"`
	Mode            Mode      `json:"mode"`
	Direction       Direction `json:"direction"`
	LocalConfidence float64   `json:"local_confidence"`
	Confidence      float64   `json:"confidence"`
	AIInfluenced    bool      `json:"ai_influenced"`
	AIUnconfirmed   bool      `json:"ai_unconfirmed"`
	AIWarnings      []string  `json:"ai_warnings,omitempty"`
	FailedChecks    []string  `json:"failed_checks,omitempty"`
	SizeFraction    float64   `json:"size_fraction,omitempty"` // 请求的资金比例，0 表示默认
	Size            float64   `json:"size"`
	Approved        bool      `json:"approved"`
	Reason          string    `json:"reason,omitempty"`
	ReservationID   string    `json:"reservation_id,omitempty"`
	PositionID      string    `json:"position_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// HasRiskWarnings AI 评估是否带有风险提示
func (d TradeDecision) HasRiskWarnings() bool {
	return len(d.AIWarnings) > 0 || len(d.FailedChecks) > 0
}

// CapitalState 单个模式的资金状态，仅由风控闸门修改
type CapitalState struct {
	Mode           Mode      `json:"mode"`
	TotalCapital   float64   `json:"total_capital"`
	CommittedToday float64   `json:"committed_today"`
	QuotaRemaining int       `json:"quota_remaining"`
	QuotaCeiling   int       `json:"quota_ceiling"`
	LastReset      time.Time `json:"last_reset"`
}
