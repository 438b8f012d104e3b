package fusion

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"ai_strategy/internal/domain"
)

func localSignal(conf float64) domain.Signal {
	return domain.Signal{StrategyID: "s", Direction: domain.DirectionBuy, Confidence: conf}
}

func TestFuseWithoutAI(t *testing.T) {
	res := Fuse(localSignal(0.83), &domain.AIAssessment{Confidence: 0.2, Action: domain.DirectionSell}, nil, false)
	assert.Equal(t, domain.DirectionBuy, res.Direction)
	assert.Equal(t, 0.83, res.Confidence)
	assert.False(t, res.AIInfluenced)
	assert.False(t, res.AIUnconfirmed)
}

func TestFuseAIUnavailablePassesThrough(t *testing.T) {
	res := Fuse(localSignal(0.83), nil, errors.New("timeout"), true)
	assert.Equal(t, domain.DirectionBuy, res.Direction)
	assert.Equal(t, 0.83, res.Confidence)
	assert.True(t, res.AIUnconfirmed)
	assert.False(t, res.AIInfluenced)
	assert.Equal(t, ReasonAIUnavailable, res.Reason)

	res = Fuse(localSignal(0.83), nil, nil, true)
	assert.True(t, res.AIUnconfirmed)
}

func TestFuseAIOverrides(t *testing.T) {
	res := Fuse(localSignal(0.6), &domain.AIAssessment{
		Confidence: 0.97,
		Action:     domain.DirectionBuy,
		Warnings:   []string{"thin liquidity"},
	}, nil, true)
	assert.True(t, res.AIInfluenced)
	assert.Equal(t, 0.97, res.Confidence)
	assert.Equal(t, 0.6, res.LocalConfidence)
	assert.Equal(t, []string{"thin liquidity"}, res.Warnings)

	res = Fuse(localSignal(0.9), &domain.AIAssessment{Confidence: 0.4, Action: domain.DirectionNone}, nil, true)
	assert.Equal(t, domain.DirectionNone, res.Direction)
	assert.Equal(t, 0.4, res.Confidence)
}

func TestFuseFailedChecksCapAtLocal(t *testing.T) {
	a := &domain.AIAssessment{
		Confidence: 0.99,
		Action:     domain.DirectionBuy,
		Checks: []domain.VerificationCheck{
			{Name: "price_consistency", Passed: true},
			{Name: "volume_sanity", Passed: false},
		},
	}
	res := Fuse(localSignal(0.7), a, nil, true)
	assert.Equal(t, 0.7, res.Confidence)
	assert.Equal(t, []string{"volume_sanity"}, res.FailedChecks)

	// 失败校验不会抬高低于本地的 AI 置信度
	a.Confidence = 0.5
	res = Fuse(localSignal(0.7), a, nil, true)
	assert.Equal(t, 0.5, res.Confidence)
}

func TestFuseClamps(t *testing.T) {
	res := Fuse(localSignal(1.4), nil, nil, false)
	assert.Equal(t, 1.0, res.Confidence)

	res = Fuse(localSignal(0.5), &domain.AIAssessment{Confidence: -0.2, Action: domain.DirectionSell}, nil, true)
	assert.Equal(t, 0.0, res.Confidence)
}

func TestApply(t *testing.T) {
	d := domain.TradeDecision{ID: "d"}
	Fuse(localSignal(0.83), nil, errors.New("down"), true).Apply(&d)
	assert.Equal(t, 0.83, d.Confidence)
	assert.True(t, d.AIUnconfirmed)
	assert.Equal(t, ReasonAIUnavailable, d.Reason)
	assert.Equal(t, domain.DirectionBuy, d.Direction)
}
