package fusion

import (
	"math"

	"ai_strategy/internal/domain"
)

// ReasonAIUnavailable marks a decision whose AI confirmation was skipped.
const ReasonAIUnavailable = "ai_unavailable"

// Result is the fused view of one local signal.
type Result struct {
	Direction       domain.Direction
	Confidence      float64
	LocalConfidence float64
	AIInfluenced    bool
	AIUnconfirmed   bool
	Reason          string
	Warnings        []string
	FailedChecks    []string
}

// Fuse combines a local signal with an optional AI assessment.
//
// Without AI the local view passes through. When AI is configured but the
// assessment is missing or errored, the local view still passes through and is
// flagged unconfirmed. Otherwise the AI view wins, except that failed
// verification checks cap confidence at the local value.
func Fuse(sig domain.Signal, assessment *domain.AIAssessment, aiErr error, usesAI bool) Result {
	local := clamp01(sig.Confidence)
	res := Result{
		Direction:       sig.Direction,
		Confidence:      local,
		LocalConfidence: local,
	}
	if !usesAI {
		return res
	}
	if aiErr != nil || assessment == nil {
		res.AIUnconfirmed = true
		res.Reason = ReasonAIUnavailable
		return res
	}

	res.AIInfluenced = true
	res.Direction = assessment.Action
	if res.Direction == "" {
		res.Direction = domain.DirectionNone
	}
	res.Confidence = clamp01(assessment.Confidence)
	res.Warnings = append([]string(nil), assessment.Warnings...)
	res.FailedChecks = assessment.FailedChecks()
	if len(res.FailedChecks) > 0 && res.Confidence > local {
		res.Confidence = local
	}
	return res
}

// Apply copies the fused fields onto a decision.
func (r Result) Apply(d *domain.TradeDecision) {
	d.Direction = r.Direction
	d.Confidence = r.Confidence
	d.LocalConfidence = r.LocalConfidence
	d.AIInfluenced = r.AIInfluenced
	d.AIUnconfirmed = r.AIUnconfirmed
	d.AIWarnings = r.Warnings
	d.FailedChecks = r.FailedChecks
	if r.Reason != "" {
		d.Reason = r.Reason
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
