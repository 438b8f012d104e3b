package risk

import "github.com/prometheus/client_golang/prometheus"

var (
	metricDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strategy_gate_decisions_total",
		Help: "Gate decisions by mode and outcome (approved or rejection reason)",
	}, []string{"mode", "outcome"})
	metricCommitted = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "strategy_gate_committed_today",
		Help: "Capital committed in the current trading day",
	}, []string{"mode"})
	metricQuota = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "strategy_gate_quota_remaining",
		Help: "Real-mode trades left for the current trading day",
	}, []string{"mode"})
	metricViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strategy_gate_invariant_violations_total",
		Help: "Capital invariant violations detected by the gate",
	})
)

func init() {
	prometheus.MustRegister(metricDecisions, metricCommitted, metricQuota, metricViolations)
}
