package position

import "github.com/prometheus/client_golang/prometheus"

var (
	metricActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "strategy_positions_active",
		Help: "Positions currently open or closing",
	}, []string{"mode"})
	metricClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strategy_positions_closed_total",
		Help: "Closed positions by mode and exit reason",
	}, []string{"mode", "reason"})
	metricExitRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strategy_position_exit_retries_total",
		Help: "Failed exit submissions that were retried",
	}, []string{"mode"})
)

func init() {
	prometheus.MustRegister(metricActive, metricClosed, metricExitRetries)
}
