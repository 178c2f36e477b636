// Package metrics exposes Prometheus instrumentation for the monitor:
//
//   - exitd_cycles_total{interval}          – evaluation cycles by cadence
//   - exitd_triggers_total{reason,tier}     – chosen exit triggers
//   - exitd_price_walks_total{tier}         – cancel/replace walks
//   - exitd_fills_total{reason}             – terminal exit fills
//   - exitd_open_positions                  – positions currently supervised
//   - exitd_breaker_open                    – 1 while the circuit breaker is tripped
//   - exitd_snapshot_stale_total            – cycles served a stale snapshot
//   - exitd_supervisor_restarts_total       – watchdog-initiated restarts
//
// Served at /metrics in Prometheus text exposition format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exitd_cycles_total",
			Help: "Evaluation cycles by polling cadence",
		},
		[]string{"interval"}, // normal|urgent
	)

	Triggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exitd_triggers_total",
			Help: "Chosen exit triggers by reason and tier",
		},
		[]string{"reason", "tier"},
	)

	PriceWalks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exitd_price_walks_total",
			Help: "Cancel/replace price walks by tier",
		},
		[]string{"tier"},
	)

	Fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exitd_fills_total",
			Help: "Terminal exit fills by reason",
		},
		[]string{"reason"},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exitd_open_positions",
			Help: "Positions currently supervised",
		},
	)

	BreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exitd_breaker_open",
			Help: "1 while the circuit breaker is tripped",
		},
	)

	StaleSnapshots = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exitd_snapshot_stale_total",
			Help: "Cycles that evaluated on a stale snapshot",
		},
	)

	SupervisorRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exitd_supervisor_restarts_total",
			Help: "Watchdog-initiated supervisor restarts",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Cycles,
		Triggers,
		PriceWalks,
		Fills,
		OpenPositions,
		BreakerOpen,
		StaleSnapshots,
		SupervisorRestarts,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
