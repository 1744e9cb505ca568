package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// generationsTotal counts finished create/edit flows by outcome.
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adgen_generations_total",
			Help: "Finished generation flows by kind (create|edit) and outcome (completed|failed|rejected).",
		},
		[]string{"kind", "outcome"},
	)

	// upstreamDuration records latency of calls to external model APIs.
	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adgen_upstream_request_duration_seconds",
			Help:    "Duration of upstream model API calls in seconds.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 120, 240},
		},
		[]string{"provider", "op", "status"},
	)

	// staleReconciled counts records the sweeper moved out of processing.
	staleReconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adgen_stale_reconciled_total",
			Help: "Records or versions failed by the stale-processing sweep, by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(generationsTotal, upstreamDuration, staleReconciled)
}

// ObserveGeneration records the outcome of one create or edit flow.
func ObserveGeneration(kind, outcome string) {
	generationsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveUpstream records one external API call. status is the HTTP status
// code as a string, or "error" when no response arrived.
func ObserveUpstream(provider, op, status string, d time.Duration) {
	upstreamDuration.WithLabelValues(provider, op, status).Observe(d.Seconds())
}

// ObserveReconciled records one record or version failed by the sweeper.
func ObserveReconciled(kind string) {
	staleReconciled.WithLabelValues(kind).Inc()
}
