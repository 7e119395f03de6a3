package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts finished sessions by language and outcome.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderun_executions_total",
			Help: "Total number of execution sessions",
		},
		[]string{"language", "outcome"},
	)

	// ExecutionDuration tracks wall time of sessions from start to complete.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coderun_execution_duration_seconds",
			Help:    "Duration of execution sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"language"},
	)

	// SessionsActive tracks sessions that have not completed yet.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderun_sessions_active",
			Help: "Number of execution sessions in flight",
		},
	)

	// TeardownFailures counts containers whose stop or remove failed.
	TeardownFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coderun_teardown_failures_total",
			Help: "Total number of failed container teardowns",
		},
	)
)
