package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Query metrics
	QueriesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoquery_queries_submitted_total",
			Help: "Total number of analytic queries submitted",
		},
		[]string{"source"},
	)

	QueriesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoquery_queries_completed_total",
			Help: "Total number of queries finished, by outcome and error kind",
		},
		[]string{"status", "error_kind"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cryptoquery_query_duration_seconds",
			Help:    "End-to-end query duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 45, 60, 90, 120, 180, 300},
		},
		[]string{"status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cryptoquery_stage_duration_seconds",
			Help:    "Time spent reaching each pipeline state",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	InFlightQueries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cryptoquery_queries_in_flight",
			Help: "Queries currently executing",
		},
	)

	// Engine metrics
	EngineRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoquery_engine_requests_total",
			Help: "Requests sent to the workflow engine",
		},
		[]string{"operation", "status"},
	)

	EngineLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cryptoquery_engine_request_duration_seconds",
			Help:    "Workflow engine request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	ActivationPolls = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cryptoquery_activation_poll_attempts",
			Help:    "Status polls needed before a workflow reported active",
			Buckets: []float64{1, 2, 3, 5, 8, 10},
		},
	)

	// Cascade metrics
	CascadeAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoquery_cascade_attempts_total",
			Help: "Invocation attempts per strategy",
		},
		[]string{"strategy"},
	)

	CascadeWins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoquery_cascade_success_total",
			Help: "Invocations resolved by each strategy",
		},
		[]string{"strategy"},
	)

	CascadeExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cryptoquery_cascade_exhausted_total",
			Help: "Invocations where every strategy failed",
		},
	)

	// Reaper metrics
	WorkflowsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cryptoquery_workflows_reaped_total",
			Help: "Stale workflows deleted from the engine",
		},
	)

	WorkflowsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoquery_workflows_reap_skipped_total",
			Help: "Prefix-matching workflows left in place, by reason",
		},
		[]string{"reason"},
	)

	ReapFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoquery_reap_failures_total",
			Help: "Reaper list or delete failures",
		},
		[]string{"operation"},
	)

	// Lease metrics
	LeaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoquery_lease_operations_total",
			Help: "Ownership lease operations",
		},
		[]string{"operation", "status"},
	)

	// Audit metrics
	AuditWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoquery_audit_writes_total",
			Help: "Audit records written, dropped or failed",
		},
		[]string{"status"},
	)

	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cryptoquery_audit_queue_depth",
			Help: "Audit records waiting to be written",
		},
	)

	// HTTP API metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptoquery_http_requests_total",
			Help: "HTTP API requests",
		},
		[]string{"route", "code"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cryptoquery_http_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)

// RecordQuery records the outcome of one query.
func RecordQuery(status, errorKind string, durationSeconds float64) {
	QueriesCompleted.WithLabelValues(status, errorKind).Inc()
	QueryDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordEngineRequest records one call to the workflow engine.
func RecordEngineRequest(operation, status string, durationSeconds float64) {
	EngineRequests.WithLabelValues(operation, status).Inc()
	EngineLatency.WithLabelValues(operation).Observe(durationSeconds)
}
