// Package metrics provides Prometheus metrics for Sentinel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "sentinel"
)

// HTTP metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks concurrent HTTP requests.
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)
)

// Monitor metrics
var (
	// EvaluationsTotal counts checks by kind (slo, invariant) and result
	// (ok, violating, error).
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "evaluations_total",
			Help:      "Total number of SLO and invariant evaluations",
		},
		[]string{"kind", "result"},
	)

	// EvaluationDuration tracks how long one evaluation cycle takes.
	EvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one evaluation cycle in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// SLOBurnRate is the highest burn rate observed per SLO.
	SLOBurnRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "slo",
			Name:      "burn_rate",
			Help:      "Highest error budget burn rate across windows",
		},
		[]string{"slo"},
	)

	// SLOErrorBudgetRemaining is the remaining error budget in percent.
	SLOErrorBudgetRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "slo",
			Name:      "error_budget_remaining_percent",
			Help:      "Remaining error budget in percent",
		},
		[]string{"slo"},
	)

	// InvariantValue is the last observed value per invariant.
	InvariantValue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "invariant",
			Name:      "value",
			Help:      "Last observed invariant metric value",
		},
		[]string{"invariant"},
	)

	// InvariantPassing is 1 when the invariant holds.
	InvariantPassing = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "invariant",
			Name:      "passing",
			Help:      "Whether the invariant currently holds (1) or not (0)",
		},
		[]string{"invariant"},
	)
)

// Ticket metrics
var (
	// TicketsCreatedTotal counts tickets created by source type.
	TicketsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tickets",
			Name:      "created_total",
			Help:      "Total number of tickets created",
		},
		[]string{"source"},
	)

	// TicketsSuppressedTotal counts violation tickets skipped as duplicates.
	TicketsSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tickets",
			Name:      "suppressed_total",
			Help:      "Total number of violation tickets suppressed because an open ticket exists",
		},
		[]string{"source"},
	)

	// WorkerTicketsTotal counts tickets processed by the worker by outcome.
	WorkerTicketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "tickets_total",
			Help:      "Total number of tickets processed by the remediation worker",
		},
		[]string{"outcome"},
	)
)

// Rate limiter metrics
var (
	// RateLimitRequestsTotal counts acquisition decisions per bucket.
	RateLimitRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "requests_total",
			Help:      "Total number of token acquisition requests",
		},
		[]string{"bucket", "result"},
	)

	// RateLimitTokens is the current token level per bucket.
	RateLimitTokens = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "bucket_tokens",
			Help:      "Current number of tokens in the bucket",
		},
		[]string{"bucket"},
	)

	// RateLimitCapacity is the configured capacity per bucket.
	RateLimitCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "bucket_capacity",
			Help:      "Configured bucket capacity",
		},
		[]string{"bucket"},
	)

	// RateLimitRefillRate is the configured refill rate per bucket.
	RateLimitRefillRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "bucket_refill_rate",
			Help:      "Configured bucket refill rate in tokens per second",
		},
		[]string{"bucket"},
	)
)

// NotificationsTotal counts notification attempts by channel and result
// (sent, error, rate_limited).
var NotificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notifier",
		Name:      "notifications_total",
		Help:      "Total number of violation notifications by channel and result",
	},
	[]string{"channel", "result"},
)
