package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SignalPollsTotal tracks outage signal polls per provider
	SignalPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outagewatch_signal_polls_total",
			Help: "Total number of outage signal polls",
		},
		[]string{"provider", "source"},
	)

	// SignalErrorsTotal tracks failed signal polls
	SignalErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outagewatch_signal_errors_total",
			Help: "Total number of failed outage signal polls",
		},
		[]string{"provider", "source", "error_type"},
	)

	// SignalLatency tracks signal query latency
	SignalLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outagewatch_signal_latency_seconds",
			Help:    "Outage signal query latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// SignalCacheTotal tracks signal cache lookups by result
	SignalCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outagewatch_signal_cache_total",
			Help: "Signal cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	// PollsSkippedTotal counts polls skipped because the previous one was still running
	PollsSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outagewatch_polls_skipped_total",
			Help: "Polls skipped because a poll for the same connection was in flight",
		},
	)

	// OutagesTotal tracks outage book changes by kind (created, updated, closed, resolved)
	OutagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outagewatch_outages_total",
			Help: "Detected outage changes by kind",
		},
		[]string{"change", "source"},
	)

	// ActiveOutages is the number of unresolved detections
	ActiveOutages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outagewatch_active_outages",
			Help: "Number of detected outages awaiting the user",
		},
	)

	// ClaimTransitionsTotal tracks successful claim transitions
	ClaimTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outagewatch_claim_transitions_total",
			Help: "Total number of claim state transitions",
		},
		[]string{"from", "to"},
	)

	// ClaimTransitionFailures tracks rejected or failed transitions
	ClaimTransitionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outagewatch_claim_transition_failures_total",
			Help: "Claim transitions that did not apply",
		},
		[]string{"op", "reason"},
	)

	// CreditRecoveredCents is the sum of approved credit
	CreditRecoveredCents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outagewatch_credit_recovered_cents",
			Help: "Total approved credit in cents",
		},
	)

	// CreditPendingCents is the sum of estimated credit on open claims
	CreditPendingCents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outagewatch_credit_pending_cents",
			Help: "Total estimated credit of pending claims in cents",
		},
	)

	// DBConnectionPoolUsage tracks the percentage of the SQL pool in use
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outagewatch_db_connection_pool_usage_percent",
			Help: "Percentage of open database connections relative to the pool limit",
		},
	)
)
