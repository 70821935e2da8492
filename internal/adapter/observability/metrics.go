package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OutboxPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Total outbox rows successfully published to the bus",
		},
		[]string{"service", "event_type"},
	)
	OutboxPublishFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Total outbox publish attempts that failed",
		},
		[]string{"service", "event_type"},
	)
	OutboxQuarantinedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_quarantined_total",
			Help: "Total outbox rows routed to the DLQ after exhausting retries",
		},
		[]string{"service"},
	)
	OutboxBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_batch_duration_seconds",
			Help:    "Outbox poll-and-publish batch duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	InboxProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_processed_total",
			Help: "Total events processed exactly once per consumer",
		},
		[]string{"consumer", "event_type"},
	)
	InboxDuplicatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_duplicates_total",
			Help: "Total duplicate deliveries suppressed by the inbox",
		},
		[]string{"consumer"},
	)
	InboxFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_failures_total",
			Help: "Total handler failures recorded by the inbox",
		},
		[]string{"consumer", "event_type"},
	)

	DLQQuarantinedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_quarantined_total",
			Help: "Total messages quarantined to the dead-letter queue",
		},
		[]string{"consumer", "error_kind"},
	)
	DLQReprocessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_reprocessed_total",
			Help: "Total DLQ messages reprocessed, by outcome",
		},
		[]string{"outcome"},
	)

	SagaTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_transitions_total",
			Help: "Total saga state transitions",
		},
		[]string{"saga_type", "state"},
	)
	SagaStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_step_duration_seconds",
			Help:    "Saga step wall time from start to reported outcome",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"saga_type", "step"},
	)

	ReservationOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_reservation_ops_total",
			Help: "Total inventory reservation operations, by op and outcome",
		},
		[]string{"op", "outcome"},
	)
	ConcurrencyConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimistic_concurrency_conflicts_total",
			Help: "Total optimistic concurrency conflicts observed",
		},
		[]string{"aggregate"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"breaker"},
	)
)

// InitMetrics registers all collectors with the default registry. Safe to
// call once per process.
func InitMetrics() {
	prometheus.MustRegister(
		OutboxPublishedTotal,
		OutboxPublishFailuresTotal,
		OutboxQuarantinedTotal,
		OutboxBatchDuration,
		InboxProcessedTotal,
		InboxDuplicatesTotal,
		InboxFailuresTotal,
		DLQQuarantinedTotal,
		DLQReprocessedTotal,
		SagaTransitionsTotal,
		SagaStepDuration,
		ReservationOpsTotal,
		ConcurrencyConflictsTotal,
		BreakerState,
	)
}
