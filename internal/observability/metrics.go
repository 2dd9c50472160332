package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for minibank.
type Metrics struct {
	// --- Payment saga ---
	PaymentsInitiated   prometheus.Counter
	PaymentsCompleted   prometheus.Counter
	PaymentsFailed      *prometheus.CounterVec
	PaymentsCompensated prometheus.Counter
	CompensationErrors  prometheus.Counter
	SagaDuration        *prometheus.HistogramVec
	RecoveryResumed     *prometheus.CounterVec

	// --- Accounts & balances ---
	BalanceConflicts        prometheus.Counter
	BalanceRetriesExhausted prometheus.Counter
	BalanceOperations       *prometheus.CounterVec

	// --- Ledger ---
	LedgerEntriesWritten *prometheus.CounterVec
	LedgerValidationErrs prometheus.Counter

	// --- Idempotency ---
	IdempotencyReplays *prometheus.CounterVec

	// --- Outbox / Inbox ---
	OutboxPublished   prometheus.Counter
	OutboxPublishErrs prometheus.Counter
	OutboxPending     prometheus.Gauge
	OutboxCleaned     prometheus.Counter
	InboxProcessed    *prometheus.CounterVec
	InboxDuplicates   prometheus.Counter
	InboxFailures     prometheus.Counter

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	sagaBuckets := []float64{
		0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5,
	}

	httpBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	}

	return &Metrics{
		// Payment saga
		PaymentsInitiated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "minibank_payments_initiated_total",
			Help: "Payment sagas started",
		}),

		PaymentsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "minibank_payments_completed_total",
			Help: "Payment sagas finished in COMPLETED",
		}),

		PaymentsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "minibank_payments_failed_total",
			Help: "Payment sagas finished in a failure status",
		}, []string{"reason"}),

		PaymentsCompensated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "minibank_payments_compensated_total",
			Help: "Payment sagas finished in COMPENSATED",
		}),

		CompensationErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "minibank_compensation_errors_total",
			Help: "Compensation attempts that themselves failed",
		}),

		SagaDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "minibank_saga_duration_seconds",
			Help:    "Initiation to terminal status",
			Buckets: sagaBuckets,
		}, []string{"outcome"}),

		RecoveryResumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "minibank_recovery_resumed_total",
			Help: "Stalled payments picked up by the recovery sweeper",
		}, []string{"action"}),

		// Accounts & balances
		BalanceConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "minibank_balance_version_conflicts_total",
			Help: "Optimistic concurrency conflicts on balance writes",
		}),

		BalanceRetriesExhausted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "minibank_balance_retries_exhausted_total",
			Help: "Balance operations that gave up after max retries",
		}),

		BalanceOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "minibank_balance_operations_total",
			Help: "Balance mutations applied",
		}, []string{"operation"}),

		// Ledger
		LedgerEntriesWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "minibank_ledger_entries_written_total",
			Help: "Journal entries persisted",
		}, []string{"entry_type"}),

		LedgerValidationErrs: promauto.NewCounter(prometheus.CounterOpts{
			Name: "minibank_ledger_validation_errors_total",
			Help: "Entry sets rejected by zero-sum validation",
		}),

		// Idempotency
		IdempotencyReplays: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "minibank_idempotency_replays_total",
			Help: "Duplicate requests caught (guard/store)",
		}, []string{"tier"}),

		// Outbox / Inbox
		OutboxPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "minibank_outbox_published_total",
			Help: "Outbox events published to NATS",
		}),

		OutboxPublishErrs: promauto.NewCounter(prometheus.CounterOpts{
			Name: "minibank_outbox_publish_errors_total",
			Help: "Outbox publish attempts that failed",
		}),

		OutboxPending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "minibank_outbox_pending",
			Help: "Unpublished outbox rows at last relay pass",
		}),

		OutboxCleaned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "minibank_outbox_cleaned_total",
			Help: "Published outbox rows removed by cleanup",
		}),

		InboxProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "minibank_inbox_processed_total",
			Help: "Inbound events processed",
		}, []string{"event_type"}),

		InboxDuplicates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "minibank_inbox_duplicates_total",
			Help: "Inbound events skipped as already seen",
		}),

		InboxFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "minibank_inbox_failures_total",
			Help: "Inbound events whose handler returned an error",
		}),

		// HTTP API
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "minibank_http_requests_total",
			Help: "API requests",
		}, []string{"route", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "minibank_http_request_duration_seconds",
			Help:    "API request latency",
			Buckets: httpBuckets,
		}, []string{"route"}),
	}
}
