// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)

	LifecycleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_transitions_total",
			Help: "Applied application status transitions",
		},
		[]string{"from", "to", "actor_role"},
	)

	LifecycleRejectedOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_rejected_operations_total",
			Help: "Operations refused by the lifecycle engine, by error code",
		},
		[]string{"operation", "error_code"},
	)

	PaymentOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_outcomes_total",
			Help: "Payment outcome notifications by processor and result",
		},
		[]string{"processor", "result"},
	)

	RefundDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refund_decisions_total",
			Help: "Refund requests reviewed by staff",
		},
		[]string{"decision"},
	)

	ReconciliationMismatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "refund_reconciliation_mismatches_total",
			Help: "Approved refunds the processor has not confirmed within the grace period",
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "Duration of API requests in seconds",
		},
		[]string{"route", "method", "status"},
	)

	CatalogCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_cache_lookups_total",
			Help: "Catalog reads by kind and cache result",
		},
		[]string{"kind", "result"},
	)
)
