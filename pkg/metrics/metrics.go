// Package metrics provides Prometheus metrics for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncJobsTotal tracks finished sync jobs by outcome and failure kind
	SyncJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "sync",
			Name:      "jobs_total",
			Help:      "Total number of finished sync jobs by status",
		},
		[]string{"source", "job_type", "status", "error_kind"},
	)

	// SyncJobDuration tracks job run time in seconds
	SyncJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sage",
			Subsystem: "sync",
			Name:      "job_duration_seconds",
			Help:      "Duration of sync jobs in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"source", "job_type"},
	)

	// SyncRetriesTotal tracks fetch retries within a job
	SyncRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "sync",
			Name:      "retries_total",
			Help:      "Total number of fetch retries by failure kind",
		},
		[]string{"source", "error_kind"},
	)

	// SyncSkippedTotal counts jobs that found the (workspace, source) lock held
	SyncSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "sync",
			Name:      "lock_contended_total",
			Help:      "Total number of sync executions deferred because another sync held the lock",
		},
		[]string{"source"},
	)

	// TokenRefreshesTotal tracks token refresh attempts
	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "oauth",
			Name:      "token_refreshes_total",
			Help:      "Total number of token refreshes by status",
		},
		[]string{"source", "status"},
	)

	// HTTPRequestsTotal tracks outbound source API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of outbound HTTP requests",
		},
		[]string{"operation", "status_code"},
	)

	// HTTPRequestDuration tracks outbound request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sage",
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound HTTP requests in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)

	// MetricUpsertsTotal tracks canonical metric rows written
	MetricUpsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "metric_store",
			Name:      "upserts_total",
			Help:      "Total number of metric rows upserted by provenance",
		},
		[]string{"source_template"},
	)

	// MapperSectionsSkipped tracks malformed report sections skipped while mapping
	MapperSectionsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "mapper",
			Name:      "sections_skipped_total",
			Help:      "Total number of report sections skipped as malformed",
		},
		[]string{"source", "report"},
	)

	// SchedulerEnqueuedTotal tracks jobs enqueued by the scheduler
	SchedulerEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "scheduler",
			Name:      "enqueued_total",
			Help:      "Total number of sync jobs enqueued by the scheduler",
		},
		[]string{"source", "job_type"},
	)

	// QueueJobsProcessed tracks jobs processed from the queue
	QueueJobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs processed from the queue",
		},
		[]string{"status"},
	)

	// QueueJobsInFlight tracks jobs currently being processed
	QueueJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sage",
			Subsystem: "queue",
			Name:      "jobs_in_flight",
			Help:      "Number of jobs currently being processed",
		},
	)

	// KafkaMessagesPublished tracks sync events published to Kafka
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)
)

func RecordSyncJob(source, jobType, status, errorKind string, durationSeconds float64) {
	SyncJobsTotal.WithLabelValues(source, jobType, status, errorKind).Inc()
	SyncJobDuration.WithLabelValues(source, jobType).Observe(durationSeconds)
}

func RecordSyncRetry(source, errorKind string) {
	SyncRetriesTotal.WithLabelValues(source, errorKind).Inc()
}

func RecordSyncLockContended(source string) {
	SyncSkippedTotal.WithLabelValues(source).Inc()
}

func RecordTokenRefresh(source, status string) {
	TokenRefreshesTotal.WithLabelValues(source, status).Inc()
}

func RecordHTTPRequest(operation, statusCode string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(operation, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}

func RecordMetricUpserts(sourceTemplate string, n int) {
	MetricUpsertsTotal.WithLabelValues(sourceTemplate).Add(float64(n))
}

func RecordSectionSkipped(source, report string) {
	MapperSectionsSkipped.WithLabelValues(source, report).Inc()
}

func RecordSchedulerEnqueue(source, jobType string) {
	SchedulerEnqueuedTotal.WithLabelValues(source, jobType).Inc()
}

func RecordQueueJob(status string) {
	QueueJobsProcessed.WithLabelValues(status).Inc()
}

func RecordKafkaPublish(topic, status string) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
}
