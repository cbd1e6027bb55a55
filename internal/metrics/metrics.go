package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seatwatch_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seatwatch_http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seatwatch_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	HTTPRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seatwatch_http_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	// Engine metrics
	UpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatwatch_updates_total",
			Help: "Total number of resource updates applied",
		},
		[]string{"source", "outcome"}, // outcome: changed, unchanged, invalid, not_found, conflict, failed
	)

	UpdateDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "seatwatch_update_duration_seconds",
			Help:    "Time taken to apply one update including notification fan-out",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	NotificationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seatwatch_notifications_created_total",
			Help: "Total number of notifications durably recorded",
		},
	)

	NotificationsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatwatch_notifications_suppressed_total",
			Help: "Total number of qualifying evaluations that did not produce a notification",
		},
		[]string{"reason"}, // reason: not_qualified, already_notified, duplicate
	)

	// Dispatch / worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "seatwatch_worker_queue_size",
			Help: "Current size of the notification dispatch queue",
		},
	)

	WorkerQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "seatwatch_worker_queue_capacity",
			Help: "Capacity of the notification dispatch queue",
		},
	)

	DispatchDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seatwatch_dispatch_dropped_total",
			Help: "Total number of notifications not handed to the worker pool because the queue was full",
		},
	)

	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seatwatch_worker_processed_total",
			Help: "Total number of notifications published by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seatwatch_worker_failed_total",
			Help: "Total number of notifications workers failed to publish",
		},
	)

	WorkerBatchPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "seatwatch_worker_batch_publish_duration_seconds",
			Help:    "Time taken to publish a batch to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatwatch_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "seatwatch_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seatwatch_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seatwatch_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	// Kafka consumer metrics
	KafkaConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatwatch_kafka_consumed_total",
			Help: "Total number of update messages consumed from Kafka",
		},
		[]string{"status"}, // status: applied, skipped, failed
	)

	KafkaConsumeRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seatwatch_kafka_consume_retries_total",
			Help: "Total number of retried update messages",
		},
	)

	// Retention metrics
	RetentionPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seatwatch_retention_pruned_total",
			Help: "Total number of read notifications deleted by retention",
		},
	)

	RetentionRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatwatch_retention_runs_total",
			Help: "Total number of retention runs",
		},
		[]string{"status"}, // status: success, failed
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatwatch_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
