// Package metrics defines the Prometheus collectors for the mail gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SMTP gateway metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_connections_total",
			Help: "Total number of SMTP connections accepted or rejected",
		},
		[]string{"result"},
	)

	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailgate_connections_current",
			Help: "Current number of active SMTP connections",
		},
	)

	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_commands_total",
			Help: "Total number of SMTP commands processed",
		},
		[]string{"command", "status"},
	)

	MessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailgate_messages_received_total",
			Help: "Total number of messages accepted and enqueued",
		},
	)

	MessageSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailgate_message_size_bytes",
			Help:    "Size distribution of accepted messages",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)

	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailgate_rate_limit_rejections_total",
			Help: "Total connections rejected by the rate limiter",
		},
	)
)

// Processing worker metrics
var (
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_jobs_processed_total",
			Help: "Total processing jobs completed, by outcome",
		},
		[]string{"outcome"},
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailgate_job_duration_seconds",
			Help:    "Duration of message processing jobs",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailgate_job_queue_depth",
			Help: "Number of pending processing jobs",
		},
	)

	MessagesClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_messages_classified_total",
			Help: "Total messages classified, by final status",
		},
		[]string{"status"},
	)
)

// Forwarder and retry metrics
var (
	ForwardDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_forward_deliveries_total",
			Help: "Total per-recipient forward delivery attempts",
		},
		[]string{"result"},
	)

	ForwardDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailgate_forward_duration_seconds",
			Help:    "Duration of relay deliveries",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_retry_attempts_total",
			Help: "Total forward retry attempts, by result",
		},
		[]string{"result"},
	)

	RetryBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailgate_retry_backlog",
			Help: "Forward log rows currently awaiting retry",
		},
	)
)

// Storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_s3_operations_total",
			Help: "Total S3 operations, by operation and status",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailgate_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// Database metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailgate_db_query_duration_seconds",
			Help:    "Duration of database queries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DBPoolTotalConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailgate_db_pool_total_connections",
			Help: "Total connections in the database pool",
		},
	)

	DBPoolIdleConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailgate_db_pool_idle_connections",
			Help: "Idle connections in the database pool",
		},
	)

	DBPoolInUseConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailgate_db_pool_in_use_connections",
			Help: "Connections currently acquired from the database pool",
		},
	)
)
