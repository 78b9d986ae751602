package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registry = prometheus.NewRegistry()
	factory  = promauto.With(registry)
)

// Prometheus metrics for the transfer coordinator
var (
	// HTTP request metrics
	RequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropgate_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	RequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dropgate_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	ActiveConnections = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "dropgate_active_connections",
			Help: "Number of in-flight HTTP requests",
		},
	)

	S3OperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dropgate_s3_operation_duration_seconds",
			Help:    "Object store round-trip duration, by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Transfer metrics
	UploadsPlanned = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropgate_uploads_planned_total",
			Help: "Upload plans issued, by kind",
		},
		[]string{"kind"}, // "single" or "multipart"
	)

	UploadsCompleted = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "dropgate_uploads_completed_total",
			Help: "Uploads finalized into available records",
		},
	)

	UploadsAborted = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "dropgate_uploads_aborted_total",
			Help: "Uploads explicitly aborted by clients",
		},
	)

	DownloadsCompleted = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "dropgate_downloads_completed_total",
			Help: "Download completions counted against records",
		},
	)

	AuthFailures = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "dropgate_auth_failures_total",
			Help: "Rejected challenge-response attempts",
		},
	)

	RecordsDeleted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropgate_records_deleted_total",
			Help: "File records deleted, by reason",
		},
		[]string{"reason"}, // "limit" or "owner"
	)
)
