package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	MessagesStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_stored_total",
			Help: "Total number of ingested direct messages.",
		},
	)

	MessagesCiphertextBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_messages_ciphertext_bytes",
			Help:    "Ciphertext sizes for ingested messages.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 12),
		},
	)

	ReceiptsStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_receipts_stored_total",
			Help: "Total number of stored jar receipts.",
		},
		[]string{"receipt_type"},
	)

	ReceiptSequenceRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_receipt_sequence_retries_total",
			Help: "Sequence-assignment retries caused by concurrent appends.",
		},
	)

	PushNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_push_notifications_total",
			Help: "Push dispatch outcomes.",
		},
		[]string{"outcome"},
	)

	CleanupDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_cleanup_deleted_total",
			Help: "Rows and blobs removed by the retention sweeps.",
		},
		[]string{"kind"},
	)

	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rate_limit_rejected_total",
			Help: "Requests rejected by the per-endpoint rate limiter.",
		},
		[]string{"endpoint"},
	)
)

// MustRegister installs the relay metric set on the default registry.
// Collectors work before registration, so packages may increment freely in
// tests that never call this.
func MustRegister() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		MessagesStoredTotal,
		MessagesCiphertextBytes,
		ReceiptsStoredTotal,
		ReceiptSequenceRetriesTotal,
		PushNotificationsTotal,
		CleanupDeletedTotal,
		RateLimitRejectedTotal,
	)
}
