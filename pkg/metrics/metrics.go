package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Device metrics
	DevicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shelf_devices_total",
			Help: "Number of devices by family and operational status",
		},
		[]string{"family", "status"},
	)

	MediaTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shelf_media_total",
			Help: "Number of media by family and filesystem status",
		},
		[]string{"family", "status"},
	)

	// Request metrics
	RequestsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shelf_requests_in_flight",
			Help: "Sub-requests currently dispatched, by kind and technology",
		},
		[]string{"kind", "techno"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shelf_queue_depth",
			Help: "Scheduler queue depths by family and queue",
		},
		[]string{"family", "queue"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shelf_request_duration_seconds",
			Help:    "Time from request arrival to final response",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"kind"},
	)

	RequestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelf_request_errors_total",
			Help: "Failed requests by kind and errno",
		},
		[]string{"kind", "errno"},
	)

	// Sync batcher metrics
	SyncBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelf_sync_batches_total",
			Help: "Medium flushes by family and trigger",
		},
		[]string{"family", "trigger"},
	)

	SyncBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shelf_sync_batch_size",
			Help:    "Release entries rolled into one medium flush",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		},
	)

	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shelf_sync_duration_seconds",
			Help:    "Duration of medium flushes",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	// Library metrics
	MediaMoves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelf_media_moves_total",
			Help: "Media changer moves by family and outcome",
		},
		[]string{"family", "outcome"},
	)
)

// Register registers all collectors with the default registry
func Register() {
	prometheus.MustRegister(
		DevicesTotal,
		MediaTotal,
		RequestsInFlight,
		QueueDepth,
		RequestDuration,
		RequestErrors,
		SyncBatches,
		SyncBatchSize,
		SyncDuration,
		MediaMoves,
	)
}

// Handler returns the HTTP handler exposing the metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one finished request
func ObserveRequest(kind string, start time.Time, errno string) {
	RequestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if errno != "" {
		RequestErrors.WithLabelValues(kind, errno).Inc()
	}
}
