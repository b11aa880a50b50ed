package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gallery-API Metrics
var (
	// Request counters
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aperture",
			Subsystem: "gallery_api",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// Request duration histogram
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aperture",
			Subsystem: "gallery_api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "endpoint"},
	)

	// Dispatched steps by outcome
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aperture",
			Subsystem: "gallery_api",
			Name:      "dispatches_total",
			Help:      "Total generation step dispatches",
		},
		[]string{"status"},
	)

	// Correlation assignments by rule
	CorrelationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aperture",
			Subsystem: "gallery_api",
			Name:      "correlations_total",
			Help:      "Total image correlation assignments by rule",
		},
		[]string{"rule"},
	)

	// Retrieval attempts by outcome
	RetrievalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aperture",
			Subsystem: "gallery_api",
			Name:      "retrievals_total",
			Help:      "Total image retrieval attempts",
		},
		[]string{"status"},
	)

	// Retrieved image bytes counter
	RetrievedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aperture",
			Subsystem: "gallery_api",
			Name:      "retrieved_bytes_total",
			Help:      "Total bytes of retrieved images",
		},
	)

	// Poll cycle duration
	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "aperture",
			Subsystem: "gallery_api",
			Name:      "poll_duration_seconds",
			Help:      "Backend image poll cycle duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5},
		},
	)

	// Open batches awaiting arrivals
	OpenBatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "aperture",
			Subsystem: "gallery_api",
			Name:      "open_batches",
			Help:      "Batches still awaiting image arrivals",
		},
	)

	// Cached models
	CachedModels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "aperture",
			Subsystem: "gallery_api",
			Name:      "cached_models",
			Help:      "Models held in the cache snapshot",
		},
	)
)

// RecordRequest records an HTTP request
func RecordRequest(method, endpoint, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	RequestDuration.WithLabelValues(method, endpoint).Observe(durationSec)
}

// RecordDispatch records a step dispatch outcome
func RecordDispatch(status string) {
	DispatchesTotal.WithLabelValues(status).Inc()
}

// RecordCorrelation records which rule attributed an image
func RecordCorrelation(rule string) {
	CorrelationsTotal.WithLabelValues(rule).Inc()
}

// RecordRetrieval records a retrieval attempt outcome
func RecordRetrieval(status string, bytes int64) {
	RetrievalsTotal.WithLabelValues(status).Inc()
	if status == "success" && bytes > 0 {
		RetrievedBytesTotal.Add(float64(bytes))
	}
}
