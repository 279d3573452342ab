package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Frontend request metrics
	PutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudkv_puts_total",
			Help: "Total number of put operations by tenant and result",
		},
		[]string{"tenant", "result"},
	)

	GetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudkv_gets_total",
			Help: "Total number of get operations by tenant and result",
		},
		[]string{"tenant", "result"},
	)

	DeletesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudkv_deletes_total",
			Help: "Total number of delete operations by tenant and result",
		},
		[]string{"tenant", "result"},
	)

	PutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cloudkv_put_duration_seconds",
			Help:    "Time taken to complete a put in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	GetDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cloudkv_get_duration_seconds",
			Help:    "Time taken to complete a get in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Transaction metrics
	TransactionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudkv_transactions_active",
			Help: "Number of currently open transactions",
		},
	)

	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudkv_transactions_total",
			Help: "Total number of finalized transactions by outcome",
		},
		[]string{"outcome"},
	)

	GenerationCurrent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cloudkv_generation_current",
			Help: "Current generation counter value by tenant",
		},
		[]string{"tenant"},
	)

	// Reclamation metrics
	ReclamationTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudkv_reclamation_tasks_total",
			Help: "Total number of reclamation tasks processed by outcome",
		},
		[]string{"outcome"},
	)

	ReclaimedBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudkv_reclaimed_bytes_total",
			Help: "Total number of bytes reclaimed from the blobstore",
		},
	)

	ReclamationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cloudkv_reclamation_duration_seconds",
			Help:    "Time taken for a reclamation pass in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Scrub metrics
	ScrubObjectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudkv_scrub_objects_total",
			Help: "Total number of objects inspected by scrub, by result",
		},
		[]string{"result"},
	)

	ScrubDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cloudkv_scrub_duration_seconds",
			Help:    "Time taken for a scrub/balance/rebuild pass in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 3600},
		},
	)

	// Mirror metrics
	MirrorLagObjects = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudkv_mirror_lag_objects",
			Help: "Number of objects pending mirror delivery",
		},
	)

	MirrorBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudkv_mirror_bytes_total",
			Help: "Total bytes copied between the primary and mirror stores, by direction",
		},
		[]string{"direction"},
	)

	// BlobStore metrics
	BlobStoreRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudkv_blobstore_requests_total",
			Help: "Total blobstore requests by operation and status",
		},
		[]string{"op", "status"},
	)

	BlobStoreRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudkv_blobstore_request_duration_seconds",
			Help:    "BlobStore request duration in seconds by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	BlobStoreRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudkv_blobstore_retries_total",
			Help: "Total blobstore retry attempts by operation",
		},
		[]string{"op"},
	)

	// FileEntryIndex metrics
	FileIndexEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudkv_fileindex_entries",
			Help: "Approximate number of entries in the file entry index",
		},
	)

	FileIndexMapFullTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudkv_fileindex_map_full_total",
			Help: "Total number of MAP_FULL retry cycles handled by the file entry index",
		},
	)
)

func init() {
	prometheus.MustRegister(PutsTotal)
	prometheus.MustRegister(GetsTotal)
	prometheus.MustRegister(DeletesTotal)
	prometheus.MustRegister(PutDuration)
	prometheus.MustRegister(GetDuration)

	prometheus.MustRegister(TransactionsActive)
	prometheus.MustRegister(TransactionsTotal)
	prometheus.MustRegister(GenerationCurrent)

	prometheus.MustRegister(ReclamationTasksTotal)
	prometheus.MustRegister(ReclaimedBytesTotal)
	prometheus.MustRegister(ReclamationDuration)

	prometheus.MustRegister(ScrubObjectsTotal)
	prometheus.MustRegister(ScrubDuration)

	prometheus.MustRegister(MirrorLagObjects)
	prometheus.MustRegister(MirrorBytesTotal)

	prometheus.MustRegister(BlobStoreRequestsTotal)
	prometheus.MustRegister(BlobStoreRequestDuration)
	prometheus.MustRegister(BlobStoreRetriesTotal)

	prometheus.MustRegister(FileIndexEntries)
	prometheus.MustRegister(FileIndexMapFullTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
