// Package metrics exposes Prometheus collectors for the harvester services.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsEnqueuedTotal     *prometheus.CounterVec
	jobsProcessedTotal    *prometheus.CounterVec
	fetchRequestsTotal    *prometheus.CounterVec
	itemsSkippedTotal     *prometheus.CounterVec
	documentsUpsertsTotal *prometheus.CounterVec
	rateLimitDelaySeconds *prometheus.HistogramVec
	activeWorkers         prometheus.Gauge

	once sync.Once
)

// Init registers the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		jobsEnqueuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_jobs_enqueued_total",
				Help: "Jobs pushed to the queue, labeled by queue and job type.",
			},
			[]string{"queue", "type"},
		)

		jobsProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_jobs_processed_total",
				Help: "Jobs consumed, labeled by queue and outcome (ok, dropped, failed).",
			},
			[]string{"queue", "outcome"},
		)

		fetchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_requests_total",
				Help: "Upstream API requests, labeled by source and HTTP status.",
			},
			[]string{"source", "status"},
		)

		itemsSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_items_skipped_total",
				Help: "Per-item skips inside batches, labeled by source and reason.",
			},
			[]string{"source", "reason"},
		)

		documentsUpsertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_document_upserts_total",
				Help: "Documents written to the store, labeled by collection.",
			},
			[]string{"collection"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delay_seconds",
				Help:    "Time callers spent blocked on the per-source rate budget.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"source"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Handlers currently processing a job.",
			},
		)
	})
}

// Handler returns an http.Handler exposing the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveEnqueued records one job pushed to a queue.
func ObserveEnqueued(queue, jobType string) {
	jobsEnqueuedTotal.WithLabelValues(queue, jobType).Inc()
}

// ObserveProcessed records one consumed job outcome.
func ObserveProcessed(queue, outcome string) {
	jobsProcessedTotal.WithLabelValues(queue, outcome).Inc()
}

// ObserveFetch records one upstream request.
func ObserveFetch(source string, status int) {
	fetchRequestsTotal.WithLabelValues(source, strconv.Itoa(status)).Inc()
}

// ObserveSkip records a per-item skip with its reason.
func ObserveSkip(source, reason string) {
	itemsSkippedTotal.WithLabelValues(source, reason).Inc()
}

// ObserveUpserts records documents written to a collection.
func ObserveUpserts(collection string, n int) {
	documentsUpsertsTotal.WithLabelValues(collection).Add(float64(n))
}

// ObserveRateLimitDelay records how long a caller was blocked by the limiter.
func ObserveRateLimitDelay(source string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(source).Observe(d.Seconds())
}

// IncActiveWorkers increments the active handler gauge.
func IncActiveWorkers() { activeWorkers.Inc() }

// DecActiveWorkers decrements the active handler gauge.
func DecActiveWorkers() { activeWorkers.Dec() }
