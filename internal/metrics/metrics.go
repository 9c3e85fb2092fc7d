// Package metrics exposes Prometheus collectors for the harvester.
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
	pagesFetchedTotal          *prometheus.CounterVec
	fetchRetriesTotal          prometheus.Counter
	itemsHarvestedTotal        prometheus.Counter
	pageDelaySeconds           prometheus.Histogram
	crawlsTotal                *prometheus.CounterVec
	imageCacheRequestsTotal    *prometheus.CounterVec
	imageCacheWriteFailures    prometheus.Counter
	exportRowsTotal            prometheus.Counter
	exportImagesTotal          *prometheus.CounterVec
	snapshotPublishTotal       *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times.
func Init() {
	once.Do(func() {
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pages_fetched_total",
				Help: "Listing pages requested, labeled by result.",
			},
			[]string{"result"},
		)

		fetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_fetch_retries_total",
				Help: "Listing requests retried after a transport failure.",
			},
		)

		itemsHarvestedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_items_harvested_total",
				Help: "Items accumulated across all crawls.",
			},
		)

		pageDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_page_delay_seconds",
				Help:    "Adaptive delay applied between listing pages.",
				Buckets: []float64{0.5, 0.75, 1, 1.25, 1.5, 1.75, 2},
			},
		)

		crawlsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_crawls_total",
				Help: "Crawl attempts, labeled by result.",
			},
			[]string{"result"},
		)

		imageCacheRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_image_cache_requests_total",
				Help: "Image cache lookups, labeled by result.",
			},
			[]string{"result"},
		)

		imageCacheWriteFailures = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_image_cache_write_failures_total",
				Help: "Downloaded images that could not be persisted.",
			},
		)

		exportRowsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_export_rows_total",
				Help: "Rows written to spreadsheets.",
			},
		)

		exportImagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_export_images_total",
				Help: "Cover images handled during export, labeled by result.",
			},
			[]string{"result"},
		)

		snapshotPublishTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_snapshot_publish_total",
				Help: "Snapshot mirror and notification attempts, labeled by target and result.",
			},
			[]string{"target", "result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts one listing page result ("ok", "transport_error", "decode_error").
func ObservePage(result string) {
	Init()
	pagesFetchedTotal.WithLabelValues(result).Inc()
}

// ObserveFetchRetry counts one fetch-level retry.
func ObserveFetchRetry() {
	Init()
	fetchRetriesTotal.Inc()
}

// AddItemsHarvested adds to the harvested items counter.
func AddItemsHarvested(n int) {
	Init()
	if n > 0 {
		itemsHarvestedTotal.Add(float64(n))
	}
}

// ObservePageDelay records an inter-page delay.
func ObservePageDelay(d time.Duration) {
	Init()
	pageDelaySeconds.Observe(d.Seconds())
}

// ObserveCrawl counts a crawl attempt outcome ("success", "failure", "canceled").
func ObserveCrawl(result string) {
	Init()
	crawlsTotal.WithLabelValues(result).Inc()
}

// ObserveImageCache counts a cache lookup ("hit", "miss", "error", "not_image", "empty").
func ObserveImageCache(result string) {
	Init()
	imageCacheRequestsTotal.WithLabelValues(result).Inc()
}

// ObserveImageCacheWriteFailure counts a failed cache persist.
func ObserveImageCacheWriteFailure() {
	Init()
	imageCacheWriteFailures.Inc()
}

// ObserveExport records rows and image outcomes of one export.
func ObserveExport(rows, embedded, failed int) {
	Init()
	exportRowsTotal.Add(float64(rows))
	exportImagesTotal.WithLabelValues("embedded").Add(float64(embedded))
	exportImagesTotal.WithLabelValues("failed").Add(float64(failed))
}

// ObserveSnapshotPublish counts a mirror or notification attempt.
func ObserveSnapshotPublish(target string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	snapshotPublishTotal.WithLabelValues(target, result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
