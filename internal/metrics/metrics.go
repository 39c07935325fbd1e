// Package metrics exposes Prometheus collectors for the crawl host and its pipelines.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal          *prometheus.CounterVec
	crawlerUserAgentsTotal     prometheus.Counter
	crawlerStopsTotal          *prometheus.CounterVec
	pipelineItemsStoredTotal   *prometheus.CounterVec
	pipelineBatchesTotal       prometheus.Counter
	pipelineBatchSize          prometheus.Histogram
	pipelineDuplicateKeysTotal prometheus.Counter
	pipelineWriteErrorsTotal   *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlpipe_pages_total",
				Help: "Total number of pages crawled, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerUserAgentsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlpipe_user_agents_assigned_total",
				Help: "Total number of outgoing requests given a random User-Agent.",
			},
		)

		crawlerStopsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlpipe_crawl_stops_total",
				Help: "Total number of crawl stop requests, labeled by reason.",
			},
			[]string{"reason"},
		)

		pipelineItemsStoredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlpipe_items_stored_total",
				Help: "Total number of items written to the document store, labeled by write mode.",
			},
			[]string{"mode"},
		)

		pipelineBatchesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlpipe_batches_flushed_total",
				Help: "Total number of buffered batches flushed.",
			},
		)

		pipelineBatchSize = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawlpipe_batch_size",
				Help:    "Histogram of flushed batch sizes.",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 1000},
			},
		)

		pipelineDuplicateKeysTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlpipe_duplicate_keys_total",
				Help: "Total number of writes rejected with a duplicate key.",
			},
		)

		pipelineWriteErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlpipe_write_errors_total",
				Help: "Total number of failed writes other than duplicate keys, labeled by write mode.",
			},
			[]string{"mode"},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCrawl increments the page counter for site and status.
func ObserveCrawl(site string, status string) {
	Init()
	crawlerPagesTotal.WithLabelValues(SanitizeSite(site), status).Inc()
}

// ObserveUserAgent counts a User-Agent assignment.
func ObserveUserAgent() {
	Init()
	crawlerUserAgentsTotal.Inc()
}

// ObserveCrawlStop counts a stop request.
func ObserveCrawlStop(reason string) {
	Init()
	crawlerStopsTotal.WithLabelValues(reason).Inc()
}

// ObserveStored adds n stored items for the given write mode.
func ObserveStored(mode string, n int) {
	Init()
	pipelineItemsStoredTotal.WithLabelValues(mode).Add(float64(n))
}

// ObserveBatch records a flushed batch of size n.
func ObserveBatch(n int) {
	Init()
	pipelineBatchesTotal.Inc()
	pipelineBatchSize.Observe(float64(n))
}

// ObserveDuplicateKey counts a duplicate-key rejection.
func ObserveDuplicateKey() {
	Init()
	pipelineDuplicateKeysTotal.Inc()
}

// ObserveWriteError counts a fatal write failure for the given write mode.
func ObserveWriteError(mode string) {
	Init()
	pipelineWriteErrorsTotal.WithLabelValues(mode).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
