// Package metrics exposes Prometheus collectors for the ingestion pipeline.
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
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchRetriesTotal          prometheus.Counter
	fetchDurationSeconds       *prometheus.HistogramVec
	fetchBytesTotal            *prometheus.CounterVec
	batchesTotal               *prometheus.CounterVec
	recordsPersistedTotal      *prometheus.CounterVec
	recordsRejectedTotal       *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_attempts_total",
				Help: "Fetch attempts, labeled by site and result (success, error).",
			},
			[]string{"site", "result"},
		)

		fetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_fetch_retries_total",
				Help: "Fetch attempts that followed a failed attempt.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_fetch_duration_seconds",
				Help:    "Histogram of fetch attempt latencies, labeled by result.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"result"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_batches_total",
				Help: "Fetch batches, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		recordsPersistedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_records_persisted_total",
				Help: "Records written, labeled by sink and kind (page, chunk).",
			},
			[]string{"sink", "kind"},
		)

		recordsRejectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_records_rejected_total",
				Help: "Records rejected by sink schema checks, labeled by sink.",
			},
			[]string{"sink"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_active_workers",
				Help: "Number of workers currently fetching a URL.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_http_requests_total",
				Help: "Requests served by the metrics endpoint, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_http_request_duration_seconds",
				Help:    "Histogram of metrics endpoint latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
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

// ObserveFetch records one fetch attempt.
func ObserveFetch(site string, success bool, bytesFetched int, duration time.Duration) {
	Init()
	result := "error"
	if success {
		result = "success"
	}
	sanitizedSite := SanitizeSite(site)
	fetchAttemptsTotal.WithLabelValues(sanitizedSite, result).Inc()
	fetchDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveRetry counts an attempt beyond the first.
func ObserveRetry() {
	Init()
	fetchRetriesTotal.Inc()
}

// ObserveBatch counts a finished fetch batch by outcome.
func ObserveBatch(outcome string) {
	Init()
	batchesTotal.WithLabelValues(outcome).Inc()
}

// ObservePersisted records rows written to a sink.
func ObservePersisted(sink string, pages, chunks, rejected int) {
	Init()
	recordsPersistedTotal.WithLabelValues(sink, "page").Add(float64(pages))
	recordsPersistedTotal.WithLabelValues(sink, "chunk").Add(float64(chunks))
	if rejected > 0 {
		recordsRejectedTotal.WithLabelValues(sink).Add(float64(rejected))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
