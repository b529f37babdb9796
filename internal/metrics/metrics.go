// Package metrics exposes Prometheus collectors for the listing warehouse.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchTotal                 *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	queueTransitionsTotal      *prometheus.CounterVec
	rawBytesTotal              prometheus.Counter
	normalizerTotal            *prometheus.CounterVec
	goldRowsTotal              *prometheus.CounterVec
	batchItemsTotal            *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	robotsFallbackTotal        *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warehouse_fetch_total",
				Help: "Listing page fetches, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warehouse_fetch_duration_seconds",
				Help:    "Listing page fetch latency, labeled by fetcher.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"fetcher"},
		)

		queueTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warehouse_queue_transitions_total",
				Help: "Crawl queue state transitions.",
			},
			[]string{"from", "to"},
		)

		rawBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "warehouse_raw_bytes_total",
				Help: "Uncompressed bytes archived in the raw store.",
			},
		)

		normalizerTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warehouse_normalizer_total",
				Help: "Normalizer results, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		goldRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warehouse_gold_rows_total",
				Help: "Gold rows written by the dimensional builder, labeled by table and result.",
			},
			[]string{"table", "result"},
		)

		batchItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warehouse_batch_items_total",
				Help: "Units processed by batch passes, labeled by pass and outcome.",
			},
			[]string{"pass", "outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "warehouse_active_workers",
				Help: "Number of fetch workers currently running.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warehouse_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		robotsFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warehouse_robots_fallback_total",
				Help: "robots.txt probes that fell back to allow-all, labeled by reason.",
			},
			[]string{"reason"},
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

// ObserveFetch records one fetch attempt.
func ObserveFetch(outcome string, fetcher string, duration time.Duration) {
	Init()
	fetchTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		fetchDurationSeconds.WithLabelValues(fetcher).Observe(duration.Seconds())
	}
}

// ObserveQueueTransition counts a queue state change.
func ObserveQueueTransition(from, to string) {
	Init()
	queueTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveRawBytes adds archived bytes.
func ObserveRawBytes(n int) {
	Init()
	if n > 0 {
		rawBytesTotal.Add(float64(n))
	}
}

// ObserveNormalize counts one normalizer result.
func ObserveNormalize(outcome string) {
	Init()
	normalizerTotal.WithLabelValues(outcome).Inc()
}

// ObserveGoldRows adds gold rows for a table and result (inserted, updated, unchanged).
func ObserveGoldRows(table, result string, n int) {
	Init()
	if n > 0 {
		goldRowsTotal.WithLabelValues(table, result).Add(float64(n))
	}
}

// ObserveBatch adds counts by outcome for one batch pass.
func ObserveBatch(pass string, counts map[string]int) {
	Init()
	for outcome, n := range counts {
		if n > 0 {
			batchItemsTotal.WithLabelValues(pass, outcome).Add(float64(n))
		}
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
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt probe that was assumed permissive.
func ObserveRobotsFallback(reason string) {
	Init()
	robotsFallbackTotal.WithLabelValues(reason).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
