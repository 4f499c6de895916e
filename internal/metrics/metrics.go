// Package metrics exposes Prometheus collectors for the scraping workers.
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
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	scraperSearchesTotal       *prometheus.CounterVec
	scraperResultsTotal        *prometheus.CounterVec
	scraperRunsTotal           *prometheus.CounterVec
	dispatchAttemptsTotal      *prometheus.CounterVec
	dispatchBunchesTotal       *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoscrape_jobs_total",
				Help: "Total number of jobs processed, labeled by job type and outcome.",
			},
			[]string{"type", "outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "geoscrape_active_workers",
				Help: "Number of worker passes currently running.",
			},
		)

		scraperSearchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoscrape_scraper_searches_total",
				Help: "Total number of scraper search cycles, labeled by scraper kind.",
			},
			[]string{"kind"},
		)

		scraperResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoscrape_scraper_results_total",
				Help: "Total number of unique results saved, labeled by scraper kind.",
			},
			[]string{"kind"},
		)

		scraperRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoscrape_scraper_runs_total",
				Help: "Total number of scraper runs, labeled by kind and terminal state.",
			},
			[]string{"kind", "state"},
		)

		dispatchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoscrape_dispatch_attempts_total",
				Help: "Total number of upload attempts, labeled by table and outcome.",
			},
			[]string{"table", "outcome"},
		)

		dispatchBunchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoscrape_dispatch_bunches_total",
				Help: "Total number of bunches dispatched, labeled by final outcome.",
			},
			[]string{"outcome"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geoscrape_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
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

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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

// ObserveJob increments the job counter.
func ObserveJob(jobType, outcome string) {
	Init()
	jobsTotal.WithLabelValues(strings.ToLower(jobType), outcome).Inc()
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

// ObserveSearch records one search cycle and the number of unique results it produced.
func ObserveSearch(kind string, unique int) {
	Init()
	scraperSearchesTotal.WithLabelValues(kind).Inc()
	if unique > 0 {
		scraperResultsTotal.WithLabelValues(kind).Add(float64(unique))
	}
}

// ObserveRun records the terminal state of a scraper run.
func ObserveRun(kind, state string) {
	Init()
	scraperRunsTotal.WithLabelValues(kind, state).Inc()
}

// ObserveDispatchAttempt records a single upload attempt.
func ObserveDispatchAttempt(table, outcome string) {
	Init()
	dispatchAttemptsTotal.WithLabelValues(table, outcome).Inc()
}

// ObserveDispatchBunch records the final outcome of one bunch.
func ObserveDispatchBunch(outcome string) {
	Init()
	dispatchBunchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
