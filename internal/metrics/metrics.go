// Package metrics exposes Prometheus collectors for the grabber service.
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
	jobDurationSeconds         *prometheus.HistogramVec
	intakeTotal                *prometheus.CounterVec
	extractionsTotal           *prometheus.CounterVec
	downloadAttemptsTotal      *prometheus.CounterVec
	downloadBytesTotal         *prometheus.CounterVec
	reextractionsTotal         prometheus.Counter
	staleRecoveredTotal        prometheus.Counter
	ticksSkippedTotal          prometheus.Counter
	activeWorkers              prometheus.Gauge
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
				Name: "postgrab_jobs_total",
				Help: "Jobs reaching a terminal state, labeled by status and error code.",
			},
			[]string{"status", "code"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "postgrab_job_duration_seconds",
				Help:    "Wall time from claim to terminal state.",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 900},
			},
			[]string{"status"},
		)

		intakeTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postgrab_intake_total",
				Help: "Submissions handled by intake, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		extractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postgrab_extractions_total",
				Help: "Extraction attempts, labeled by platform and outcome code.",
			},
			[]string{"platform", "outcome"},
		)

		downloadAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postgrab_download_attempts_total",
				Help: "Download strategy attempts, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		downloadBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postgrab_download_bytes_total",
				Help: "Bytes written to disk, labeled by media host.",
			},
			[]string{"site"},
		)

		reextractionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "postgrab_reextractions_total",
				Help: "Fresh extractions triggered by a download failure.",
			},
		)

		staleRecoveredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "postgrab_stale_recovered_total",
				Help: "Running jobs failed by startup recovery.",
			},
		)

		ticksSkippedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "postgrab_ticks_skipped_total",
				Help: "Worker ticks skipped because the previous tick was still running.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "postgrab_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "postgrab_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveJob records a terminal job outcome.
func ObserveJob(status, code string, duration time.Duration) {
	Init()
	jobsTotal.WithLabelValues(status, code).Inc()
	if duration > 0 {
		jobDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// ObserveIntake counts an intake outcome such as "created" or "duplicate".
func ObserveIntake(outcome string) {
	Init()
	intakeTotal.WithLabelValues(outcome).Inc()
}

// ObserveExtraction counts an extraction attempt.
func ObserveExtraction(platform, outcome string) {
	Init()
	extractionsTotal.WithLabelValues(platform, outcome).Inc()
}

// ObserveDownloadAttempt counts one strategy attempt.
func ObserveDownloadAttempt(strategy, outcome string) {
	Init()
	downloadAttemptsTotal.WithLabelValues(strategy, outcome).Inc()
}

// ObserveDownloadBytes adds bytes written for a media URL.
func ObserveDownloadBytes(mediaURL string, n int64) {
	Init()
	if n > 0 {
		downloadBytesTotal.WithLabelValues(SanitizeSite(mediaURL)).Add(float64(n))
	}
}

// ObserveReextraction counts a download-triggered re-extraction.
func ObserveReextraction() {
	Init()
	reextractionsTotal.Inc()
}

// ObserveStaleRecovered adds jobs healed by recovery.
func ObserveStaleRecovered(n int) {
	Init()
	staleRecoveredTotal.Add(float64(n))
}

// ObserveTickSkipped counts an overlapping tick.
func ObserveTickSkipped() {
	Init()
	ticksSkippedTotal.Inc()
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

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
