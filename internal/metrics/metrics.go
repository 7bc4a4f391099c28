// Package metrics exposes Prometheus collectors for the indexing service.
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
	jobsTotal                  *prometheus.CounterVec
	stageDurationSeconds       *prometheus.HistogramVec
	fetchedBytesTotal          prometheus.Counter
	fetchWaitSeconds           prometheus.Histogram
	searchesTotal              *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times. Observe helpers are
// no-ops until Init has run.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booky_jobs_total",
				Help: "Total number of processing jobs, labeled by outcome (enqueued, done, retried, dead, abandoned).",
			},
			[]string{"outcome"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "booky_stage_duration_seconds",
				Help:    "Histogram of pipeline stage durations, labeled by stage and status.",
				Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"stage", "status"},
		)

		fetchedBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "booky_fetched_bytes_total",
				Help: "Total number of body bytes fetched.",
			},
		)

		fetchWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "booky_fetch_wait_seconds",
				Help:    "Histogram of time spent waiting on the per-domain fetch rate limit.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		searchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booky_searches_total",
				Help: "Total number of search requests, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "booky_active_workers",
				Help: "Number of workers currently processing a job.",
			},
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

// ObserveJob increments the job counter for the given outcome.
func ObserveJob(outcome string) {
	if jobsTotal == nil {
		return
	}
	jobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveStage records how long a pipeline stage took.
func ObserveStage(stage string, err error, duration time.Duration) {
	if stageDurationSeconds == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	stageDurationSeconds.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// ObserveFetchedBytes adds to the fetched byte counter.
func ObserveFetchedBytes(n int) {
	if fetchedBytesTotal == nil || n <= 0 {
		return
	}
	fetchedBytesTotal.Add(float64(n))
}

// ObserveFetchWait records a rate limit delay.
func ObserveFetchWait(duration time.Duration) {
	if fetchWaitSeconds == nil {
		return
	}
	fetchWaitSeconds.Observe(duration.Seconds())
}

// ObserveSearch increments the search counter for the given outcome.
func ObserveSearch(outcome string) {
	if searchesTotal == nil {
		return
	}
	searchesTotal.WithLabelValues(outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
