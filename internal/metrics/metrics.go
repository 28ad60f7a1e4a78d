// Package metrics exposes Prometheus collectors for the intelligence hub.
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
	intelSubmissionsTotal      *prometheus.CounterVec
	intelItemsTotal            *prometheus.CounterVec
	intelAnalysisTotal         *prometheus.CounterVec
	intelAnalysisDuration      prometheus.Histogram
	intelActiveWorkers         prometheus.Gauge
	intelQueueDepth            prometheus.Gauge
	intelHealthyKeys           prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		intelSubmissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intel_submissions_total",
				Help: "Total collector submissions, labeled by result (accepted, duplicate, invalid).",
			},
			[]string{"result"},
		)

		intelItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intel_items_total",
				Help: "Total items reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		intelAnalysisTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intel_analysis_total",
				Help: "Total analysis attempts, labeled by outcome (ok, retryable, malformed).",
			},
			[]string{"outcome"},
		)

		intelAnalysisDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "intel_analysis_duration_seconds",
				Help:    "Histogram of analysis call durations.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		)

		intelActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "intel_active_workers",
				Help: "Number of workers currently analyzing an item.",
			},
		)

		intelQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "intel_queue_depth",
				Help: "Items currently buffered in the analysis queue.",
			},
		)

		intelHealthyKeys = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "intel_healthy_keys",
				Help: "AI credentials currently usable.",
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

// ObserveSubmission increments the submission counter for the given result.
func ObserveSubmission(result string) {
	intelSubmissionsTotal.WithLabelValues(result).Inc()
}

// ObserveItemTerminal increments the terminal-state counter.
func ObserveItemTerminal(status string) {
	intelItemsTotal.WithLabelValues(status).Inc()
}

// ObserveAnalysis records one analysis attempt and its duration.
func ObserveAnalysis(outcome string, duration time.Duration) {
	intelAnalysisTotal.WithLabelValues(outcome).Inc()
	intelAnalysisDuration.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	intelActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	intelActiveWorkers.Dec()
}

// SetQueueDepth records the current queue depth.
func SetQueueDepth(depth int) {
	intelQueueDepth.Set(float64(depth))
}

// SetHealthyKeys records how many AI credentials are usable.
func SetHealthyKeys(count int) {
	intelHealthyKeys.Set(float64(count))
}
