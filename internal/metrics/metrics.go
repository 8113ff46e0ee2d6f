// Package metrics exposes Prometheus collectors for the ingestion and
// analysis pipeline.
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
	rawItemsTotal              *prometheus.CounterVec
	normalizedTotal            *prometheus.CounterVec
	jobsPublishedTotal         *prometheus.CounterVec
	jobsClaimedTotal           prometheus.Counter
	jobOutcomesTotal           *prometheus.CounterVec
	leasesRecoveredTotal       *prometheus.CounterVec
	jobsInFlight               prometheus.Gauge
	analysisDurationSeconds    *prometheus.HistogramVec
	notificationsTotal         *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		rawItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_raw_items_total",
				Help: "Raw items staged, labeled by source and result (created|duplicate).",
			},
			[]string{"source", "result"},
		)

		normalizedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_normalized_total",
				Help: "Normalization attempts, labeled by result.",
			},
			[]string{"result"},
		)

		jobsPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_jobs_published_total",
				Help: "Analysis jobs created, labeled by job type.",
			},
			[]string{"job_type"},
		)

		jobsClaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sentinel_jobs_claimed_total",
				Help: "Analysis jobs leased by workers.",
			},
		)

		jobOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_job_outcomes_total",
				Help: "Job executions, labeled by job type and resulting status.",
			},
			[]string{"job_type", "status"},
		)

		leasesRecoveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_leases_recovered_total",
				Help: "Expired job leases, labeled by result (requeued|failed).",
			},
			[]string{"result"},
		)

		jobsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentinel_jobs_in_flight",
				Help: "Number of jobs currently being processed by this process.",
			},
		)

		analysisDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentinel_analysis_duration_seconds",
				Help:    "Histogram of analyzer call latencies, labeled by outcome.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_notifications_total",
				Help: "signal.recorded notifications, labeled by result.",
			},
			[]string{"result"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentinel_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the analysis rate limiter, labeled by provider.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"provider"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentinel_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveStaged counts one staging attempt.
func ObserveStaged(source string, created bool) {
	Init()
	result := "duplicate"
	if created {
		result = "created"
	}
	rawItemsTotal.WithLabelValues(source, result).Inc()
}

// ObserveNormalized counts one normalization outcome.
func ObserveNormalized(result string) {
	Init()
	normalizedTotal.WithLabelValues(result).Inc()
}

// ObserveJobsPublished counts newly created jobs.
func ObserveJobsPublished(jobType string, n int) {
	Init()
	if n > 0 {
		jobsPublishedTotal.WithLabelValues(jobType).Add(float64(n))
	}
}

// ObserveClaimed counts leased jobs.
func ObserveClaimed(n int) {
	Init()
	if n > 0 {
		jobsClaimedTotal.Add(float64(n))
	}
}

// ObserveJobOutcome counts one job execution and records analyzer latency.
func ObserveJobOutcome(jobType, status, outcome string, duration time.Duration) {
	Init()
	jobOutcomesTotal.WithLabelValues(jobType, status).Inc()
	analysisDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveRecovered counts jobs released by a lease sweep.
func ObserveRecovered(requeued, failed int) {
	Init()
	if requeued > 0 {
		leasesRecoveredTotal.WithLabelValues("requeued").Add(float64(requeued))
	}
	if failed > 0 {
		leasesRecoveredTotal.WithLabelValues("failed").Add(float64(failed))
	}
}

// ObserveNotification counts a signal notification attempt.
func ObserveNotification(ok bool) {
	Init()
	result := "published"
	if !ok {
		result = "error"
	}
	notificationsTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records a limiter wait.
func ObserveRateLimitDelay(provider string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(provider).Observe(d.Seconds())
}

// IncInFlight increments the in-flight jobs gauge.
func IncInFlight() {
	Init()
	jobsInFlight.Inc()
}

// DecInFlight decrements the in-flight jobs gauge.
func DecInFlight() {
	Init()
	jobsInFlight.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
