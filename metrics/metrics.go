// Package metrics holds the Prometheus collectors for a pipeline process.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the fetch and processing phases.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry         *prometheus.Registry
	FetchRequests    *prometheus.CounterVec
	FetchDuration    prometheus.Histogram
	FetchErrors      *prometheus.CounterVec
	RetriesTotal     prometheus.Counter
	LimiterWait      prometheus.Histogram
	BreakerState     *prometheus.GaugeVec
	FilesProcessed   prometheus.Counter
	RecordsProcessed *prometheus.CounterVec
	RunsTotal        *prometheus.CounterVec
}

// New constructs and registers all metrics on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	fetchRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_fetch_requests_total",
			Help: "Fetch attempts by source and outcome.",
		},
		[]string{"source", "outcome"},
	)
	fetchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aggregator_fetch_duration_seconds",
			Help:    "HTTP latency of fetch attempts.",
			Buckets: prometheus.DefBuckets,
		},
	)
	fetchErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_fetch_errors_total",
			Help: "Fetch errors by type.",
		},
		[]string{"error_type"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregator_fetch_retries_total",
			Help: "Retry attempts scheduled by the fetcher.",
		},
	)
	limiterWait := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aggregator_limiter_wait_seconds",
			Help:    "Time spent waiting for a rate limiter slot.",
			Buckets: []float64{0, .005, .01, .05, .1, .25, .5, 1, 2, 5},
		},
	)
	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aggregator_breaker_state",
			Help: "Circuit breaker state per source (0 closed, 1 open, 2 half-open).",
		},
		[]string{"source"},
	)
	filesProcessed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregator_files_processed_total",
			Help: "Queue files consumed by the processing pool.",
		},
	)
	records := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_records_total",
			Help: "Records seen by the processing pool by outcome.",
		},
		[]string{"outcome"},
	)
	runs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_runs_total",
			Help: "Completed pipeline runs by status.",
		},
		[]string{"status"},
	)

	registry.MustRegister(fetchRequests, fetchDuration, fetchErrors, retries, limiterWait,
		breakerState, filesProcessed, records, runs)

	return &Metrics{
		Registry:         registry,
		FetchRequests:    fetchRequests,
		FetchDuration:    fetchDuration,
		FetchErrors:      fetchErrors,
		RetriesTotal:     retries,
		LimiterWait:      limiterWait,
		BreakerState:     breakerState,
		FilesProcessed:   filesProcessed,
		RecordsProcessed: records,
		RunsTotal:        runs,
	}
}

// IncFetch counts a fetch attempt.
func (m *Metrics) IncFetch(source, outcome string) {
	if m == nil {
		return
	}
	m.FetchRequests.WithLabelValues(source, outcome).Inc()
}

// ObserveFetch records an HTTP request duration.
func (m *Metrics) ObserveFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(d.Seconds())
}

// IncFetchError increments the errors counter for a type label.
func (m *Metrics) IncFetchError(errorType string) {
	if m == nil {
		return
	}
	m.FetchErrors.WithLabelValues(errorType).Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// ObserveLimiterWait records a limiter wait.
func (m *Metrics) ObserveLimiterWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LimiterWait.Observe(d.Seconds())
}

// SetBreakerState publishes the numeric state of a source breaker.
func (m *Metrics) SetBreakerState(source string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(source).Set(float64(state))
}

// IncFiles counts a consumed queue file.
func (m *Metrics) IncFiles() {
	if m == nil {
		return
	}
	m.FilesProcessed.Inc()
}

// AddRecords counts records by outcome ("valid", "invalid").
func (m *Metrics) AddRecords(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsProcessed.WithLabelValues(outcome).Add(float64(n))
}

// IncRun counts a finished run.
func (m *Metrics) IncRun(status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
}
