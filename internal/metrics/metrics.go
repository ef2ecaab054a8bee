// Package metrics exposes Prometheus collectors for the coordinator.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal               *prometheus.CounterVec
	dispatchAttemptsTotal   *prometheus.CounterVec
	queueDepth              prometheus.Gauge
	heartbeatsTotal         prometheus.Counter
	unresponsiveTotal       prometheus.Counter
	providerCallsTotal      *prometheus.CounterVec
	providerLatencySeconds  *prometheus.HistogramVec
	breakerStateGauge       *prometheus.GaugeVec
	jobDurationSeconds      prometheus.Histogram
	telemetrySnapshotsTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_jobs_total",
				Help: "Total number of job state transitions, labeled by status.",
			},
			[]string{"status"},
		)

		dispatchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_dispatch_attempts_total",
				Help: "Total dispatch decisions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_queue_depth",
				Help: "Number of jobs currently queued.",
			},
		)

		heartbeatsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_heartbeats_total",
				Help: "Total satellite heartbeats received.",
			},
		)

		unresponsiveTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_satellite_unresponsive_total",
				Help: "Total transitions of a satellite to the unresponsive state.",
			},
		)

		providerCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_provider_calls_total",
				Help: "Total recorded provider calls, labeled by provider and result.",
			},
			[]string{"provider", "result"},
		)

		providerLatencySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordinator_provider_latency_seconds",
				Help:    "Histogram of provider call latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"provider"},
		)

		breakerStateGauge = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coordinator_breaker_state",
				Help: "Circuit breaker state per provider (0=closed, 1=half_open, 2=open).",
			},
			[]string{"provider"},
		)

		jobDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coordinator_job_duration_seconds",
				Help:    "Histogram of completed job durations.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
		)

		telemetrySnapshotsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_telemetry_snapshots_total",
				Help: "Total telemetry snapshots published.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the job transition counter for the given status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveDispatch increments the dispatch decision counter.
func ObserveDispatch(outcome string) {
	dispatchAttemptsTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the current queue depth.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// ObserveHeartbeat increments the heartbeat counter.
func ObserveHeartbeat() {
	heartbeatsTotal.Inc()
}

// ObserveUnresponsive increments the unresponsive transition counter.
func ObserveUnresponsive() {
	unresponsiveTotal.Inc()
}

// ObserveProviderCall records one provider call outcome and its latency.
func ObserveProviderCall(provider string, success bool, latency time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	providerCallsTotal.WithLabelValues(provider, result).Inc()
	providerLatencySeconds.WithLabelValues(provider).Observe(latency.Seconds())
}

// SetBreakerState records the numeric breaker state for a provider.
func SetBreakerState(provider string, state float64) {
	breakerStateGauge.WithLabelValues(provider).Set(state)
}

// ObserveJobDuration records a completed job's duration.
func ObserveJobDuration(d time.Duration) {
	jobDurationSeconds.Observe(d.Seconds())
}

// ObserveTelemetrySnapshot increments the published snapshot counter.
func ObserveTelemetrySnapshot() {
	telemetrySnapshotsTotal.Inc()
}
