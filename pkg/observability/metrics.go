// Package observability provides Prometheus metrics, a small metrics/health
// HTTP server, and OpenTelemetry tracing setup for the checkpoint engine.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Checkpoint metrics
	checkpointSavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorloop_checkpoint_saves_total",
			Help: "Total number of checkpoint save attempts",
		},
		[]string{"milestone", "outcome"},
	)

	checkpointSaveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tutorloop_checkpoint_save_duration_seconds",
			Help:    "Checkpoint save duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"milestone"},
	)

	conflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tutorloop_session_conflicts_total",
			Help: "Total number of durable writes rejected by the ownership guard",
		},
	)

	// Restore metrics
	restoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorloop_restores_total",
			Help: "Total number of session restores",
		},
		[]string{"result"},
	)

	restoreDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tutorloop_restore_duration_seconds",
			Help:    "Session restore duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	transcriptPushFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tutorloop_transcript_push_failures_total",
			Help: "Total number of failed best-effort transcript pushes",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the engine metrics with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			checkpointSavesTotal,
			checkpointSaveDuration,
			conflictsTotal,
			restoresTotal,
			restoreDuration,
			transcriptPushFailures,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordCheckpointSave records a checkpoint save attempt.
func RecordCheckpointSave(milestone, outcome string, duration time.Duration) {
	checkpointSavesTotal.WithLabelValues(milestone, outcome).Inc()
	checkpointSaveDuration.WithLabelValues(milestone).Observe(duration.Seconds())
}

// RecordConflict records a durable write rejected by the ownership guard.
func RecordConflict() {
	conflictsTotal.Inc()
}

// RecordRestore records a session restore. Result is "resumed" or "fresh".
func RecordRestore(result string, duration time.Duration) {
	restoresTotal.WithLabelValues(result).Inc()
	restoreDuration.Observe(duration.Seconds())
}

// RecordTranscriptPushFailure records a failed best-effort transcript push.
func RecordTranscriptPushFailure() {
	transcriptPushFailures.Inc()
}
