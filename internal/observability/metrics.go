package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSession = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxkey_session_active",
		Help: "Whether a push-to-talk session is currently active (0 or 1)",
	})

	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxkey_sessions_started_total",
		Help: "Total number of push-to-talk sessions started",
	})

	sessionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxkey_sessions_completed_total",
		Help: "Total number of sessions that reached completion",
	}, []string{"outcome"}) // outcome: "transcribed" or "empty"

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voxkey_session_duration_seconds",
		Help:    "Duration of the trigger hold in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	// Event-merge metrics
	textDeltas = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxkey_text_deltas_total",
		Help: "Total number of transcript deltas processed",
	})

	staleEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxkey_stale_events_total",
		Help: "Events dropped because their session id was no longer current",
	}, []string{"source"}) // source: "audio", "backend"

	ignoredEdges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxkey_trigger_edges_ignored_total",
		Help: "Trigger edges dropped by the single-flight and idle guards",
	}, []string{"edge"}) // edge: "down", "up"

	// Collaborator metrics
	injectedChars = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxkey_injected_characters_total",
		Help: "Total characters handed to the text injector",
	})

	captureBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxkey_capture_bytes_total",
		Help: "Total audio bytes delivered by the capture device",
	})

	backendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxkey_backend_errors_total",
		Help: "Errors reported by the transcription backend",
	}, []string{"backend"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voxkey_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxkey_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// RecordSessionStart records a new session allocation
func RecordSessionStart() {
	sessionsStarted.Inc()
	activeSession.Set(1)
}

// RecordSessionStop records the trigger release for the active session
func RecordSessionStop(durationSeconds float64) {
	sessionDuration.Observe(durationSeconds)
}

// RecordSessionComplete records a session reaching its terminal event
func RecordSessionComplete(transcribed bool) {
	outcome := "transcribed"
	if !transcribed {
		outcome = "empty"
	}
	sessionsCompleted.WithLabelValues(outcome).Inc()
	activeSession.Set(0)
}

// RecordTextDelta records one transcript delta and the characters injected
func RecordTextDelta(chars int) {
	textDeltas.Inc()
	injectedChars.Add(float64(chars))
}

// RecordStaleEvent records an event discarded by the staleness policy
func RecordStaleEvent(source string) {
	staleEvents.WithLabelValues(source).Inc()
}

// RecordIgnoredEdge records a trigger edge dropped by a lifecycle guard
func RecordIgnoredEdge(edge string) {
	ignoredEdges.WithLabelValues(edge).Inc()
}

// RecordCaptureBytes records audio bytes handed back by the capture device
func RecordCaptureBytes(n int) {
	captureBytes.Add(float64(n))
}

// RecordBackendError records an error surfaced by a transcription backend
func RecordBackendError(backend string) {
	backendErrors.WithLabelValues(backend).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
