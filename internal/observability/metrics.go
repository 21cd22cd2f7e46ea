package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Recording session metrics
	activeRecordings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notes_gateway_active_recordings",
		Help: "Number of active recording sessions",
	})

	totalRecordings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notes_gateway_recordings_total",
		Help: "Total number of recording sessions started",
	})

	recordingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "notes_gateway_recording_duration_seconds",
		Help:    "Duration of recording sessions in seconds",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
	})

	// Summarization request metrics
	summarizeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notes_gateway_summarize_requests_total",
		Help: "Total number of summarization requests",
	}, []string{"path", "status"}) // path: "stream" or "http_fallback"

	summarizeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "notes_gateway_summarize_duration_seconds",
		Help:    "End-to-end duration of one summarization request",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0},
	})

	firstTokenLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "notes_gateway_first_token_latency_seconds",
		Help:    "Latency from stream emit until the first streamed token",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 1.5, 2.0, 3.0},
	})

	streamTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notes_gateway_stream_tokens_total",
		Help: "Total number of streamed summary tokens received",
	})

	watchdogFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notes_gateway_watchdog_fallbacks_total",
		Help: "Total number of watchdog-triggered HTTP fallbacks",
	})

	// Connection metrics
	authFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notes_gateway_auth_failures_total",
		Help: "Total number of authenticate handshake failures",
	})

	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notes_gateway_reconnects_total",
		Help: "Total number of stream connection (re)establishments",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notes_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "notes_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notes_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// RecordRecordingStart records the start of a recording session
func RecordRecordingStart() {
	activeRecordings.Inc()
	totalRecordings.Inc()
}

// RecordRecordingEnd records the end of a recording session
func RecordRecordingEnd(started time.Time) {
	activeRecordings.Dec()
	recordingDuration.Observe(time.Since(started).Seconds())
}

// RecordSummarizeResult records the outcome of one summarization request
func RecordSummarizeResult(path string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	summarizeRequests.WithLabelValues(path, status).Inc()
}

// RecordStreamToken records one streamed summary token
func RecordStreamToken() {
	streamTokens.Inc()
}

// RecordWatchdogFallback records a watchdog-triggered HTTP fallback
func RecordWatchdogFallback() {
	watchdogFallbacks.Inc()
}

// RecordAuthFailure records an authenticate handshake failure
func RecordAuthFailure() {
	authFailures.Inc()
}

// RecordReconnect records a stream connection (re)establishment
func RecordReconnect() {
	reconnects.Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// RequestMetrics tracks timings for a single summarization request
type RequestMetrics struct {
	mu        sync.Mutex
	started   time.Time
	emittedAt time.Time
	firstTok  bool
}

// NewRequestMetrics creates a metrics tracker for one request
func NewRequestMetrics() *RequestMetrics {
	return &RequestMetrics{started: time.Now()}
}

// RecordEmit marks the moment the streaming request was emitted
func (m *RequestMetrics) RecordEmit() {
	m.mu.Lock()
	m.emittedAt = time.Now()
	m.mu.Unlock()
}

// RecordFirstToken observes first-token latency; subsequent calls are no-ops
func (m *RequestMetrics) RecordFirstToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.firstTok || m.emittedAt.IsZero() {
		return
	}
	m.firstTok = true
	firstTokenLatency.Observe(time.Since(m.emittedAt).Seconds())
}

// RecordDone observes the end-to-end request duration
func (m *RequestMetrics) RecordDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	summarizeDuration.Observe(time.Since(m.started).Seconds())
}
