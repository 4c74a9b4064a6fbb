package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lexiqai/tutor-gateway/internal/resilience"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tutor_gateway_active_sessions",
		Help: "Number of active tutoring sessions",
	})

	sessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_gateway_sessions_ended_total",
		Help: "Total number of tutoring sessions ended, by reason",
	}, []string{"reason"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tutor_gateway_session_duration_seconds",
		Help:    "Duration of tutoring sessions in seconds",
		Buckets: []float64{10, 30, 60, 300, 600, 1200, 1800, 3600},
	})

	// Turn orchestration metrics
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_gateway_turns_total",
		Help: "Total number of tutor turns, by outcome",
	}, []string{"outcome"}) // completed, superseded, error, watchdog, goodbye, violation

	turnDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_gateway_turn_decisions_total",
		Help: "Turn policy decisions, by action",
	}, []string{"action"}) // fire, hesitate, stall_escape

	echoDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutor_gateway_echo_drops_total",
		Help: "Transcripts discarded as tutor echo",
	})

	bargeIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_gateway_barge_ins_total",
		Help: "Student interruptions, by detection source",
	}, []string{"source"}) // transcript, client_vad

	watchdogUnlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutor_gateway_watchdog_unlocks_total",
		Help: "Processing locks released by the watchdog",
	})

	queueDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tutor_gateway_queue_depth",
		Help:    "Processing queue depth observed at enqueue",
		Buckets: []float64{0, 1, 2, 3, 5, 8},
	})

	sttReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_gateway_stt_reconnects_total",
		Help: "STT reconnection attempts, by result",
	}, []string{"result"})

	moderationViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_gateway_moderation_violations_total",
		Help: "Moderation violations, by severity",
	}, []string{"severity"}) // flagged, warned, ended

	// Provider metrics
	providerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_gateway_provider_requests_total",
		Help: "Total number of provider requests",
	}, []string{"stage", "status"}) // stage: stt, llm, tts, moderation

	providerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tutor_gateway_provider_latency_seconds",
		Help:    "Provider latency in seconds (llm: time to first sentence)",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tutor_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_gateway_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Stage names used for provider metrics.
const (
	StageSTT        = "stt"
	StageLLM        = "llm"
	StageTTS        = "tts"
	StageModeration = "moderation"
)

// Metrics tracks metrics for a single tutoring session
type Metrics struct {
	sessionID string
	startTime time.Time
	ended     bool
	mu        sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
}

// RecordSessionEnd records the end of a session. Later calls are ignored.
func (m *Metrics) RecordSessionEnd(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeSessions.Dec()
	sessionsEnded.WithLabelValues(reason).Inc()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// ObserveStage records latency and status for a provider call that started at start.
func (m *Metrics) ObserveStage(stage string, start time.Time, err error) {
	providerLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	providerRequests.WithLabelValues(stage, status).Inc()
}

// RecordTurn records a finished tutor turn
func (m *Metrics) RecordTurn(outcome string) {
	turnsTotal.WithLabelValues(outcome).Inc()
}

// RecordDecision records a turn policy decision
func (m *Metrics) RecordDecision(action string) {
	turnDecisions.WithLabelValues(action).Inc()
}

// RecordEchoDrop records a transcript discarded as echo
func (m *Metrics) RecordEchoDrop() {
	echoDrops.Inc()
}

// RecordBargeIn records a student interruption
func (m *Metrics) RecordBargeIn(source string) {
	bargeIns.WithLabelValues(source).Inc()
}

// RecordWatchdogUnlock records a forced lock release
func (m *Metrics) RecordWatchdogUnlock() {
	watchdogUnlocks.Inc()
}

// RecordQueueDepth records the processing queue depth
func (m *Metrics) RecordQueueDepth(depth int) {
	queueDepth.Observe(float64(depth))
}

// RecordSTTReconnect records a reconnection outcome
func (m *Metrics) RecordSTTReconnect(success bool) {
	result := "success"
	if !success {
		result = "failed"
	}
	sttReconnects.WithLabelValues(result).Inc()
}

// RecordViolation records a moderation outcome
func (m *Metrics) RecordViolation(severity string) {
	moderationViolations.WithLabelValues(severity).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// NewCircuitBreaker creates a circuit breaker whose state and failures are exported as metrics
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *resilience.CircuitBreaker {
	cb := resilience.NewCircuitBreaker(name, maxFailures, resetTimeout)
	cb.OnStateChange = func(name string, state resilience.CircuitState) {
		UpdateCircuitBreakerState(name, int(state))
	}
	cb.OnFailure = IncrementCircuitBreakerFailures
	UpdateCircuitBreakerState(name, int(resilience.StateClosed))
	return cb
}
