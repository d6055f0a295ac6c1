package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// Built on Prometheus, tracking:
//   - LM request performance across the provider fallback chain
//   - Key failures and provider blackouts
//   - Task scheduling outcomes and latencies by tool and target
//   - Approval gate outcomes
//   - Client channel frame flow
//   - Memory retrieval patterns
//   - Assistant turn outcomes and latencies
//   - Active session counts
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordTask("file_create", "client", "completed", time.Since(start).Seconds())
type Metrics struct {
	// LLMRequestCounter counts LM requests by provider, model, and status.
	// Labels: provider (gemini|groq|anthropic), model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures LM API call latency in seconds.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMKeyFailures counts API keys marked failed on quota-class errors.
	// Labels: provider
	LLMKeyFailures *prometheus.CounterVec

	// LLMBlackouts counts providers entering blackout.
	// Labels: provider
	LLMBlackouts *prometheus.CounterVec

	// TaskCounter counts task terminal transitions.
	// Labels: tool, target (server|client), status (completed|failed)
	TaskCounter *prometheus.CounterVec

	// TaskDuration measures task wall time in seconds.
	// Labels: tool, target
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	TaskDuration *prometheus.HistogramVec

	// ApprovalCounter counts approval gate outcomes.
	// Labels: outcome (approved|denied)
	ApprovalCounter *prometheus.CounterVec

	// FrameCounter counts client channel frames.
	// Labels: type, direction (inbound|outbound)
	FrameCounter *prometheus.CounterVec

	// MemoryRetrievals counts memory context lookups.
	// Labels: tier (recent|semantic)
	MemoryRetrievals *prometheus.CounterVec

	// TurnCounter counts assistant turns by outcome.
	// Labels: outcome (reply|plan|error)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures end-to-end turn latency in seconds.
	// Labels: outcome
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s
	TurnDuration *prometheus.HistogramVec

	// EmbeddingDuration measures embedding call latency in seconds.
	// Labels: provider
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	EmbeddingDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (llm|engine|emitter|memory|gateway), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveSessions is a gauge tracking sessions with live execution state.
	ActiveSessions prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
// Call once at application startup; metrics register with the default
// registry and serve from the /metrics endpoint.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aide_llm_requests_total",
				Help: "Total number of LM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aide_llm_request_duration_seconds",
				Help:    "Duration of LM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMKeyFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aide_llm_key_failures_total",
				Help: "Total number of API keys marked failed on quota errors",
			},
			[]string{"provider"},
		),

		LLMBlackouts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aide_llm_blackouts_total",
				Help: "Total number of provider blackout events",
			},
			[]string{"provider"},
		),

		TaskCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aide_tasks_total",
				Help: "Total number of task terminal transitions by tool, target, and status",
			},
			[]string{"tool", "target", "status"},
		),

		TaskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aide_task_duration_seconds",
				Help:    "Wall time of tasks in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool", "target"},
		),

		ApprovalCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aide_approvals_total",
				Help: "Total number of approval gate outcomes",
			},
			[]string{"outcome"},
		),

		FrameCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aide_channel_frames_total",
				Help: "Total number of client channel frames by type and direction",
			},
			[]string{"type", "direction"},
		),

		MemoryRetrievals: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aide_memory_retrievals_total",
				Help: "Total number of memory context lookups by tier",
			},
			[]string{"tier"},
		),

		TurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aide_turns_total",
				Help: "Total number of assistant turns by outcome",
			},
			[]string{"outcome"},
		),

		TurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aide_turn_duration_seconds",
				Help:    "End-to-end assistant turn latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),

		EmbeddingDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aide_embedding_duration_seconds",
				Help:    "Duration of embedding calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"provider"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aide_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "aide_active_sessions",
				Help: "Current number of sessions with live execution state",
			},
		),
	}
}

// RecordLLMRequest records one LM API request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
}

// RecordKeyFailure records an API key being marked failed for a provider.
func (m *Metrics) RecordKeyFailure(provider string) {
	m.LLMKeyFailures.WithLabelValues(provider).Inc()
}

// RecordBlackout records a provider entering blackout.
func (m *Metrics) RecordBlackout(provider string) {
	m.LLMBlackouts.WithLabelValues(provider).Inc()
}

// RecordTask records a task terminal transition with its wall time.
func (m *Metrics) RecordTask(tool, target, status string, durationSeconds float64) {
	m.TaskCounter.WithLabelValues(tool, target, status).Inc()
	m.TaskDuration.WithLabelValues(tool, target).Observe(durationSeconds)
}

// RecordApproval records an approval gate outcome.
func (m *Metrics) RecordApproval(outcome string) {
	m.ApprovalCounter.WithLabelValues(outcome).Inc()
}

// RecordFrame records a client channel frame.
func (m *Metrics) RecordFrame(frameType, direction string) {
	m.FrameCounter.WithLabelValues(frameType, direction).Inc()
}

// RecordMemoryRetrieval records a memory context lookup.
func (m *Metrics) RecordMemoryRetrieval(tier string) {
	m.MemoryRetrievals.WithLabelValues(tier).Inc()
}

// RecordTurn records one assistant turn with its wall time.
func (m *Metrics) RecordTurn(outcome string, durationSeconds float64) {
	m.TurnCounter.WithLabelValues(outcome).Inc()
	m.TurnDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordEmbedding records an embedding call's latency.
func (m *Metrics) RecordEmbedding(provider string, durationSeconds float64) {
	m.EmbeddingDuration.WithLabelValues(provider).Observe(durationSeconds)
}

// RecordError increments the error counter for a component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// SessionStarted increments the active sessions gauge.
func (m *Metrics) SessionStarted() {
	m.ActiveSessions.Inc()
}

// SessionEnded decrements the active sessions gauge.
func (m *Metrics) SessionEnded() {
	m.ActiveSessions.Dec()
}
