package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides the Prometheus metrics exposed by the orchestrator and
// the Subscription Hub.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RunStarted("p1", "claude")
//	defer metrics.RunFinished("p1", "claude", "completed", time.Since(start).Seconds())
type Metrics struct {
	// RunsStarted counts runs submitted to the orchestrator.
	// Labels: project_id, agent
	RunsStarted *prometheus.CounterVec

	// RunsFinished counts runs that reached a terminal status.
	// Labels: project_id, agent, phase (completed|failed|cancelled)
	RunsFinished *prometheus.CounterVec

	// RunDuration measures wall-clock run time in seconds.
	// Labels: agent, phase
	RunDuration *prometheus.HistogramVec

	// FallbacksTriggered counts circuit-breaker fallbacks from one agent to
	// another.
	// Labels: from_agent, to_agent, reason
	FallbacksTriggered *prometheus.CounterVec

	// AdapterAvailability reflects the registry's circuit-breaker state.
	// Labels: agent. Value: 1 closed/available, 0.5 half-open, 0 open.
	AdapterAvailability *prometheus.GaugeVec

	// ToolCallsTotal counts tool calls observed in canonical events.
	// Labels: agent, tool, status (success|error)
	ToolCallsTotal *prometheus.CounterVec

	// ToolCallDuration measures tool-call span duration in seconds.
	// Labels: tool
	ToolCallDuration *prometheus.HistogramVec

	// ErrorsTotal counts canonical errors surfaced by adapters.
	// Labels: agent, kind
	ErrorsTotal *prometheus.CounterVec

	// WSConnections tracks currently open Subscription Hub connections.
	WSConnections prometheus.Gauge

	// WSSubscriptions tracks open per-project subscriptions.
	// Labels: project_id
	WSSubscriptions *prometheus.GaugeVec

	// SubscriberQueueDepth observes a subscriber's outbound queue depth at
	// send time, for backpressure tuning.
	// Labels: lane (lifecycle|delta)
	SubscriberQueueDepth *prometheus.HistogramVec

	// EventsDropped counts droppable-lane events discarded by backpressure.
	// Labels: project_id, event_type
	EventsDropped *prometheus.CounterVec

	// ActiveProjects tracks the number of projects with a running orchestrator
	// loop.
	ActiveProjects prometheus.Gauge

	// QueueDepth tracks the per-project submit queue depth.
	// Labels: project_id
	QueueDepth *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		RunsStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cliorchd_runs_started_total",
				Help: "Total number of runs submitted to the orchestrator",
			},
			[]string{"project_id", "agent"},
		),

		RunsFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cliorchd_runs_finished_total",
				Help: "Total number of runs that reached a terminal status",
			},
			[]string{"project_id", "agent", "phase"},
		),

		RunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cliorchd_run_duration_seconds",
				Help:    "Wall-clock duration of runs in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"agent", "phase"},
		),

		FallbacksTriggered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cliorchd_fallbacks_triggered_total",
				Help: "Total number of circuit-breaker fallbacks between agents",
			},
			[]string{"from_agent", "to_agent", "reason"},
		),

		AdapterAvailability: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cliorchd_adapter_availability",
				Help: "Circuit-breaker state per adapter: 1 closed, 0.5 half-open, 0 open",
			},
			[]string{"agent"},
		),

		ToolCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cliorchd_tool_calls_total",
				Help: "Total number of tool calls observed by agent, tool, and status",
			},
			[]string{"agent", "tool", "status"},
		),

		ToolCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cliorchd_tool_call_duration_seconds",
				Help:    "Duration of tool calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cliorchd_errors_total",
				Help: "Total number of canonical errors by agent and kind",
			},
			[]string{"agent", "kind"},
		),

		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cliorchd_ws_connections",
				Help: "Current number of open Subscription Hub connections",
			},
		),

		WSSubscriptions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cliorchd_ws_subscriptions",
				Help: "Current number of open per-project subscriptions",
			},
			[]string{"project_id"},
		),

		SubscriberQueueDepth: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cliorchd_subscriber_queue_depth",
				Help:    "Observed subscriber outbound queue depth at send time",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512},
			},
			[]string{"lane"},
		),

		EventsDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cliorchd_events_dropped_total",
				Help: "Total number of droppable-lane events discarded by backpressure",
			},
			[]string{"project_id", "event_type"},
		),

		ActiveProjects: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cliorchd_active_projects",
				Help: "Current number of projects with a running orchestrator loop",
			},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cliorchd_queue_depth",
				Help: "Current per-project submit queue depth",
			},
			[]string{"project_id"},
		),
	}
}

// RunStarted records a run submission.
func (m *Metrics) RunStarted(projectID, agent string) {
	m.RunsStarted.WithLabelValues(projectID, agent).Inc()
}

// RunFinished records a run reaching a terminal phase.
func (m *Metrics) RunFinished(projectID, agent, phase string, durationSeconds float64) {
	m.RunsFinished.WithLabelValues(projectID, agent, phase).Inc()
	m.RunDuration.WithLabelValues(agent, phase).Observe(durationSeconds)
}

// RecordFallback records a circuit-breaker fallback from one agent to another.
func (m *Metrics) RecordFallback(fromAgent, toAgent, reason string) {
	m.FallbacksTriggered.WithLabelValues(fromAgent, toAgent, reason).Inc()
}

// SetAdapterAvailability sets the circuit-breaker gauge for an adapter.
func (m *Metrics) SetAdapterAvailability(agent string, value float64) {
	m.AdapterAvailability.WithLabelValues(agent).Set(value)
}

// RecordToolCall records a tool call outcome and its duration.
func (m *Metrics) RecordToolCall(agent, tool, status string, durationSeconds float64) {
	m.ToolCallsTotal.WithLabelValues(agent, tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordError increments the error counter for an agent and error kind.
func (m *Metrics) RecordError(agent, kind string) {
	m.ErrorsTotal.WithLabelValues(agent, kind).Inc()
}

// ConnectionOpened increments the open Subscription Hub connection gauge.
func (m *Metrics) ConnectionOpened() {
	m.WSConnections.Inc()
}

// ConnectionClosed decrements the open Subscription Hub connection gauge.
func (m *Metrics) ConnectionClosed() {
	m.WSConnections.Dec()
}

// SubscriptionOpened increments the per-project subscription gauge.
func (m *Metrics) SubscriptionOpened(projectID string) {
	m.WSSubscriptions.WithLabelValues(projectID).Inc()
}

// SubscriptionClosed decrements the per-project subscription gauge.
func (m *Metrics) SubscriptionClosed(projectID string) {
	m.WSSubscriptions.WithLabelValues(projectID).Dec()
}

// ObserveSubscriberQueueDepth records a subscriber's outbound queue depth.
func (m *Metrics) ObserveSubscriberQueueDepth(lane string, depth int) {
	m.SubscriberQueueDepth.WithLabelValues(lane).Observe(float64(depth))
}

// RecordEventDropped records a droppable-lane event discarded by backpressure.
func (m *Metrics) RecordEventDropped(projectID, eventType string) {
	m.EventsDropped.WithLabelValues(projectID, eventType).Inc()
}

// SetActiveProjects sets the active-orchestrator-loop gauge.
func (m *Metrics) SetActiveProjects(count int) {
	m.ActiveProjects.Set(float64(count))
}

// SetQueueDepth sets the per-project submit queue depth gauge.
func (m *Metrics) SetQueueDepth(projectID string, depth int) {
	m.QueueDepth.WithLabelValues(projectID).Set(float64(depth))
}
