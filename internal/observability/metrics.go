package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects gateway metrics: routing outcomes, admission pressure,
// backend invocations, tool-loop activity, and protocol connections.
type Metrics struct {
	// RouteDecisions counts routing outcomes.
	// Labels: backend (heavy|light), reason (score|availability|hint|fallback)
	RouteDecisions *prometheus.CounterVec

	// ComplexityScore observes per-request complexity scores.
	ComplexityScore prometheus.Histogram

	// AdmissionActive tracks currently held heavy-backend slots.
	AdmissionActive prometheus.Gauge

	// AdmissionWaiting tracks callers queued for a heavy-backend slot.
	AdmissionWaiting prometheus.Gauge

	// AdmissionWaitSeconds observes how long callers wait for a slot.
	AdmissionWaitSeconds prometheus.Histogram

	// HeavyInvocations counts heavy-backend subprocess runs.
	// Labels: status (success|timeout|error|retried)
	HeavyInvocations *prometheus.CounterVec

	// HeavyDurationSeconds observes heavy-backend run durations.
	HeavyDurationSeconds prometheus.Histogram

	// LoopRuns counts tool-loop runs by finish reason.
	// Labels: finish_reason
	LoopRuns *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolDurationSeconds observes tool execution time.
	// Labels: tool
	ToolDurationSeconds *prometheus.HistogramVec

	// Connections tracks open protocol connections.
	// Labels: state (pending|authenticated)
	Connections *prometheus.GaugeVec

	// EventsBroadcast counts broadcast events by type.
	// Labels: event (agent|chat)
	EventsBroadcast *prometheus.CounterVec

	// ActiveSessions tracks sessions currently in the store.
	ActiveSessions prometheus.Gauge
}

// NewMetrics creates and registers all metrics on the given registerer.
// Passing nil registers on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	m := &Metrics{
		RouteDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_route_decisions_total",
			Help: "Routing outcomes by backend and reason class.",
		}, []string{"backend", "reason"}),
		ComplexityScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hearth_complexity_score",
			Help:    "Per-request complexity scores.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		AdmissionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hearth_admission_active_slots",
			Help: "Currently held heavy-backend admission slots.",
		}),
		AdmissionWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hearth_admission_waiting",
			Help: "Callers queued for a heavy-backend admission slot.",
		}),
		AdmissionWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hearth_admission_wait_seconds",
			Help:    "Time spent waiting for an admission slot.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 120},
		}),
		HeavyInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_heavy_invocations_total",
			Help: "Heavy-backend subprocess invocations by status.",
		}, []string{"status"}),
		HeavyDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hearth_heavy_duration_seconds",
			Help:    "Heavy-backend run durations.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		LoopRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_loop_runs_total",
			Help: "Tool-loop runs by finish reason.",
		}, []string{"finish_reason"}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_tool_executions_total",
			Help: "Tool invocations by tool and status.",
		}, []string{"tool", "status"}),
		ToolDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hearth_tool_duration_seconds",
			Help:    "Tool execution time by tool.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hearth_connections",
			Help: "Open protocol connections by state.",
		}, []string{"state"}),
		EventsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_events_broadcast_total",
			Help: "Broadcast events by type.",
		}, []string{"event"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hearth_active_sessions",
			Help: "Sessions currently held in the store.",
		}),
	}

	factory(m.RouteDecisions)
	factory(m.ComplexityScore)
	factory(m.AdmissionActive)
	factory(m.AdmissionWaiting)
	factory(m.AdmissionWaitSeconds)
	factory(m.HeavyInvocations)
	factory(m.HeavyDurationSeconds)
	factory(m.LoopRuns)
	factory(m.ToolExecutions)
	factory(m.ToolDurationSeconds)
	factory(m.Connections)
	factory(m.EventsBroadcast)
	factory(m.ActiveSessions)

	return m
}

// NopMetrics returns metrics registered on a throwaway registry, for tests
// and for components that want metrics to be optional.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
