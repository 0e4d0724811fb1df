package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the runtime's prometheus instruments. All instruments are
// registered on the registry passed to NewMetrics, so surfaces can expose
// or discard them as they see fit.
type Metrics struct {
	TurnsCompleted      *prometheus.CounterVec
	ToolCalls           *prometheus.CounterVec
	PermissionDecisions *prometheus.CounterVec
	ActiveAgents        *prometheus.GaugeVec
	TokensUsed          *prometheus.CounterVec
}

// NewMetrics creates and registers the runtime metrics. A nil registry
// yields instruments that are collected nowhere but still safe to use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TurnsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vide_turns_completed_total",
			Help: "Completed agent turns by network and agent type.",
		}, []string{"network_id", "agent_type"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vide_tool_calls_total",
			Help: "Tool invocations observed on agent streams.",
		}, []string{"network_id", "tool_name"}),
		PermissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vide_permission_decisions_total",
			Help: "Permission broker decisions by outcome.",
		}, []string{"decision"}),
		ActiveAgents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vide_active_agents",
			Help: "Live agent clients per network.",
		}, []string{"network_id"}),
		TokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vide_tokens_total",
			Help: "Token usage by network and direction.",
		}, []string{"network_id", "direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.TurnsCompleted, m.ToolCalls, m.PermissionDecisions, m.ActiveAgents, m.TokensUsed)
	}
	return m
}
