package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-wide Prometheus metrics. Registered on the default registry;
// exposed via promhttp on the gateway and worker /metrics endpoints.
var (
	// EngineTicks counts engine ticks across all mandates.
	EngineTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "euglena",
		Name:      "engine_ticks_total",
		Help:      "Engine ticks consumed across all mandates.",
	})

	// Actions counts leaf action executions by action type and outcome.
	Actions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "euglena",
		Name:      "actions_total",
		Help:      "Leaf action executions by action and outcome.",
	}, []string{"action", "outcome"})

	// LLMTokens counts LLM token usage by kind (prompt, completion).
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "euglena",
		Name:      "llm_tokens_total",
		Help:      "LLM tokens consumed by kind.",
	}, []string{"kind"})

	// TasksTerminal counts tasks reaching a terminal state by status.
	TasksTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "euglena",
		Name:      "tasks_terminal_total",
		Help:      "Tasks reaching a terminal state, by status.",
	}, []string{"status"})

	// QueueDepth is the most recently sampled input queue depth.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "euglena",
		Name:      "queue_depth",
		Help:      "Sampled broker queue depth.",
	}, []string{"queue"})
)
