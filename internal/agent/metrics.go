package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	agentTurns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "app_builder",
		Subsystem: "agent",
		Name:      "turns_total",
		Help:      "Model turns requested by agent loops, including replayed turns.",
	})

	agentResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "app_builder",
		Subsystem: "agent",
		Name:      "loops_total",
		Help:      "Finished agent loops by final state.",
	}, []string{"state"})
)
