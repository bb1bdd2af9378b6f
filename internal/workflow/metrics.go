package workflow

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "app_builder"

var (
	runsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "workflow",
			Name:      "runs_started_total",
			Help:      "Workflow runs started or recovered",
		},
		[]string{"workflow", "mode"},
	)
	runsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "workflow",
			Name:      "runs_finished_total",
			Help:      "Workflow runs reaching a terminal state",
		},
		[]string{"workflow", "status"},
	)
	runsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "workflow",
			Name:      "runs_active",
			Help:      "Workflow runs executing in this process",
		},
	)
	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "workflow",
			Name:      "steps_total",
			Help:      "Workflow steps by outcome (executed, replayed, failed)",
		},
		[]string{"step", "outcome"},
	)
	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "workflow",
			Name:      "step_duration_seconds",
			Help:      "Duration of executed workflow steps",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"step"},
	)
	chunksAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "workflow",
			Name:      "chunks_appended_total",
			Help:      "Stream chunks appended to run logs",
		},
	)
	streamReaders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "workflow",
			Name:      "stream_readers",
			Help:      "Open run stream readers",
		},
	)
)

// stepLabel 指标标签取步骤名的第一段（tool:runCommand:call_x → tool:runCommand）
func stepLabel(name string) string {
	parts := strings.SplitN(name, ":", 3)
	if len(parts) >= 2 {
		return parts[0] + ":" + parts[1]
	}
	return name
}
