package tools

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "app_builder",
		Subsystem: "tools",
		Name:      "calls_total",
		Help:      "Tool calls by tool and outcome.",
	}, []string{"tool", "outcome"})

	toolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "app_builder",
		Subsystem: "tools",
		Name:      "call_duration_seconds",
		Help:      "Tool call duration including model generation.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"tool"})

	execDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "app_builder",
		Subsystem: "sandbox",
		Name:      "exec_duration_seconds",
		Help:      "Sandbox exec round trip duration.",
		Buckets:   prometheus.DefBuckets,
	})
)

func observeCall(tool string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	toolCalls.WithLabelValues(tool, outcome).Inc()
	toolDuration.WithLabelValues(tool).Observe(time.Since(started).Seconds())
}
