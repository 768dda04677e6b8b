package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 汇集服务端侧的 Prometheus 指标
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	ReflectionScore prometheus.Histogram
	RetryCount      prometheus.Histogram
	ToolErrorsTotal *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trafficagent",
			Name:      "runs_total",
			Help:      "Completed guidance runs by terminal status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "trafficagent",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a full guidance run.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ReflectionScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "trafficagent",
			Name:      "reflection_score",
			Help:      "Final reflection score per run.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		RetryCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "trafficagent",
			Name:      "retry_count",
			Help:      "Plan retries taken per run.",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		}),
		ToolErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trafficagent",
			Name:      "tool_errors_total",
			Help:      "Degraded tool invocations by tool name.",
		}, []string{"tool"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RunsTotal,
			m.RunDuration,
			m.ReflectionScore,
			m.RetryCount,
			m.ToolErrorsTotal,
		)
	}
	return m
}
