package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments. A nil registerer
// produces working but unregistered instruments, which keeps tests quiet.
type Metrics struct {
	TasksSubmitted   prometheus.Counter
	TasksCompleted   *prometheus.CounterVec
	StepsExecuted    *prometheus.CounterVec
	StepRetries      prometheus.Counter
	ClaimConflicts   prometheus.Counter
	ReadinessSeconds prometheus.Histogram
	ActiveWorkers    prometheus.Gauge
	Reenqueues       *prometheus.CounterVec
}

// NewMetrics builds and registers the engine instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskgraph_tasks_submitted_total",
			Help: "Total number of tasks accepted for execution",
		}),
		TasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgraph_tasks_completed_total",
			Help: "Total number of tasks that reached a terminal state",
		}, []string{"state"}),
		StepsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgraph_steps_executed_total",
			Help: "Total number of step executions by result",
		}, []string{"result"}),
		StepRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskgraph_step_retries_total",
			Help: "Total number of step retries scheduled",
		}),
		ClaimConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskgraph_claim_conflicts_total",
			Help: "Total number of step claims lost to another worker",
		}),
		ReadinessSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskgraph_readiness_query_duration_seconds",
			Help:    "Duration of the per-task readiness query",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskgraph_active_step_workers",
			Help: "Number of step executions currently in flight",
		}),
		Reenqueues: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgraph_reenqueues_total",
			Help: "Total number of task reenqueues by reason",
		}, []string{"reason"}),
	}
}
