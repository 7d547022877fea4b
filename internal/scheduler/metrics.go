package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for scheduled maintenance tasks.
type Metrics struct {
	TaskRuns     *prometheus.CounterVec
	TasksSkipped *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		TaskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codebox",
			Subsystem: "scheduler",
			Name:      "task_runs_total",
			Help:      "Scheduled task runs by outcome.",
		}, []string{"task", "status"}),
		TasksSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codebox",
			Subsystem: "scheduler",
			Name:      "task_skipped_total",
			Help:      "Scheduled slots skipped because the previous run was still going.",
		}, []string{"task"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codebox",
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Duration of each scheduled task run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"task"}),
	}

	reg.MustRegister(
		m.TaskRuns,
		m.TasksSkipped,
		m.TaskDuration,
	)

	return m
}
