package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "codebox"

// MetricsCollector holds all Prometheus metrics for codebox.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Job metrics.
	JobsTotal            *prometheus.CounterVec
	JobDuration          *prometheus.HistogramVec
	ActiveJobs           prometheus.Gauge
	CleanupFailuresTotal prometheus.Counter

	// Sweeper metrics.
	SweepRunsTotal           *prometheus.CounterVec
	WorkspacesReclaimedTotal prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    *prometheus.CounterVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "runs_total",
			Help:      "Finished jobs by language and terminal status.",
		}, []string{"language", "status"}),

		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "supervision_seconds",
			Help:      "Supervisor clock at the terminal transition.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"language"}),

		ActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "active",
			Help:      "Jobs currently being staged, run or cleaned up.",
		}),

		CleanupFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "cleanup_failures_total",
			Help:      "Workspaces that could not be removed after a job.",
		}),

		SweepRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Orphan sweeper runs.",
		}, []string{"status"}),

		WorkspacesReclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "reclaimed_total",
			Help:      "Orphaned workspaces removed by the sweeper.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}, []string{"client"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.JobsTotal,
		m.JobDuration,
		m.ActiveJobs,
		m.CleanupFailuresTotal,
		m.SweepRunsTotal,
		m.WorkspacesReclaimedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitedTotal,
		m.ActiveRequests,
	)

	return m
}

// RecordSweep counts one sweeper run and the workspaces it removed.
func (m *MetricsCollector) RecordSweep(removed int, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.SweepRunsTotal.WithLabelValues(status).Inc()
	m.WorkspacesReclaimedTotal.Add(float64(removed))
}

// RecordRateLimited counts a request rejected for client.
func (m *MetricsCollector) RecordRateLimited(client string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(client).Inc()
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
