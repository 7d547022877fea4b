package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/codebox/internal/config"
	"github.com/jkaninda/codebox/internal/sandbox"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil || obs.AnomalyOrNil() != nil {
		t.Error("nil Observability accessors should return nil")
	}
	if obs.HealthOrNew(nil) == nil {
		t.Error("HealthOrNew should always return a checker")
	}
	obs.Shutdown(context.Background())
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsAndAnomaly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, FailureRateThreshold: 0.5},
	}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics == nil || obs.Anomaly == nil {
		t.Fatal("expected metrics and anomaly detector")
	}
}

func TestTracerSetup_NilIsNoop(t *testing.T) {
	var ts *TracerSetup
	_, span := ts.Tracer().Start(context.Background(), "noop")
	span.End()
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() = %v, want nil", err)
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_RecordAndGather(t *testing.T) {
	m := NewMetricsCollector()

	m.JobsTotal.WithLabelValues("python", "completed").Inc()
	m.JobsTotal.WithLabelValues("python", "completed").Inc()
	m.JobsTotal.WithLabelValues("python", "timed_out").Inc()
	m.RecordSweep(3, nil)
	m.RecordSweep(0, errors.New("permission denied"))

	if got := counterValue(t, m.Registry, "codebox_job_runs_total", prometheus.Labels{"status": "completed"}); got != 2 {
		t.Errorf("completed = %v, want 2", got)
	}
	if got := counterValue(t, m.Registry, "codebox_job_runs_total", prometheus.Labels{"status": "timed_out"}); got != 1 {
		t.Errorf("timed_out = %v, want 1", got)
	}
	if got := counterValue(t, m.Registry, "codebox_sweeper_reclaimed_total", nil); got != 3 {
		t.Errorf("reclaimed = %v, want 3", got)
	}
	if got := counterValue(t, m.Registry, "codebox_sweeper_runs_total", prometheus.Labels{"status": "error"}); got != 1 {
		t.Errorf("sweeper errors = %v, want 1", got)
	}
}

func TestMetricsCollector_NilSafe(t *testing.T) {
	var m *MetricsCollector
	m.RecordSweep(1, nil)
	m.RecordRateLimited("client")
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); !status.Ready() {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("workspace", func(context.Context) error { return nil })
	h.AddCheck("docker", func(context.Context) error { return errors.New("daemon unreachable") })

	status := h.CheckReady(context.Background())

	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["workspace"].Status != "ok" {
		t.Errorf("workspace = %q, want ok", status.Checks["workspace"].Status)
	}
	if c := status.Checks["docker"]; c.Status != "fail" || c.Message != "daemon unreachable" {
		t.Errorf("docker = %+v, want fail with message", c)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("broken", func(context.Context) error { return errors.New("down") })
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordFailure("python")
	a.RecordSuccess("python")
	if a.FailureRate("python") != 0 {
		t.Error("nil detector should report 0")
	}
}

func TestAnomalyDetector_FailureRateThreshold(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, FailureRateThreshold: 0.5, WindowSeconds: 60}, logger)

	for range 2 {
		a.RecordSuccess("java")
	}
	for range 4 {
		a.RecordFailure("java")
	}
	a.RecordSuccess("python")

	if got := a.FailureRate("java"); got < 0.66 || got > 0.67 {
		t.Errorf("java failure rate = %v, want ~0.667", got)
	}
	if got := a.FailureRate("python"); got != 0 {
		t.Errorf("python failure rate = %v, want 0 (not enough samples)", got)
	}
	if n := strings.Count(buf.String(), "anomaly detected"); n != 1 {
		t.Errorf("anomaly logged %d times, want 1:\n%s", n, buf.String())
	}
}

func TestAnomalyDetector_WindowExpiry(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, FailureRateThreshold: 0.5, WindowSeconds: 10}, nil)
	now := time.Now()
	a.now = func() time.Time { return now }

	for range 5 {
		a.RecordFailure("go")
	}
	if got := a.FailureRate("go"); got != 1 {
		t.Fatalf("failure rate = %v, want 1", got)
	}

	now = now.Add(11 * time.Second)
	if got := a.FailureRate("go"); got != 0 {
		t.Errorf("failure rate after window = %v, want 0", got)
	}
}

// --- InstrumentedExecutor ---

type stubExecutor struct{ res *sandbox.ExecutionResult }

func (s stubExecutor) Start(context.Context, sandbox.Job) <-chan *sandbox.ExecutionResult {
	out := make(chan *sandbox.ExecutionResult, 1)
	out <- s.res
	close(out)
	return out
}

func TestInstrumentedExecutor_RecordsResult(t *testing.T) {
	m := NewMetricsCollector()
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, FailureRateThreshold: 0.9}, nil)
	want := &sandbox.ExecutionResult{
		JobID:      "job-1",
		Status:     sandbox.StatusTimedOut,
		Errors:     sandbox.TimeoutNotice,
		Elapsed:    2 * time.Second,
		CleanupErr: errors.New("busy"),
	}
	e := NewInstrumentedExecutor(stubExecutor{res: want}, m, nil, a)

	got := sandbox.Run(context.Background(), e, sandbox.Job{ID: "job-1", Language: "Python"})

	if got != want {
		t.Errorf("result = %+v, want %+v", got, want)
	}
	if v := counterValue(t, m.Registry, "codebox_job_runs_total", prometheus.Labels{"language": "Python", "status": "timed_out"}); v != 1 {
		t.Errorf("runs_total = %v, want 1", v)
	}
	if v := counterValue(t, m.Registry, "codebox_job_cleanup_failures_total", nil); v != 1 {
		t.Errorf("cleanup_failures_total = %v, want 1", v)
	}
	if v := gaugeValue(t, m.Registry, "codebox_job_active"); v != 0 {
		t.Errorf("active = %v, want 0", v)
	}
}

func TestInstrumentedExecutor_NilMetrics(t *testing.T) {
	res := &sandbox.ExecutionResult{Status: sandbox.StatusCompleted}
	e := NewInstrumentedExecutor(stubExecutor{res: res}, nil, nil, nil)

	out := e.Start(context.Background(), sandbox.Job{})
	if got := <-out; got != res {
		t.Errorf("result = %+v, want %+v", got, res)
	}
	if _, ok := <-out; ok {
		t.Error("channel should be closed after the result")
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name && len(f.GetMetric()) > 0 {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return -1
}
