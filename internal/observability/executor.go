package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/codebox/internal/sandbox"
)

// InstrumentedExecutor wraps a sandbox.Executor with metrics, tracing, and
// anomaly detection. The wrapped result channel keeps its exactly-once
// contract: the result is forwarded after it has been recorded.
type InstrumentedExecutor struct {
	inner   sandbox.Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedExecutor wraps an executor with observability.
func NewInstrumentedExecutor(inner sandbox.Executor, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (e *InstrumentedExecutor) Start(ctx context.Context, job sandbox.Job) <-chan *sandbox.ExecutionResult {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "sandbox.job",
			trace.WithAttributes(
				attribute.String("job.id", job.ID),
				attribute.String("job.language", job.Language),
				attribute.String("job.image", job.Image),
				attribute.Float64("job.deadline_seconds", job.Deadline.Seconds()),
			))
	}
	if e.metrics != nil {
		e.metrics.ActiveJobs.Inc()
	}

	inner := e.inner.Start(ctx, job)
	out := make(chan *sandbox.ExecutionResult, 1)
	go func() {
		defer close(out)
		res, ok := <-inner
		if e.metrics != nil {
			e.metrics.ActiveJobs.Dec()
		}
		if !ok {
			if span != nil {
				span.SetStatus(codes.Error, "executor closed without result")
				span.End()
			}
			return
		}
		e.record(span, job, res)
		out <- res
	}()
	return out
}

func (e *InstrumentedExecutor) record(span trace.Span, job sandbox.Job, res *sandbox.ExecutionResult) {
	if span != nil {
		span.SetAttributes(
			attribute.String("job.status", string(res.Status)),
			attribute.Float64("job.timing", res.Timing),
			attribute.Int64("job.elapsed_ms", res.Elapsed.Milliseconds()),
		)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.End()
	}

	if e.metrics != nil {
		e.metrics.JobsTotal.WithLabelValues(job.Language, string(res.Status)).Inc()
		e.metrics.JobDuration.WithLabelValues(job.Language).Observe(res.Elapsed.Seconds())
		if res.CleanupErr != nil {
			e.metrics.CleanupFailuresTotal.Inc()
		}
	}

	if e.anomaly != nil {
		switch res.Status {
		case sandbox.StatusTimedOut, sandbox.StatusStagingFailed, sandbox.StatusLaunchFailed:
			e.anomaly.RecordFailure(job.Language)
		case sandbox.StatusCompleted, sandbox.StatusOverflow:
			e.anomaly.RecordSuccess(job.Language)
		}
	}
}

var _ sandbox.Executor = (*InstrumentedExecutor)(nil)
