package observability

import (
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware records request counts, durations and an http.request
// span for every gateway call. Both metrics and tracer may be nil.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()

			var span trace.Span
			if tracer != nil {
				_, span = tracer.Start(r.Context(), "http.request",
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						attribute.String("http.method", r.Method),
						attribute.String("http.path", r.URL.Path),
					))
				defer span.End()
			}

			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			start := time.Now()
			err := next(c)
			duration := time.Since(start).Seconds()

			code := c.Response().StatusCode()
			if code == 0 {
				code = http.StatusOK
			}
			if span != nil {
				span.SetAttributes(attribute.Int("http.status_code", code))
				if code >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(code))
				}
			}
			if metrics != nil {
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, statusCode(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			}

			return err
		}
	}
}
