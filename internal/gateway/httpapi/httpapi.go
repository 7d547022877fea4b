// Package httpapi implements the HTTP API gateway for codebox.
//
// Security:
//   - API key authentication on /v1 (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - Deadlines clamped to the configured maximum
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/codebox/internal/gateway"
	"github.com/jkaninda/codebox/internal/observability"
	"github.com/jkaninda/codebox/internal/ratelimit"
	"github.com/jkaninda/codebox/internal/sandbox"
	"github.com/jkaninda/codebox/internal/storage"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	anonymousClient       = "anonymous"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr      string // e.g., ":8080"
	EnableDocs      bool
	APIKeys         map[string]string // API key → client ID. Empty = /v1 is open.
	MaxRequestSize  int64             // Maximum request body in bytes. 0 = 1 MB default.
	DefaultDeadline time.Duration
	MaxDeadline     time.Duration

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

func (c Config) maxRequestSize() int64 {
	if c.MaxRequestSize > 0 {
		return c.MaxRequestSize
	}
	return defaultMaxRequestSize
}

var _ gateway.Gateway = (*Gateway)(nil)

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	executor sandbox.Executor
	catalog  *sandbox.Catalog
	limiter  *ratelimit.Limiter
	runs     storage.RunStore // nil = audit endpoints disabled.
	logger   *slog.Logger
	server   *http.Server
	okapi    *okapi.Okapi
	group    *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, exec sandbox.Executor, catalog *sandbox.Catalog, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		executor: exec,
		catalog:  catalog,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(cfg.maxRequestSize())),
	}
}

// WithRuns enables the job audit endpoints.
func (g *Gateway) WithRuns(runs storage.RunStore) *Gateway {
	g.runs = runs
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "codebox",
			Version: "v1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	var middlewares []okapi.Middleware
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append(middlewares, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	middlewares = append(middlewares, g.authenticate, g.limitBody)

	if len(g.config.APIKeys) == 0 {
		g.logger.Warn("no API keys configured, /v1 endpoints are unauthenticated")
	}
	g.group = g.okapi.Group("/v1", middlewares...)

	g.group.Post("/run", g.handleRun,
		okapi.DocSummary("Run a program and wait for its result"),
		okapi.DocTags("Jobs"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/languages", g.handleLanguages,
		okapi.DocSummary("List supported languages"),
		okapi.DocTags("Jobs"),
		okapi.DocResponse([]sandbox.Language{}),
	)

	if g.runs != nil {
		g.group.Get("/runs", g.handleRunList,
			okapi.DocSummary("List recent job runs"),
			okapi.DocTags("Audit"),
			okapi.DocResponse([]storage.JobRun{}),
		)
		g.group.Get("/runs/{id}", g.handleRunGet,
			okapi.DocSummary("Get the audit record of a job"),
			okapi.DocTags("Audit"),
			okapi.DocPathParam("id", "string", "Job ID"),
			okapi.DocResponse(storage.JobRun{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	// WriteTimeout must outlive the longest job.
	writeTimeout := g.config.MaxDeadline + 30*time.Second
	if writeTimeout < 60*time.Second {
		writeTimeout = 60 * time.Second
	}
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped client ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("clientID", anonymousClient)
			return next(c)
		}
		clientID, ok := lookupClient(g.config.APIKeys, c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

// limitBody caps the request body at the configured maximum. Bodies that
// declare a larger Content-Length are refused before anything is read.
func (g *Gateway) limitBody(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if !capBody(c.Request(), g.config.maxRequestSize()) {
			return c.JSON(http.StatusRequestEntityTooLarge, okapi.M{"error": "request body too large"})
		}
		return next(c)
	}
}

// capBody wraps r.Body so reads fail past limit. It reports false when the
// declared Content-Length already exceeds limit.
func capBody(r *http.Request, limit int64) bool {
	if r.ContentLength > limit {
		return false
	}
	if r.Body != nil {
		r.Body = http.MaxBytesReader(nil, r.Body, limit)
	}
	return true
}

// lookupClient resolves a "Bearer <key>" header to its client ID. Every
// configured key is compared so the timing does not depend on which matched.
func lookupClient(keys map[string]string, authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	apiKey := []byte(strings.TrimPrefix(authHeader, "Bearer "))

	clientID := ""
	for key, id := range keys {
		if subtle.ConstantTimeCompare(apiKey, []byte(key)) == 1 {
			clientID = id
		}
	}
	return clientID, clientID != ""
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if !status.Ready() {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Helpers ---

// abortStorage maps storage errors to HTTP responses.
func abortStorage(c *okapi.Context, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "job run not found"})
	}
	return c.AbortInternalServerError("storage error")
}
