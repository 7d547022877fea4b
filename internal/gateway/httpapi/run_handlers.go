package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/codebox/internal/sandbox"
	"github.com/jkaninda/codebox/internal/storage"
	"github.com/jkaninda/codebox/internal/workspace"
)

// RunRequest is the JSON body for POST /v1/run.
type RunRequest struct {
	Language        string `json:"language"`
	Code            string `json:"code"`
	Stdin           string `json:"stdin,omitempty"`
	DeadlineSeconds int    `json:"deadline_seconds,omitempty"` // 0 = server default.
}

// RunResponse is the JSON response for POST /v1/run.
type RunResponse struct {
	JobID    string  `json:"job_id"`
	Language string  `json:"language"`
	Output   string  `json:"output"`
	Timing   float64 `json:"timing"`
	Errors   string  `json:"errors"`
	Status   string  `json:"status"`
}

func (g *Gateway) handleRun(c *okapi.Context) error {
	clientID := c.GetString("clientID")

	if g.limiter != nil {
		if wait, err := g.limiter.Allow(clientID); err != nil {
			g.config.Metrics.RecordRateLimited(clientID)
			return c.AbortTooManyRequests(fmt.Sprintf("rate limit exceeded, retry in %ds", int(math.Ceil(wait.Seconds()))))
		}
	}

	var req RunRequest
	if err := c.Bind(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return c.JSON(http.StatusRequestEntityTooLarge, okapi.M{"error": "request body too large"})
		}
		return c.AbortBadRequest("invalid request body")
	}

	job, err := g.newJob(req)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	g.logger.Info("http run",
		slog.String("client_id", clientID),
		slog.String("job_id", job.ID),
		slog.String("language", job.Language),
		slog.Duration("deadline", job.Deadline),
	)

	res := sandbox.Run(c.Context(), g.executor, job)
	switch res.Status {
	case sandbox.StatusStagingFailed, sandbox.StatusLaunchFailed:
		g.logger.Error("job could not be started",
			slog.String("job_id", job.ID),
			slog.String("status", string(res.Status)),
			slog.String("error", errString(res.Err)),
		)
		return c.AbortServiceUnavailable("execution could not be started")
	}

	return c.OK(RunResponse{
		JobID:    job.ID,
		Language: job.Language,
		Output:   res.Output,
		Timing:   res.Timing,
		Errors:   res.Errors,
		Status:   string(res.Status),
	})
}

// newJob validates req against the language catalog and deadline limits.
func (g *Gateway) newJob(req RunRequest) (sandbox.Job, error) {
	if req.Language == "" {
		return sandbox.Job{}, errors.New("language is required")
	}
	lang, ok := g.catalog.Lookup(req.Language)
	if !ok {
		return sandbox.Job{}, fmt.Errorf("unsupported language %q", req.Language)
	}
	if req.Code == "" {
		return sandbox.Job{}, errors.New("code is required")
	}
	deadline, err := resolveDeadline(req.DeadlineSeconds, g.config.DefaultDeadline, g.config.MaxDeadline)
	if err != nil {
		return sandbox.Job{}, err
	}

	id := uuid.NewString()
	return lang.Job(id, workspace.JobFolder(id), req.Code, req.Stdin, deadline), nil
}

// resolveDeadline applies the default for 0 and rejects values outside (0, limit].
func resolveDeadline(seconds int, def, limit time.Duration) (time.Duration, error) {
	if seconds == 0 {
		return def, nil
	}
	d := time.Duration(seconds) * time.Second
	if seconds < 0 || (limit > 0 && d > limit) {
		return 0, fmt.Errorf("deadline_seconds must be between 1 and %d", int(limit.Seconds()))
	}
	return d, nil
}

func (g *Gateway) handleLanguages(c *okapi.Context) error {
	return c.OK(g.catalog.List())
}

func (g *Gateway) handleRunList(c *okapi.Context) error {
	filter, err := g.runFilter(c.Request().URL.Query())
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	runs, err := g.runs.Query(c.Context(), filter)
	if err != nil {
		g.logger.Error("listing job runs failed", slog.String("error", err.Error()))
		return abortStorage(c, err)
	}
	return c.OK(runs)
}

func (g *Gateway) handleRunGet(c *okapi.Context) error {
	run, err := g.runs.Get(c.Context(), c.Param("id"))
	if err != nil {
		return abortStorage(c, err)
	}
	return c.OK(run)
}

// runFilter parses q and maps a catalog language name to the recorded label.
func (g *Gateway) runFilter(q url.Values) (storage.RunFilter, error) {
	filter, err := parseRunFilter(q)
	if err != nil {
		return filter, err
	}
	filter.Language = g.catalog.Label(filter.Language)
	return filter, nil
}

// parseRunFilter reads language, status, since (RFC 3339) and limit.
func parseRunFilter(q url.Values) (storage.RunFilter, error) {
	filter := storage.RunFilter{
		Language: q.Get("language"),
		Status:   q.Get("status"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			return filter, errors.New("limit must be between 1 and 1000")
		}
		filter.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("since must be an RFC 3339 timestamp")
		}
		filter.Since = t
	}
	return filter, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
