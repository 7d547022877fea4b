package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/codebox/internal/config"
)

// minSamples is the number of jobs a language needs in the window before
// its failure rate is judged.
const minSamples = 5

// AnomalyDetector tracks per-language job failures in sliding windows and
// warns when the failure rate crosses the configured threshold. A sudden run
// of timeouts or launch failures for one language usually means its toolchain
// image or the container runtime is broken, not that every user wrote an
// infinite loop.
type AnomalyDetector struct {
	mu        sync.Mutex
	failures  map[string]*slidingWindow
	successes map[string]*slidingWindow
	flagged   map[string]bool
	window    time.Duration
	threshold float64
	logger    *slog.Logger
	now       func() time.Time
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	windowSecs := cfg.WindowSeconds
	if windowSecs <= 0 {
		windowSecs = 300
	}
	return &AnomalyDetector{
		failures:  make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		flagged:   make(map[string]bool),
		window:    time.Duration(windowSecs) * time.Second,
		threshold: cfg.FailureRateThreshold,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordFailure records a failed job for language.
func (a *AnomalyDetector) RecordFailure(language string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.failures, language).add(a.now())
	a.check(language)
}

// RecordSuccess records a job for language that reached a normal end.
func (a *AnomalyDetector) RecordSuccess(language string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.successes, language).add(a.now())
	a.check(language)
}

// FailureRate returns the current failure rate for language, or 0 when
// there are fewer than minSamples jobs in the window.
func (a *AnomalyDetector) FailureRate(language string) float64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	rate, _ := a.rate(language)
	return rate
}

// rate must be called with a.mu held.
func (a *AnomalyDetector) rate(language string) (float64, bool) {
	now := a.now()
	failures := float64(a.windowFor(a.failures, language).count(now))
	total := failures + float64(a.windowFor(a.successes, language).count(now))
	if total < minSamples {
		return 0, false
	}
	return failures / total, true
}

// check logs once when a language crosses the threshold and once when it
// recovers. Must be called with a.mu held.
func (a *AnomalyDetector) check(language string) {
	if a.threshold <= 0 {
		return
	}
	rate, ok := a.rate(language)
	if !ok {
		return
	}

	above := rate > a.threshold
	if above == a.flagged[language] {
		return
	}
	a.flagged[language] = above
	if a.logger == nil {
		return
	}
	if above {
		a.logger.Warn("anomaly detected: high job failure rate",
			slog.String("language", language),
			slog.Float64("failure_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Duration("window", a.window),
		)
		return
	}
	a.logger.Info("job failure rate back to normal",
		slog.String("language", language),
		slog.Float64("failure_rate", rate),
	)
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
