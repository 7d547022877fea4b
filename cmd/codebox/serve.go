package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/codebox/internal/config"
	"github.com/jkaninda/codebox/internal/gateway"
	"github.com/jkaninda/codebox/internal/gateway/httpapi"
	"github.com/jkaninda/codebox/internal/ratelimit"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	// Registered on both root and serve so that `codebox --port :9090` works too.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the HTTP API and the maintenance scheduler.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{}
		}
		cfg.HTTP.ListenAddr = servePort
	}
	logger := newLogger(cfg)
	logger.Info("starting codebox server", slog.String("version", version))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched, err := newScheduler(sc)
	if err != nil {
		return err
	}
	if sched != nil {
		stopScheduler := sched.Start(ctx)
		defer stopScheduler()
	}

	gateways := []gateway.Gateway{buildGateway(cfg, sc)}

	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return nil
}

func buildGateway(cfg *config.Config, sc *SharedComponents) *httpapi.Gateway {
	httpCfg := cfg.HTTP
	if httpCfg == nil {
		httpCfg = &config.HTTPConfig{}
	}

	gwCfg := httpapi.Config{
		ListenAddr:      httpCfg.Addr(),
		EnableDocs:      httpCfg.EnableDocs,
		APIKeys:         httpCfg.APIKeys,
		MaxRequestSize:  httpCfg.MaxRequestSizeBytes,
		DefaultDeadline: cfg.Supervisor.DefaultDeadline(),
		MaxDeadline:     cfg.Supervisor.MaxDeadline(),
		HealthChecker:   sc.Health,
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		gwCfg.Metrics = m
		gwCfg.MetricsRegistry = m.Registry
		if cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		gwCfg.Tracer = ts.Tracer()
	}

	var limiter *ratelimit.Limiter
	if httpCfg.RateLimit.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: httpCfg.RateLimit.RequestsPerMinute,
			BurstSize:         httpCfg.RateLimit.BurstSize,
		})
	}

	gw := httpapi.NewGateway(gwCfg, sc.Executor, sc.Catalog, limiter, sc.Logger)
	if sc.Store != nil {
		gw.WithRuns(sc.Store.Runs())
	}
	return gw
}
