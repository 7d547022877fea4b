package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/codebox/internal/config"
	"github.com/jkaninda/codebox/internal/observability"
	"github.com/jkaninda/codebox/internal/sandbox"
	"github.com/jkaninda/codebox/internal/scheduler"
	"github.com/jkaninda/codebox/internal/storage"
	pgstore "github.com/jkaninda/codebox/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/codebox/internal/storage/sqlite"
	"github.com/jkaninda/codebox/internal/workspace"
)

// SharedComponents holds all initialized subsystems that the server and the
// one-shot commands require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Obs      *observability.Observability
	Health   *observability.HealthChecker
	Stager   *workspace.Stager
	Launcher sandbox.Launcher
	Catalog  *sandbox.Catalog
	Runner   *sandbox.Runner
	Executor sandbox.Executor // Runner, instrumented when observability is on.
	Store    storage.Store    // nil = job audit disabled.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig resolves the config path (flag, then CODEBOX_CONFIG, then the
// default) and loads it, falling back to built-in defaults when the file is absent.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = goutils.Env("CODEBOX_CONFIG", config.DefaultConfigPath())
	}
	if configPath != "" {
		return config.Load(path)
	}
	return config.LoadOrDefault(path)
}

func newLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
}

// initShared performs all common initialization. Callers must call
// sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.Health = obs.HealthOrNew(logger)
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	// Workspace stager.
	stager, err := workspace.NewStager(workspace.Config{
		BasePath:   cfg.Workspace.BasePath,
		DataDir:    cfg.Workspace.DataDir,
		PayloadDir: cfg.Workspace.PayloadDir,
	}, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Stager = stager
	sc.Health.AddCheck("workspace", func(context.Context) error {
		_, err := os.Stat(stager.BasePath())
		return err
	})
	logger.Debug("workspace initialized", slog.String("base_path", stager.BasePath()))

	// Launcher.
	launcher, err := initLauncher(cfg, sc, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing launcher: %w", err)
	}
	sc.Launcher = launcher

	// Language catalog.
	catalog, err := sandbox.NewCatalog(languagesFromConfig(cfg.Languages))
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("building language catalog: %w", err)
	}
	sc.Catalog = catalog

	// Job audit storage (optional).
	if cfg.Storage != nil {
		store, err := initStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if err := store.Migrate(context.Background()); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		sc.Health.AddCheck("storage", store.Ping)
	}

	// Runner.
	runner := sandbox.NewRunner(stager, launcher, sandbox.SupervisorConfig{
		PollInterval: cfg.Supervisor.PollInterval(),
		OutputCap:    cfg.Supervisor.Cap(),
		Sentinel:     cfg.Supervisor.SentinelMarker(),
	}, logger)
	if sc.Store != nil {
		runner.WithRecorder(storage.NewRecorder(sc.Store.Runs()))
	}
	sc.Runner = runner
	// In-flight jobs finish (and are recorded) before the store closes.
	sc.addCleanup(runner.Wait)

	sc.Executor = runner
	if obs != nil && (obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil) {
		sc.Executor = observability.NewInstrumentedExecutor(runner, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
	}

	logger.Debug("runner initialized",
		slog.String("launcher", cfg.Launcher.LauncherType()),
		slog.Int("languages", len(catalog.List())),
		slog.Duration("poll_interval", cfg.Supervisor.PollInterval()),
		slog.Bool("audit", sc.Store != nil),
	)

	return sc, nil
}

// initLauncher builds the configured launcher and registers its readiness check.
func initLauncher(cfg *config.Config, sc *SharedComponents, logger *slog.Logger) (sandbox.Launcher, error) {
	switch cfg.Launcher.LauncherType() {
	case "docker":
		dc := sandbox.DockerConfig{
			MountPath:   cfg.Launcher.Mount(),
			EntryScript: cfg.Launcher.Script(),
		}
		if d := cfg.Launcher.Docker; d != nil {
			dc.Host = d.Host
			dc.MemoryMB = d.MemoryMB
			dc.CPUCores = d.CPUCores
			dc.PIDsLimit = d.PIDsLimit
			dc.NetworkAllowed = d.NetworkAllowed
			dc.User = d.User
		}
		l, err := sandbox.NewDockerLauncher(dc, logger)
		if err != nil {
			return nil, err
		}
		sc.addCleanup(func() {
			if err := l.Close(); err != nil {
				logger.Debug("closing docker client", slog.String("error", err.Error()))
			}
		})
		sc.Health.AddCheck("docker", l.Ping)
		return l, nil
	case "wrapper":
		wrapper := cfg.Launcher.WrapperPath
		sc.Health.AddCheck("wrapper", func(context.Context) error {
			_, err := os.Stat(wrapper)
			return err
		})
		return sandbox.NewWrapperLauncher(sandbox.WrapperConfig{
			Path:        wrapper,
			ExtraArgs:   cfg.Launcher.WrapperArgs,
			MountPath:   cfg.Launcher.Mount(),
			EntryScript: cfg.Launcher.Script(),
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown launcher type: %q (supported: wrapper, docker)", cfg.Launcher.Type)
	}
}

func languagesFromConfig(langs []config.LanguageConfig) []sandbox.Language {
	out := make([]sandbox.Language, 0, len(langs))
	for _, l := range langs {
		out = append(out, sandbox.Language{
			Name:       l.Name,
			Label:      l.Label,
			Image:      l.Image,
			Compiler:   l.Compiler,
			SourceFile: l.SourceFile,
			RunCommand: l.RunCommand,
			AssetDir:   l.AssetDir,
		})
	}
	return out
}

func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.Storage.StorageDriver(); driver {
	case "postgres":
		return initPostgresStore(cfg, logger)
	case "sqlite":
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.SQLitePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	db, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, err
	}
	return pgstore.NewStore(db), nil
}

// newScheduler registers the maintenance tasks enabled in config. Returns nil
// when there is nothing to schedule.
func newScheduler(sc *SharedComponents) (*scheduler.Scheduler, error) {
	cfg := sc.Config

	var schedMetrics *scheduler.Metrics
	if m := sc.Obs.MetricsOrNil(); m != nil {
		schedMetrics = scheduler.NewMetrics(m.Registry)
	}
	s := scheduler.New(schedMetrics, sc.Logger)

	if cfg.Sweeper != nil && cfg.Sweeper.Enabled {
		task := scheduler.SweepTask(cfg.Sweeper.CronSchedule(), sc.Stager, cfg.Sweeper.MaxAge(),
			sc.Runner.Busy, sc.Obs.MetricsOrNil(), sc.Logger)
		if err := s.Add(task); err != nil {
			return nil, err
		}
	}
	if sc.Store != nil && cfg.Storage.Retention() > 0 {
		task := scheduler.RetentionTask(cfg.Storage.PruneCronSchedule(), sc.Store.Runs(), cfg.Storage.Retention(), sc.Logger)
		if err := s.Add(task); err != nil {
			return nil, err
		}
	}
	if len(s.Tasks()) == 0 {
		return nil, nil
	}
	return s, nil
}
