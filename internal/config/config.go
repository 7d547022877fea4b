// Package config handles loading and validating codebox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

const (
	DefaultSentinel    = "*-COMPILEBOX::ENDOFOUTPUT-*"
	DefaultMountPath   = "/usercode"
	DefaultEntryScript = "script.sh"
	DefaultOutputCap   = 10000
)

// Config is the root configuration for codebox.
type Config struct {
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"` // debug, info, warn, error. Default: info.
	Workspace     WorkspaceConfig      `json:"workspace" yaml:"workspace"`
	Supervisor    SupervisorConfig     `json:"supervisor" yaml:"supervisor"`
	Launcher      LauncherConfig       `json:"launcher" yaml:"launcher"`
	Languages     []LanguageConfig     `json:"languages,omitempty" yaml:"languages,omitempty"` // Empty = built-in table.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`     // nil = job audit disabled
	Sweeper       *SweeperConfig       `json:"sweeper,omitempty" yaml:"sweeper,omitempty"`     // nil = orphan sweeper disabled
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// WorkspaceConfig locates the per-job workspaces and the static asset bundles.
type WorkspaceConfig struct {
	BasePath   string `json:"base_path" yaml:"base_path"`     // Parent of every job folder. Override: CODEBOX_BASE_PATH.
	DataDir    string `json:"data_dir" yaml:"data_dir"`       // Per-language bundles. Default: <base_path>/data. Override: CODEBOX_DATA_DIR.
	PayloadDir string `json:"payload_dir" yaml:"payload_dir"` // Universal launcher scripts. Default: <base_path>/Payload. Override: CODEBOX_PAYLOAD_DIR.
}

// SupervisorConfig tunes the completion polling loop.
type SupervisorConfig struct {
	PollIntervalMS         int    `json:"poll_interval_ms" yaml:"poll_interval_ms"`                 // Default: 100.
	OutputCap              int    `json:"output_cap" yaml:"output_cap"`                             // Characters. Default: 10000.
	Sentinel               string `json:"sentinel" yaml:"sentinel"`                                 // Default: *-COMPILEBOX::ENDOFOUTPUT-*
	DefaultDeadlineSeconds int    `json:"default_deadline_seconds" yaml:"default_deadline_seconds"` // Default: 20.
	MaxDeadlineSeconds     int    `json:"max_deadline_seconds" yaml:"max_deadline_seconds"`         // Default: 60.
}

// PollInterval returns the poll cadence with a default of 100ms.
func (s SupervisorConfig) PollInterval() time.Duration {
	if s.PollIntervalMS > 0 {
		return time.Duration(s.PollIntervalMS) * time.Millisecond
	}
	return 100 * time.Millisecond
}

// Cap returns the output cap in characters.
func (s SupervisorConfig) Cap() int {
	if s.OutputCap > 0 {
		return s.OutputCap
	}
	return DefaultOutputCap
}

// SentinelMarker returns the completion sentinel.
func (s SupervisorConfig) SentinelMarker() string {
	if s.Sentinel != "" {
		return s.Sentinel
	}
	return DefaultSentinel
}

// DefaultDeadline returns the deadline used when a request does not carry one.
func (s SupervisorConfig) DefaultDeadline() time.Duration {
	if s.DefaultDeadlineSeconds > 0 {
		return time.Duration(s.DefaultDeadlineSeconds) * time.Second
	}
	return 20 * time.Second
}

// MaxDeadline returns the largest deadline a request may ask for.
func (s SupervisorConfig) MaxDeadline() time.Duration {
	if s.MaxDeadlineSeconds > 0 {
		return time.Duration(s.MaxDeadlineSeconds) * time.Second
	}
	return 60 * time.Second
}

// LauncherConfig selects how the isolated execution is started.
type LauncherConfig struct {
	Type        string        `json:"type" yaml:"type"`                 // "wrapper" (default) or "docker".
	WrapperPath string        `json:"wrapper_path" yaml:"wrapper_path"` // Default: <base_path>/DockerTimeout.sh
	WrapperArgs []string      `json:"wrapper_args,omitempty" yaml:"wrapper_args,omitempty"`
	MountPath   string        `json:"mount_path" yaml:"mount_path"`     // Default: /usercode
	EntryScript string        `json:"entry_script" yaml:"entry_script"` // Default: script.sh
	Docker      *DockerConfig `json:"docker,omitempty" yaml:"docker,omitempty"`
}

// LauncherType returns the configured launcher, defaulting to "wrapper".
func (l LauncherConfig) LauncherType() string {
	if l.Type != "" {
		return l.Type
	}
	return "wrapper"
}

// Mount returns the in-container workspace mount point.
func (l LauncherConfig) Mount() string {
	if l.MountPath != "" {
		return l.MountPath
	}
	return DefaultMountPath
}

// Script returns the entry script file name inside the mount.
func (l LauncherConfig) Script() string {
	if l.EntryScript != "" {
		return l.EntryScript
	}
	return DefaultEntryScript
}

// DockerConfig configures the Docker Engine launcher.
type DockerConfig struct {
	Host           string  `json:"host,omitempty" yaml:"host,omitempty"` // Empty = DOCKER_HOST / default socket.
	MemoryMB       int     `json:"memory_mb" yaml:"memory_mb"`           // Default: 256.
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores"`           // Default: 1.
	PIDsLimit      int64   `json:"pids_limit" yaml:"pids_limit"`         // Default: 64.
	NetworkAllowed bool    `json:"network_allowed" yaml:"network_allowed"`
	User           string  `json:"user,omitempty" yaml:"user,omitempty"`
}

// LanguageConfig maps a request language to its toolchain and assets.
type LanguageConfig struct {
	Name       string `json:"name" yaml:"name"`
	Label      string `json:"label" yaml:"label"`
	Image      string `json:"image" yaml:"image"`
	Compiler   string `json:"compiler" yaml:"compiler"`
	SourceFile string `json:"source_file" yaml:"source_file"`
	RunCommand string `json:"run_command,omitempty" yaml:"run_command,omitempty"`
	AssetDir   string `json:"asset_dir,omitempty" yaml:"asset_dir,omitempty"` // Bundle under data_dir. Default: name.
}

// StorageConfig configures the job audit backend.
type StorageConfig struct {
	Driver        string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite        *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres      *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
	RetentionDays int                    `json:"retention_days,omitempty" yaml:"retention_days,omitempty"` // 0 = keep forever.
	PruneSchedule string                 `json:"prune_schedule,omitempty" yaml:"prune_schedule,omitempty"` // Default: "0 3 * * *".
}

// Retention returns how long job runs are kept. Zero disables pruning.
func (s *StorageConfig) Retention() time.Duration {
	if s == nil || s.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// PruneCronSchedule returns the schedule of the retention task.
func (s *StorageConfig) PruneCronSchedule() string {
	if s != nil && s.PruneSchedule != "" {
		return s.PruneSchedule
	}
	return "0 3 * * *"
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <base_path>/codebox.db
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: CODEBOX_STORAGE_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// SweeperConfig configures reclamation of orphaned workspaces.
type SweeperConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Schedule      string `json:"schedule" yaml:"schedule"`               // Cron expression. Default: "*/5 * * * *".
	MaxAgeSeconds int    `json:"max_age_seconds" yaml:"max_age_seconds"` // Default: 600.
}

// CronSchedule returns the sweep schedule.
func (s *SweeperConfig) CronSchedule() string {
	if s != nil && s.Schedule != "" {
		return s.Schedule
	}
	return "*/5 * * * *"
}

// MaxAge returns the age after which a workspace is considered orphaned.
func (s *SweeperConfig) MaxAge() time.Duration {
	if s != nil && s.MaxAgeSeconds > 0 {
		return time.Duration(s.MaxAgeSeconds) * time.Second
	}
	return 10 * time.Minute
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeys             map[string]string `json:"api_keys" yaml:"api_keys"` // API key → client ID.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-client rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "codebox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// AnomalyConfig configures the per-language failure rate detector.
type AnomalyConfig struct {
	Enabled              bool    `json:"enabled" yaml:"enabled"`
	FailureRateThreshold float64 `json:"failure_rate_threshold" yaml:"failure_rate_threshold"` // e.g. 0.5 = half the jobs time out or fail to launch.
	WindowSeconds        int     `json:"window_seconds" yaml:"window_seconds"`                 // Default: 300.
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return "codebox.yaml"
}

// Default returns a configuration with every field at its default. Used when
// no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// applyDefaults fills derived paths and applies environment overrides.
func (c *Config) applyDefaults() {
	if env := os.Getenv("CODEBOX_BASE_PATH"); env != "" {
		c.Workspace.BasePath = env
	}
	if env := os.Getenv("CODEBOX_DATA_DIR"); env != "" {
		c.Workspace.DataDir = env
	}
	if env := os.Getenv("CODEBOX_PAYLOAD_DIR"); env != "" {
		c.Workspace.PayloadDir = env
	}
	if env := os.Getenv("CODEBOX_API_KEY"); env != "" {
		if c.HTTP == nil {
			c.HTTP = &HTTPConfig{}
		}
		if c.HTTP.APIKeys == nil {
			c.HTTP.APIKeys = make(map[string]string)
		}
		c.HTTP.APIKeys[env] = "default"
	}
	if env := os.Getenv("CODEBOX_STORAGE_DSN"); env != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = env
	}

	if c.Workspace.BasePath == "" {
		c.Workspace.BasePath = filepath.Join(os.TempDir(), "codebox")
	}
	if resolved, err := resolvePath(c.Workspace.BasePath); err == nil {
		c.Workspace.BasePath = resolved
	}
	if c.Workspace.DataDir == "" {
		c.Workspace.DataDir = filepath.Join(c.Workspace.BasePath, "data")
	}
	if c.Workspace.PayloadDir == "" {
		c.Workspace.PayloadDir = filepath.Join(c.Workspace.BasePath, "Payload")
	}
	if c.Launcher.WrapperPath == "" {
		c.Launcher.WrapperPath = filepath.Join(c.Workspace.BasePath, "DockerTimeout.sh")
	}
	if len(c.Languages) == 0 {
		c.Languages = DefaultLanguages()
	}
	for i := range c.Languages {
		if c.Languages[i].AssetDir == "" {
			c.Languages[i].AssetDir = c.Languages[i].Name
		}
		if c.Languages[i].Label == "" {
			c.Languages[i].Label = c.Languages[i].Name
		}
	}
}

// SQLitePath returns the audit database path.
func (c *Config) SQLitePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.Workspace.BasePath, "codebox.db")
}

// SlogLevel maps the configured level name to a slog level. Default: info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func (c *Config) validate() error {
	if c.Supervisor.PollIntervalMS < 0 {
		return fmt.Errorf("supervisor.poll_interval_ms must not be negative")
	}
	if c.Supervisor.OutputCap < 0 {
		return fmt.Errorf("supervisor.output_cap must not be negative")
	}
	if c.Supervisor.DefaultDeadline() > c.Supervisor.MaxDeadline() {
		return fmt.Errorf("supervisor.default_deadline_seconds must not exceed max_deadline_seconds")
	}
	switch c.Launcher.LauncherType() {
	case "wrapper", "docker":
	default:
		return fmt.Errorf("launcher.type %q is not supported (use wrapper or docker)", c.Launcher.Type)
	}
	if !strings.HasPrefix(c.Launcher.Mount(), "/") {
		return fmt.Errorf("launcher.mount_path must be absolute")
	}

	names := make(map[string]bool, len(c.Languages))
	for i, l := range c.Languages {
		if l.Name == "" {
			return fmt.Errorf("languages[%d].name is required", i)
		}
		if names[l.Name] {
			return fmt.Errorf("languages[%d]: duplicate language %q", i, l.Name)
		}
		names[l.Name] = true
		if l.Image == "" {
			return fmt.Errorf("languages[%d] (%q): image is required", i, l.Name)
		}
		if l.Compiler == "" {
			return fmt.Errorf("languages[%d] (%q): compiler is required", i, l.Name)
		}
		if l.SourceFile == "" || strings.ContainsAny(l.SourceFile, `/\`) {
			return fmt.Errorf("languages[%d] (%q): source_file must be a plain file name", i, l.Name)
		}
	}

	if c.Storage != nil {
		switch c.Storage.StorageDriver() {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required (set CODEBOX_STORAGE_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
		if c.Storage.RetentionDays < 0 {
			return fmt.Errorf("storage.retention_days must not be negative")
		}
	}

	if c.Sweeper != nil && c.Sweeper.Enabled {
		if c.Sweeper.MaxAge() <= c.Supervisor.MaxDeadline() {
			return fmt.Errorf("sweeper.max_age_seconds must exceed supervisor.max_deadline_seconds")
		}
	}
	return nil
}
