// Package config provides configuration loading for the docflow daemon.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the daemon.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Events    EventsConfig    `mapstructure:"events"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Logs      LogsConfig      `mapstructure:"logs"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server and directory layout configuration.
type ServerConfig struct {
	HTTPPort  int    `mapstructure:"http_port"`
	DataDir   string `mapstructure:"data_dir"`
	ConfigDir string `mapstructure:"config_dir"`
}

// WatchConfig holds folder watcher configuration.
type WatchConfig struct {
	Roots        []string `mapstructure:"roots"`
	IncludeExt   []string `mapstructure:"include_ext"`
	Exclude      []string `mapstructure:"exclude"`
	IgnoreHidden bool     `mapstructure:"ignore_hidden"`
	MaxFileMB    int64    `mapstructure:"max_file_mb"`
	DebounceMs   int      `mapstructure:"debounce_ms"`
}

// Debounce returns the debounce window as a duration.
func (c WatchConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// MaxFileBytes returns the file size cap in bytes. Zero means no cap.
func (c WatchConfig) MaxFileBytes() int64 {
	return c.MaxFileMB * 1024 * 1024
}

// EventsConfig holds event store claim and retry configuration.
type EventsConfig struct {
	ClaimTTLSeconds int `mapstructure:"claim_ttl_seconds"`
	MaxAttempts     int `mapstructure:"max_attempts"`
	HighWatermark   int `mapstructure:"high_watermark"`
}

// ClaimTTL returns the stale claim threshold as a duration.
func (c EventsConfig) ClaimTTL() time.Duration {
	return time.Duration(c.ClaimTTLSeconds) * time.Second
}

// ReconcileConfig holds reconciliation scheduling configuration.
type ReconcileConfig struct {
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	DailyTime       string `mapstructure:"daily_time"`
}

// Interval returns the periodic reconciliation interval. Zero disables it.
func (c ReconcileConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// WorkflowConfig holds workflow engine configuration.
type WorkflowConfig struct {
	MaxParallelNodes int `mapstructure:"max_parallel_nodes"`
	CancelGraceMs    int `mapstructure:"cancel_grace_ms"`
}

// CancelGrace returns the grace period granted to running nodes on cancel.
func (c WorkflowConfig) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceMs) * time.Millisecond
}

// LogsConfig holds log sink ingestion and retention configuration.
type LogsConfig struct {
	RetentionDays        int    `mapstructure:"retention_days"`
	CompressAfterDays    int    `mapstructure:"compress_after_days"`
	ArchiveRetentionDays int    `mapstructure:"archive_retention_days"`
	MaintenanceTime      string `mapstructure:"maintenance_time"`
	FlushIntervalMs      int    `mapstructure:"flush_interval_ms"`
	BatchSize            int    `mapstructure:"batch_size"`
	RingMax              int    `mapstructure:"ring_max"`
}

// FlushInterval returns the flusher tick interval.
func (c LogsConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// AuthConfig holds API authentication and rate limiting configuration.
type AuthConfig struct {
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// VectorConfig holds vector index client configuration. An empty IndexURL
// selects the embedded in-memory index.
type VectorConfig struct {
	IndexURL   string `mapstructure:"index_url"`
	Collection string `mapstructure:"collection"`
}

// LoggingConfig holds daemon logging configuration.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// EventsDBPath returns the path of the bbolt event store file.
func (c *Config) EventsDBPath() string {
	return filepath.Join(c.Server.DataDir, "events.db")
}

// LogsDBPath returns the path of the SQLite log database file.
func (c *Config) LogsDBPath() string {
	return filepath.Join(c.Server.DataDir, "logs.db")
}

// ArchiveDir returns the directory holding compressed log archives.
func (c *Config) ArchiveDir() string {
	return filepath.Join(c.Server.DataDir, "archives")
}

// RunsDir returns the directory holding run checkpoint files.
func (c *Config) RunsDir() string {
	return filepath.Join(c.Server.DataDir, "runs")
}

// KeysFile returns the path of the API keys file.
func (c *Config) KeysFile() string {
	return filepath.Join(c.Server.ConfigDir, "api_keys.json")
}

// WorkflowsDir returns the directory holding workflow definitions.
func (c *Config) WorkflowsDir() string {
	return filepath.Join(c.Server.ConfigDir, "workflows")
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("docflow")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/docflow")

	v.AutomaticEnv()

	setDefaults(v)
	bindEnv(v)

	// Config file is optional, env vars and defaults cover everything.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http_port", 8088)
	v.SetDefault("server.data_dir", "./data")
	v.SetDefault("server.config_dir", "./config")

	// Watcher defaults
	v.SetDefault("watch.roots", []string{})
	v.SetDefault("watch.include_ext", []string{})
	v.SetDefault("watch.exclude", []string{})
	v.SetDefault("watch.ignore_hidden", true)
	v.SetDefault("watch.max_file_mb", 512)
	v.SetDefault("watch.debounce_ms", 2000)

	// Event store defaults
	v.SetDefault("events.claim_ttl_seconds", 300)
	v.SetDefault("events.max_attempts", 5)
	v.SetDefault("events.high_watermark", 10000)

	// Reconciler defaults
	v.SetDefault("reconcile.interval_seconds", 3600)
	v.SetDefault("reconcile.daily_time", "03:00")

	// Workflow engine defaults
	v.SetDefault("workflow.max_parallel_nodes", 8)
	v.SetDefault("workflow.cancel_grace_ms", 5000)

	// Log sink defaults
	v.SetDefault("logs.retention_days", 30)
	v.SetDefault("logs.compress_after_days", 7)
	v.SetDefault("logs.archive_retention_days", 365)
	v.SetDefault("logs.maintenance_time", "03:30")
	v.SetDefault("logs.flush_interval_ms", 1000)
	v.SetDefault("logs.batch_size", 500)
	v.SetDefault("logs.ring_max", 10000)

	// Auth defaults
	v.SetDefault("auth.rate_limit_rps", 50.0)
	v.SetDefault("auth.rate_limit_burst", 100)

	// Vector index defaults
	v.SetDefault("vector.index_url", "")
	v.SetDefault("vector.collection", "documents")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", true)
}

// bindEnv maps every config key to its flat environment variable name.
// Explicit binding keeps the documented names stable regardless of the
// nested key layout.
func bindEnv(v *viper.Viper) {
	v.BindEnv("server.http_port", "HTTP_PORT")
	v.BindEnv("server.data_dir", "DATA_DIR")
	v.BindEnv("server.config_dir", "CONFIG_DIR")

	v.BindEnv("watch.roots", "WATCH_ROOTS")
	v.BindEnv("watch.include_ext", "WATCH_INCLUDE_EXT")
	v.BindEnv("watch.exclude", "WATCH_EXCLUDE")
	v.BindEnv("watch.ignore_hidden", "WATCH_IGNORE_HIDDEN")
	v.BindEnv("watch.max_file_mb", "WATCH_MAX_FILE_MB")
	v.BindEnv("watch.debounce_ms", "DEBOUNCE_MS")

	v.BindEnv("events.claim_ttl_seconds", "EVENT_CLAIM_TTL_SECONDS")
	v.BindEnv("events.max_attempts", "EVENT_MAX_ATTEMPTS")
	v.BindEnv("events.high_watermark", "EVENT_HIGH_WATERMARK")

	v.BindEnv("reconcile.interval_seconds", "RECONCILE_INTERVAL_SECONDS")
	v.BindEnv("reconcile.daily_time", "RECONCILE_DAILY_TIME")

	v.BindEnv("workflow.max_parallel_nodes", "MAX_PARALLEL_NODES")
	v.BindEnv("workflow.cancel_grace_ms", "CANCEL_GRACE_MS")

	v.BindEnv("logs.retention_days", "LOG_RETENTION_DAYS")
	v.BindEnv("logs.compress_after_days", "COMPRESS_AFTER_DAYS")
	v.BindEnv("logs.archive_retention_days", "ARCHIVE_RETENTION_DAYS")
	v.BindEnv("logs.maintenance_time", "LOG_MAINTENANCE_TIME")
	v.BindEnv("logs.flush_interval_ms", "LOG_FLUSH_INTERVAL_MS")
	v.BindEnv("logs.batch_size", "LOG_BATCH_SIZE")
	v.BindEnv("logs.ring_max", "LOG_RING_MAX")

	v.BindEnv("auth.rate_limit_rps", "RATE_LIMIT_RPS")
	v.BindEnv("auth.rate_limit_burst", "RATE_LIMIT_BURST")

	v.BindEnv("vector.index_url", "VECTOR_INDEX_URL")
	v.BindEnv("vector.collection", "VECTOR_COLLECTION")

	v.BindEnv("logging.level", "LOG_LEVEL")
	v.BindEnv("logging.json", "LOG_JSON")
}

// Validate checks configuration invariants. Errors here are configuration
// errors and abort startup.
func (c *Config) Validate() error {
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d: must be 1-65535", c.Server.HTTPPort)
	}
	if c.Server.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Watch.DebounceMs < 0 {
		return fmt.Errorf("invalid debounce_ms %d: must be >= 0", c.Watch.DebounceMs)
	}
	if c.Watch.MaxFileMB < 0 {
		return fmt.Errorf("invalid max_file_mb %d: must be >= 0", c.Watch.MaxFileMB)
	}
	if c.Events.ClaimTTLSeconds < 1 {
		return fmt.Errorf("invalid claim_ttl_seconds %d: must be >= 1", c.Events.ClaimTTLSeconds)
	}
	if c.Events.MaxAttempts < 1 {
		return fmt.Errorf("invalid max_attempts %d: must be >= 1", c.Events.MaxAttempts)
	}
	if c.Events.HighWatermark < 1 {
		return fmt.Errorf("invalid high_watermark %d: must be >= 1", c.Events.HighWatermark)
	}
	if c.Reconcile.IntervalSeconds < 0 {
		return fmt.Errorf("invalid reconcile interval_seconds %d: must be >= 0", c.Reconcile.IntervalSeconds)
	}
	if c.Reconcile.DailyTime != "" {
		if _, _, err := ParseClock(c.Reconcile.DailyTime); err != nil {
			return fmt.Errorf("invalid reconcile daily_time: %w", err)
		}
	}
	if c.Workflow.MaxParallelNodes < 1 {
		return fmt.Errorf("invalid max_parallel_nodes %d: must be >= 1", c.Workflow.MaxParallelNodes)
	}
	if c.Workflow.CancelGraceMs < 0 {
		return fmt.Errorf("invalid cancel_grace_ms %d: must be >= 0", c.Workflow.CancelGraceMs)
	}
	if c.Logs.RetentionDays < 1 {
		return fmt.Errorf("invalid retention_days %d: must be >= 1", c.Logs.RetentionDays)
	}
	if c.Logs.CompressAfterDays < 1 {
		return fmt.Errorf("invalid compress_after_days %d: must be >= 1", c.Logs.CompressAfterDays)
	}
	if c.Logs.CompressAfterDays > c.Logs.RetentionDays {
		return fmt.Errorf("compress_after_days %d must not exceed retention_days %d",
			c.Logs.CompressAfterDays, c.Logs.RetentionDays)
	}
	if c.Logs.ArchiveRetentionDays < c.Logs.RetentionDays {
		return fmt.Errorf("archive_retention_days %d must be >= retention_days %d",
			c.Logs.ArchiveRetentionDays, c.Logs.RetentionDays)
	}
	if c.Logs.MaintenanceTime != "" {
		if _, _, err := ParseClock(c.Logs.MaintenanceTime); err != nil {
			return fmt.Errorf("invalid log maintenance_time: %w", err)
		}
	}
	if c.Logs.FlushIntervalMs < 1 {
		return fmt.Errorf("invalid flush_interval_ms %d: must be >= 1", c.Logs.FlushIntervalMs)
	}
	if c.Logs.BatchSize < 1 {
		return fmt.Errorf("invalid batch_size %d: must be >= 1", c.Logs.BatchSize)
	}
	if c.Logs.RingMax < c.Logs.BatchSize {
		return fmt.Errorf("ring_max %d must be >= batch_size %d", c.Logs.RingMax, c.Logs.BatchSize)
	}
	if c.Auth.RateLimitRPS <= 0 {
		return fmt.Errorf("invalid rate_limit_rps %g: must be > 0", c.Auth.RateLimitRPS)
	}
	if c.Auth.RateLimitBurst < 1 {
		return fmt.Errorf("invalid rate_limit_burst %d: must be >= 1", c.Auth.RateLimitBurst)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	return nil
}

// ParseClock parses a HH:MM wall clock string, for daily schedule settings.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock time %q: expected HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}
