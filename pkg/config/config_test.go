package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir is the pre-Go 1.24 equivalent of t.Chdir: switch into dir for the
// duration of the test and restore the previous working directory on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.HTTPPort)
	assert.Equal(t, "./data", cfg.Server.DataDir)
	assert.Equal(t, "./config", cfg.Server.ConfigDir)

	assert.Empty(t, cfg.Watch.Roots)
	assert.True(t, cfg.Watch.IgnoreHidden)
	assert.Equal(t, int64(512), cfg.Watch.MaxFileMB)
	assert.Equal(t, 2000, cfg.Watch.DebounceMs)

	assert.Equal(t, 300, cfg.Events.ClaimTTLSeconds)
	assert.Equal(t, 5, cfg.Events.MaxAttempts)
	assert.Equal(t, 10000, cfg.Events.HighWatermark)

	assert.Equal(t, 3600, cfg.Reconcile.IntervalSeconds)
	assert.Equal(t, "03:00", cfg.Reconcile.DailyTime)

	assert.Equal(t, 8, cfg.Workflow.MaxParallelNodes)
	assert.Equal(t, 5000, cfg.Workflow.CancelGraceMs)

	assert.Equal(t, 30, cfg.Logs.RetentionDays)
	assert.Equal(t, 7, cfg.Logs.CompressAfterDays)
	assert.Equal(t, 365, cfg.Logs.ArchiveRetentionDays)
	assert.Equal(t, "03:30", cfg.Logs.MaintenanceTime)
	assert.Equal(t, 1000, cfg.Logs.FlushIntervalMs)
	assert.Equal(t, 500, cfg.Logs.BatchSize)
	assert.Equal(t, 10000, cfg.Logs.RingMax)

	assert.Equal(t, 50.0, cfg.Auth.RateLimitRPS)
	assert.Equal(t, 100, cfg.Auth.RateLimitBurst)

	assert.Equal(t, "", cfg.Vector.IndexURL)
	assert.Equal(t, "documents", cfg.Vector.Collection)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("DATA_DIR", "/var/lib/docflow")
	t.Setenv("WATCH_ROOTS", "/srv/docs,/srv/inbox")
	t.Setenv("WATCH_INCLUDE_EXT", ".pdf,.md")
	t.Setenv("WATCH_IGNORE_HIDDEN", "false")
	t.Setenv("DEBOUNCE_MS", "500")
	t.Setenv("EVENT_MAX_ATTEMPTS", "3")
	t.Setenv("RECONCILE_DAILY_TIME", "02:15")
	t.Setenv("MAX_PARALLEL_NODES", "16")
	t.Setenv("LOG_RETENTION_DAYS", "14")
	t.Setenv("COMPRESS_AFTER_DAYS", "2")
	t.Setenv("VECTOR_INDEX_URL", "http://localhost:6333")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_JSON", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, "/var/lib/docflow", cfg.Server.DataDir)
	assert.Equal(t, []string{"/srv/docs", "/srv/inbox"}, cfg.Watch.Roots)
	assert.Equal(t, []string{".pdf", ".md"}, cfg.Watch.IncludeExt)
	assert.False(t, cfg.Watch.IgnoreHidden)
	assert.Equal(t, 500, cfg.Watch.DebounceMs)
	assert.Equal(t, 3, cfg.Events.MaxAttempts)
	assert.Equal(t, "02:15", cfg.Reconcile.DailyTime)
	assert.Equal(t, 16, cfg.Workflow.MaxParallelNodes)
	assert.Equal(t, 14, cfg.Logs.RetentionDays)
	assert.Equal(t, 2, cfg.Logs.CompressAfterDays)
	assert.Equal(t, "http://localhost:6333", cfg.Vector.IndexURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Logging.JSON)
}

func TestLoad_InvalidPort(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HTTP_PORT", "99999")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http_port")
}

func TestLoad_InvalidDailyTime(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("RECONCILE_DAILY_TIME", "25:99")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daily_time")
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		chdir(t, t.TempDir())
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "zero max attempts",
			mutate:  func(c *Config) { c.Events.MaxAttempts = 0 },
			wantErr: "max_attempts",
		},
		{
			name:    "compress window exceeds retention",
			mutate:  func(c *Config) { c.Logs.CompressAfterDays = 60 },
			wantErr: "compress_after_days",
		},
		{
			name:    "archive retention below retention",
			mutate:  func(c *Config) { c.Logs.ArchiveRetentionDays = 10 },
			wantErr: "archive_retention_days",
		},
		{
			name:    "ring smaller than batch",
			mutate:  func(c *Config) { c.Logs.RingMax = 100 },
			wantErr: "ring_max",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "log level",
		},
		{
			name:    "zero rate limit",
			mutate:  func(c *Config) { c.Auth.RateLimitRPS = 0 },
			wantErr: "rate_limit_rps",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestParseClock(t *testing.T) {
	hour, minute, err := ParseClock("03:30")
	require.NoError(t, err)
	assert.Equal(t, 3, hour)
	assert.Equal(t, 30, minute)

	hour, minute, err = ParseClock("23:59")
	require.NoError(t, err)
	assert.Equal(t, 23, hour)
	assert.Equal(t, 59, minute)

	_, _, err = ParseClock("24:00")
	assert.Error(t, err)

	_, _, err = ParseClock("0330")
	assert.Error(t, err)
}

func TestPathHelpers(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			DataDir:   "/var/lib/docflow",
			ConfigDir: "/etc/docflow",
		},
	}

	assert.Equal(t, filepath.Join("/var/lib/docflow", "events.db"), cfg.EventsDBPath())
	assert.Equal(t, filepath.Join("/var/lib/docflow", "logs.db"), cfg.LogsDBPath())
	assert.Equal(t, filepath.Join("/var/lib/docflow", "archive"), cfg.ArchiveDir())
	assert.Equal(t, filepath.Join("/var/lib/docflow", "runs"), cfg.RunsDir())
	assert.Equal(t, filepath.Join("/etc/docflow", "api_keys.json"), cfg.KeysFile())
	assert.Equal(t, filepath.Join("/etc/docflow", "workflows"), cfg.WorkflowsDir())
}

func TestWatchConfigHelpers(t *testing.T) {
	w := WatchConfig{DebounceMs: 2000, MaxFileMB: 512}
	assert.Equal(t, "2s", w.Debounce().String())
	assert.Equal(t, int64(512*1024*1024), w.MaxFileBytes())

	w = WatchConfig{MaxFileMB: 0}
	assert.Equal(t, int64(0), w.MaxFileBytes())
}
