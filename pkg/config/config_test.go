package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets every variable LoadFromEnv reads for the duration of a test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"TIKFETCH_MAX_USER_QUEUE_SIZE", "MAX_USER_QUEUE_SIZE",
		"TIKFETCH_RETRY_MAX_ATTEMPTS", "RETRY_MAX_ATTEMPTS", "DOWNLOAD_MAX_RETRIES",
		"TIKFETCH_RETRY_REQUEST_TIMEOUT", "RETRY_REQUEST_TIMEOUT",
		"TIKFETCH_URL_RESOLVE_MAX_RETRIES", "URL_RESOLVE_MAX_RETRIES",
		"TIKFETCH_RATE_LIMIT_BACKOFF",
		"TIKFETCH_PROXY_FILE", "PROXY_FILE",
		"TIKFETCH_PROXY_DATA_ONLY", "PROXY_DATA_ONLY",
		"TIKFETCH_PROXY_INCLUDE_HOST", "PROXY_INCLUDE_HOST",
		"TIKFETCH_WORKERS", "TIKFETCH_MAX_VIDEO_DURATION", "MAX_VIDEO_DURATION",
		"TIKFETCH_OUTPUT_DIR", "TIKFETCH_EXTRACTOR", "TIKFETCH_USER_AGENT",
		"TIKFETCH_YTDLP_PATH", "TIKFETCH_PROFILE", "TIKFETCH_HISTORY",
		"TIKFETCH_REDIS_ADDR", "TIKFETCH_LOG_LEVEL", "LOG_LEVEL",
	} {
		t.Setenv(name, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 0, cfg.Queue.MaxUserQueueSize)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Retry.RequestTimeout)
	assert.Equal(t, 3, cfg.Retry.URLResolveMaxRetries)
	assert.False(t, cfg.Retry.RateLimitBackoff)
	assert.Equal(t, 4, cfg.Download.Workers)
	assert.Equal(t, BackendWeb, cfg.Extractor.Backend)
	assert.Equal(t, HistoryNone, cfg.History.Backend)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_USER_QUEUE_SIZE", "3")
	t.Setenv("RETRY_REQUEST_TIMEOUT", "15")
	t.Setenv("PROXY_FILE", "/etc/tikfetch/proxies.txt")
	t.Setenv("PROXY_DATA_ONLY", "true")
	t.Setenv("MAX_VIDEO_DURATION", "5m")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TIKFETCH_LOG_LEVEL", "warn")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, 3, cfg.Queue.MaxUserQueueSize)
	assert.Equal(t, 15*time.Second, cfg.Retry.RequestTimeout)
	assert.Equal(t, "/etc/tikfetch/proxies.txt", cfg.Proxy.File)
	assert.True(t, cfg.Proxy.DataOnly)
	assert.False(t, cfg.Proxy.IncludeHost)
	assert.Equal(t, 5*time.Minute, cfg.Download.MaxVideoDuration)
	assert.Equal(t, "warn", cfg.Logging.Level, "prefixed name wins")
}

func TestLoadFromEnvInvalidNumber(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_USER_QUEUE_SIZE", "three")

	cfg := DefaultConfig()
	err := cfg.LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TIKFETCH_MAX_USER_QUEUE_SIZE")
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
queue:
  max_user_queue_size: 2
retry:
  max_attempts: 5
  request_timeout: 20s
  rate_limit_backoff: true
extractor:
  backend: ytdlp
history:
  backend: file
  file: /tmp/history.jsonl
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, 2, cfg.Queue.MaxUserQueueSize)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 20*time.Second, cfg.Retry.RequestTimeout)
	assert.True(t, cfg.Retry.RateLimitBackoff)
	assert.Equal(t, BackendYtdlp, cfg.Extractor.Backend)
	assert.Equal(t, HistoryFile, cfg.History.Backend)
	assert.Equal(t, 4, cfg.Download.Workers, "unset keys keep defaults")
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml")))
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Queue.MaxUserQueueSize = 7
	cfg.Download.MaxVideoDuration = 90 * time.Second
	require.NoError(t, cfg.Save(path))

	loaded := DefaultConfig()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, cfg, loaded)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"negative queue size", func(c *Config) { c.Queue.MaxUserQueueSize = -1 }, "queue size"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max attempts"},
		{"zero timeout", func(c *Config) { c.Retry.RequestTimeout = 0 }, "request timeout"},
		{"unknown backend", func(c *Config) { c.Extractor.Backend = "scraper" }, "extractor backend"},
		{"redis without address", func(c *Config) { c.History.Backend = HistoryRedis }, "redis address"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.MaxAttempts = 0
	cfg.Download.Workers = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max attempts")
	assert.Contains(t, err.Error(), "workers")
}

func TestMergeCommandLineFlags(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MergeCommandLineFlags(map[string]interface{}{
		"output":       "/data",
		"max-attempts": 6,
		"timeout":      30 * time.Second,
		"queue-size":   1,
		"extractor":    BackendYtdlp,
		"log-level":    "error",
		"workers":      "not-an-int",
	})

	assert.Equal(t, "/data", cfg.Download.OutputDir)
	assert.Equal(t, 6, cfg.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Retry.RequestTimeout)
	assert.Equal(t, 1, cfg.Queue.MaxUserQueueSize)
	assert.Equal(t, BackendYtdlp, cfg.Extractor.Backend)
	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, 4, cfg.Download.Workers)
}

func TestLoadPrecedence(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_attempts: 4\nqueue:\n  max_user_queue_size: 2\n"), 0644))
	t.Setenv("MAX_USER_QUEUE_SIZE", "5")

	cfg, err := Load(path, map[string]interface{}{"max-attempts": 9})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Queue.MaxUserQueueSize, "env overrides file")
	assert.Equal(t, 9, cfg.Retry.MaxAttempts, "flags override file")
}
