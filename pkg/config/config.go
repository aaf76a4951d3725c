package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for tikfetch
type Config struct {
	Queue     QueueConfig     `yaml:"queue" json:"queue"`
	Retry     RetryConfig     `yaml:"retry" json:"retry"`
	Proxy     ProxyConfig     `yaml:"proxy" json:"proxy"`
	Download  DownloadConfig  `yaml:"download" json:"download"`
	Extractor ExtractorConfig `yaml:"extractor" json:"extractor"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	History   HistoryConfig   `yaml:"history" json:"history"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// QueueConfig bounds per-user admission
type QueueConfig struct {
	// MaxUserQueueSize is how many concurrent plus queued requests one user
	// may hold. Zero disables the cap.
	MaxUserQueueSize int `yaml:"max_user_queue_size" json:"max_user_queue_size"`
}

// RetryConfig controls the per-link retry loop
type RetryConfig struct {
	MaxAttempts          int           `yaml:"max_attempts" json:"max_attempts"`
	RequestTimeout       time.Duration `yaml:"request_timeout" json:"request_timeout"`
	Delay                time.Duration `yaml:"delay" json:"delay"`
	RateLimitBackoff     bool          `yaml:"rate_limit_backoff" json:"rate_limit_backoff"`
	URLResolveMaxRetries int           `yaml:"url_resolve_max_retries" json:"url_resolve_max_retries"`
}

// ProxyConfig configures proxy rotation
type ProxyConfig struct {
	File        string `yaml:"proxy_file" json:"proxy_file"`
	DataOnly    bool   `yaml:"data_only" json:"data_only"`
	IncludeHost bool   `yaml:"include_host" json:"include_host"`
}

// DownloadConfig holds download-specific configuration
type DownloadConfig struct {
	Workers          int           `yaml:"workers" json:"workers"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	MaxVideoDuration time.Duration `yaml:"max_video_duration" json:"max_video_duration"`
	OutputDir        string        `yaml:"output_dir" json:"output_dir"`
	ImageLimit       int           `yaml:"image_limit" json:"image_limit"`
	SaveMetadata     bool          `yaml:"save_metadata" json:"save_metadata"`
}

// ExtractorConfig selects and tunes the metadata backend
type ExtractorConfig struct {
	Backend   string `yaml:"backend" json:"backend"`
	UserAgent string `yaml:"user_agent" json:"user_agent"`
	YtdlpPath string `yaml:"ytdlp_path" json:"ytdlp_path"`
	// Profile names the stored provider session to load cookies from
	Profile string `yaml:"profile" json:"profile"`
}

// RateLimitConfig limits outbound provider requests
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// CacheConfig sizes the short-link cache
type CacheConfig struct {
	NumCounters int64         `yaml:"num_counters" json:"num_counters"`
	MaxCost     int64         `yaml:"max_cost" json:"max_cost"`
	LinkTTL     time.Duration `yaml:"link_ttl" json:"link_ttl"`
}

// HistoryConfig selects where download events are recorded
type HistoryConfig struct {
	Backend   string `yaml:"backend" json:"backend"`
	File      string `yaml:"file" json:"file"`
	RedisAddr string `yaml:"redis_addr" json:"redis_addr"`
	RedisKey  string `yaml:"redis_key" json:"redis_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

const (
	BackendWeb   = "web"
	BackendYtdlp = "ytdlp"

	HistoryNone  = "none"
	HistoryFile  = "file"
	HistoryRedis = "redis"
)

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			MaxUserQueueSize: 0,
		},
		Retry: RetryConfig{
			MaxAttempts:          3,
			RequestTimeout:       10 * time.Second,
			Delay:                500 * time.Millisecond,
			URLResolveMaxRetries: 3,
		},
		Download: DownloadConfig{
			Workers:   4,
			Timeout:   60 * time.Second,
			OutputDir: "./downloads",
		},
		Extractor: ExtractorConfig{
			Backend:   BackendWeb,
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			YtdlpPath: "yt-dlp",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Cache: CacheConfig{
			NumCounters: 100_000,
			MaxCost:     10_000,
			LinkTTL:     time.Hour,
		},
		History: HistoryConfig{
			Backend:  HistoryNone,
			File:     "history.jsonl",
			RedisKey: "tikfetch:downloads",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromEnv overrides configuration from environment variables. The
// unprefixed names are accepted for compatibility with existing bot
// deployments; TIKFETCH_ prefixed names win when both are set.
func (c *Config) LoadFromEnv() error {
	var errs []error

	setInt := func(dst *int, names ...string) {
		if v, ok := lookupEnv(names...); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", names[0], err))
				return
			}
			*dst = n
		}
	}
	setBool := func(dst *bool, names ...string) {
		if v, ok := lookupEnv(names...); ok {
			*dst = parseBool(v)
		}
	}
	setString := func(dst *string, names ...string) {
		if v, ok := lookupEnv(names...); ok {
			*dst = v
		}
	}
	setSeconds := func(dst *time.Duration, names ...string) {
		if v, ok := lookupEnv(names...); ok {
			d, err := parseSeconds(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", names[0], err))
				return
			}
			*dst = d
		}
	}

	setInt(&c.Queue.MaxUserQueueSize, "TIKFETCH_MAX_USER_QUEUE_SIZE", "MAX_USER_QUEUE_SIZE")

	setInt(&c.Retry.MaxAttempts, "TIKFETCH_RETRY_MAX_ATTEMPTS", "RETRY_MAX_ATTEMPTS", "DOWNLOAD_MAX_RETRIES")
	setSeconds(&c.Retry.RequestTimeout, "TIKFETCH_RETRY_REQUEST_TIMEOUT", "RETRY_REQUEST_TIMEOUT")
	setInt(&c.Retry.URLResolveMaxRetries, "TIKFETCH_URL_RESOLVE_MAX_RETRIES", "URL_RESOLVE_MAX_RETRIES")
	setBool(&c.Retry.RateLimitBackoff, "TIKFETCH_RATE_LIMIT_BACKOFF")

	setString(&c.Proxy.File, "TIKFETCH_PROXY_FILE", "PROXY_FILE")
	setBool(&c.Proxy.DataOnly, "TIKFETCH_PROXY_DATA_ONLY", "PROXY_DATA_ONLY")
	setBool(&c.Proxy.IncludeHost, "TIKFETCH_PROXY_INCLUDE_HOST", "PROXY_INCLUDE_HOST")

	setInt(&c.Download.Workers, "TIKFETCH_WORKERS")
	setSeconds(&c.Download.MaxVideoDuration, "TIKFETCH_MAX_VIDEO_DURATION", "MAX_VIDEO_DURATION")
	setString(&c.Download.OutputDir, "TIKFETCH_OUTPUT_DIR")

	setString(&c.Extractor.Backend, "TIKFETCH_EXTRACTOR")
	setString(&c.Extractor.UserAgent, "TIKFETCH_USER_AGENT")
	setString(&c.Extractor.YtdlpPath, "TIKFETCH_YTDLP_PATH")
	setString(&c.Extractor.Profile, "TIKFETCH_PROFILE")

	setString(&c.History.Backend, "TIKFETCH_HISTORY")
	setString(&c.History.RedisAddr, "TIKFETCH_REDIS_ADDR")

	setString(&c.Logging.Level, "TIKFETCH_LOG_LEVEL", "LOG_LEVEL")

	return errors.Join(errs...)
}

func lookupEnv(names ...string) (string, bool) {
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// parseSeconds accepts either a bare number of seconds or a Go duration
func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = findConfigFile()
		if path == "" {
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for a config file in standard locations
func findConfigFile() string {
	home := os.Getenv("HOME")
	locations := []string{
		".tikfetch.yaml",
		".tikfetch.yml",
		filepath.Join(home, ".config", "tikfetch", "config.yaml"),
		filepath.Join(home, ".tikfetch.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Queue.MaxUserQueueSize < 0 {
		errs = append(errs, errors.New("max user queue size cannot be negative"))
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry max attempts must be positive"))
	}
	if c.Retry.RequestTimeout <= 0 {
		errs = append(errs, errors.New("retry request timeout must be positive"))
	}
	if c.Retry.Delay < 0 {
		errs = append(errs, errors.New("retry delay cannot be negative"))
	}
	if c.Retry.URLResolveMaxRetries <= 0 {
		errs = append(errs, errors.New("url resolve max retries must be positive"))
	}

	if c.Download.Workers <= 0 {
		errs = append(errs, errors.New("download workers must be positive"))
	}
	if c.Download.Timeout <= 0 {
		errs = append(errs, errors.New("download timeout must be positive"))
	}
	if c.Download.MaxVideoDuration < 0 {
		errs = append(errs, errors.New("max video duration cannot be negative"))
	}
	if c.Download.ImageLimit < 0 {
		errs = append(errs, errors.New("image limit cannot be negative"))
	}
	if c.Download.OutputDir == "" {
		errs = append(errs, errors.New("output directory is required"))
	}

	switch c.Extractor.Backend {
	case BackendWeb, BackendYtdlp:
	default:
		errs = append(errs, fmt.Errorf("unknown extractor backend %q", c.Extractor.Backend))
	}

	if c.RateLimit.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("requests per second must be positive"))
	}
	if c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("burst must be positive"))
	}

	if c.Cache.NumCounters <= 0 || c.Cache.MaxCost <= 0 {
		errs = append(errs, errors.New("cache counters and max cost must be positive"))
	}

	switch c.History.Backend {
	case HistoryNone, "":
	case HistoryFile:
		if c.History.File == "" {
			errs = append(errs, errors.New("history file is required for the file backend"))
		}
	case HistoryRedis:
		if c.History.RedisAddr == "" {
			errs = append(errs, errors.New("redis address is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown history backend %q", c.History.Backend))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	return errors.Join(errs...)
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration.
// Only flags the user actually set should be present in the map.
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if v, ok := flags["output"].(string); ok && v != "" {
		c.Download.OutputDir = v
	}
	if v, ok := flags["workers"].(int); ok && v > 0 {
		c.Download.Workers = v
	}
	if v, ok := flags["max-attempts"].(int); ok && v > 0 {
		c.Retry.MaxAttempts = v
	}
	if v, ok := flags["timeout"].(time.Duration); ok && v > 0 {
		c.Retry.RequestTimeout = v
	}
	if v, ok := flags["queue-size"].(int); ok && v >= 0 {
		c.Queue.MaxUserQueueSize = v
	}
	if v, ok := flags["extractor"].(string); ok && v != "" {
		c.Extractor.Backend = v
	}
	if v, ok := flags["proxy-file"].(string); ok && v != "" {
		c.Proxy.File = v
	}
	if v, ok := flags["profile"].(string); ok && v != "" {
		c.Extractor.Profile = v
	}
	if v, ok := flags["image-limit"].(int); ok && v >= 0 {
		c.Download.ImageLimit = v
	}
	if v, ok := flags["history"].(string); ok && v != "" {
		c.History.Backend = v
	}
	if v, ok := flags["log-level"].(string); ok && v != "" {
		c.Logging.Level = v
	}
}

// Load loads configuration from all sources with proper precedence:
// flags > environment > .env files > config file > defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".tikfetch.env"))

	cfg := DefaultConfig()

	if err := cfg.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg.MergeCommandLineFlags(flags)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}
