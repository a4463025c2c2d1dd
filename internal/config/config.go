// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Rerank    RerankConfig    `mapstructure:"rerank"`
	Sitemap   SitemapConfig   `mapstructure:"sitemap"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	TaskStore TaskStoreConfig `mapstructure:"task_store"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig names the service for traces and enables Cloud Trace export.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	ProjectID   string `mapstructure:"project_id"`
}

// CrawlerConfig governs task caching, frontier growth and the worker pool.
type CrawlerConfig struct {
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	WindowSize       int           `mapstructure:"window_size"`
	RerankBatchSize  int           `mapstructure:"rerank_batch_size"`
	MaxRelevantLinks int           `mapstructure:"max_relevant_links"`
	ScoreRatio       float64       `mapstructure:"score_ratio"`
	MinScore         float64       `mapstructure:"min_score"`
	BlockedSuffixes  []string      `mapstructure:"blocked_suffixes"`
	DefaultMaxPages  int           `mapstructure:"default_max_pages"`
	MaxPagesLimit    int           `mapstructure:"max_pages_limit"`
	Workers          int           `mapstructure:"workers"`
	QueueDepth       int           `mapstructure:"queue_depth"`
	EnqueueTimeout   time.Duration `mapstructure:"enqueue_timeout"`
}

// FetchConfig points at the page fetch service.
type FetchConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// RerankConfig points at the relevance ranking service.
type RerankConfig struct {
	Endpoint       string   `mapstructure:"endpoint"`
	APIKeys        []string `mapstructure:"api_keys"`
	Rotation       string   `mapstructure:"rotation"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
}

// SitemapConfig controls sitemap discovery.
type SitemapConfig struct {
	UserAgent      string   `mapstructure:"user_agent"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	Proxies        []string `mapstructure:"proxies"`
}

// RateLimitConfig throttles page fetches per target host.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// StorageConfig selects the object cache backend.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem object cache.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// TaskStoreConfig selects the task store backend.
type TaskStoreConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
	DSN        string `mapstructure:"dsn"`
	Table      string `mapstructure:"table"`
	MaxConns   int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig configures the progress hub and its sinks.
type ProgressConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	LogEnabled    bool          `mapstructure:"log_enabled"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchMaxCount int           `mapstructure:"batch_max_count"`
	BatchMaxWait  time.Duration `mapstructure:"batch_max_wait"`
	SinkTimeout   time.Duration `mapstructure:"sink_timeout"`
}

// Supported backends.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "adaptive-crawler")
	v.SetDefault("crawler.window_size", 3)
	v.SetDefault("crawler.rerank_batch_size", 32)
	v.SetDefault("crawler.max_relevant_links", 15)
	v.SetDefault("crawler.score_ratio", 0.6)
	v.SetDefault("crawler.min_score", 0.1)
	v.SetDefault("crawler.blocked_suffixes", []string{".zip", ".docx", ".pptx", ".xlsx"})
	v.SetDefault("crawler.default_max_pages", 10)
	v.SetDefault("crawler.max_pages_limit", 100)
	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.enqueue_timeout", "5s")
	v.SetDefault("fetch.timeout_seconds", 60)
	v.SetDefault("rerank.rotation", "sequential")
	v.SetDefault("rerank.timeout_seconds", 30)
	v.SetDefault("sitemap.user_agent", "adaptive-crawler/0.1")
	v.SetDefault("sitemap.timeout_seconds", 15)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default_rps", 2.0)
	v.SetDefault("rate_limit.default_burst", 3)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.prefix", "adaptive")
	v.SetDefault("task_store.backend", BackendMemory)
	v.SetDefault("task_store.table", "adaptive_crawl_tasks")
	v.SetDefault("task_store.max_conns", 8)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch_max_count", 256)
	v.SetDefault("progress.batch_max_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "2s")
}

// envOnlyKeys have no default, so AutomaticEnv alone would not surface them to Unmarshal.
var envOnlyKeys = []string{
	"auth.enabled",
	"auth.api_key",
	"telemetry.project_id",
	"crawler.cache_ttl",
	"fetch.base_url",
	"rerank.endpoint",
	"rerank.api_keys",
	"sitemap.proxies",
	"storage.bucket",
	"storage.local.base_dir",
	"task_store.sqlite_path",
	"task_store.dsn",
	"pubsub.project_id",
	"pubsub.topic_name",
}

func bindEnv(v *viper.Viper) error {
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if c.Crawler.CacheTTL <= 0 {
		errs = append(errs, errors.New("crawler.cache_ttl must be > 0"))
	}
	if c.Crawler.WindowSize <= 0 {
		errs = append(errs, errors.New("crawler.window_size must be > 0"))
	}
	if c.Crawler.Workers <= 0 {
		errs = append(errs, errors.New("crawler.workers must be > 0"))
	}
	if c.Crawler.DefaultMaxPages <= 0 || c.Crawler.DefaultMaxPages > c.Crawler.MaxPagesLimit {
		errs = append(errs, errors.New("crawler.default_max_pages must be within (0, crawler.max_pages_limit]"))
	}
	if c.Crawler.ScoreRatio <= 0 || c.Crawler.ScoreRatio > 1 {
		errs = append(errs, errors.New("crawler.score_ratio must be within (0, 1]"))
	}
	if c.Fetch.BaseURL == "" {
		errs = append(errs, errors.New("fetch.base_url is required"))
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("fetch.timeout_seconds must be > 0"))
	}
	if c.Rerank.Endpoint == "" {
		errs = append(errs, errors.New("rerank.endpoint is required"))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			errs = append(errs, errors.New("storage.local.base_dir is required for the local backend"))
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	switch c.TaskStore.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.TaskStore.SQLitePath == "" {
			errs = append(errs, errors.New("task_store.sqlite_path is required for the sqlite backend"))
		}
	case BackendPostgres:
		if c.TaskStore.DSN == "" {
			errs = append(errs, errors.New("task_store.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown task_store.backend %q", c.TaskStore.Backend))
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("pubsub.project_id must be set when pubsub.topic_name is set"))
	}
	return errors.Join(errs...)
}

// FetchTimeout converts fetch.timeout_seconds into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// RequestTimeout bounds each API request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
