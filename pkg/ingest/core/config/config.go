// Package config defines the tsingest configuration tree and its loader.
package config

import "time"

// EmbeddedConfig holds the raw bytes of the embedded application.yaml.
type EmbeddedConfig []byte

// ServerConfig configures the operational HTTP API.
type ServerConfig struct {
	Addr                   string `yaml:"addr"`
	ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	Mode                   string `yaml:"mode"` // gin mode: release, debug, test
}

// PoolConfig holds database connection pool settings.
type PoolConfig struct {
	MaxOpenConns           int `yaml:"max_open_conns"`
	MaxIdleConns           int `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int `yaml:"conn_max_lifetime_minutes"`
}

// DatabaseConfig configures the transactional job/execution/gap store.
type DatabaseConfig struct {
	Type     string     `yaml:"type"`     // sqlite, postgres, mysql
	Host     string     `yaml:"host"`     // ignored for sqlite
	Port     int        `yaml:"port"`     // ignored for sqlite
	Database string     `yaml:"database"` // file path for sqlite
	User     string     `yaml:"user"`
	Password string     `yaml:"password"`
	Sslmode  string     `yaml:"sslmode"`
	LogLevel string     `yaml:"log_level"` // SILENT, ERROR, WARN, INFO
	Pool     PoolConfig `yaml:"pool"`
}

// StorageConfig configures the partition backend.
type StorageConfig struct {
	Type            string `yaml:"type"`             // local or gcs
	BaseDir         string `yaml:"base_dir"`         // root directory for the local backend
	Bucket          string `yaml:"bucket"`           // bucket for the gcs backend
	Prefix          string `yaml:"prefix"`           // object prefix for the gcs backend
	CredentialsFile string `yaml:"credentials_file"` // optional service account file for gcs
	Compression     string `yaml:"compression"`      // SNAPPY, GZIP, NONE
}

// HTTPConfig configures outbound provider requests.
type HTTPConfig struct {
	TimeoutSeconds          int    `yaml:"timeout_seconds"`
	SyncFetchTimeoutSeconds int    `yaml:"sync_fetch_timeout_seconds"`
	UserAgent               string `yaml:"user_agent"`
}

// RetryConfig configures the fetch retry policy.
type RetryConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`     // total attempts including the first
	InitialInterval int      `yaml:"initial_interval"` // milliseconds
	MaxInterval     int      `yaml:"max_interval"`     // milliseconds
	Factor          float64  `yaml:"factor"`
	RetryableErrors []string `yaml:"retryable_errors"` // registered error names retried in addition to transient errors
}

// SchedulerConfig configures the trigger loop and dispatcher.
type SchedulerConfig struct {
	Enabled           bool   `yaml:"enabled"`
	MaxConcurrentJobs int    `yaml:"max_concurrent_jobs"`
	BatchSize         int    `yaml:"batch_size"` // concurrent entities inside one run
	JobTimeoutSeconds int    `yaml:"job_timeout_seconds"`
	CallbackURL       string `yaml:"callback_url"` // service URL that callback jobs post to
	PollSeconds       int    `yaml:"poll_seconds"` // callback completion polling interval
	Timezone          string `yaml:"timezone"`
}

// GapConfig configures the gap detector.
type GapConfig struct {
	LookbackDays      int      `yaml:"lookback_days"`
	MinArticlesPerDay int      `yaml:"min_articles_per_day"`
	Holidays          []string `yaml:"holidays"` // YYYY-MM-DD, excluded from business-day expectations
}

// BackfillConfig configures the backfill executor.
type BackfillConfig struct {
	MaxUnitsPerCycle int `yaml:"max_units_per_cycle"`
	MaxPerUnit       int `yaml:"max_per_unit"`
}

// CoverageConfig configures the coverage endpoint cache.
type CoverageConfig struct {
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"` // OTLP/HTTP endpoint, e.g. localhost:4318; empty disables export
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// AdapterConfig holds the settings shared by every source adapter.
// Adapter-specific settings live in Properties and are decoded by the adapter itself.
type AdapterConfig struct {
	Enabled            bool                   `yaml:"enabled"`
	BaseURL            string                 `yaml:"base_url"`
	APIKey             string                 `yaml:"api_key"`
	APIKeyHeader       string                 `yaml:"api_key_header"`
	APIKeyParam        string                 `yaml:"api_key_param"`
	RateLimitPerSecond float64                `yaml:"rate_limit_per_second"`
	Burst              int                    `yaml:"burst"`
	Properties         map[string]interface{} `yaml:"properties"`
}

// TrackingConfig lists the entities of one category the gap detector watches.
type TrackingConfig struct {
	Type     string   `yaml:"type"`   // prices, macro, news
	Source   string   `yaml:"source"` // adapter name
	Entities []string `yaml:"entities"`
}

// JobDefinition is a static trigger definition. Jobs are created from these at startup.
type JobDefinition struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Kind           string   `yaml:"kind"`    // refresh, detect_gaps, backfill, callback
	Trigger        string   `yaml:"trigger"` // cron:<expr>, interval:<duration>, manual
	Source         string   `yaml:"source"`
	Entities       []string `yaml:"entities"`
	Enabled        *bool    `yaml:"enabled"`
	MaxInstances   int      `yaml:"max_instances"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	CallbackPath   string   `yaml:"callback_path"`
	CallbackBody   string   `yaml:"callback_body"`
}

// IsEnabled reports the initial enabled flag of the definition (default true).
func (d JobDefinition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// IngestConfig holds everything under the top-level "tsingest" key.
type IngestConfig struct {
	Server    ServerConfig             `yaml:"server"`
	Database  DatabaseConfig           `yaml:"database"`
	Storage   StorageConfig            `yaml:"storage"`
	HTTP      HTTPConfig               `yaml:"http"`
	Retry     RetryConfig              `yaml:"retry"`
	Scheduler SchedulerConfig          `yaml:"scheduler"`
	Gaps      GapConfig                `yaml:"gaps"`
	Backfill  BackfillConfig           `yaml:"backfill"`
	Coverage  CoverageConfig           `yaml:"coverage"`
	Tracing   TracingConfig            `yaml:"tracing"`
	Logging   LoggingConfig            `yaml:"logging"`
	Adapters  map[string]AdapterConfig `yaml:"adapters"`
	Tracking  []TrackingConfig         `yaml:"tracking"`
	Jobs      []JobDefinition          `yaml:"jobs"`
}

// Config is the root configuration structure.
type Config struct {
	Ingest IngestConfig `yaml:"tsingest"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Ingest: IngestConfig{
			Server: ServerConfig{
				Addr:                   ":8080",
				ReadTimeoutSeconds:     15,
				WriteTimeoutSeconds:    30,
				ShutdownTimeoutSeconds: 10,
				Mode:                   "release",
			},
			Database: DatabaseConfig{
				Type:     "sqlite",
				Database: "data/tsingest.db",
				LogLevel: "SILENT",
				Pool: PoolConfig{
					MaxOpenConns:           4,
					MaxIdleConns:           2,
					ConnMaxLifetimeMinutes: 30,
				},
			},
			Storage: StorageConfig{
				Type:        "local",
				BaseDir:     "data/partitions",
				Compression: "SNAPPY",
			},
			HTTP: HTTPConfig{
				TimeoutSeconds:          30,
				SyncFetchTimeoutSeconds: 10,
				UserAgent:               "tsingest/1.0",
			},
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 500,
				MaxInterval:     10000,
				Factor:          2.0,
			},
			Scheduler: SchedulerConfig{
				Enabled:           true,
				MaxConcurrentJobs: 4,
				BatchSize:         10,
				JobTimeoutSeconds: 1800,
				PollSeconds:       5,
				Timezone:          "UTC",
			},
			Gaps: GapConfig{
				LookbackDays:      365,
				MinArticlesPerDay: 5,
			},
			Backfill: BackfillConfig{
				MaxUnitsPerCycle: 30,
				MaxPerUnit:       50,
			},
			Coverage: CoverageConfig{
				CacheTTLSeconds: 60,
			},
			Tracing: TracingConfig{
				ServiceName: "tsingest",
				SampleRatio: 1.0,
			},
			Logging: LoggingConfig{
				Level: "INFO",
			},
			Adapters: make(map[string]AdapterConfig),
		},
	}
}

// Seconds converts a configured number of seconds to a time.Duration,
// falling back to def when n is not positive.
func Seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// Millis converts a configured number of milliseconds to a time.Duration,
// falling back to def when n is not positive.
func Millis(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}
