// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Flavors recognized as dataset selectors. The flavor decides which
// PatentsView listing page is scraped and which BigQuery dataset receives
// the tables.
const (
	FlavorGranted  = "granted"
	FlavorPregrant = "pregrant"
	FlavorBeta     = "beta"
)

// ConfigurationError reports invalid run configuration. It is never
// retried; the process should surface it and exit.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// Config captures all pipeline configuration knobs loaded via Viper.
// It is an immutable value threaded explicitly through every component.
type Config struct {
	Flavor   string         `mapstructure:"flavor"`
	Version  string         `mapstructure:"version"`
	DataDir  string         `mapstructure:"data_dir"`
	Schemas  SchemaConfig   `mapstructure:"schemas"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Download DownloadConfig `mapstructure:"download"`
	Convert  ConvertConfig  `mapstructure:"convert"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	GCS      GCSConfig      `mapstructure:"gcs"`
	BigQuery BigQueryConfig `mapstructure:"bigquery"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// SchemaConfig locates externally authored table schema documents.
type SchemaConfig struct {
	Dir string `mapstructure:"dir"`
}

// HTTPConfig configures the retrying HTTP client used for all remote access.
type HTTPConfig struct {
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxAttempts      int    `mapstructure:"max_attempts"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	UserAgent        string `mapstructure:"user_agent"`
	// RetryForbidden treats HTTP 403 as transient. The PatentsView host
	// intermittently 403s requests that succeed on a later attempt.
	RetryForbidden bool `mapstructure:"retry_forbidden"`
}

// DownloadConfig governs archive acquisition behavior.
type DownloadConfig struct {
	// Force re-downloads archives even when a valid one already exists.
	Force bool `mapstructure:"force"`
	// ForceAfter re-downloads archives whose on-disk copy is older than
	// this window. Zero means existence alone is enough.
	ForceAfter time.Duration `mapstructure:"force_after"`
}

// ConvertConfig governs the zip-to-parquet conversion stage.
type ConvertConfig struct {
	ChunkRows int `mapstructure:"chunk_rows"`
	// MaxSkipRatio fails a conversion when skipped/total exceeds it.
	// Zero keeps skips non-fatal (they are always counted and logged).
	MaxSkipRatio float64 `mapstructure:"max_skip_ratio"`
}

// PipelineConfig controls task graph execution.
type PipelineConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	// MaxTables caps how many tables are processed; 0 means no cap.
	// Intended for test runs against the live host.
	MaxTables int `mapstructure:"max_tables"`
}

// GCSConfig names the upload destination.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// BigQueryConfig controls warehouse registration.
type BigQueryConfig struct {
	ProjectID  string `mapstructure:"project_id"`
	MakePublic bool   `mapstructure:"make_public"`
}

// PubSubConfig holds metadata for completion-event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PVINGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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
	v.SetDefault("flavor", FlavorGranted)
	v.SetDefault("data_dir", "bld")
	v.SetDefault("schemas.dir", "resources/schemas")
	v.SetDefault("http.timeout_seconds", 60)
	v.SetDefault("http.max_attempts", 5)
	v.SetDefault("http.backoff_initial_ms", 1000)
	v.SetDefault("http.backoff_max_ms", 30000)
	v.SetDefault("http.user_agent", defaultUserAgent)
	v.SetDefault("http.retry_forbidden", true)
	v.SetDefault("convert.chunk_rows", 50000)
	v.SetDefault("convert.max_skip_ratio", 0.0)
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("gcs.prefix", "i3_raw/patentsview")
	v.SetDefault("logging.development", false)
}

// The remote host rejects default Go client identifiers with 403, so the
// downloader presents an ordinary desktop browser.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Flavor {
	case FlavorGranted, FlavorPregrant, FlavorBeta:
	default:
		return &ConfigurationError{
			Field:  "flavor",
			Reason: fmt.Sprintf("%q is not one of granted, pregrant, beta", c.Flavor),
		}
	}
	if strings.TrimSpace(c.Version) == "" {
		return &ConfigurationError{Field: "version", Reason: "must be set"}
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return &ConfigurationError{Field: "data_dir", Reason: "must be set"}
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return &ConfigurationError{Field: "http.timeout_seconds", Reason: "must be > 0"}
	}
	if c.HTTP.MaxAttempts <= 0 {
		return &ConfigurationError{Field: "http.max_attempts", Reason: "must be > 0"}
	}
	if c.Convert.ChunkRows <= 0 {
		return &ConfigurationError{Field: "convert.chunk_rows", Reason: "must be > 0"}
	}
	if c.Convert.MaxSkipRatio < 0 || c.Convert.MaxSkipRatio > 1 {
		return &ConfigurationError{Field: "convert.max_skip_ratio", Reason: "must be in [0, 1]"}
	}
	if c.Pipeline.Concurrency <= 0 {
		return &ConfigurationError{Field: "pipeline.concurrency", Reason: "must be > 0"}
	}
	if c.Pipeline.MaxTables < 0 {
		return &ConfigurationError{Field: "pipeline.max_tables", Reason: "must be >= 0"}
	}
	return nil
}

// RequestTimeout converts the HTTP timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
