// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Service identity reported by the health endpoint and telemetry.
const (
	ServiceName = "elastic-crawler"
	Version     = "1.0.0"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Crawler       CrawlerConfig       `mapstructure:"crawler"`
	Executions    ExecutionsConfig    `mapstructure:"executions"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	Notify        NotifyConfig        `mapstructure:"notify"`
	DB            DBConfig            `mapstructure:"db"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines the shared-secret header check. An empty key disables
// authentication entirely, matching the wrapped platform's behavior.
type AuthConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// Enabled reports whether requests must carry an API key.
func (a AuthConfig) Enabled() bool {
	return a.APIKey != ""
}

// CrawlerConfig locates the external crawler binary and bounds its runtime.
type CrawlerConfig struct {
	BinaryPath     string `mapstructure:"binary_path"`
	WorkingDir     string `mapstructure:"working_dir"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	TempDir        string `mapstructure:"temp_dir"`
}

// ExecutionsConfig governs the async execution queue and worker pool.
type ExecutionsConfig struct {
	QueueDepth int `mapstructure:"queue_depth"`
	Workers    int `mapstructure:"workers"`
}

// ElasticsearchConfig holds the credentials merged into every crawl config.
// Values come from the environment, never from request payloads.
type ElasticsearchConfig struct {
	Host   string `mapstructure:"host"`
	APIKey string `mapstructure:"api_key"`
}

// ArchiveConfig selects where raw crawler output is archived.
type ArchiveConfig struct {
	Provider    string `mapstructure:"provider"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// NotifyConfig holds metadata for completion notifications.
type NotifyConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DBConfig selects the execution registry backend.
type DBConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
}

// TelemetryConfig toggles the Cloud Trace exporter.
type TelemetryConfig struct {
	TraceEnabled bool   `mapstructure:"trace_enabled"`
	ProjectID    string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Secrets keep the names the hosting platform injects them under.
	if err := bindSecretEnv(v); err != nil {
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

func bindSecretEnv(v *viper.Viper) error {
	bindings := [][2]string{
		{"elasticsearch.host", "ELASTICSEARCH_HOST"},
		{"elasticsearch.api_key", "ELASTICSEARCH_API_KEY"},
		{"auth.api_key", "CRAWLER_API_KEY"},
	}
	for _, b := range bindings {
		if err := v.BindEnv(b[0], b[1]); err != nil {
			return fmt.Errorf("bind %s: %w", b[1], err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.binary_path", "bin/crawler")
	v.SetDefault("crawler.working_dir", "/crawler")
	v.SetDefault("crawler.timeout_seconds", 3300)
	v.SetDefault("executions.queue_depth", 16)
	v.SetDefault("executions.workers", 2)
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.prefix", "logs")
	v.SetDefault("archive.content_type", "text/plain; charset=utf-8")
	v.SetDefault("db.provider", "memory")
	v.SetDefault("db.table", "crawl_executions")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.BinaryPath == "" {
		return fmt.Errorf("crawler.binary_path must be set")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Executions.QueueDepth <= 0 {
		return fmt.Errorf("executions.queue_depth must be > 0")
	}
	if c.Executions.Workers <= 0 {
		return fmt.Errorf("executions.workers must be > 0")
	}
	switch c.Archive.Provider {
	case "none", "memory":
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set when archive.provider is gcs")
		}
	case "local":
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir must be set when archive.provider is local")
		}
	default:
		return fmt.Errorf("unknown archive.provider %q", c.Archive.Provider)
	}
	switch c.DB.Provider {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.provider is postgres")
		}
	default:
		return fmt.Errorf("unknown db.provider %q", c.DB.Provider)
	}
	if c.Notify.Enabled && (c.Notify.ProjectID == "" || c.Notify.TopicName == "") {
		return fmt.Errorf("notify.project_id and notify.topic_name must be set when notify is enabled")
	}
	return nil
}

// CrawlTimeout converts the subprocess timeout into a duration.
func (c Config) CrawlTimeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}
