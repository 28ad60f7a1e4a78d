// Package config loads and validates service configuration from file and
// environment, with environment taking precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the intelligence hub service.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	AI       AIConfig       `mapstructure:"ai"`
	KeyPool  KeyPoolConfig  `mapstructure:"keypool"`
	DB       DBConfig       `mapstructure:"db"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Publish  PublishConfig  `mapstructure:"publish"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig guards the collector submission endpoint.
type AuthConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	CollectorTokens []string `mapstructure:"collector_tokens"`
}

// PipelineConfig tunes the scheduler and acceptance policy.
type PipelineConfig struct {
	Concurrency      int      `mapstructure:"concurrency"`
	QueueDepth       int      `mapstructure:"queue_depth"`
	MaxRetries       int      `mapstructure:"max_retries"`
	BackoffBaseMs    int      `mapstructure:"backoff_base_ms"`
	BackoffMaxMs     int      `mapstructure:"backoff_max_ms"`
	ArchiveThreshold float64  `mapstructure:"archive_threshold"`
	ExcludeClasses   []string `mapstructure:"exclude_classes"`
	SweepSeconds     int      `mapstructure:"sweep_seconds"`
	ResumeLimit      int      `mapstructure:"resume_limit"`
}

// AIConfig describes the AI backend and its credentials.
type AIConfig struct {
	TimeoutSeconds int           `mapstructure:"timeout_seconds"`
	MaxRPS         float64       `mapstructure:"max_rps"`
	Keys           []AIKeyConfig `mapstructure:"keys"`
}

// AIKeyConfig is one rotatable credential.
type AIKeyConfig struct {
	Name       string `mapstructure:"name"`
	Endpoint   string `mapstructure:"endpoint"`
	Credential string `mapstructure:"credential"`
	Model      string `mapstructure:"model"`
}

// KeyPoolConfig tunes credential cooldown and disablement.
type KeyPoolConfig struct {
	CooldownBaseSeconds int `mapstructure:"cooldown_base_seconds"`
	CooldownMaxSeconds  int `mapstructure:"cooldown_max_seconds"`
	DisableThreshold    int `mapstructure:"disable_threshold"`
}

// DBConfig holds Postgres connection settings.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// AuditConfig controls conversation audit blob storage.
// Provider is one of "gcs", "local", or "none".
type AuditConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	BaseDir   string `mapstructure:"base_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PublishConfig controls archive event publishing.
// Provider is one of "pubsub" or "none".
type PublishConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig selects the logger profile.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load reads configuration from the optional file at path, overlaid with
// INTELHUB_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INTELHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("auth.enabled", false)

	v.SetDefault("pipeline.concurrency", 3)
	v.SetDefault("pipeline.queue_depth", 256)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.backoff_base_ms", 2000)
	v.SetDefault("pipeline.backoff_max_ms", 300000)
	v.SetDefault("pipeline.archive_threshold", 5.0)
	v.SetDefault("pipeline.sweep_seconds", 15)
	v.SetDefault("pipeline.resume_limit", 1000)

	v.SetDefault("ai.timeout_seconds", 90)
	v.SetDefault("ai.max_rps", 1.0)

	v.SetDefault("keypool.cooldown_base_seconds", 30)
	v.SetDefault("keypool.cooldown_max_seconds", 1800)
	v.SetDefault("keypool.disable_threshold", 8)

	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 2)

	v.SetDefault("audit.provider", "none")
	v.SetDefault("audit.prefix", "conversations")

	v.SetDefault("publish.provider", "none")

	v.SetDefault("logging.development", true)
}

// Validate checks cross-field constraints before the service starts.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive, got %d", c.Server.Port)
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline.concurrency must be positive, got %d", c.Pipeline.Concurrency)
	}
	if c.Pipeline.QueueDepth <= 0 {
		return fmt.Errorf("pipeline.queue_depth must be positive, got %d", c.Pipeline.QueueDepth)
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must not be negative, got %d", c.Pipeline.MaxRetries)
	}
	if c.Pipeline.ArchiveThreshold < 0 || c.Pipeline.ArchiveThreshold > 10 {
		return fmt.Errorf("pipeline.archive_threshold must be in [0,10], got %g", c.Pipeline.ArchiveThreshold)
	}
	if c.AI.TimeoutSeconds <= 0 {
		return fmt.Errorf("ai.timeout_seconds must be positive, got %d", c.AI.TimeoutSeconds)
	}
	if c.Auth.Enabled && len(c.Auth.CollectorTokens) == 0 {
		return fmt.Errorf("auth.collector_tokens is required when auth is enabled")
	}
	for i, k := range c.AI.Keys {
		if k.Endpoint == "" {
			return fmt.Errorf("ai.keys[%d]: endpoint is required", i)
		}
	}
	switch c.Audit.Provider {
	case "none", "local":
	case "gcs":
		if c.Audit.GCSBucket == "" {
			return fmt.Errorf("audit.gcs_bucket is required when audit.provider is gcs")
		}
	default:
		return fmt.Errorf("audit.provider must be one of gcs, local, none; got %q", c.Audit.Provider)
	}
	switch c.Publish.Provider {
	case "none":
	case "pubsub":
		if c.Publish.ProjectID == "" || c.Publish.TopicName == "" {
			return fmt.Errorf("publish.project_id and publish.topic_name are required when publish.provider is pubsub")
		}
	default:
		return fmt.Errorf("publish.provider must be one of pubsub, none; got %q", c.Publish.Provider)
	}
	return nil
}

// AnalysisTimeout returns the per-call AI timeout as a duration.
func (c *Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.AI.TimeoutSeconds) * time.Second
}

// BackoffBase returns the retry backoff base as a duration.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Pipeline.BackoffBaseMs) * time.Millisecond
}

// BackoffMax returns the retry backoff cap as a duration.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Pipeline.BackoffMaxMs) * time.Millisecond
}
