// Package config provides configuration management for ebreplay.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/chronos/ebreplay/internal/archive"
	"github.com/chronos/ebreplay/internal/awsclient"
	"github.com/chronos/ebreplay/internal/pacing"
	"github.com/chronos/ebreplay/internal/trigger"
	"github.com/chronos/ebreplay/internal/tracing"
	"github.com/chronos/ebreplay/pkg/duration"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EBREPLAY_"

// Duration is an alias for the shared duration.Duration type.
type Duration = duration.Duration

// Config represents the complete ebreplay configuration.
type Config struct {
	NodeID       string             `yaml:"node_id" env:"NODE_ID"`
	Server       ServerConfig       `yaml:"server" envPrefix:"HTTP_"`
	Logging      LoggingConfig      `yaml:"logging" envPrefix:"LOG_"`
	Storage      StorageConfig      `yaml:"storage" envPrefix:"STORAGE_"`
	Pacing       PacingConfig       `yaml:"pacing" envPrefix:"PACING_"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" envPrefix:"ORCHESTRATOR_"`
	Publisher    PublisherConfig    `yaml:"publisher" envPrefix:"PUBLISHER_"`
	AWS          awsclient.Config   `yaml:"aws" envPrefix:"AWS_"`
	Sink         SinkConfig         `yaml:"sink" envPrefix:"SINK_"`
	Trigger      TriggerConfig      `yaml:"trigger" envPrefix:"TRIGGER_"`
	Archive      archive.Config     `yaml:"archive" envPrefix:"ARCHIVE_"`
	API          APIConfig          `yaml:"api" envPrefix:"API_"`
	Metrics      MetricsConfig      `yaml:"metrics" envPrefix:"METRICS_"`
	Tracing      tracing.Config     `yaml:"tracing" envPrefix:"TRACING_"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address         string   `yaml:"address" env:"ADDRESS"`
	ReadTimeout     Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // json or console
}

// Storage backends.
const (
	StorageBadger = "badger"
	StorageMemory = "memory"
)

// StorageConfig contains execution store settings.
type StorageConfig struct {
	Backend       string   `yaml:"backend" env:"BACKEND"`
	DataDir       string   `yaml:"data_dir" env:"DATA_DIR"`
	Retention     Duration `yaml:"retention" env:"RETENTION"`
	PruneInterval Duration `yaml:"prune_interval" env:"PRUNE_INTERVAL"`
}

// PacingConfig selects the wait policy.
type PacingConfig struct {
	Policy       string   `yaml:"policy" env:"POLICY"`
	Factor       float64  `yaml:"factor" env:"FACTOR"`
	TargetWindow Duration `yaml:"target_window" env:"TARGET_WINDOW"`
	MaxDelay     Duration `yaml:"max_delay" env:"MAX_DELAY"`
}

// Options converts the configuration to calculator options.
func (p PacingConfig) Options() pacing.Options {
	return pacing.Options{
		Policy:       p.Policy,
		Factor:       p.Factor,
		TargetWindow: p.TargetWindow.Duration(),
		MaxDelay:     p.MaxDelay.Duration(),
	}
}

// OrchestratorConfig contains execution settings.
type OrchestratorConfig struct {
	PublishTimeout   Duration `yaml:"publish_timeout" env:"PUBLISH_TIMEOUT"`
	SinkTimeout      Duration `yaml:"sink_timeout" env:"SINK_TIMEOUT"`
	SubscriberBuffer int      `yaml:"subscriber_buffer" env:"SUBSCRIBER_BUFFER"`
	ResumeOnStart    bool     `yaml:"resume_on_start" env:"RESUME_ON_START"`
}

// PublisherConfig contains target bus settings.
type PublisherConfig struct {
	Bus     string        `yaml:"bus" env:"BUS"`
	Breaker BreakerConfig `yaml:"circuit_breaker" envPrefix:"BREAKER_"`
}

// BreakerConfig contains publish circuit breaker settings.
type BreakerConfig struct {
	Enabled          bool     `yaml:"enabled" env:"ENABLED"`
	FailureThreshold int      `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	SuccessThreshold int      `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
	Timeout          Duration `yaml:"timeout" env:"TIMEOUT"`
}

// Sink types.
const (
	SinkLog        = "log"
	SinkCloudWatch = "cloudwatch"
	SinkNone       = "none"
)

// SinkConfig contains observability sink settings.
type SinkConfig struct {
	Type          string `yaml:"type" env:"TYPE"`
	LogGroup      string `yaml:"log_group" env:"LOG_GROUP"`
	LogStream     string `yaml:"log_stream" env:"LOG_STREAM"`
	DeadLetterURL string `yaml:"dead_letter_url" env:"DEAD_LETTER_URL"`
	// MirrorLog also writes records to the process log when the primary is remote.
	MirrorLog bool `yaml:"mirror_log" env:"MIRROR_LOG"`
}

// TriggerConfig contains trigger intake settings.
type TriggerConfig struct {
	AllowedSources []string  `yaml:"allowed_sources" env:"ALLOWED_SOURCES" envSeparator:","`
	SQS            SQSConfig `yaml:"sqs" envPrefix:"SQS_"`
}

// SQSConfig contains queue consumer settings.
type SQSConfig struct {
	Enabled           bool     `yaml:"enabled" env:"ENABLED"`
	QueueURL          string   `yaml:"queue_url" env:"QUEUE_URL"`
	MaxMessages       int32    `yaml:"max_messages" env:"MAX_MESSAGES"`
	WaitTime          Duration `yaml:"wait_time" env:"WAIT_TIME"`
	VisibilityTimeout Duration `yaml:"visibility_timeout" env:"VISIBILITY_TIMEOUT"`
}

// Consumer converts the configuration to consumer settings.
func (s SQSConfig) Consumer() trigger.ConsumerConfig {
	return trigger.ConsumerConfig{
		QueueURL:          s.QueueURL,
		MaxMessages:       s.MaxMessages,
		WaitTime:          s.WaitTime.Duration(),
		VisibilityTimeout: s.VisibilityTimeout.Duration(),
	}
}

// APIConfig contains REST API settings.
type APIConfig struct {
	Keys      []string        `yaml:"keys" env:"KEYS" envSeparator:","`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
}

// RateLimitConfig contains submission rate limit settings.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" env:"ENABLED"`
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"RPS"`
	Burst             int     `yaml:"burst" env:"BURST"`
}

// MetricsConfig contains metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "ebreplay-1"
	}

	return &Config{
		NodeID: hostname,
		Server: ServerConfig{
			Address:         "0.0.0.0:8080",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(90 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Backend:       StorageBadger,
			DataDir:       "./data",
			Retention:     Duration(7 * 24 * time.Hour),
			PruneInterval: Duration(time.Hour),
		},
		Pacing: PacingConfig{
			Policy:   pacing.PolicyTimeDistance,
			Factor:   pacing.DefaultFactor,
			MaxDelay: Duration(pacing.DefaultMaxDelay),
		},
		Orchestrator: OrchestratorConfig{
			PublishTimeout:   Duration(30 * time.Second),
			SinkTimeout:      Duration(10 * time.Second),
			SubscriberBuffer: 64,
			ResumeOnStart:    true,
		},
		Publisher: PublisherConfig{
			Bus: "default",
			// Off by default: an open breaker fails sibling executions.
			Breaker: BreakerConfig{
				Enabled:          false,
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          Duration(30 * time.Second),
			},
		},
		Sink: SinkConfig{
			Type: SinkLog,
		},
		Trigger: TriggerConfig{
			AllowedSources: append([]string(nil), trigger.DefaultAllowedSources...),
			SQS: SQSConfig{
				MaxMessages: 10,
				WaitTime:    Duration(20 * time.Second),
			},
		},
		Archive: archive.DefaultConfig(),
		API: APIConfig{
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 100,
				Burst:             200,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// Load loads configuration from a file, then applies EBREPLAY_* environment
// overrides. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables
		data = []byte(os.ExpandEnv(string(data)))

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageBadger:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required for the badger backend")
		}
	default:
		return fmt.Errorf("storage.backend must be badger or memory, got %q", c.Storage.Backend)
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage.retention must not be negative")
	}

	if _, err := pacing.New(c.Pacing.Options()); err != nil {
		return fmt.Errorf("pacing: %w", err)
	}
	if c.Pacing.Factor < 0 {
		return fmt.Errorf("pacing.factor must not be negative")
	}

	if c.Publisher.Bus == "" {
		return fmt.Errorf("publisher.bus is required")
	}

	switch c.Sink.Type {
	case SinkLog, SinkNone:
	case SinkCloudWatch:
		if c.Sink.LogGroup == "" || c.Sink.LogStream == "" {
			return fmt.Errorf("sink.log_group and sink.log_stream are required for the cloudwatch sink")
		}
	default:
		return fmt.Errorf("sink.type must be log, cloudwatch or none, got %q", c.Sink.Type)
	}

	if c.Trigger.SQS.Enabled && c.Trigger.SQS.QueueURL == "" {
		return fmt.Errorf("trigger.sqs.queue_url is required when the consumer is enabled")
	}

	if c.API.RateLimit.Enabled && (c.API.RateLimit.RequestsPerSecond <= 0 || c.API.RateLimit.Burst <= 0) {
		return fmt.Errorf("api.rate_limit requires positive requests_per_second and burst")
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}
	return nil
}
