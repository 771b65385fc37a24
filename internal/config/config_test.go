package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ebreplay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.NodeID == "" {
		t.Error("expected a default node_id")
	}
	if cfg.Server.Address != "0.0.0.0:8080" {
		t.Errorf("expected default HTTP address '0.0.0.0:8080', got %q", cfg.Server.Address)
	}
	if cfg.Storage.Backend != StorageBadger {
		t.Errorf("expected badger storage by default, got %q", cfg.Storage.Backend)
	}
	if cfg.Pacing.Policy != "time_distance" || cfg.Pacing.Factor != 0.01 {
		t.Errorf("expected time_distance with factor 0.01, got %q %v", cfg.Pacing.Policy, cfg.Pacing.Factor)
	}
	if cfg.Publisher.Bus != "default" {
		t.Errorf("expected default bus, got %q", cfg.Publisher.Bus)
	}
	if len(cfg.Trigger.AllowedSources) != 1 || cfg.Trigger.AllowedSources[0] != "eb-test-app" {
		t.Errorf("expected eb-test-app allow-list, got %v", cfg.Trigger.AllowedSources)
	}
	if cfg.Archive.PollInterval != 5*time.Second || cfg.Archive.Window != time.Hour {
		t.Errorf("unexpected archive defaults %+v", cfg.Archive)
	}
	if !cfg.Metrics.Enabled {
		t.Error("expected Prometheus metrics to be enabled by default")
	}
	if cfg.Publisher.Breaker.Enabled {
		t.Error("expected the publish circuit breaker to be off by default")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level 'info', got %q", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing node_id",
			modify:  func(c *Config) { c.NodeID = "" },
			wantErr: true,
		},
		{
			name:    "missing http address",
			modify:  func(c *Config) { c.Server.Address = "" },
			wantErr: true,
		},
		{
			name:    "unknown log format",
			modify:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: true,
		},
		{
			name:    "badger without data dir",
			modify:  func(c *Config) { c.Storage.DataDir = "" },
			wantErr: true,
		},
		{
			name: "memory without data dir",
			modify: func(c *Config) {
				c.Storage.Backend = StorageMemory
				c.Storage.DataDir = ""
			},
			wantErr: false,
		},
		{
			name:    "unknown storage backend",
			modify:  func(c *Config) { c.Storage.Backend = "postgres" },
			wantErr: true,
		},
		{
			name:    "unknown pacing policy",
			modify:  func(c *Config) { c.Pacing.Policy = "random" },
			wantErr: true,
		},
		{
			name:    "proportional without target window",
			modify:  func(c *Config) { c.Pacing.Policy = "proportional" },
			wantErr: true,
		},
		{
			name: "proportional with target window",
			modify: func(c *Config) {
				c.Pacing.Policy = "proportional"
				c.Pacing.TargetWindow = Duration(10 * time.Minute)
			},
			wantErr: false,
		},
		{
			name:    "missing bus",
			modify:  func(c *Config) { c.Publisher.Bus = "" },
			wantErr: true,
		},
		{
			name: "cloudwatch sink without stream",
			modify: func(c *Config) {
				c.Sink.Type = SinkCloudWatch
				c.Sink.LogGroup = "g"
			},
			wantErr: true,
		},
		{
			name:    "sqs consumer without queue",
			modify:  func(c *Config) { c.Trigger.SQS.Enabled = true },
			wantErr: true,
		},
		{
			name:    "rate limit without burst",
			modify:  func(c *Config) { c.API.RateLimit.Burst = 0 },
			wantErr: true,
		},
		{
			name:    "sample rate out of range",
			modify:  func(c *Config) { c.Tracing.SampleRate = 2 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Load(t *testing.T) {
	path := writeConfig(t, `
node_id: test-node

server:
  address: 0.0.0.0:9080
  read_timeout: 60s

logging:
  level: debug
  format: console

storage:
  backend: memory
  retention: 48h

pacing:
  policy: proportional
  target_window: 15m
  max_delay: 1h

publisher:
  bus: replay-bus
  circuit_breaker:
    failure_threshold: 3

sink:
  type: cloudwatch
  log_group: /ebreplay/outcomes
  log_stream: replays

trigger:
  allowed_sources: [eb-test-app, orders]
  sqs:
    enabled: true
    queue_url: https://sqs.eu-west-1.amazonaws.com/123/replay

archive:
  archive_arn: arn:aws:events:eu-west-1:123:archive/app
  window: 30m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.NodeID != "test-node" {
		t.Errorf("expected node_id 'test-node', got %q", cfg.NodeID)
	}
	if cfg.Server.Address != "0.0.0.0:9080" {
		t.Errorf("expected HTTP address '0.0.0.0:9080', got %q", cfg.Server.Address)
	}
	if cfg.Server.ReadTimeout.Duration() != 60*time.Second {
		t.Errorf("expected read timeout 60s, got %v", cfg.Server.ReadTimeout.Duration())
	}
	if cfg.Server.WriteTimeout.Duration() != 90*time.Second {
		t.Errorf("expected unset write timeout to keep its default, got %v", cfg.Server.WriteTimeout.Duration())
	}
	if cfg.Storage.Retention.Duration() != 48*time.Hour {
		t.Errorf("expected retention 48h, got %v", cfg.Storage.Retention.Duration())
	}
	opts := cfg.Pacing.Options()
	if opts.Policy != "proportional" || opts.TargetWindow != 15*time.Minute || opts.MaxDelay != time.Hour {
		t.Errorf("unexpected pacing options %+v", opts)
	}
	if cfg.Publisher.Bus != "replay-bus" || cfg.Publisher.Breaker.FailureThreshold != 3 {
		t.Errorf("unexpected publisher config %+v", cfg.Publisher)
	}
	if cfg.Publisher.Breaker.SuccessThreshold != 2 {
		t.Errorf("expected default success threshold, got %d", cfg.Publisher.Breaker.SuccessThreshold)
	}
	if len(cfg.Trigger.AllowedSources) != 2 {
		t.Errorf("expected 2 allowed sources, got %v", cfg.Trigger.AllowedSources)
	}
	consumer := cfg.Trigger.SQS.Consumer()
	if consumer.QueueURL == "" || consumer.WaitTime != 20*time.Second {
		t.Errorf("unexpected consumer config %+v", consumer)
	}
	if cfg.Archive.Window != 30*time.Minute || cfg.Archive.PollInterval != 5*time.Second {
		t.Errorf("unexpected archive config %+v", cfg.Archive)
	}
}

func TestConfig_Load_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Publisher.Bus != "default" {
		t.Errorf("expected defaults, got bus %q", cfg.Publisher.Bus)
	}
}

func TestConfig_Load_InvalidFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestConfig_Load_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: yaml: content:")

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestConfig_Load_Invalid(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: postgres\n")

	if _, err := Load(path); err == nil {
		t.Error("expected validation error")
	}
}

func TestConfig_ExpandsVariables(t *testing.T) {
	t.Setenv("REPLAY_QUEUE", "https://sqs.eu-west-1.amazonaws.com/123/from-env")

	path := writeConfig(t, "trigger:\n  sqs:\n    enabled: true\n    queue_url: ${REPLAY_QUEUE}\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Trigger.SQS.QueueURL != "https://sqs.eu-west-1.amazonaws.com/123/from-env" {
		t.Errorf("expected expanded queue url, got %q", cfg.Trigger.SQS.QueueURL)
	}
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("EBREPLAY_NODE_ID", "env-node")
	t.Setenv("EBREPLAY_STORAGE_DATA_DIR", "/env/data")
	t.Setenv("EBREPLAY_LOG_LEVEL", "warn")
	t.Setenv("EBREPLAY_PUBLISHER_BUS", "env-bus")
	t.Setenv("EBREPLAY_PUBLISHER_BREAKER_TIMEOUT", "45s")
	t.Setenv("EBREPLAY_TRIGGER_ALLOWED_SOURCES", "a,b,c")
	t.Setenv("EBREPLAY_API_KEYS", "key-one,key-two")
	t.Setenv("EBREPLAY_AWS_REGION", "eu-central-1")
	t.Setenv("EBREPLAY_ARCHIVE_POLL_INTERVAL", "10s")
	t.Setenv("EBREPLAY_TRACING_ENABLED", "true")

	path := writeConfig(t, `
node_id: file-node
storage:
  data_dir: /file/data
logging:
  level: info
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Environment variables should override file values
	if cfg.NodeID != "env-node" {
		t.Errorf("expected node_id 'env-node' from env, got %q", cfg.NodeID)
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("expected data_dir '/env/data' from env, got %q", cfg.Storage.DataDir)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level 'warn' from env, got %q", cfg.Logging.Level)
	}
	if cfg.Publisher.Bus != "env-bus" {
		t.Errorf("expected bus from env, got %q", cfg.Publisher.Bus)
	}
	if cfg.Publisher.Breaker.Timeout.Duration() != 45*time.Second {
		t.Errorf("expected breaker timeout from env, got %v", cfg.Publisher.Breaker.Timeout)
	}
	if len(cfg.Trigger.AllowedSources) != 3 {
		t.Errorf("expected 3 allowed sources from env, got %v", cfg.Trigger.AllowedSources)
	}
	if len(cfg.API.Keys) != 2 {
		t.Errorf("expected 2 API keys from env, got %v", cfg.API.Keys)
	}
	if cfg.AWS.Region != "eu-central-1" {
		t.Errorf("expected region from env, got %q", cfg.AWS.Region)
	}
	if cfg.Archive.PollInterval != 10*time.Second {
		t.Errorf("expected poll interval from env, got %v", cfg.Archive.PollInterval)
	}
	if !cfg.Tracing.Enabled {
		t.Error("expected tracing enabled from env")
	}
}

func TestDuration_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
	}{
		{"1s", time.Second},
		{"5m", 5 * time.Minute},
		{"1h30m", 90 * time.Minute},
		{"100ms", 100 * time.Millisecond},
		{"30", 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			type testStruct struct {
				Timeout Duration `yaml:"timeout"`
			}

			var ts testStruct
			if err := yaml.Unmarshal([]byte("timeout: "+tt.input), &ts); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}

			if ts.Timeout.Duration() != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, ts.Timeout.Duration())
			}
		})
	}
}

func TestConfig_LoadExample(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "ebreplay.example.yaml"))
	if err != nil {
		t.Fatalf("failed to load example config: %v", err)
	}

	if cfg.NodeID != "replayd-1" {
		t.Errorf("expected node_id replayd-1, got %q", cfg.NodeID)
	}
	if cfg.Storage.Retention.Duration() != 168*time.Hour {
		t.Errorf("expected 168h retention, got %v", cfg.Storage.Retention.Duration())
	}
	if cfg.Publisher.Bus != "replay-target-bus" {
		t.Errorf("expected replay-target-bus, got %q", cfg.Publisher.Bus)
	}
	if cfg.Archive.Window != time.Hour || cfg.Archive.PollInterval != 5*time.Second {
		t.Errorf("unexpected archive timings %v %v", cfg.Archive.Window, cfg.Archive.PollInterval)
	}
	if err := cfg.Archive.Validate(); err != nil {
		t.Errorf("expected a complete archive section, got %v", err)
	}
	if cfg.Trigger.SQS.Consumer().VisibilityTimeout != 5*time.Minute {
		t.Errorf("expected 5m visibility timeout, got %v", cfg.Trigger.SQS.Consumer().VisibilityTimeout)
	}
}
