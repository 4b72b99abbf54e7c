package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sentinelops/internal/agent"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	// Test server defaults
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected HTTPPort 8080, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected ReadTimeout 30s, got %v", cfg.Server.ReadTimeout)
	}

	// Test backend defaults
	if cfg.Storage.Driver != "badger" {
		t.Errorf("expected storage driver badger, got %s", cfg.Storage.Driver)
	}
	if cfg.Transport.Driver != "memory" {
		t.Errorf("expected transport driver memory, got %s", cfg.Transport.Driver)
	}
	if cfg.Transport.Kafka == nil || cfg.Transport.Kafka.TopicPrefix == "" {
		t.Error("expected kafka defaults to be populated")
	}
	if cfg.Lease.Driver != "local" {
		t.Errorf("expected lease driver local, got %s", cfg.Lease.Driver)
	}

	// Test rate limit defaults
	if !cfg.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled to be true")
	}
	if len(cfg.RateLimit.ExemptPaths) != 2 {
		t.Errorf("expected 2 exempt paths, got %v", cfg.RateLimit.ExemptPaths)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"port zero", func(c *Config) { c.Server.HTTPPort = 0 }, "http_port"},
		{"port too high", func(c *Config) { c.Server.HTTPPort = 70000 }, "http_port"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging"},
		{"engine queue", func(c *Config) { c.Engine.QueueDepth = 0 }, "engine"},
		{"router retries", func(c *Config) { c.Router.MaxRetries = 0 }, "router"},
		{"breaker", func(c *Config) { c.Breaker.Threshold = 0 }, "breaker"},
		{"lease driver", func(c *Config) { c.Lease.Driver = "zookeeper" }, "lease"},
		{"redis lease without redis", func(c *Config) { c.Lease.Driver = "redis" }, "redis.enabled"},
		{"storage driver", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage"},
		{"postgres without dsn", func(c *Config) {
			c.Storage.Driver = "postgres"
			c.Storage.Postgres.DSN = ""
		}, "dsn"},
		{"transport driver", func(c *Config) { c.Transport.Driver = "nats" }, "transport"},
		{"kafka without brokers", func(c *Config) {
			c.Transport.Driver = "kafka"
			c.Transport.Kafka.Brokers = nil
		}, "transport"},
		{"kafka dead letters on memory transport", func(c *Config) { c.DeadLetter.Kafka = true }, "dead_letter"},
		{"s3 without bucket", func(c *Config) {
			c.DeadLetter.S3.Enabled = true
			c.DeadLetter.S3.Bucket = ""
		}, "bucket"},
		{"export without s3", func(c *Config) { c.Archive.ExportOnClose = true }, "export_on_close"},
		{"dev confidence", func(c *Config) { c.Agents.Dev.Confidence = 1.5 }, "confidence"},
		{"http agent url", func(c *Config) {
			c.Agents.HTTP = []agent.HTTPConfig{{Name: "analysis", BaseURL: "ftp://x"}}
		}, "base_url"},
		{"rate limit", func(c *Config) { c.RateLimit.BurstSize = 0 }, "rate_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_KafkaTransport(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.Driver = "kafka"
	cfg.Transport.Kafka.Brokers = []string{"localhost:9092"}
	cfg.DeadLetter.Kafka = true

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid kafka config, got %v", err)
	}
}

func TestLoadFile_MissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.HTTPPort)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  http_port: 9090
engine:
  confidence_threshold: 0.8
storage:
  driver: postgres
  postgres:
    dsn: postgres://u:p@db/sentinel
redis:
  enabled: true
  addr: redis:6379
lease:
  driver: redis
dead_letter:
  s3:
    enabled: true
    bucket: dlq-bucket
agents:
  http:
    - name: analysis
      base_url: http://analysis:8000
      timeout: 5s
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.Server.HTTPPort)
	}
	if cfg.Engine.ConfidenceThreshold != 0.8 {
		t.Errorf("ConfidenceThreshold = %v, want 0.8", cfg.Engine.ConfidenceThreshold)
	}
	// Unset fields keep their defaults.
	if cfg.Engine.QueueDepth != 1024 {
		t.Errorf("QueueDepth = %d, want default 1024", cfg.Engine.QueueDepth)
	}
	if cfg.Redis.Addr != "redis:6379" || cfg.Redis.PoolSize != 10 {
		t.Errorf("redis = %+v", cfg.Redis.RedisConfig)
	}
	if cfg.DeadLetter.S3.Bucket != "dlq-bucket" || cfg.DeadLetter.S3.Region != "us-east-1" {
		t.Errorf("s3 = %+v", cfg.DeadLetter.S3.Config)
	}
	if len(cfg.Agents.HTTP) != 1 || cfg.Agents.HTTP[0].Timeout != 5*time.Second {
		t.Errorf("agents = %+v", cfg.Agents.HTTP)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should be valid: %v", err)
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SENTINEL_CONFIG_PATH", filepath.Join(t.TempDir(), "none.yaml"))
	t.Setenv("SENTINEL_HTTP_PORT", "9191")
	t.Setenv("SENTINEL_LOG_LEVEL", "debug")
	t.Setenv("SENTINEL_AUDIT_SECRET", "s3cret")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("SENTINEL_RATELIMIT_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 9191 {
		t.Errorf("HTTPPort = %d, want 9191", cfg.Server.HTTPPort)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %s, want debug", cfg.Logging.Level)
	}
	if cfg.Audit.SigningSecret != "s3cret" {
		t.Errorf("SigningSecret = %q", cfg.Audit.SigningSecret)
	}
	if cfg.Transport.Driver != "kafka" {
		t.Errorf("transport driver = %s, want kafka", cfg.Transport.Driver)
	}
	if got := cfg.Transport.Kafka.Brokers; len(got) != 2 || got[1] != "k2:9092" {
		t.Errorf("brokers = %v", got)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "cache:6379" {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.RateLimit.Enabled {
		t.Error("expected rate limiting disabled")
	}
}

func TestLoad_BadPort(t *testing.T) {
	t.Setenv("SENTINEL_CONFIG_PATH", filepath.Join(t.TempDir(), "none.yaml"))
	t.Setenv("SENTINEL_HTTP_PORT", "eighty")

	if _, err := Load(); err == nil {
		t.Error("expected error for non-numeric port")
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" a, ,b ,", ",")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("splitAndTrim = %q", got)
	}
}

func TestLoadFile_ShippedConfig(t *testing.T) {
	cfg, err := LoadFile(filepath.Join("..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("shipped config is invalid: %v", err)
	}
	if cfg.Approval.RulesPath == "" {
		t.Error("shipped config should point at a rules file")
	}
	if cfg.Engine.Deadlines.Approval != 30*time.Minute {
		t.Errorf("approval deadline = %v, want 30m", cfg.Engine.Deadlines.Approval)
	}
}
