// Package config handles configuration loading for the orchestrator.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sentinelops/internal/agent"
	"sentinelops/internal/approval"
	"sentinelops/internal/kafka"
	"sentinelops/internal/lease"
	"sentinelops/internal/logging"
	"sentinelops/internal/recovery"
	"sentinelops/internal/router"
	"sentinelops/internal/storage"
	s3store "sentinelops/internal/storage/s3"
	"sentinelops/internal/workflow"
)

// DefaultPath is read when SENTINEL_CONFIG_PATH is unset.
const DefaultPath = "configs/config.yaml"

// Config holds the complete application configuration.
type Config struct {
	Server          ServerConfig           `yaml:"server"`
	Logging         logging.Config         `yaml:"logging"`
	Engine          workflow.Config        `yaml:"engine"`
	Router          router.Config          `yaml:"router"`
	Breaker         recovery.BreakerConfig `yaml:"breaker"`
	Approval        approval.Config        `yaml:"approval"`
	Audit           AuditConfig            `yaml:"audit"`
	Storage         StorageConfig          `yaml:"storage"`
	Transport       TransportConfig        `yaml:"transport"`
	Lease           lease.Config           `yaml:"lease"`
	Redis           RedisConfig            `yaml:"redis"`
	Archive         ArchiveConfig          `yaml:"archive"`
	DeadLetter      DeadLetterConfig       `yaml:"dead_letter"`
	Agents          AgentsConfig           `yaml:"agents"`
	RateLimit       RateLimitConfig        `yaml:"rate_limit"`
	SecurityHeaders SecurityHeadersConfig  `yaml:"security_headers"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// SanitizeErrors strips backend details from API error messages.
	SanitizeErrors bool `yaml:"sanitize_errors"`
}

// AuditConfig holds audit ledger settings.
type AuditConfig struct {
	// SigningSecret seeds the HMAC key. Empty means a random per-process key,
	// which makes chains unverifiable after a restart.
	SigningSecret string `yaml:"signing_secret"`
}

// StorageConfig selects the incident store.
type StorageConfig struct {
	Driver   string                 `yaml:"driver"` // badger or postgres
	Badger   storage.BadgerConfig   `yaml:"badger"`
	Postgres storage.PostgresConfig `yaml:"postgres"`
	Cache    storage.CacheConfig    `yaml:"cache"`
}

// TransportConfig selects the message transport.
type TransportConfig struct {
	Driver string        `yaml:"driver"` // memory or kafka
	Kafka  *kafka.Config `yaml:"kafka"`
	// EnsureTopics creates missing Kafka topics at startup.
	EnsureTopics bool `yaml:"ensure_topics"`
}

// RedisConfig enables Redis for leases and message deduplication.
type RedisConfig struct {
	Enabled           bool `yaml:"enabled"`
	lease.RedisConfig `yaml:",inline"`
	DedupPrefix       string `yaml:"dedup_prefix"`
}

// ArchiveConfig holds the ClickHouse audit archive settings.
type ArchiveConfig struct {
	Enabled     bool                      `yaml:"enabled"`
	ClickHouse  storage.ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter storage.BatchWriterConfig `yaml:"batch_writer"`
	// ExportOnClose uploads an incident's audit chain to S3 when it closes.
	ExportOnClose bool `yaml:"export_on_close"`
}

// DeadLetterConfig holds dead-letter destinations. The in-memory list is
// always kept for the HTTP listing.
type DeadLetterConfig struct {
	Capacity int      `yaml:"capacity"`
	Kafka    bool     `yaml:"kafka"`
	S3       S3Config `yaml:"s3"`
}

// S3Config enables the S3 archive.
type S3Config struct {
	Enabled        bool `yaml:"enabled"`
	s3store.Config `yaml:",inline"`
}

// AgentsConfig configures the collaborators the orchestrator talks to
// directly.
type AgentsConfig struct {
	// Dev starts scripted in-process collaborators.
	Dev  DevAgentsConfig    `yaml:"dev"`
	HTTP []agent.HTTPConfig `yaml:"http"`
}

// DevAgentsConfig configures the scripted collaborators.
type DevAgentsConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Confidence float64 `yaml:"confidence"`
}

// RateLimitConfig holds rate limiting settings for the HTTP API.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // Sustained requests per client
	BurstSize         int           `yaml:"burst_size"`          // Requests allowed at once
	CleanupPeriod     time.Duration `yaml:"cleanup_period"`      // How often idle clients are dropped
	IdleTimeout       time.Duration `yaml:"idle_timeout"`        // Idle time before a client is dropped
	ExemptPaths       []string      `yaml:"exempt_paths"`
	TrustProxy        bool          `yaml:"trust_proxy"` // Trust X-Forwarded-For header
}

// SecurityHeadersConfig holds the response headers set on every API reply.
type SecurityHeadersConfig struct {
	Enabled       bool              `yaml:"enabled"`
	HSTSMaxAge    int               `yaml:"hsts_max_age"` // Zero disables HSTS
	FrameOptions  string            `yaml:"frame_options"`
	CustomHeaders map[string]string `yaml:"custom_headers,omitempty"`
}

// DefaultConfig returns the default configuration: in-process transport,
// leases and dedup over an embedded badger store.
func DefaultConfig() *Config {
	s3cfg := s3store.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			SanitizeErrors:  true,
		},
		Logging:  logging.DefaultConfig(),
		Engine:   workflow.DefaultConfig(),
		Router:   router.DefaultConfig(),
		Breaker:  recovery.DefaultBreakerConfig(),
		Approval: approval.DefaultConfig(),
		Storage: StorageConfig{
			Driver:   "badger",
			Badger:   storage.DefaultBadgerConfig(),
			Postgres: storage.DefaultPostgresConfig(),
			Cache:    storage.DefaultCacheConfig(),
		},
		Transport: TransportConfig{
			Driver: "memory",
			Kafka:  kafka.DefaultConfig(),
		},
		Lease: lease.DefaultConfig(),
		Redis: RedisConfig{
			RedisConfig: lease.DefaultRedisConfig(),
			DedupPrefix: "sentinelops:dedup:",
		},
		Archive: ArchiveConfig{
			ClickHouse:  storage.DefaultClickHouseConfig(),
			BatchWriter: storage.DefaultBatchWriterConfig(),
		},
		DeadLetter: DeadLetterConfig{
			Capacity: 1000,
			S3:       S3Config{Config: *s3cfg},
		},
		Agents: AgentsConfig{
			Dev: DevAgentsConfig{Confidence: 0.9},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 20,
			BurstSize:         40,
			CleanupPeriod:     5 * time.Minute,
			IdleTimeout:       10 * time.Minute,
			ExemptPaths:       []string{"/health", "/metrics"},
		},
		SecurityHeaders: SecurityHeadersConfig{
			Enabled:      true,
			HSTSMaxAge:   31536000,
			FrameOptions: "DENY",
		},
	}
}

// Load reads the file named by SENTINEL_CONFIG_PATH (default DefaultPath)
// over the defaults and applies environment overrides. A missing file is
// not an error.
func Load() (*Config, error) {
	path := os.Getenv("SENTINEL_CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile reads path over the defaults and applies environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if port := os.Getenv("SENTINEL_HTTP_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("SENTINEL_HTTP_PORT: %w", err)
		}
		c.Server.HTTPPort = n
	}

	if level := os.Getenv("SENTINEL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if secret := os.Getenv("SENTINEL_AUDIT_SECRET"); secret != "" {
		c.Audit.SigningSecret = secret
	}

	if driver := os.Getenv("SENTINEL_STORAGE_DRIVER"); driver != "" {
		c.Storage.Driver = driver
	}

	if path := os.Getenv("SENTINEL_RULES_PATH"); path != "" {
		c.Approval.RulesPath = path
	}

	if dev := os.Getenv("SENTINEL_DEV_AGENTS"); dev != "" {
		c.Agents.Dev.Enabled = dev == "true"
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Transport.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Transport.Driver = "kafka"
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}

	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		c.Storage.Postgres.DSN = dsn
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Archive.ClickHouse.Hosts = splitAndTrim(host, ",")
	}

	if enabled := os.Getenv("SENTINEL_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}
	return nil
}

// splitAndTrim splits s by sep and drops empty parts.
func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := c.Router.Validate(); err != nil {
		return fmt.Errorf("router: %w", err)
	}
	if c.Breaker.Threshold < 1 || c.Breaker.ResetTimeout <= 0 {
		return errors.New("breaker: threshold and reset_timeout must be positive")
	}
	if err := c.Lease.Validate(); err != nil {
		return fmt.Errorf("lease: %w", err)
	}
	if c.Lease.Driver == "redis" && !c.Redis.Enabled {
		return errors.New("lease: redis driver requires redis.enabled")
	}

	switch c.Storage.Driver {
	case "badger":
		if !c.Storage.Badger.InMemory && c.Storage.Badger.Path == "" {
			return errors.New("storage: badger path is required")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return errors.New("storage: postgres dsn is required")
		}
	default:
		return fmt.Errorf("storage: unknown driver %q", c.Storage.Driver)
	}

	switch c.Transport.Driver {
	case "memory":
	case "kafka":
		if c.Transport.Kafka == nil {
			return errors.New("transport: kafka section is required")
		}
		if err := c.Transport.Kafka.Validate(); err != nil {
			return fmt.Errorf("transport: %w", err)
		}
	default:
		return fmt.Errorf("transport: unknown driver %q", c.Transport.Driver)
	}

	if c.DeadLetter.Kafka && c.Transport.Driver != "kafka" {
		return errors.New("dead_letter: kafka requires the kafka transport")
	}
	if c.DeadLetter.S3.Enabled || c.Archive.ExportOnClose {
		if err := c.DeadLetter.S3.Validate(); err != nil {
			return fmt.Errorf("dead_letter: %w", err)
		}
	}
	if c.Archive.ExportOnClose && !c.DeadLetter.S3.Enabled {
		return errors.New("archive: export_on_close requires dead_letter.s3.enabled")
	}

	if c.Agents.Dev.Confidence < 0 || c.Agents.Dev.Confidence > 1 {
		return errors.New("agents: dev confidence must be within [0, 1]")
	}
	for _, a := range c.Agents.HTTP {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("agents: %w", err)
		}
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.BurstSize < 1) {
		return errors.New("rate_limit: requests_per_second and burst_size must be positive")
	}
	return nil
}
