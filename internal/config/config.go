package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the controller configuration, loaded from YAML with environment
// overrides applied in ApplyEnv.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Agents    AgentsConfig    `yaml:"agents"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Logs      LogsConfig      `yaml:"logs"`
	Events    EventsConfig    `yaml:"events"`
	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig selects the storage engine.
type DatabaseConfig struct {
	Type string `yaml:"type"` // "sqlite" (default) or "postgres"
	Path string `yaml:"path"` // for sqlite
	DSN  string `yaml:"dsn"`  // for postgres
}

// WebhookConfig configures push ingress.
type WebhookConfig struct {
	Secret       string `yaml:"secret"`
	BindingsPath string `yaml:"bindings_path"`
}

// AgentsConfig controls liveness derivation and heartbeat handling.
type AgentsConfig struct {
	StaleAfter        time.Duration `yaml:"stale_after"`
	OfflineAfter      time.Duration `yaml:"offline_after"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	HeartbeatDeadline time.Duration `yaml:"heartbeat_deadline"`
	RequireTokens     bool          `yaml:"require_tokens"`
	TokenSecret       string        `yaml:"token_secret"`
}

// JobsConfig controls the dispatch plane.
type JobsConfig struct {
	OrphanTimeout       time.Duration `yaml:"orphan_timeout"`
	OrphanSweepInterval time.Duration `yaml:"orphan_sweep_interval"`
}

// LogsConfig controls the log broker.
type LogsConfig struct {
	RingSize           int `yaml:"ring_size"`
	SubscriberBuffer   int `yaml:"subscriber_buffer"`
	PerJobRetentionCap int `yaml:"per_job_retention_cap"`
}

// EventsConfig configures the optional NATS publisher; disabled when URL is
// empty.
type EventsConfig struct {
	NATSURL    string `yaml:"nats_url"`
	StreamName string `yaml:"stream_name"`
}

// CacheConfig configures the read-path response cache.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Backend  string        `yaml:"backend"` // "memory" (default) or "redis"
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

// TelemetryConfig configures the OTLP trace exporter; disabled when the
// endpoint is empty.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // streaming endpoints need an unbounded write
			IdleTimeout:  120 * time.Second,
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			Path: "data/deploybot.db",
		},
		Webhook: WebhookConfig{
			BindingsPath: "config/apps.yaml",
		},
		Agents: AgentsConfig{
			StaleAfter:        30 * time.Second,
			OfflineAfter:      120 * time.Second,
			SweepInterval:     10 * time.Second,
			HeartbeatDeadline: 15 * time.Second,
		},
		Jobs: JobsConfig{
			OrphanTimeout:       time.Hour,
			OrphanSweepInterval: time.Minute,
		},
		Logs: LogsConfig{
			RingSize:           4096,
			SubscriberBuffer:   1024,
			PerJobRetentionCap: 100000,
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     2 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "deploybot",
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error; a malformed one is fatal at startup.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides selected fields from the environment. The variable set
// mirrors what the agents' install scripts already export.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DEPLOYBOT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("DEPLOYBOT_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("DEPLOYBOT_DB_DSN"); v != "" {
		c.Database.Type = "postgres"
		c.Database.DSN = v
	}
	if v := os.Getenv("DEPLOYBOT_WEBHOOK_SECRET"); v != "" {
		c.Webhook.Secret = v
	}
	if v := os.Getenv("DEPLOYBOT_BINDINGS_PATH"); v != "" {
		c.Webhook.BindingsPath = v
	}
	if v := os.Getenv("DEPLOYBOT_NATS_URL"); v != "" {
		c.Events.NATSURL = v
	}
	if v := os.Getenv("DEPLOYBOT_REDIS_URL"); v != "" {
		c.Cache.Enabled = true
		c.Cache.Backend = "redis"
		c.Cache.RedisURL = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("DEPLOYBOT_AGENT_TOKEN_SECRET"); v != "" {
		c.Agents.TokenSecret = v
		c.Agents.RequireTokens = true
	}
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Database.Type {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}
	if c.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required (set DEPLOYBOT_WEBHOOK_SECRET)")
	}
	if c.Agents.RequireTokens && c.Agents.TokenSecret == "" {
		return fmt.Errorf("agents.token_secret is required when agents.require_tokens is set")
	}
	return nil
}
