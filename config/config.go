package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the toolbridge broker and agent.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig contains broker HTTP server and lifecycle settings.
type ServerConfig struct {
	Address            string        `mapstructure:"address"`
	JWTSecret          string        `mapstructure:"jwt_secret"`
	DefaultTaskTimeout time.Duration `mapstructure:"default_task_timeout"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	TaskRetention      time.Duration `mapstructure:"task_retention"`
	AgentStaleAfter    time.Duration `mapstructure:"agent_stale_after"`
	AgentExpireAfter   time.Duration `mapstructure:"agent_expire_after"`
	Tools              []ToolRoute   `mapstructure:"tools"`
}

// ToolRoute declares a known tool and its originating source descriptor.
// The scheme of the source decides the dispatch path: local schemes go
// through the broker to a polling agent, anything else is invoked
// directly. Tools absent from this list default to the broker path.
type ToolRoute struct {
	Name   string `mapstructure:"name"`
	Source string `mapstructure:"source"`
}

func (s ServerConfig) Validate() error {
	if s.AgentExpireAfter <= s.AgentStaleAfter {
		return fmt.Errorf("server.agent_expire_after must exceed server.agent_stale_after")
	}
	if s.SweepInterval <= 0 {
		return fmt.Errorf("server.sweep_interval must be positive")
	}
	return nil
}

// AgentConfig contains the reliability runtime settings for one agent
// process.
type AgentConfig struct {
	BrokerURL              string            `mapstructure:"broker_url"`
	AgentID                string            `mapstructure:"agent_id"`
	Token                  string            `mapstructure:"token"`
	Metadata               map[string]string `mapstructure:"metadata"`
	PollInterval           time.Duration     `mapstructure:"poll_interval"`
	MaxRetryAttempts       int               `mapstructure:"max_retry_attempts"`
	InitialRetryDelay      time.Duration     `mapstructure:"initial_retry_delay"`
	RetryBackoffMultiplier float64           `mapstructure:"retry_backoff_multiplier"`
	MaxRetryDelay          time.Duration     `mapstructure:"max_retry_delay"`
	HealthCheckInterval    time.Duration     `mapstructure:"health_check_interval"`
	ConnectionTimeout      time.Duration     `mapstructure:"connection_timeout"`
	MaxConcurrentTasks     int               `mapstructure:"max_concurrent_tasks"`
	Tools                  []ToolConfig      `mapstructure:"tools"`
}

func (a AgentConfig) Validate() error {
	if strings.TrimSpace(a.AgentID) == "" {
		return fmt.Errorf("agent.agent_id is required")
	}
	if strings.TrimSpace(a.BrokerURL) == "" {
		return fmt.Errorf("agent.broker_url is required")
	}
	if a.RetryBackoffMultiplier < 1 {
		return fmt.Errorf("agent.retry_backoff_multiplier must be >= 1")
	}
	if a.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("agent.max_concurrent_tasks must be positive")
	}
	return nil
}

// ToolConfig declares one local tool executor loaded at agent start.
type ToolConfig struct {
	Name string `mapstructure:"name"`
	// Type selects the executor implementation: "echo" or "shell".
	Type string `mapstructure:"type"`
	// Command is the argv for shell tools; task arguments arrive on stdin.
	Command []string `mapstructure:"command"`
	// Serialized forces one-at-a-time execution for tools backed by an
	// exclusive local resource.
	Serialized bool `mapstructure:"serialized"`
}

// StorageConfig contains the optional audit persistence backends.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains the audit store connection settings. Empty URL
// and host disable the Postgres sink.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// Enabled reports whether a Postgres sink is configured.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) != ""
}

// DSN builds the connection string.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains the audit stream settings. Empty address disables
// the stream sink.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len"`
}

// Enabled reports whether a Redis stream sink is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Addr) != "" }

// TelemetryConfig controls the metrics surface.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig loads configuration from the optional file path plus
// TOOLBRIDGE_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	setDefaults(v)

	if path == "" {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("TOOLBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine: defaults plus env cover every knob.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Server.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8090")
	v.SetDefault("server.default_task_timeout", "60s")
	v.SetDefault("server.sweep_interval", "1s")
	v.SetDefault("server.task_retention", "10m")
	v.SetDefault("server.agent_stale_after", "30s")
	v.SetDefault("server.agent_expire_after", "5m")

	v.SetDefault("agent.broker_url", "http://localhost:8090")
	v.SetDefault("agent.poll_interval", "2s")
	v.SetDefault("agent.max_retry_attempts", 5)
	v.SetDefault("agent.initial_retry_delay", "1s")
	v.SetDefault("agent.retry_backoff_multiplier", 2.0)
	v.SetDefault("agent.max_retry_delay", "60s")
	v.SetDefault("agent.health_check_interval", "5s")
	v.SetDefault("agent.connection_timeout", "10s")
	v.SetDefault("agent.max_concurrent_tasks", 4)

	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.stream", "toolbridge.task.audit")
	v.SetDefault("storage.redis.max_len", 10000)

	v.SetDefault("telemetry.enabled", true)
}
