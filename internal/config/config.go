// Package config loads service configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the pipeline service.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`

	// Inspectors is the static registry of fan-out targets. The
	// inspectors themselves are external collaborators.
	Inspectors []string `mapstructure:"inspectors"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds the query API HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// NATSConfig holds message bus connection settings.
type NATSConfig struct {
	URL      string `mapstructure:"url"`
	Name     string `mapstructure:"name"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// RedisConfig holds aggregation store connection settings.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// PostgresConfig holds report archive settings. Disabled means reports
// live only inside the store's retention window.
type PostgresConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds the PostgreSQL connection string.
func (c PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// PipelineConfig holds orchestration timing and retry budgets.
type PipelineConfig struct {
	// RetentionTTL is the lifetime of an alert's entire store footprint,
	// set at ingestion and inherited by every child record.
	RetentionTTL time.Duration `mapstructure:"retention_ttl"`

	// DispatchDelay is the settle delay before the inspector fan-out.
	DispatchDelay time.Duration `mapstructure:"dispatch_delay"`

	// CompileDelay is the settle delay before report compilation.
	CompileDelay time.Duration `mapstructure:"compile_delay"`

	// MaxDeliver bounds message redelivery before dead-lettering.
	MaxDeliver int `mapstructure:"max_deliver"`

	// AckWait is the consumer visibility lease.
	AckWait time.Duration `mapstructure:"ack_wait"`

	// StoreRetryAttempts and StoreRetryBackoff govern local retry of
	// transient store failures.
	StoreRetryAttempts int           `mapstructure:"store_retry_attempts"`
	StoreRetryBackoff  time.Duration `mapstructure:"store_retry_backoff"`
}

// Load reads configuration from file and environment variables.
// Environment variables use the ARGUS_ prefix, e.g. ARGUS_REDIS_URL.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "argus")

	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "argus")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.database", "argus")
	v.SetDefault("postgres.sslmode", "disable")

	v.SetDefault("pipeline.retention_ttl", "3h")
	v.SetDefault("pipeline.dispatch_delay", "5m")
	v.SetDefault("pipeline.compile_delay", "10m")
	v.SetDefault("pipeline.max_deliver", 5)
	v.SetDefault("pipeline.ack_wait", "30s")
	v.SetDefault("pipeline.store_retry_attempts", 3)
	v.SetDefault("pipeline.store_retry_backoff", "200ms")

	v.SetEnvPrefix("ARGUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
