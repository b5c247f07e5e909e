// Package config provides application configuration management.
// Configuration is loaded from environment variables following 12-factor principles.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration.
// Both the API and the worker binaries load the same struct.
type Config struct {
	// Application settings
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	AppPort int    `env:"APP_PORT" envDefault:"8080"`

	// Worker ops endpoint (health, readiness, metrics)
	WorkerPort int `env:"WORKER_PORT" envDefault:"9090"`

	// Database (PostgreSQL)
	DatabaseURL      string `env:"DATABASE_URL,required"`
	DatabaseMaxConns int32  `env:"DATABASE_MAX_CONNS" envDefault:"10"`
	DatabaseMinConns int32  `env:"DATABASE_MIN_CONNS" envDefault:"2"`
	MigrateOnStart   bool   `env:"MIGRATE_ON_START" envDefault:"true"`

	// Cache (Redis). Optional; the redirect path goes straight to Postgres without it.
	RedisURL string `env:"REDIS_URL"`

	// Broker (RabbitMQ)
	RabbitMQURL            string        `env:"RABBITMQ_URL,required"`
	BrokerConnectionName   string        `env:"BROKER_CONNECTION_NAME" envDefault:"linkpulse"`
	BrokerHeartbeat        time.Duration `env:"BROKER_HEARTBEAT" envDefault:"10s"`
	BrokerAutoRecovery     bool          `env:"BROKER_AUTO_RECOVERY" envDefault:"true"`
	BrokerRecoveryInterval time.Duration `env:"BROKER_RECOVERY_INTERVAL" envDefault:"10s"`
	BrokerCloseTimeout     time.Duration `env:"BROKER_CLOSE_TIMEOUT" envDefault:"5s"`

	// Click pipeline
	ClickQueueName         string        `env:"CLICK_QUEUE_NAME" envDefault:"click_tracking_queue"`
	ClickPublishTimeout    time.Duration `env:"CLICK_PUBLISH_TIMEOUT" envDefault:"500ms"`
	ClickDedupEnabled      bool          `env:"CLICK_DEDUP_ENABLED" envDefault:"true"`
	ClickDedupRetention    time.Duration `env:"CLICK_DEDUP_RETENTION" envDefault:"168h"`
	ClickDedupPruneEvery   time.Duration `env:"CLICK_DEDUP_PRUNE_INTERVAL" envDefault:"1h"`
	ConsumerHealthInterval time.Duration `env:"CONSUMER_HEALTH_INTERVAL" envDefault:"5s"`
	ConsumerRetryInterval  time.Duration `env:"CONSUMER_RETRY_INTERVAL" envDefault:"10s"`
	ConsumerProcessTimeout time.Duration `env:"CONSUMER_PROCESS_TIMEOUT" envDefault:"30s"`

	// Storage write retry (applied at the counter increment call site)
	StoreRetryAttempts     int           `env:"STORE_RETRY_ATTEMPTS" envDefault:"3"`
	StoreRetryInitialDelay time.Duration `env:"STORE_RETRY_INITIAL_DELAY" envDefault:"2s"`
	StoreRetryMaxDelay     time.Duration `env:"STORE_RETRY_MAX_DELAY" envDefault:"8s"`

	// Base URL for short links (e.g., https://lp.sh)
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8080"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Server timeouts
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	if c.ClickQueueName == "" {
		return fmt.Errorf("CLICK_QUEUE_NAME must not be empty")
	}
	if c.StoreRetryAttempts < 0 {
		return fmt.Errorf("STORE_RETRY_ATTEMPTS must not be negative, got %d", c.StoreRetryAttempts)
	}
	if c.ConsumerHealthInterval <= 0 {
		return fmt.Errorf("CONSUMER_HEALTH_INTERVAL must be positive")
	}
	if c.ConsumerRetryInterval <= 0 {
		return fmt.Errorf("CONSUMER_RETRY_INTERVAL must be positive")
	}
	if c.ClickDedupEnabled && (c.ClickDedupRetention <= 0 || c.ClickDedupPruneEvery <= 0) {
		return fmt.Errorf("CLICK_DEDUP_RETENTION and CLICK_DEDUP_PRUNE_INTERVAL must be positive when dedup is enabled")
	}
	if c.DatabaseMinConns > c.DatabaseMaxConns {
		return fmt.Errorf("DATABASE_MIN_CONNS (%d) exceeds DATABASE_MAX_CONNS (%d)", c.DatabaseMinConns, c.DatabaseMaxConns)
	}
	return nil
}

// Load parses environment variables and returns a Config.
// Returns an error if required variables are missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
