// Package config provides configuration loading for swarmd.
package config

import (
	"fmt"
	"time"
)

// Config is the root swarmd configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	NATS     NATSConfig     `koanf:"nats"`
	LLM      LLMConfig      `koanf:"llm"`
	Swarm    SwarmConfig    `koanf:"swarm"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig configures the relational state store.
type DatabaseConfig struct {
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
}

// NATSConfig configures the event stream connection.
type NATSConfig struct {
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`
}

// LLMConfig configures the completion provider.
type LLMConfig struct {
	BaseURL     string   `koanf:"base_url"`
	Model       string   `koanf:"model"`
	APIKey      Secret   `koanf:"api_key"`
	CallTimeout Duration `koanf:"call_timeout"`
}

// SwarmConfig tunes the processor.
type SwarmConfig struct {
	Workers         int      `koanf:"workers"`
	MaxRetries      int      `koanf:"max_retries"`
	RetryBackoff    Duration `koanf:"retry_backoff"`
	ConflictRetries int      `koanf:"conflict_retries"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// applyDefaults fills in defaults for unset values.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8480
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(15 * time.Second)
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "swarmd.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.CallTimeout == 0 {
		cfg.LLM.CallTimeout = Duration(2 * time.Minute)
	}
	if cfg.Swarm.Workers == 0 {
		cfg.Swarm.Workers = 4
	}
	if cfg.Swarm.MaxRetries == 0 {
		cfg.Swarm.MaxRetries = 2
	}
	if cfg.Swarm.RetryBackoff == 0 {
		cfg.Swarm.RetryBackoff = Duration(500 * time.Millisecond)
	}
	if cfg.Swarm.ConflictRetries == 0 {
		cfg.Swarm.ConflictRetries = 3
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats url is required when not running embedded")
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm base_url is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm model is required")
	}
	if c.Swarm.Workers < 1 {
		return fmt.Errorf("swarm workers must be >= 1, got %d", c.Swarm.Workers)
	}
	if c.Swarm.MaxRetries < 0 {
		return fmt.Errorf("swarm max_retries cannot be negative")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
