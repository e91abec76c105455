package config

import (
	"fmt"
	"time"
)

// Config is the root reviewd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Temporal  TemporalConfig  `koanf:"temporal"`
	NATS      NATSConfig      `koanf:"nats"`
	Anthropic AnthropicConfig `koanf:"anthropic"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig configures the HTTP service layer.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig configures the state store.
type DatabaseConfig struct {
	Driver          string   `koanf:"driver"` // "postgres" or "sqlite3"
	DSN             Secret   `koanf:"dsn"`
	MaxConnections  int      `koanf:"max_connections"`
	MaxIdleConns    int      `koanf:"max_idle_conns"`
	ConnMaxLifetime Duration `koanf:"conn_max_lifetime"`
}

// TemporalConfig configures the durable execution client and worker.
type TemporalConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// NATSConfig configures status event publishing.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// AnthropicConfig configures the inference backend for analysis tasks.
type AnthropicConfig struct {
	APIKey  Secret   `koanf:"api_key"`
	Model   string   `koanf:"model"`
	BaseURL string   `koanf:"base_url"`
	Timeout Duration `koanf:"timeout"`
}

// PipelineConfig tunes review pipeline execution.
type PipelineConfig struct {
	StageTimeout       Duration `koanf:"stage_timeout"`
	RemediationTimeout Duration `koanf:"remediation_timeout"`
	MaxStageAttempts   int      `koanf:"max_stage_attempts"`
	ApprovalTimeout    Duration `koanf:"approval_timeout"`
	MaxPromptBytes     int      `koanf:"max_prompt_bytes"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("database.driver must be 'postgres' or 'sqlite3', got %q", c.Database.Driver)
	}
	if !c.Database.DSN.IsSet() {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Temporal.HostPort == "" {
		return fmt.Errorf("temporal.host_port is required")
	}
	if c.Temporal.TaskQueue == "" {
		return fmt.Errorf("temporal.task_queue is required")
	}
	if c.Pipeline.MaxStageAttempts < 1 {
		return fmt.Errorf("pipeline.max_stage_attempts must be >= 1, got %d", c.Pipeline.MaxStageAttempts)
	}
	if c.Pipeline.ApprovalTimeout.Duration() < time.Minute {
		return fmt.Errorf("pipeline.approval_timeout must be >= 1m, got %s", c.Pipeline.ApprovalTimeout.Duration())
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8480
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
	}
	if !cfg.Database.DSN.IsSet() && cfg.Database.Driver == "sqlite3" {
		cfg.Database.DSN = Secret("reviewd.db")
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 2
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = Duration(time.Hour)
	}

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "localhost:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "review-pipeline-queue"
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}

	if cfg.Anthropic.Model == "" {
		cfg.Anthropic.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Anthropic.BaseURL == "" {
		cfg.Anthropic.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Anthropic.Timeout == 0 {
		cfg.Anthropic.Timeout = Duration(2 * time.Minute)
	}

	if cfg.Pipeline.StageTimeout == 0 {
		cfg.Pipeline.StageTimeout = Duration(3 * time.Minute)
	}
	if cfg.Pipeline.RemediationTimeout == 0 {
		cfg.Pipeline.RemediationTimeout = Duration(5 * time.Minute)
	}
	if cfg.Pipeline.MaxStageAttempts == 0 {
		cfg.Pipeline.MaxStageAttempts = 3
	}
	if cfg.Pipeline.ApprovalTimeout == 0 {
		cfg.Pipeline.ApprovalTimeout = Duration(7 * 24 * time.Hour)
	}
	if cfg.Pipeline.MaxPromptBytes == 0 {
		cfg.Pipeline.MaxPromptBytes = 96 * 1024
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
