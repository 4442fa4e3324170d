// Package config loads chatd's configuration from the environment, with an
// optional .env file for development. Command-line flags override these
// values in cmd/chatd.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every chatd setting. Tags: env = variable name, envDefault =
// value when unset.
type Config struct {
	// Listener
	Bind     string `env:"CHATD_BIND" envDefault:"0.0.0.0:5555"`
	CertFile string `env:"CHATD_CERT"`
	KeyFile  string `env:"CHATD_KEY"`

	// Chat behavior
	MOTD        string `env:"CHATD_MOTD"`
	IdleTimeout int    `env:"CHATD_IDLE_TIMEOUT" envDefault:"0"` // seconds, 0 disables

	// Stores
	AllowlistPath  string `env:"CHATD_ALLOWLIST" envDefault:"./allowed.toml"`
	PendingPath    string `env:"CHATD_PENDING" envDefault:"./pending.toml"`
	IdentitiesPath string `env:"CHATD_IDENTITIES" envDefault:"./identities.toml"`
	RedisURL       string `env:"CHATD_REDIS"`

	// Message rate limits (events per second)
	IPRate   int `env:"CHATD_IP_RATE" envDefault:"20"`
	ConnRate int `env:"CHATD_CONN_RATE" envDefault:"5"`

	// Accept gate (connection attempts per second per IP; 0 disables)
	AcceptRate  float64 `env:"CHATD_ACCEPT_RATE" envDefault:"0"`
	AcceptBurst int     `env:"CHATD_ACCEPT_BURST" envDefault:"10"`

	// Monitoring
	MetricsAddr     string        `env:"CHATD_METRICS_ADDR"`
	MetricsInterval time.Duration `env:"CHATD_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads .env (if present) and the environment, then validates.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges and enums. Cert/key presence is checked by
// the serve command, not here, because admin subcommands run without TLS.
func (c *Config) Validate() error {
	if c.Bind == "" {
		return fmt.Errorf("bind address is required")
	}
	if c.IPRate < 1 {
		return fmt.Errorf("ip rate must be >= 1, got %d", c.IPRate)
	}
	if c.ConnRate < 1 {
		return fmt.Errorf("connection rate must be >= 1, got %d", c.ConnRate)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must be >= 0, got %d", c.IdleTimeout)
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("accept rate must be >= 0, got %f", c.AcceptRate)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("log format must be json or pretty (got %q)", c.LogFormat)
	}
	return nil
}

// LogConfig emits the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("bind", c.Bind).
		Str("allowlist", c.AllowlistPath).
		Str("pending", c.PendingPath).
		Str("identities", c.IdentitiesPath).
		Bool("redis", c.RedisURL != "").
		Int("ip_rate", c.IPRate).
		Int("conn_rate", c.ConnRate).
		Int("idle_timeout_sec", c.IdleTimeout).
		Float64("accept_rate", c.AcceptRate).
		Str("metrics_addr", c.MetricsAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
