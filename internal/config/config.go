// Package config loads application configuration from a TOML file with
// environment variable overrides (KLAXON_ prefix, double underscore as the
// section separator, e.g. KLAXON_SERVER__PORT=8080).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the root configuration object.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	SQLite    SQLiteConfig    `koanf:"sqlite"`
	Hub       HubConfig       `koanf:"hub"`
	Slack     SlackConfig     `koanf:"slack"`
	Dispatch  DispatchConfig  `koanf:"dispatch"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host        string        `koanf:"host"`
	Port        int           `koanf:"port"`
	ReadTimeout time.Duration `koanf:"read_timeout"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Level string `koanf:"level"`
}

// SQLiteConfig locates the audit database.
type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// HubConfig tunes the WebSocket hub.
type HubConfig struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	MaxConnsPerUser   int           `koanf:"max_connections_per_user"`
	MessagesPerSecond int           `koanf:"messages_per_second"`
	MessageRateWindow time.Duration `koanf:"message_rate_window"`
}

// SlackConfig configures the chat channel client. An empty token leaves
// the Slack channel unavailable; dispatch records it as failed.
type SlackConfig struct {
	Token          string        `koanf:"token"`
	DefaultChannel string        `koanf:"default_channel"`
	APIURL         string        `koanf:"api_url"`
	MaxAttempts    int           `koanf:"max_attempts"`
	BaseDelay      time.Duration `koanf:"base_delay"`
	MaxDelay       time.Duration `koanf:"max_delay"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// DispatchConfig tunes the dispatch orchestrator.
type DispatchConfig struct {
	FanoutTimeout time.Duration `koanf:"fanout_timeout"`
	DedupTTL      time.Duration `koanf:"dedup_ttl"`
}

// RateLimitConfig tunes inbound REST throttling and limiter maintenance.
type RateLimitConfig struct {
	RESTMaxRequests int           `koanf:"rest_max_requests"`
	RESTWindow      time.Duration `koanf:"rest_window"`
	CleanupSchedule string        `koanf:"cleanup_schedule"`
}

// Default returns the built-in configuration. File and environment values
// are merged on top of it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			ReadTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		SQLite:  SQLiteConfig{Path: "klaxon.db"},
		Hub: HubConfig{
			HeartbeatInterval: 30 * time.Second,
			MaxConnsPerUser:   5,
			MessagesPerSecond: 10,
			MessageRateWindow: time.Second,
		},
		Slack: SlackConfig{
			APIURL:         "https://slack.com/api",
			MaxAttempts:    3,
			BaseDelay:      500 * time.Millisecond,
			MaxDelay:       8 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
		Dispatch: DispatchConfig{
			FanoutTimeout: 50 * time.Millisecond,
			DedupTTL:      5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			RESTMaxRequests: 60,
			RESTWindow:      time.Minute,
			CleanupSchedule: "@every 1m",
		},
	}
}

// Load reads the TOML file at path (if non-empty) and applies environment
// overrides, returning the merged configuration.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("KLAXON_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "KLAXON_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Hub.MaxConnsPerUser <= 0 {
		return fmt.Errorf("hub.max_connections_per_user must be positive")
	}
	if c.Hub.HeartbeatInterval <= 0 {
		return fmt.Errorf("hub.heartbeat_interval must be positive")
	}
	if c.Dispatch.FanoutTimeout <= 0 {
		return fmt.Errorf("dispatch.fanout_timeout must be positive")
	}
	if c.Dispatch.DedupTTL <= 0 {
		return fmt.Errorf("dispatch.dedup_ttl must be positive")
	}
	return nil
}
