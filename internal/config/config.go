package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig           `json:"server"`
	Hostname   string                 `json:"hostname"`
	Database   DatabaseConfig         `json:"database"`
	RateLimits map[string]LimitConfig `json:"rate_limits"`
	Slack      SlackConfig            `json:"slack"`
	Migrations string                 `json:"migrations"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

// RedisConfig is optional; when URL is set the rate limiter shares window
// state through Redis instead of process memory.
type RedisConfig struct {
	URL string `json:"url"`
}

// LimitConfig overrides one action kind's rate limit.
type LimitConfig struct {
	Max           int `json:"max"`
	WindowSeconds int `json:"window_seconds"`
}

// SlackConfig enables mirroring project events to a Slack incoming webhook.
type SlackConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Migrations == "" {
		cfg.Migrations = "migrations"
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost:8080"
	}
	return &cfg, nil
}
