// Package config loads layered configuration: defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "GAMERELAY_"

// Config is the full runtime configuration.
type Config struct {
	HTTP      HTTPConfig      `koanf:"http"`
	WebSocket WebSocketConfig `koanf:"websocket"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Auth      AuthConfig      `koanf:"auth"`
	Log       LogConfig       `koanf:"log"`
}

type HTTPConfig struct {
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `koanf:"ping_interval"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// RedisConfig selects the shared directory backend. When disabled the
// server runs with the in-memory directory, which is correct for a
// single instance.
type RedisConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// AuthConfig holds the optional token secret. When empty, inbound
// tokens are ignored and identity falls back to the userId query
// parameter or a guest marker.
type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "./gamerelay.db",
		},
		Redis: RedisConfig{
			Enabled: false,
			URL:     "redis://localhost:6379/0",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration with precedence env > file > defaults.
// The file path may be empty or point at a missing file; environment
// variables and defaults still apply. Environment keys use a double
// underscore as the section separator: GAMERELAY_HTTP__PORT=9090 sets
// http.port.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(key string) string {
		key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
		return strings.ReplaceAll(key, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot serve.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("http host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("http timeouts must be positive")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("websocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("websocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("websocket write timeout must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis url required when redis is enabled")
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}
