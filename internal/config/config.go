// Package config provides broker configuration loading: an optional YAML
// file pointed at by RUNBOX_CONFIG, with RUNBOX_* environment variables
// taking precedence over file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/runbox-dev/runbox/internal/sandbox"
)

// Config holds all configuration for the broker.
type Config struct {
	// Server settings
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Sandbox runtime: "docker" or "mock"
	SandboxProvider string `yaml:"sandbox_provider"`
	DockerHost      string `yaml:"docker_host"`

	// Session caps
	MaxSessionsPerConnection int `yaml:"max_sessions_per_connection"`
	MaxGlobalSessions        int `yaml:"max_global_sessions"`

	// Session timing (seconds)
	IdleTimeoutSeconds          int `yaml:"idle_timeout_seconds"`
	MaxLifetimeSeconds          int `yaml:"max_lifetime_seconds"`
	AdapterCreateTimeoutSeconds int `yaml:"adapter_create_timeout_seconds"`

	// Backoff
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds  int `yaml:"backoff_max_seconds"`

	// Frame and queue limits
	MaxInputBytes         int `yaml:"max_input_bytes"`
	MaxOutboundQueueBytes int `yaml:"max_outbound_queue_bytes"`
	MaxChunkBytes         int `yaml:"max_chunk_bytes"`

	// Output processing
	PreserveANSI         bool `yaml:"preserve_ansi"`
	PreserveControlChars bool `yaml:"preserve_control_chars"`

	// Languages maps language keys to image and command; empty means the
	// built-in table.
	Languages map[string]sandbox.Language `yaml:"languages"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:                        8080,
		CORSOrigins:                 []string{"http://localhost:3000"},
		LogLevel:                    "info",
		LogFormat:                   "console",
		SandboxProvider:             "docker",
		MaxSessionsPerConnection:    5,
		MaxGlobalSessions:           256,
		IdleTimeoutSeconds:          1800,
		MaxLifetimeSeconds:          3600,
		AdapterCreateTimeoutSeconds: 10,
		BackoffBaseSeconds:          5,
		BackoffMaxSeconds:           300,
		MaxInputBytes:               65536,
		MaxOutboundQueueBytes:       1048576,
		MaxChunkBytes:               4096,
		PreserveANSI:                true,
		PreserveControlChars:        true,
		Languages:                   sandbox.DefaultLanguages(),
	}
}

// Load builds the configuration: defaults, then the optional YAML file, then
// environment overrides.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("RUNBOX_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.Port = getEnvInt("RUNBOX_PORT", cfg.Port)
	cfg.CORSOrigins = getEnvList("RUNBOX_CORS_ORIGINS", cfg.CORSOrigins)
	cfg.LogLevel = getEnv("RUNBOX_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("RUNBOX_LOG_FORMAT", cfg.LogFormat)
	cfg.SandboxProvider = getEnv("RUNBOX_SANDBOX_PROVIDER", cfg.SandboxProvider)
	cfg.DockerHost = getEnv("RUNBOX_DOCKER_HOST", cfg.DockerHost)
	cfg.MaxSessionsPerConnection = getEnvInt("RUNBOX_MAX_SESSIONS_PER_CONNECTION", cfg.MaxSessionsPerConnection)
	cfg.MaxGlobalSessions = getEnvInt("RUNBOX_MAX_GLOBAL_SESSIONS", cfg.MaxGlobalSessions)
	cfg.IdleTimeoutSeconds = getEnvInt("RUNBOX_IDLE_TIMEOUT_SECONDS", cfg.IdleTimeoutSeconds)
	cfg.MaxLifetimeSeconds = getEnvInt("RUNBOX_MAX_LIFETIME_SECONDS", cfg.MaxLifetimeSeconds)
	cfg.AdapterCreateTimeoutSeconds = getEnvInt("RUNBOX_ADAPTER_CREATE_TIMEOUT_SECONDS", cfg.AdapterCreateTimeoutSeconds)
	cfg.BackoffBaseSeconds = getEnvInt("RUNBOX_BACKOFF_BASE_SECONDS", cfg.BackoffBaseSeconds)
	cfg.BackoffMaxSeconds = getEnvInt("RUNBOX_BACKOFF_MAX_SECONDS", cfg.BackoffMaxSeconds)
	cfg.MaxInputBytes = getEnvInt("RUNBOX_MAX_INPUT_BYTES", cfg.MaxInputBytes)
	cfg.MaxOutboundQueueBytes = getEnvInt("RUNBOX_MAX_OUTBOUND_QUEUE_BYTES", cfg.MaxOutboundQueueBytes)
	cfg.MaxChunkBytes = getEnvInt("RUNBOX_MAX_CHUNK_BYTES", cfg.MaxChunkBytes)
	cfg.PreserveANSI = getEnvBool("RUNBOX_PRESERVE_ANSI", cfg.PreserveANSI)
	cfg.PreserveControlChars = getEnvBool("RUNBOX_PRESERVE_CONTROL_CHARS", cfg.PreserveControlChars)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SandboxProvider != "docker" && c.SandboxProvider != "mock" {
		return fmt.Errorf("invalid sandbox provider %q (want docker or mock)", c.SandboxProvider)
	}
	if c.MaxSessionsPerConnection <= 0 || c.MaxGlobalSessions <= 0 {
		return fmt.Errorf("session caps must be positive")
	}
	if c.BackoffBaseSeconds <= 0 || c.BackoffMaxSeconds < c.BackoffBaseSeconds {
		return fmt.Errorf("invalid backoff configuration (base=%d max=%d)", c.BackoffBaseSeconds, c.BackoffMaxSeconds)
	}
	if c.MaxInputBytes <= 0 || c.MaxOutboundQueueBytes <= 0 || c.MaxChunkBytes <= 0 {
		return fmt.Errorf("byte limits must be positive")
	}
	if len(c.Languages) == 0 {
		return fmt.Errorf("no languages configured")
	}
	return nil
}

// IdleTimeout returns the idle kill threshold as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// MaxLifetime returns the wallclock kill threshold as a duration.
func (c *Config) MaxLifetime() time.Duration {
	return time.Duration(c.MaxLifetimeSeconds) * time.Second
}

// AdapterCreateTimeout returns the create deadline as a duration.
func (c *Config) AdapterCreateTimeout() time.Duration {
	return time.Duration(c.AdapterCreateTimeoutSeconds) * time.Second
}

// BackoffBase returns the backoff base as a duration.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// BackoffMax returns the backoff cap as a duration.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
