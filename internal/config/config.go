// Package config provides centralized configuration management for the
// collaboration server. It loads configuration from CLI flags and environment
// variables, validates required fields, and provides sensible defaults.
//
// Environment variables provide secrets and service configuration; the --addr
// and --db flags override the corresponding variables for local runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/inkroom/collab/internal/ratelimit"
)

const (
	// DefaultEvictionGracePeriod is how long a document with zero attached
	// sessions stays resident before it is persisted and dropped. Long enough
	// to absorb a tab refresh, short enough to bound memory.
	DefaultEvictionGracePeriod = 5 * time.Minute

	// DefaultFlushInterval is how often dirty resident documents are
	// persisted in the background.
	DefaultFlushInterval = 30 * time.Second
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	ListenAddr string

	// Storage
	DatabasePath string // Path to the SQLite database file

	// Authentication
	TokenSecret string // HMAC secret for bearer token verification, min 32 bytes

	// Document lifecycle
	EvictionGracePeriod time.Duration
	FlushInterval       time.Duration // 0 disables background flushing

	// Rate limiting
	RateLimitConfig ratelimit.Config
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// LoadConfig loads configuration from environment variables and CLI flag
// values. The addr and dbPath flags override LISTEN_ADDR and DATABASE_PATH
// when non-empty.
func LoadConfig(addr, dbPath string) (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getEnvOrDefault("LISTEN_ADDR", ":8090")
	if addr != "" {
		cfg.ListenAddr = addr
	}

	cfg.DatabasePath = getEnvOrDefault("DATABASE_PATH", "./collab.db")
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}

	cfg.TokenSecret = os.Getenv("TOKEN_SECRET")

	cfg.EvictionGracePeriod = parseDurationOrDefault("EVICTION_GRACE_PERIOD", DefaultEvictionGracePeriod)
	cfg.FlushInterval = parseDurationOrDefault("FLUSH_INTERVAL", DefaultFlushInterval)

	cfg.RateLimitConfig = ratelimit.DefaultConfig
	cfg.RateLimitConfig.UpdatesPerSecond = parseFloat64OrDefault("RATE_LIMIT_UPDATES_PER_SECOND", ratelimit.DefaultConfig.UpdatesPerSecond)
	cfg.RateLimitConfig.Burst = parseIntOrDefault("RATE_LIMIT_BURST", ratelimit.DefaultConfig.Burst)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required fields are present and well-formed.
func (c *Config) Validate() error {
	var issues []string

	if c.ListenAddr == "" {
		issues = append(issues, "LISTEN_ADDR must not be empty")
	}
	if c.DatabasePath == "" {
		issues = append(issues, "DATABASE_PATH must not be empty")
	}
	if c.TokenSecret == "" {
		issues = append(issues, "TOKEN_SECRET is required")
	} else if len(c.TokenSecret) < 32 {
		issues = append(issues, fmt.Sprintf("TOKEN_SECRET must be at least 32 bytes (got %d)", len(c.TokenSecret)))
	}
	if c.EvictionGracePeriod <= 0 {
		issues = append(issues, "EVICTION_GRACE_PERIOD must be positive")
	}
	if c.FlushInterval < 0 {
		issues = append(issues, "FLUSH_INTERVAL must not be negative")
	}
	if c.RateLimitConfig.UpdatesPerSecond <= 0 {
		issues = append(issues, "RATE_LIMIT_UPDATES_PER_SECOND must be positive")
	}
	if c.RateLimitConfig.Burst <= 0 {
		issues = append(issues, "RATE_LIMIT_BURST must be positive")
	}

	if len(issues) > 0 {
		return &ValidationError{Errors: issues}
	}
	return nil
}

// PrintStartupSummary logs the effective configuration to stderr.
// Secrets are reported by presence only.
func (c *Config) PrintStartupSummary() {
	fmt.Fprintln(os.Stderr, "Configuration:")
	fmt.Fprintf(os.Stderr, "  Listen:   %s\n", c.ListenAddr)
	fmt.Fprintf(os.Stderr, "  Database: %s\n", c.DatabasePath)
	fmt.Fprintln(os.Stderr, "  Token:    From TOKEN_SECRET env var")
	fmt.Fprintf(os.Stderr, "  Eviction: %s grace period\n", c.EvictionGracePeriod)
	fmt.Fprintf(os.Stderr, "  Flush:    every %s\n", c.FlushInterval)
	fmt.Fprintln(os.Stderr, "")
}

// Helper functions for parsing environment variables

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func parseIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloat64OrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
