// Package config provides the configuration shared by the cache library and
// the cachew command.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Log levels accepted by LogLevel.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Config holds the cache configuration.
type Config struct {
	// Enabled turns caching on. When false every call runs the producer
	// directly and nothing is read or written.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Dir is the root directory for cache databases
	Dir string `json:"dir" yaml:"dir"`

	// Strict makes every cache failure propagate to the caller instead of
	// falling back to the producer.
	Strict bool `json:"strict" yaml:"strict"`

	// BatchSize is the number of rows written per shadow transaction
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// MaxOpenStores bounds the number of database files held open at once
	MaxOpenStores int `json:"max_open_stores" yaml:"max_open_stores"`

	// ShadowGrace is how old an unfinished shadow table must be before
	// garbage collection removes it
	ShadowGrace time.Duration `json:"shadow_grace" yaml:"shadow_grace"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		Dir:           "",
		Strict:        false,
		BatchSize:     256,
		MaxOpenStores: 64,
		ShadowGrace:   time.Hour,
		LogLevel:      LogLevelWarn,
	}
}

// DefaultDir returns the cache root used when Dir is empty: a cachew
// directory under the user cache directory, or ./.cachew when there is none.
func DefaultDir() string {
	if base, err := os.UserCacheDir(); err == nil && base != "" {
		return filepath.Join(base, "cachew")
	}
	return ".cachew"
}

// Resolve fills in derived defaults.
func (c *Config) Resolve() {
	if c.Dir == "" {
		c.Dir = DefaultDir()
	}
	if c.LogLevel == "" {
		c.LogLevel = LogLevelWarn
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("dir is required")
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}

	if c.MaxOpenStores < 1 {
		return fmt.Errorf("max_open_stores must be positive, got %d", c.MaxOpenStores)
	}

	if c.ShadowGrace < 0 {
		return fmt.Errorf("shadow_grace must not be negative, got %s", c.ShadowGrace)
	}

	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		// Valid levels
	default:
		return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file. Fields the file
// does not set keep their default.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the CACHEW_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CACHEW_ENABLED"); v != "" {
		cfg.Enabled = parseBool(v)
	}
	if v := os.Getenv("CACHEW_DIR"); v != "" {
		cfg.Dir = v
	}
	if v := os.Getenv("CACHEW_STRICT"); v != "" {
		cfg.Strict = parseBool(v)
	}
	if v := os.Getenv("CACHEW_BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.BatchSize)
	}
	if v := os.Getenv("CACHEW_MAX_OPEN_STORES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.MaxOpenStores)
	}
	if v := os.Getenv("CACHEW_SHADOW_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShadowGrace = d
		}
	}
	if v := os.Getenv("CACHEW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// EnsureDirectories creates the cache root.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", c.Dir, err)
	}
	return nil
}
