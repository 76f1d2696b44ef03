package config

import (
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when no path is given.
const DefaultPath = "syncedstore.yml"

// Environment variables that override the file.
const (
	EnvRedisURL    = "SYNCEDSTORE_REDIS_URL"
	EnvRoom        = "SYNCEDSTORE_ROOM"
	EnvParticipant = "SYNCEDSTORE_PARTICIPANT"
)

const (
	defaultRedisURL          = "redis://localhost:6379"
	defaultHeartbeatInterval = time.Second
	defaultCreationBackoff   = 200 * time.Millisecond
)

// Config represents the top-level syncedstore.yml configuration
type Config struct {
	Version           string                   `yaml:"version"`
	Redis             RedisConfig              `yaml:"redis"`
	Room              string                   `yaml:"room"`
	Participant       string                   `yaml:"participant,omitempty"` // Empty = random id
	Writable          *bool                    `yaml:"writable,omitempty"`    // Default: true
	Replay            bool                     `yaml:"replay,omitempty"`
	HeartbeatInterval time.Duration            `yaml:"heartbeat_interval,omitempty"`
	CreationBackoff   time.Duration            `yaml:"creation_backoff,omitempty"`
	Storages          map[string]StorageConfig `yaml:"storages,omitempty"`
}

// RedisConfig specifies the Redis connection
type RedisConfig struct {
	URL string `yaml:"url"`
}

// StorageConfig specifies one namespaced storage
type StorageConfig struct {
	DefaultState map[string]any `yaml:"default_state,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	writable := true
	return &Config{
		Version:           "1.0",
		Redis:             RedisConfig{URL: defaultRedisURL},
		Room:              "default",
		Writable:          &writable,
		HeartbeatInterval: defaultHeartbeatInterval,
		CreationBackoff:   defaultCreationBackoff,
	}
}

// ApplyEnvironment overrides file values with SYNCEDSTORE_* variables.
func (c *Config) ApplyEnvironment() {
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv(EnvRoom); v != "" {
		c.Room = v
	}
	if v := os.Getenv(EnvParticipant); v != "" {
		c.Participant = v
	}
}

// Validate performs strict validation on the configuration and fills defaults
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Redis.URL == "" {
		c.Redis.URL = defaultRedisURL
	}
	if _, err := redis.ParseURL(c.Redis.URL); err != nil {
		return fmt.Errorf("invalid redis.url %q: %w", c.Redis.URL, err)
	}

	if c.Room == "" {
		return fmt.Errorf("room is required")
	}

	if c.Writable == nil {
		writable := true
		c.Writable = &writable
	}

	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("heartbeat_interval must be >= 0, got %s", c.HeartbeatInterval)
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}

	if c.CreationBackoff < 0 {
		return fmt.Errorf("creation_backoff must be >= 0, got %s", c.CreationBackoff)
	}
	if c.CreationBackoff == 0 {
		c.CreationBackoff = defaultCreationBackoff
	}

	for name := range c.Storages {
		if name == "" {
			return fmt.Errorf("storage names cannot be empty")
		}
	}

	return nil
}

// RedisOptions returns the connection options for redis.url.
func (c *Config) RedisOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis.url %q: %w", c.Redis.URL, err)
	}
	return opts, nil
}

// DefaultState returns the configured default state of a storage, or nil.
func (c *Config) DefaultState(storage string) map[string]any {
	if sc, ok := c.Storages[storage]; ok {
		return sc.DefaultState
	}
	return nil
}

// Load reads and validates syncedstore.yml from the specified path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	config.ApplyEnvironment()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// LoadOrDefault loads path when it exists and falls back to Default when it
// does not. Environment overrides apply either way.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := Default()
		config.ApplyEnvironment()
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return config, nil
	}
	return Load(path)
}
