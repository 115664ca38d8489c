package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for jobd
type Config struct {
	Environment string        `toml:"environment"`
	Service     ServiceConfig `toml:"service"`
	Storage     StorageConfig `toml:"storage"`
	Redis       RedisConfig   `toml:"redis"`
	Queues      []QueueConfig `toml:"queue"`
	Logging     LoggingConfig `toml:"logging"`
}

// ServiceConfig holds service-level settings.
type ServiceConfig struct {
	OriginID      string `toml:"origin_id"`      // Stable process identifier for event echo suppression (default: random)
	ChannelPrefix string `toml:"channel_prefix"` // Event bus channel prefix (default "jobd")
	EnableBus     bool   `toml:"enable_bus"`     // Relay queue events across processes via pub/sub
}

// GetChannelPrefix returns the channel prefix with the default applied.
func (c *ServiceConfig) GetChannelPrefix() string {
	if c.ChannelPrefix == "" {
		return "jobd"
	}
	return c.ChannelPrefix
}

// StorageConfig selects the job store adapter.
type StorageConfig struct {
	Adapter string `toml:"adapter"` // "memory" (default), "badger", or "redis"
	Path    string `toml:"path"`    // Data directory for the badger adapter
}

// GetAdapter returns the adapter name with the default applied.
func (c *StorageConfig) GetAdapter() string {
	if c.Adapter == "" {
		return "memory"
	}
	return c.Adapter
}

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	Password       string `toml:"password"`
	DB             int    `toml:"db"`
	KeyPrefix      string `toml:"key_prefix"`
	ConnectTimeout string `toml:"connect_timeout"` // e.g. "10s"
	CommandTimeout string `toml:"command_timeout"` // e.g. "5s"
	MaxRetries     int    `toml:"max_retries"`     // Per-request retries (default 3)
	TLS            bool   `toml:"tls"`
}

// GetPort returns the port with the default applied.
func (c *RedisConfig) GetPort() int {
	if c.Port == 0 {
		return 6379
	}
	return c.Port
}

// GetKeyPrefix returns the key prefix with the default applied.
func (c *RedisConfig) GetKeyPrefix() string {
	if c.KeyPrefix == "" {
		return "jobd"
	}
	return c.KeyPrefix
}

// GetConnectTimeout parses and returns the connect timeout duration.
func (c *RedisConfig) GetConnectTimeout() time.Duration {
	d, err := time.ParseDuration(c.ConnectTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// GetCommandTimeout parses and returns the per-command timeout duration.
func (c *RedisConfig) GetCommandTimeout() time.Duration {
	d, err := time.ParseDuration(c.CommandTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// GetMaxRetries returns the per-request retry cap with the default applied.
func (c *RedisConfig) GetMaxRetries() int {
	if c.MaxRetries <= 0 {
		return 3
	}
	return c.MaxRetries
}

// Validate checks the connection settings eagerly, before any dial.
func (c *RedisConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("redis host is required")
	}
	if port := c.GetPort(); port < 1 || port > 65535 {
		return fmt.Errorf("redis port %d out of range 1..65535", port)
	}
	if c.DB < 0 {
		return fmt.Errorf("redis db must be non-negative, got %d", c.DB)
	}
	return nil
}

// Addr returns the host:port dial address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.GetPort())
}

// QueueConfig holds per-queue settings.
type QueueConfig struct {
	Name           string `toml:"name"`
	Concurrency    int    `toml:"concurrency"`     // Max handlers in flight (default 5)
	DefaultTimeout string `toml:"default_timeout"` // Per-job execution budget (default "30s")
	MaxRetries     int    `toml:"max_retries"`     // Re-enqueue cap for failed jobs (default 3)
	PollInterval   string `toml:"poll_interval"`   // Dequeue poll interval (default "100ms")
}

// GetConcurrency returns the concurrency cap with the default applied.
func (c *QueueConfig) GetConcurrency() int {
	if c.Concurrency <= 0 {
		return 5
	}
	return c.Concurrency
}

// GetDefaultTimeout parses and returns the default job timeout.
func (c *QueueConfig) GetDefaultTimeout() time.Duration {
	d, err := time.ParseDuration(c.DefaultTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// GetMaxRetries returns the retry cap with the default applied.
func (c *QueueConfig) GetMaxRetries() int {
	if c.MaxRetries < 0 {
		return 0
	}
	if c.MaxRetries == 0 {
		return 3
	}
	return c.MaxRetries
}

// GetPollInterval parses and returns the dequeue poll interval.
func (c *QueueConfig) GetPollInterval() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil || d <= 0 {
		return 100 * time.Millisecond
	}
	return d
}

// Validate checks the queue settings.
func (c *QueueConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("queue name is required")
	}
	return nil
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `toml:"level"`
}

// GetLevel returns the log level with the default applied.
func (c *LoggingConfig) GetLevel() string {
	if c.Level == "" {
		return "info"
	}
	return c.Level
}

// LoadConfig reads a TOML config file and applies environment overrides.
// An empty path yields a default config (memory adapter, no queues).
func LoadConfig(path string) (*Config, error) {
	config := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the whole configuration for consistency.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Queues))
	for i := range c.Queues {
		q := &c.Queues[i]
		if err := q.Validate(); err != nil {
			return err
		}
		if seen[q.Name] {
			return fmt.Errorf("duplicate queue name %q", q.Name)
		}
		seen[q.Name] = true
	}

	switch adapter := c.Storage.GetAdapter(); adapter {
	case "memory":
	case "badger":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the badger adapter")
		}
	case "redis":
		if err := c.Redis.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown storage adapter %q", adapter)
	}

	if c.Service.EnableBus {
		if err := c.Redis.Validate(); err != nil {
			return fmt.Errorf("event bus requires redis: %w", err)
		}
	}

	return nil
}

// applyEnvOverrides applies JOBD_* environment variables over file values.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("JOBD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("JOBD_STORAGE_ADAPTER"); v != "" {
		c.Storage.Adapter = v
	}
	if v := os.Getenv("JOBD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("JOBD_REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("JOBD_REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = port
		}
	}
	if v := os.Getenv("JOBD_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("JOBD_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("JOBD_ORIGIN_ID"); v != "" {
		c.Service.OriginID = v
	}
}
