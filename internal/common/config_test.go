package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobd.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "memory", config.Storage.GetAdapter())
	assert.Equal(t, "info", config.Logging.GetLevel())
	assert.Equal(t, "jobd", config.Service.GetChannelPrefix())
	assert.Empty(t, config.Queues)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
environment = "production"

[service]
origin_id = "worker-7"
enable_bus = true

[storage]
adapter = "redis"

[redis]
host = "redis.internal"
port = 6380
db = 2
key_prefix = "jobs"
connect_timeout = "2s"
tls = true

[[queue]]
name = "reports"
concurrency = 8
default_timeout = "2m"
max_retries = 5
poll_interval = "250ms"

[[queue]]
name = "emails"

[logging]
level = "debug"
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "production", config.Environment)
	assert.Equal(t, "worker-7", config.Service.OriginID)
	assert.True(t, config.Service.EnableBus)
	assert.Equal(t, "redis", config.Storage.GetAdapter())
	assert.Equal(t, "redis.internal:6380", config.Redis.Addr())
	assert.Equal(t, 2, config.Redis.DB)
	assert.Equal(t, "jobs", config.Redis.GetKeyPrefix())
	assert.Equal(t, 2*time.Second, config.Redis.GetConnectTimeout())
	assert.True(t, config.Redis.TLS)
	assert.Equal(t, "debug", config.Logging.GetLevel())

	require.Len(t, config.Queues, 2)
	reports := config.Queues[0]
	assert.Equal(t, 8, reports.GetConcurrency())
	assert.Equal(t, 2*time.Minute, reports.GetDefaultTimeout())
	assert.Equal(t, 5, reports.GetMaxRetries())
	assert.Equal(t, 250*time.Millisecond, reports.GetPollInterval())

	// The second queue exercises every default.
	emails := config.Queues[1]
	assert.Equal(t, 5, emails.GetConcurrency())
	assert.Equal(t, 30*time.Second, emails.GetDefaultTimeout())
	assert.Equal(t, 3, emails.GetMaxRetries())
	assert.Equal(t, 100*time.Millisecond, emails.GetPollInterval())
}

func TestRedisConfigDefaults(t *testing.T) {
	cfg := RedisConfig{Host: "localhost"}

	assert.Equal(t, 6379, cfg.GetPort())
	assert.Equal(t, "jobd", cfg.GetKeyPrefix())
	assert.Equal(t, 10*time.Second, cfg.GetConnectTimeout())
	assert.Equal(t, 5*time.Second, cfg.GetCommandTimeout())
	assert.Equal(t, 3, cfg.GetMaxRetries())
	assert.False(t, cfg.TLS)
	assert.NoError(t, cfg.Validate())
}

func TestRedisConfigValidation(t *testing.T) {
	assert.Error(t, (&RedisConfig{}).Validate(), "host is required")
	assert.Error(t, (&RedisConfig{Host: "x", Port: -1}).Validate())
	assert.Error(t, (&RedisConfig{Host: "x", Port: 100000}).Validate())
	assert.Error(t, (&RedisConfig{Host: "x", DB: -1}).Validate())
	assert.NoError(t, (&RedisConfig{Host: "x", Port: 6380, DB: 1}).Validate())
}

func TestQueueMaxRetriesZeroMeansDefault(t *testing.T) {
	assert.Equal(t, 3, (&QueueConfig{}).GetMaxRetries())
	assert.Equal(t, 0, (&QueueConfig{MaxRetries: -1}).GetMaxRetries(), "negative disables retries")
	assert.Equal(t, 7, (&QueueConfig{MaxRetries: 7}).GetMaxRetries())
}

func TestValidateRejectsDuplicateQueues(t *testing.T) {
	path := writeConfig(t, `
[[queue]]
name = "reports"

[[queue]]
name = "reports"
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate queue name")
}

func TestValidateRejectsUnknownAdapter(t *testing.T) {
	path := writeConfig(t, `
[storage]
adapter = "postgres"
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage adapter")
}

func TestValidateBadgerRequiresPath(t *testing.T) {
	path := writeConfig(t, `
[storage]
adapter = "badger"
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.path")
}

func TestValidateBusRequiresRedis(t *testing.T) {
	path := writeConfig(t, `
[service]
enable_bus = true
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event bus requires redis")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("JOBD_LOG_LEVEL", "warn")
	t.Setenv("JOBD_STORAGE_ADAPTER", "redis")
	t.Setenv("JOBD_REDIS_HOST", "override.example.com")
	t.Setenv("JOBD_REDIS_PORT", "7000")
	t.Setenv("JOBD_REDIS_DB", "4")
	t.Setenv("JOBD_ORIGIN_ID", "env-origin")

	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "warn", config.Logging.GetLevel())
	assert.Equal(t, "redis", config.Storage.GetAdapter())
	assert.Equal(t, "override.example.com:7000", config.Redis.Addr())
	assert.Equal(t, 4, config.Redis.DB)
	assert.Equal(t, "env-origin", config.Service.OriginID)
}
