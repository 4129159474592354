package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCollectorConfigIsValid(t *testing.T) {
	cfg := DefaultCollectorConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10000, cfg.QuotaLimit)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Error(t, cfg.RequireAPIKey())
	assert.False(t, cfg.Publish.Enabled())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(c *CollectorConfig)
		errorContains string
	}{
		{"zero quota", func(c *CollectorConfig) { c.QuotaLimit = 0 }, "quota_limit"},
		{"negative retries", func(c *CollectorConfig) { c.RetryAttempts = -1 }, "retry_attempts"},
		{"no rate", func(c *CollectorConfig) { c.RequestsPerSecond = 0 }, "requests_per_second"},
		{"no timeout", func(c *CollectorConfig) { c.HTTPTimeout = 0 }, "http_timeout"},
		{"no concurrency", func(c *CollectorConfig) { c.Concurrency = 0 }, "concurrency"},
		{"unknown backend", func(c *CollectorConfig) { c.Storage.Backend = "postgres" }, "invalid storage backend"},
		{"sqlite without path", func(c *CollectorConfig) { c.Storage.SQLitePath = "" }, "sqlite_path"},
		{"dapr without store", func(c *CollectorConfig) {
			c.Storage.Backend = "dapr"
			c.Storage.DaprStateStore = ""
		}, "dapr_state_store"},
		{"bad log level", func(c *CollectorConfig) { c.LogLevel = "loud" }, "log_level"},
		{"bad log format", func(c *CollectorConfig) { c.LogFormat = "xml" }, "log_format"},
		{"negative max videos", func(c *CollectorConfig) { c.Collection.MaxVideos = -5 }, "max_videos"},
		{"publish without topic", func(c *CollectorConfig) {
			c.Publish.PubSubComponent = "pubsub"
			c.Publish.DeltasTopic = ""
		}, "deltas_topic"},
		{"memory backend", func(c *CollectorConfig) {
			c.Storage.Backend = "memory"
			c.Storage.SQLitePath = ""
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultCollectorConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errorContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorContains)
		})
	}
}

func TestCollectionOptionsUsesTopLevelLimits(t *testing.T) {
	cfg := DefaultCollectorConfig()
	cfg.QuotaLimit = 300
	cfg.RetryAttempts = 1
	cfg.Collection.QuotaLimit = 99999
	cfg.Collection.MaxVideos = 7

	opts := cfg.CollectionOptions()
	assert.Equal(t, 300, opts.QuotaLimit)
	assert.Equal(t, 1, opts.RetryAttempts)
	assert.Equal(t, 7, opts.MaxVideos)
	assert.True(t, opts.FetchComments)
}

func TestStateAndClientConfig(t *testing.T) {
	cfg := DefaultCollectorConfig()
	cfg.APIKey = "key"
	cfg.Storage.Backend = "dapr"
	cfg.Storage.DaprGRPCPort = "50002"

	sc := cfg.StateConfig()
	assert.Equal(t, "dapr", sc.Backend)
	assert.Equal(t, "statestore", sc.DaprConfig.StateStoreName)
	assert.Equal(t, "50002", sc.DaprConfig.GRPCPort)
	assert.Equal(t, "youtube_data.db", sc.SQLiteConfig.Path)

	cc := cfg.ClientConfig()
	assert.Equal(t, "key", cc.APIKey)
	assert.Equal(t, 30*time.Second, cc.HTTPTimeout)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(APIKeyEnv, "")
	cfg, err := Load(viper.New(), "", filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, DefaultCollectorConfig(), cfg)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("YTC_QUOTA_LIMIT", "500")
	t.Setenv("YTC_STORAGE_BACKEND", "memory")
	t.Setenv("YTC_COLLECTION_MAX_VIDEOS", "12")
	t.Setenv("YTC_HTTP_TIMEOUT", "5s")
	t.Setenv("YTC_API_KEY", "")
	t.Setenv(APIKeyEnv, "fallback-key")

	cfg, err := Load(viper.New(), "", filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.QuotaLimit)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 12, cfg.Collection.MaxVideos)
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, "fallback-key", cfg.APIKey)
	assert.NoError(t, cfg.RequireAPIKey())
}

func TestLoadConfigFileAndEnvFile(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "collector.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
quota_limit: 2500
storage:
  backend: sqlite
  sqlite_path: /tmp/channels.db
collection:
  max_videos: 25
  fetch_comments: false
`), 0o644))

	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("YTC_LOG_FORMAT=console\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("YTC_LOG_FORMAT") })

	cfg, err := Load(viper.New(), configFile, envFile)
	require.NoError(t, err)
	assert.Equal(t, 2500, cfg.QuotaLimit)
	assert.Equal(t, "/tmp/channels.db", cfg.Storage.SQLitePath)
	assert.Equal(t, 25, cfg.Collection.MaxVideos)
	assert.False(t, cfg.Collection.FetchComments)
	assert.True(t, cfg.Collection.FetchVideos)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Setenv("YTC_STORAGE_BACKEND", "mongo")
	_, err := Load(viper.New(), "", filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid storage backend")
}
