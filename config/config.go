// Package config provides the collector configuration and its loading from
// config files, YTC_* environment variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/researchaccelerator-hub/youtube-collector/client"
	"github.com/researchaccelerator-hub/youtube-collector/model/youtube"
	"github.com/researchaccelerator-hub/youtube-collector/state"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "YTC"

// APIKeyEnv is the conventional environment variable holding a Data API key.
// It is consulted when no api_key is configured.
const APIKeyEnv = "YOUTUBE_API_KEY"

// CollectorConfig holds everything a collection run needs besides its input.
type CollectorConfig struct {
	APIKey            string        `yaml:"api_key" json:"-" mapstructure:"api_key"`
	QuotaLimit        int           `yaml:"quota_limit" json:"quota_limit" mapstructure:"quota_limit"`
	RetryAttempts     int           `yaml:"retry_attempts" json:"retry_attempts" mapstructure:"retry_attempts"`
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int           `yaml:"burst" json:"burst" mapstructure:"burst"`
	HTTPTimeout       time.Duration `yaml:"http_timeout" json:"http_timeout" mapstructure:"http_timeout"`
	LookupCacheSize   int           `yaml:"lookup_cache_size" json:"lookup_cache_size" mapstructure:"lookup_cache_size"`
	Concurrency       int           `yaml:"concurrency" json:"concurrency" mapstructure:"concurrency"` // channels collected at once by batch runs

	Storage StorageConfig `yaml:"storage" json:"storage" mapstructure:"storage"`
	Publish PublishConfig `yaml:"publish" json:"publish" mapstructure:"publish"`

	LogLevel  string `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format" mapstructure:"log_format"` // "json" or "console"

	// Collection holds the default options of a run. Its quota_limit and
	// retry_attempts are replaced by the top-level values.
	Collection youtube.CollectionOptions `yaml:"collection" json:"collection" mapstructure:"collection"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend        string `yaml:"backend" json:"backend" mapstructure:"backend"` // "sqlite", "dapr" or "memory"
	SQLitePath     string `yaml:"sqlite_path" json:"sqlite_path" mapstructure:"sqlite_path"`
	DaprStateStore string `yaml:"dapr_state_store" json:"dapr_state_store" mapstructure:"dapr_state_store"`
	DaprGRPCPort   string `yaml:"dapr_grpc_port" json:"dapr_grpc_port" mapstructure:"dapr_grpc_port"`
}

// PublishConfig names the Dapr pub/sub component results are announced on.
// Publishing is off while PubSubComponent is empty.
type PublishConfig struct {
	PubSubComponent string `yaml:"pubsub_component" json:"pubsub_component" mapstructure:"pubsub_component"`
	ResultsTopic    string `yaml:"results_topic" json:"results_topic" mapstructure:"results_topic"`
	DeltasTopic     string `yaml:"deltas_topic" json:"deltas_topic" mapstructure:"deltas_topic"`
}

// Enabled reports whether results should be published.
func (p PublishConfig) Enabled() bool {
	return p.PubSubComponent != ""
}

// DefaultCollectorConfig returns a configuration with sensible defaults
func DefaultCollectorConfig() *CollectorConfig {
	return &CollectorConfig{
		QuotaLimit:        10000,
		RetryAttempts:     3,
		RequestsPerSecond: 5,
		Burst:             1,
		HTTPTimeout:       30 * time.Second,
		LookupCacheSize:   1000,
		Concurrency:       2,
		Storage: StorageConfig{
			Backend:        state.BackendSQLite,
			SQLitePath:     "youtube_data.db",
			DaprStateStore: "statestore",
		},
		Publish: PublishConfig{
			ResultsTopic: "youtube-collection-results",
			DeltasTopic:  "youtube-channel-deltas",
		},
		LogLevel:   "info",
		LogFormat:  "json",
		Collection: youtube.DefaultCollectionOptions(),
	}
}

// Validate checks if the configuration is valid
func (c *CollectorConfig) Validate() error {
	if c.QuotaLimit < 1 {
		return fmt.Errorf("quota_limit must be at least 1")
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests_per_second must be positive")
	}
	if c.Burst < 1 {
		return fmt.Errorf("burst must be at least 1")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http_timeout must be positive")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}

	switch c.Storage.Backend {
	case state.BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path cannot be empty")
		}
	case state.BackendDapr:
		if c.Storage.DaprStateStore == "" {
			return fmt.Errorf("storage.dapr_state_store cannot be empty")
		}
	case state.BackendMemory:
	default:
		return fmt.Errorf("invalid storage backend '%s', must be one of: sqlite, dapr, memory", c.Storage.Backend)
	}

	if c.Publish.Enabled() && (c.Publish.ResultsTopic == "" || c.Publish.DeltasTopic == "") {
		return fmt.Errorf("publish.results_topic and publish.deltas_topic cannot be empty")
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level '%s': %w", c.LogLevel, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("invalid log_format '%s', must be json or console", c.LogFormat)
	}

	opts := c.Collection
	if opts.MaxVideos < 0 {
		return fmt.Errorf("collection.max_videos cannot be negative")
	}
	if opts.MaxCommentsPerVideo < 0 {
		return fmt.Errorf("collection.max_comments_per_video cannot be negative")
	}
	if opts.MaxRepliesPerComment < 0 {
		return fmt.Errorf("collection.max_replies_per_comment cannot be negative")
	}
	return nil
}

// RequireAPIKey fails when no Data API key is configured.
func (c *CollectorConfig) RequireAPIKey() error {
	if c.APIKey == "" {
		return fmt.Errorf("no YouTube Data API key: set %s_API_KEY, %s or api_key in the config file", EnvPrefix, APIKeyEnv)
	}
	return nil
}

// CollectionOptions returns the default run options with the top-level quota
// limit and retry count applied.
func (c *CollectorConfig) CollectionOptions() youtube.CollectionOptions {
	opts := c.Collection
	opts.QuotaLimit = c.QuotaLimit
	opts.RetryAttempts = c.RetryAttempts
	return opts
}

// StateConfig maps the storage section onto a gateway configuration.
func (c *CollectorConfig) StateConfig() state.Config {
	return state.Config{
		Backend:      c.Storage.Backend,
		SQLiteConfig: &state.SQLiteConfig{Path: c.Storage.SQLitePath},
		DaprConfig: &state.DaprConfig{
			StateStoreName: c.Storage.DaprStateStore,
			GRPCPort:       c.Storage.DaprGRPCPort,
		},
	}
}

// ClientConfig maps the API settings onto a Data API client configuration.
func (c *CollectorConfig) ClientConfig() client.DataClientConfig {
	return client.DataClientConfig{
		APIKey:            c.APIKey,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
		HTTPTimeout:       c.HTTPTimeout,
		LookupCacheSize:   c.LookupCacheSize,
	}
}

// SetDefaults registers every configuration key with its default on v, which
// also makes each key readable from the environment.
func SetDefaults(v *viper.Viper) {
	d := DefaultCollectorConfig()
	v.SetDefault("api_key", "")
	v.SetDefault("quota_limit", d.QuotaLimit)
	v.SetDefault("retry_attempts", d.RetryAttempts)
	v.SetDefault("requests_per_second", d.RequestsPerSecond)
	v.SetDefault("burst", d.Burst)
	v.SetDefault("http_timeout", d.HTTPTimeout)
	v.SetDefault("lookup_cache_size", d.LookupCacheSize)
	v.SetDefault("concurrency", d.Concurrency)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("storage.dapr_state_store", d.Storage.DaprStateStore)
	v.SetDefault("storage.dapr_grpc_port", d.Storage.DaprGRPCPort)

	v.SetDefault("publish.pubsub_component", d.Publish.PubSubComponent)
	v.SetDefault("publish.results_topic", d.Publish.ResultsTopic)
	v.SetDefault("publish.deltas_topic", d.Publish.DeltasTopic)

	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)

	o := d.Collection
	v.SetDefault("collection.fetch_channel_data", o.FetchChannelData)
	v.SetDefault("collection.fetch_videos", o.FetchVideos)
	v.SetDefault("collection.fetch_comments", o.FetchComments)
	v.SetDefault("collection.max_videos", o.MaxVideos)
	v.SetDefault("collection.max_comments_per_video", o.MaxCommentsPerVideo)
	v.SetDefault("collection.max_replies_per_comment", o.MaxRepliesPerComment)
	v.SetDefault("collection.optimize_quota", o.OptimizeQuota)
	v.SetDefault("collection.comprehensive_delta", o.ComprehensiveDelta)
	v.SetDefault("collection.page_token", o.PageToken)
	v.SetDefault("collection.quota_limit", o.QuotaLimit)
	v.SetDefault("collection.retry_attempts", o.RetryAttempts)
}

// Load reads the configuration. envFiles are loaded into the process
// environment first (".env" when none are given; missing files are skipped),
// then configFile, if set, and YTC_* variables are layered over the defaults.
func Load(v *viper.Viper, configFile string, envFiles ...string) (*CollectorConfig, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to load env file %s: %w", f, err)
		}
		log.Debug().Str("file", f).Msg("Loaded environment file")
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &CollectorConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(APIKeyEnv)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
