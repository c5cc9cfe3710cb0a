// Package config handles configuration for the semantic cache service
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete configuration for the service
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Prewarm   PrewarmConfig   `mapstructure:"prewarm"`
}

// ServiceConfig contains service-level configuration
type ServiceConfig struct {
	Port              int           `mapstructure:"port"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level"`
	MaintenanceSecret string        `mapstructure:"maintenance_secret"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Database     string `mapstructure:"database"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxConns     int    `mapstructure:"max_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// DSN builds a lib/pq connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode)
}

// RedisConfig contains Redis connection settings for the exact-match lookaside
type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Address     string        `mapstructure:"address"`
	Password    string        `mapstructure:"password"`
	Database    int           `mapstructure:"database"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	PoolSize    int           `mapstructure:"pool_size"`
	TTL         time.Duration `mapstructure:"ttl"`
}

// EmbeddingConfig contains embedding generation settings
type EmbeddingConfig struct {
	Provider      string        `mapstructure:"provider"` // openai, bedrock or fallback
	Dimensions    int           `mapstructure:"dimensions"`
	Timeout       time.Duration `mapstructure:"timeout"`
	OpenAIAPIKey  string        `mapstructure:"openai_api_key"`
	OpenAIBaseURL string        `mapstructure:"openai_base_url"`
	OpenAIModel   string        `mapstructure:"openai_model"`
	BedrockRegion string        `mapstructure:"bedrock_region"`
	BedrockModel  string        `mapstructure:"bedrock_model"`
	RateLimitRPM  int           `mapstructure:"rate_limit_rpm"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	CacheSize     int           `mapstructure:"cache_size"`
}

// CacheConfig contains lookup and store settings
type CacheConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	FlatScanLimit       int     `mapstructure:"flat_scan_limit"`
	DefaultCostSaved    float64 `mapstructure:"default_cost_saved"`
}

// LifecycleConfig contains tier manager sweep settings. Archival and
// deletion thresholds are operator-configured, not hard-coded.
type LifecycleConfig struct {
	ScanInterval          time.Duration `mapstructure:"scan_interval"`
	BatchSize             int           `mapstructure:"batch_size"`
	ArchiveBelowScore     float64       `mapstructure:"archive_below_score"`
	ArchiveAfter          time.Duration `mapstructure:"archive_after"`
	MaxRetentionAge       time.Duration `mapstructure:"max_retention_age"`
	MinAccessCount        int           `mapstructure:"min_access_count"`
	NegativeFeedbackLimit int           `mapstructure:"negative_feedback_limit"`
	TrendLookback         time.Duration `mapstructure:"trend_lookback"`
}

// PrewarmConfig contains predictive prewarming settings
type PrewarmConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	MaxPredictions  int           `mapstructure:"max_predictions"`
	MinOccurrences  int           `mapstructure:"min_occurrences"`
	WindowSeconds   int           `mapstructure:"window_seconds"`
	HistoryLookback time.Duration `mapstructure:"history_lookback"`
	RecordRetention time.Duration `mapstructure:"record_retention"`
}

// Load reads configuration from config.yaml (if present) and environment
// variables prefixed with SEMCACHE_.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/semcache")
	if path := os.Getenv("SEMCACHE_CONFIG"); path != "" {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("SEMCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.port", 8085)
	v.SetDefault("service.shutdown_timeout", 15*time.Second)
	v.SetDefault("service.log_level", "info")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "semcache")
	v.SetDefault("database.username", "semcache")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.dimensions", 384)
	v.SetDefault("embedding.timeout", 10*time.Second)
	v.SetDefault("embedding.openai_base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.openai_model", "text-embedding-3-small")
	v.SetDefault("embedding.bedrock_model", "amazon.titan-embed-text-v2:0")
	v.SetDefault("embedding.rate_limit_rpm", 3000)
	v.SetDefault("embedding.retry_attempts", 3)
	v.SetDefault("embedding.cache_size", 4096)

	v.SetDefault("cache.similarity_threshold", 0.85)
	v.SetDefault("cache.flat_scan_limit", 50)
	v.SetDefault("cache.default_cost_saved", 0.002)

	v.SetDefault("lifecycle.scan_interval", time.Hour)
	v.SetDefault("lifecycle.batch_size", 500)
	v.SetDefault("lifecycle.archive_below_score", 10.0)
	v.SetDefault("lifecycle.archive_after", 7*24*time.Hour)
	v.SetDefault("lifecycle.max_retention_age", 90*24*time.Hour)
	v.SetDefault("lifecycle.min_access_count", 2)
	v.SetDefault("lifecycle.negative_feedback_limit", 5)
	v.SetDefault("lifecycle.trend_lookback", 30*24*time.Hour)

	v.SetDefault("prewarm.interval", 30*time.Minute)
	v.SetDefault("prewarm.max_predictions", 20)
	v.SetDefault("prewarm.min_occurrences", 3)
	v.SetDefault("prewarm.window_seconds", 3600)
	v.SetDefault("prewarm.history_lookback", 7*24*time.Hour)
	v.SetDefault("prewarm.record_retention", 14*24*time.Hour)
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid service port: %d", c.Service.Port)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive")
	}
	if c.Cache.SimilarityThreshold < 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be between 0 and 1")
	}
	if c.Lifecycle.BatchSize <= 0 {
		return fmt.Errorf("lifecycle batch size must be positive")
	}
	if c.Prewarm.WindowSeconds <= 0 {
		return fmt.Errorf("prewarm window must be positive")
	}
	return nil
}
