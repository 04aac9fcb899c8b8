package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"phishwatch/core"
	"phishwatch/notify"
	"phishwatch/storage"
	"phishwatch/threat/feeds"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PHISHWATCH_API_PORT
const EnvPrefix = "PHISHWATCH"

// DataPaths holds data directory and file path configuration
type DataPaths struct {
	// DataDir is the base data directory (PHISHWATCH_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the database file (PHISHWATCH_SQLITE_PATH, default: ${DataDir}/phishwatch.db)
	SQLitePath string `mapstructure:"sqlite_path"`
}

// LoggingConfig controls the zap logger
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
	// File enables a rotated JSON log next to the console output
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// APIConfig controls the HTTP surface
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxRecentLimit  int           `mapstructure:"max_recent_limit"`
	RecentCacheSize int           `mapstructure:"recent_cache_size"`
}

// ThreatIntelConfig controls ingestion, classification and aggregation
type ThreatIntelConfig struct {
	// Schedule is a five-field cron expression or a descriptor such as @every 6h
	Schedule      string        `mapstructure:"schedule"`
	RunOnStartup  bool          `mapstructure:"run_on_startup"`
	Timezone      string        `mapstructure:"timezone"`
	RunDeadline   time.Duration `mapstructure:"run_deadline"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	RecentLimit    int  `mapstructure:"recent_limit"`
	TopN           int  `mapstructure:"top_n"`
	BalancedRecent bool `mapstructure:"balanced_recent"`

	Keywords     []string `mapstructure:"keywords"`
	KeywordBonus int      `mapstructure:"keyword_bonus"`
	FeedWeight   float64  `mapstructure:"feed_weight"`

	UpsertRetries  int                       `mapstructure:"upsert_retries"`
	CircuitBreaker core.CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Providers      []feeds.ProviderConfig    `mapstructure:"providers"`
}

// EventsConfig controls IngestionFinished delivery
type EventsConfig struct {
	Log  bool `mapstructure:"log"`
	NATS struct {
		Enabled           bool `mapstructure:"enabled"`
		notify.NATSConfig `mapstructure:",squash"`
	} `mapstructure:"nats"`
	Webhook struct {
		Enabled              bool `mapstructure:"enabled"`
		notify.WebhookConfig `mapstructure:",squash"`
	} `mapstructure:"webhook"`
}

// CacheConfig controls the shared snapshot cache
type CacheConfig struct {
	Redis struct {
		Enabled                          bool `mapstructure:"enabled"`
		storage.RedisSnapshotCacheConfig `mapstructure:",squash"`
	} `mapstructure:"redis"`
}

// Config holds all configuration for the phishwatch service
type Config struct {
	DataPaths   DataPaths         `mapstructure:"data_paths"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	API         APIConfig         `mapstructure:"api"`
	ThreatIntel ThreatIntelConfig `mapstructure:"threat_intel"`
	Events      EventsConfig      `mapstructure:"events"`
	Cache       CacheConfig       `mapstructure:"cache"`

	// ConfigFile is the file that was read, empty when running on defaults and env
	ConfigFile string `mapstructure:"-"`
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_paths.data_dir", "./data")
	v.SetDefault("data_paths.sqlite_path", "") // Empty = derive from data_dir

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", true)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)
	v.SetDefault("api.read_timeout", 15*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.max_recent_limit", 100)
	v.SetDefault("api.recent_cache_size", 128)

	v.SetDefault("threat_intel.schedule", "0 */6 * * *")
	v.SetDefault("threat_intel.run_on_startup", true)
	v.SetDefault("threat_intel.timezone", "UTC")
	v.SetDefault("threat_intel.run_deadline", 5*time.Minute)
	v.SetDefault("threat_intel.retention", 30*24*time.Hour)
	v.SetDefault("threat_intel.sweep_interval", time.Hour)
	v.SetDefault("threat_intel.recent_limit", 10)
	v.SetDefault("threat_intel.top_n", 0)
	v.SetDefault("threat_intel.balanced_recent", false)
	v.SetDefault("threat_intel.keyword_bonus", 15)
	v.SetDefault("threat_intel.feed_weight", 0.6)
	v.SetDefault("threat_intel.upsert_retries", 3)
	v.SetDefault("threat_intel.circuit_breaker.max_failures", 3)
	v.SetDefault("threat_intel.circuit_breaker.cooldown", 30*time.Minute)

	v.SetDefault("events.log", true)
	v.SetDefault("events.nats.enabled", false)
	v.SetDefault("events.nats.url", "nats://localhost:4222")
	v.SetDefault("events.nats.subject", notify.DefaultNATSSubject)
	v.SetDefault("events.webhook.enabled", false)
	v.SetDefault("events.webhook.method", "POST")
	v.SetDefault("events.webhook.timeout", 10*time.Second)

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.key", "phishwatch:threat_analysis:latest")
	v.SetDefault("cache.redis.ttl", time.Duration(0))
}

// loadFromEnv sets up environment variable loading
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Shorter names for the settings operators change most
	_ = v.BindEnv("data_paths.data_dir", EnvPrefix+"_DATA_DIR")
	_ = v.BindEnv("data_paths.sqlite_path", EnvPrefix+"_SQLITE_PATH")
	_ = v.BindEnv("logging.level", EnvPrefix+"_LOG_LEVEL")
	_ = v.BindEnv("events.nats.url", EnvPrefix+"_NATS_URL")
	_ = v.BindEnv("cache.redis.addr", EnvPrefix+"_REDIS_ADDR")
	_ = v.BindEnv("cache.redis.password", EnvPrefix+"_REDIS_PASSWORD")
}

// loadDotEnv loads the first .env file found. Existing environment wins.
func loadDotEnv() string {
	for _, path := range []string{".env", "../.env", "/app/.env"} {
		if err := godotenv.Load(path); err == nil {
			return path
		}
	}
	return ""
}

// LoadConfig loads configuration from .env, the config file and environment variables.
// An empty configFile searches ./config.yaml and ./config/config.yaml.
func LoadConfig(configFile string) (*Config, error) {
	loadDotEnv()

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)
	loadFromEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, will use defaults and env vars
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	config.ConfigFile = v.ConfigFileUsed()

	ResolveSecrets(&config, EnvSecrets{})
	config.ResolveDataPaths()

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// ResolveDataPaths derives unset paths from DataDir
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "phishwatch.db")
	} else if c.DataPaths.SQLitePath != ":memory:" && !filepath.IsAbs(c.DataPaths.SQLitePath) {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}

	c.DataPaths.DataDir = dataDir
}

// Location returns the timezone that defines "today"
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ThreatIntel.Timezone)
	if err != nil || c.ThreatIntel.Timezone == "" {
		return time.UTC
	}
	return loc
}

// validateConfig validates the configuration for correctness
func validateConfig(config *Config) error {
	ti := config.ThreatIntel

	if _, err := cron.ParseStandard(ti.Schedule); err != nil {
		return fmt.Errorf("invalid threat_intel.schedule %q: %w", ti.Schedule, err)
	}
	if _, err := time.LoadLocation(ti.Timezone); err != nil {
		return fmt.Errorf("invalid threat_intel.timezone %q: %w", ti.Timezone, err)
	}
	if ti.RunDeadline <= 0 {
		return errors.New("threat_intel.run_deadline must be positive")
	}
	if ti.Retention <= 0 {
		return errors.New("threat_intel.retention must be positive")
	}
	if ti.SweepInterval <= 0 {
		return errors.New("threat_intel.sweep_interval must be positive")
	}
	if ti.RecentLimit < 0 || ti.TopN < 0 {
		return errors.New("threat_intel.recent_limit and threat_intel.top_n cannot be negative")
	}
	if ti.FeedWeight < 0 || ti.FeedWeight > 1 {
		return fmt.Errorf("threat_intel.feed_weight must be between 0 and 1, got %v", ti.FeedWeight)
	}
	if ti.KeywordBonus < 0 || ti.KeywordBonus > 100 {
		return fmt.Errorf("threat_intel.keyword_bonus must be between 0 and 100, got %d", ti.KeywordBonus)
	}
	if ti.UpsertRetries < 1 {
		return errors.New("threat_intel.upsert_retries must be at least 1")
	}
	if err := ti.CircuitBreaker.Validate(); err != nil {
		return fmt.Errorf("threat_intel.circuit_breaker: %w", err)
	}

	seen := make(map[string]bool, len(ti.Providers))
	for i, p := range ti.Providers {
		if seen[p.Name] {
			return fmt.Errorf("threat_intel.providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		if !p.Enabled {
			continue
		}
		if err := p.WithDefaults().Validate(); err != nil {
			return fmt.Errorf("threat_intel.providers[%d]: %w", i, err)
		}
	}

	if config.API.Enabled && (config.API.Port < 1 || config.API.Port > 65535) {
		return fmt.Errorf("invalid api.port %d", config.API.Port)
	}
	if config.API.MaxRecentLimit < 1 {
		return errors.New("api.max_recent_limit must be at least 1")
	}

	switch config.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", config.Logging.Format)
	}

	if config.Events.NATS.Enabled && config.Events.NATS.URL == "" {
		return errors.New("events.nats.url is required when NATS is enabled")
	}
	if config.Events.Webhook.Enabled && !strings.HasPrefix(config.Events.Webhook.URL, "http") {
		return errors.New("events.webhook.url must be an http(s) URL when the webhook is enabled")
	}
	if config.Cache.Redis.Enabled && config.Cache.Redis.Addr == "" {
		return errors.New("cache.redis.addr is required when the Redis cache is enabled")
	}
	return nil
}
