package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"flocksync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Remote     RemoteConfig     `yaml:"remote"`
	Queue      QueueConfig      `yaml:"queue"`
	Cache      CacheConfig      `yaml:"cache"`
	Sync       SyncConfig       `yaml:"sync"`
	Network    NetworkConfig    `yaml:"network"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	API        APIConfig        `yaml:"api"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
	// Snapshot settings; an empty SnapshotDir disables snapshots.
	SnapshotDir       string        `yaml:"snapshot_dir"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	SnapshotRetention time.Duration `yaml:"snapshot_retention"`
}

type RedisConfig struct {
	Address       string `yaml:"address"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	PoolSize      int    `yaml:"pool_size"`
	KeyPrefix     string `yaml:"key_prefix"`
	DeadLetterKey string `yaml:"dead_letter_key"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

// RemoteConfig describes the church API that queued operations replay against.
type RemoteConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Token     string        `yaml:"token"`
	TokenFile string        `yaml:"token_file"`
	TenantID  string        `yaml:"tenant_id"`
	Timeout   time.Duration `yaml:"timeout"`
	RPS       float64       `yaml:"rps"`
	Burst     int           `yaml:"burst"`
}

type QueueConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	Concurrency       int           `yaml:"concurrency"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	MaxRetries        int           `yaml:"max_retries"`
	Retention         time.Duration `yaml:"retention"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	FailFastPermanent bool          `yaml:"fail_fast_permanent"`
}

type CacheConfig struct {
	// Backend is one of sqlite, memory, redis.
	Backend       string        `yaml:"backend"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	MaxBytes      int64         `yaml:"max_bytes"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type SyncConfig struct {
	Interval  time.Duration `yaml:"interval"`
	MaxPasses int           `yaml:"max_passes"`
	// Invalidate maps realtime event types to cache key prefixes.
	Invalidate map[string]string `yaml:"invalidate"`
}

type NetworkConfig struct {
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

type RealtimeConfig struct {
	Enabled           bool          `yaml:"enabled"`
	URL               string        `yaml:"url"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollingInterval   time.Duration `yaml:"polling_interval"`
	Events            []string      `yaml:"events"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	HeaderAPIKey string   `yaml:"header_api_key"`
	APIKeys      []string `yaml:"api_keys"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse decodes YAML config after expanding environment variables.
func Parse(data []byte) (*Config, error) {
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Remote.BaseURL == "" {
		return errors.New("remote base_url is required")
	}
	if _, err := url.ParseRequestURI(c.Remote.BaseURL); err != nil {
		return fmt.Errorf("remote base_url is invalid: %w", err)
	}

	switch c.Cache.Backend {
	case "sqlite", "memory":
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("cache backend redis requires redis.address")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}

	if c.Queue.BaseDelay > c.Queue.MaxDelay {
		return errors.New("queue base_delay must not exceed max_delay")
	}
	if c.Queue.MaxRetries < 0 {
		return errors.New("queue max_retries must not be negative")
	}

	if c.Realtime.Enabled && c.Realtime.URL == "" {
		return errors.New("realtime url is required when realtime is enabled")
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "flocksync"
	}
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	if c.Cache.Backend == "" {
		c.Cache.Backend = "sqlite"
	}
	if c.Cache.DefaultTTL == 0 {
		c.Cache.DefaultTTL = models.DefaultCacheTTL
	}
	if c.Cache.MaxBytes == 0 {
		c.Cache.MaxBytes = models.DefaultCacheMaxBytes
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = 10 * time.Minute
	}

	if c.Database.SnapshotDir != "" {
		if c.Database.SnapshotInterval == 0 {
			c.Database.SnapshotInterval = 24 * time.Hour
		}
		if c.Database.SnapshotRetention == 0 {
			c.Database.SnapshotRetention = 7 * 24 * time.Hour
		}
	}

	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 15 * time.Second
	}

	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = 20
	}
	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = 3
	}
	if c.Queue.BaseDelay == 0 {
		c.Queue.BaseDelay = time.Second
	}
	if c.Queue.MaxDelay == 0 {
		c.Queue.MaxDelay = time.Minute
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = models.DefaultMaxRetries
	}
	if c.Queue.Retention == 0 {
		c.Queue.Retention = models.CompletedRetention
	}
	if c.Queue.CleanupInterval == 0 {
		c.Queue.CleanupInterval = time.Hour
	}

	if c.Sync.Interval == 0 {
		c.Sync.Interval = 5 * time.Minute
	}
	if c.Sync.MaxPasses == 0 {
		c.Sync.MaxPasses = 10
	}

	if c.Network.ProbeInterval == 0 {
		c.Network.ProbeInterval = 30 * time.Second
	}
	if c.Network.ProbeTimeout == 0 {
		c.Network.ProbeTimeout = 5 * time.Second
	}

	if c.Realtime.ReconnectAttempts == 0 {
		c.Realtime.ReconnectAttempts = 5
	}
	if c.Realtime.ReconnectDelay == 0 {
		c.Realtime.ReconnectDelay = time.Second
	}
	if c.Realtime.ReconnectMaxDelay == 0 {
		c.Realtime.ReconnectMaxDelay = 5 * time.Second
	}
	if c.Realtime.HeartbeatInterval == 0 {
		c.Realtime.HeartbeatInterval = 25 * time.Second
	}
	if c.Realtime.PollingInterval == 0 {
		c.Realtime.PollingInterval = 30 * time.Second
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.API.Port == 0 {
		c.API.Port = 8787
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "flocksync"
	}
	if c.Redis.DeadLetterKey == "" {
		c.Redis.DeadLetterKey = c.Redis.KeyPrefix + ":deadletter"
	}
}
