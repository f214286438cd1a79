// Package config loads the urlcached daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Cache    CacheConfig    `yaml:"cache"`
	Store    StoreConfig    `yaml:"store"`
	GenStore GenStoreConfig `yaml:"genstore"`
	Redis    *RedisConfig   `yaml:"redis"`
	Issuer   IssuerConfig   `yaml:"issuer"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Sweep    SweepConfig    `yaml:"sweep"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr" validate:"required"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`
	ReadTimeout    time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout   time.Duration `yaml:"write_timeout" validate:"gte=0"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" validate:"gte=0"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" validate:"gte=0"`
}

type CacheConfig struct {
	Namespace         string        `yaml:"namespace" validate:"required"`
	TTL               time.Duration `yaml:"ttl" validate:"gt=0"`
	SafetyMargin      time.Duration `yaml:"safety_margin" validate:"gte=0,ltfield=TTL"`
	Codec             string        `yaml:"codec" validate:"oneof=msgpack json cbor"`
	MaxDecodeBytes    int           `yaml:"max_decode_bytes" validate:"gte=0"`
	MaxParallelIssues int           `yaml:"max_parallel_issues" validate:"gte=0"`
	MaxBatchSize      int           `yaml:"max_batch_size" validate:"gte=0"`
	IssueTimeout      time.Duration `yaml:"issue_timeout" validate:"gte=0"`
	GenRetention      time.Duration `yaml:"gen_retention" validate:"gte=0"`
	Disabled          bool          `yaml:"disabled"`
}

type StoreConfig struct {
	Type      string           `yaml:"type" validate:"oneof=memory ristretto bigcache redis"`
	Memory    MemoryConfig     `yaml:"memory"`
	Ristretto *RistrettoConfig `yaml:"ristretto"`
	BigCache  *BigCacheConfig  `yaml:"bigcache"`
}

type MemoryConfig struct {
	MaxEntries int `yaml:"max_entries" validate:"gte=0"`
}

type RistrettoConfig struct {
	NumCounters int64 `yaml:"num_counters" validate:"gt=0"`
	MaxCost     int64 `yaml:"max_cost" validate:"gt=0"`
	BufferItems int64 `yaml:"buffer_items" validate:"gt=0"`
}

type BigCacheConfig struct {
	Shards             int           `yaml:"shards" validate:"gte=0"`
	CleanWindow        time.Duration `yaml:"clean_window" validate:"gte=0"`
	HardMaxCacheSizeMB int           `yaml:"hard_max_cache_size_mb" validate:"gte=0"`
}

type GenStoreConfig struct {
	Type string        `yaml:"type" validate:"oneof=local redis"`
	TTL  time.Duration `yaml:"ttl" validate:"gte=0"`
}

type RedisConfig struct {
	Addrs    []string `yaml:"addrs" validate:"required,min=1,dive,hostname_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db" validate:"gte=0"`
}

type IssuerConfig struct {
	Type       string            `yaml:"type" validate:"oneof=s3 storageapi"`
	S3         *S3Config         `yaml:"s3" validate:"required_if=Type s3"`
	StorageAPI *StorageAPIConfig `yaml:"storageapi" validate:"required_if=Type storageapi"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket" validate:"required"`
	Region          string `yaml:"region"`
	Profile         string `yaml:"profile"`
	Endpoint        string `yaml:"endpoint" validate:"omitempty,url"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id" validate:"required_with=SecretAccessKey"`
	SecretAccessKey string `yaml:"secret_access_key" validate:"required_with=AccessKeyID"`
}

type StorageAPIConfig struct {
	BaseURL string        `yaml:"base_url" validate:"required,url"`
	Bucket  string        `yaml:"bucket" validate:"required"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

type LogConfig struct {
	Backend string `yaml:"backend" validate:"oneof=zap logrus apex slog"`
	Level   string `yaml:"level" validate:"oneof=debug info warn error"`
	Format  string `yaml:"format" validate:"oneof=console json"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace" validate:"required_if=Enabled true"`
	GoMetrics bool   `yaml:"go_metrics"`
}

// SweepConfig moves the periodic sweep onto a cron schedule. Empty Schedule
// keeps the cache's own ticker at Interval.
type SweepConfig struct {
	Schedule string        `yaml:"schedule"`
	Interval time.Duration `yaml:"interval"`
}

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			RequestTimeout: 30 * time.Second,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			ShutdownGrace:  10 * time.Second,
		},
		Cache: CacheConfig{
			Namespace:         "default",
			TTL:               time.Hour,
			SafetyMargin:      time.Minute,
			Codec:             "msgpack",
			MaxParallelIssues: 16,
			MaxBatchSize:      100,
			GenRetention:      24 * time.Hour,
		},
		Store:    StoreConfig{Type: "memory"},
		GenStore: GenStoreConfig{Type: "local", TTL: 48 * time.Hour},
		Issuer:   IssuerConfig{Type: "s3"},
		Log:      LogConfig{Backend: "zap", Level: "info", Format: "json"},
		Metrics:  MetricsConfig{Enabled: true, Namespace: "urlcache"},
		Sweep:    SweepConfig{Interval: 10 * time.Minute},
	}
}

// Load reads path, expands ${VAR} references from the environment, and
// validates the result on top of Defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}
	if (c.Store.Type == "redis" || c.GenStore.Type == "redis") && c.Redis == nil {
		return fmt.Errorf("config: redis section is required for store/genstore type redis")
	}
	if c.Store.Type == "redis" && c.GenStore.Type != "redis" {
		return fmt.Errorf("config: a shared redis store needs genstore type redis")
	}
	if c.Sweep.Schedule != "" {
		if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
			return fmt.Errorf("config: sweep schedule: %w", err)
		}
	}
	return nil
}
