// Package config loads engine settings from an optional YAML file and the
// process environment. Nothing here is global: callers pass the derived
// settings into the constructors that need them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/lbe-engine/internal/journal"
	"github.com/atmx/lbe-engine/internal/transition"
)

// Config is the full engine configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Worker   WorkerConfig   `yaml:"worker"`
	Event    EventConfig    `yaml:"event"`
	Journal  JournalConfig  `yaml:"journal"`
}

type ServerConfig struct {
	Port         string `yaml:"port"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
	TTL string `yaml:"ttl"`
}

// WorkerConfig drives the settlement worker. Batch sizes must be derived
// from the target ledger's transaction limits.
type WorkerConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Interval        string `yaml:"interval"`
	ActionsPerTick  int    `yaml:"actions_per_tick"`
	SellerBatchSize int    `yaml:"seller_batch_size"`
	OrderBatchSize  int    `yaml:"order_batch_size"`
	BatcherAddress  string `yaml:"batcher_address"`
}

type EventConfig struct {
	DefaultSellerCount int64  `yaml:"default_seller_count"`
	RecordRent         string `yaml:"record_rent"`
}

type JournalConfig struct {
	S3Bucket    string `yaml:"s3_bucket"`
	S3Region    string `yaml:"s3_region"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Prefix    string `yaml:"s3_prefix"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  "10s",
			WriteTimeout: "10s",
		},
		Redis: RedisConfig{TTL: "30s"},
		Worker: WorkerConfig{
			Enabled:         true,
			Interval:        "30s",
			ActionsPerTick:  1,
			SellerBatchSize: 20,
			OrderBatchSize:  20,
			BatcherAddress:  "addr_batcher",
		},
		Event: EventConfig{
			DefaultSellerCount: 20,
			RecordRent:         "2000000",
		},
		Journal: JournalConfig{
			S3Region: "us-east-1",
			S3Prefix: "receipts",
		},
	}
}

// Load reads path (if non-empty and present), then applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults if the file is absent.
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("LBE_WORKER_INTERVAL"); v != "" {
		c.Worker.Interval = v
	}
	if v := os.Getenv("LBE_BATCHER_ADDRESS"); v != "" {
		c.Worker.BatcherAddress = v
	}
	if v := os.Getenv("LBE_WORKER_ENABLED"); v != "" {
		c.Worker.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("LBE_RECORD_RENT"); v != "" {
		c.Event.RecordRent = v
	}
	if v := os.Getenv("LBE_JOURNAL_S3_BUCKET"); v != "" {
		c.Journal.S3Bucket = v
	}
	if v := os.Getenv("LBE_JOURNAL_S3_ENDPOINT"); v != "" {
		c.Journal.S3Endpoint = v
	}
	if v := os.Getenv("LBE_JOURNAL_S3_PATH_STYLE"); v != "" {
		c.Journal.S3PathStyle = strings.EqualFold(v, "true")
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"LBE_ACTIONS_PER_TICK", &c.Worker.ActionsPerTick},
		{"LBE_SELLER_BATCH_SIZE", &c.Worker.SellerBatchSize},
		{"LBE_ORDER_BATCH_SIZE", &c.Worker.OrderBatchSize},
	}
	for _, o := range ints {
		v := os.Getenv(o.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", o.env, err)
		}
		*o.dst = n
	}
	if v := os.Getenv("LBE_DEFAULT_SELLER_COUNT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid LBE_DEFAULT_SELLER_COUNT: %w", err)
		}
		c.Event.DefaultSellerCount = n
	}
	return nil
}

// Validate checks ranges and formats.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"server.read_timeout":  c.Server.ReadTimeout,
		"server.write_timeout": c.Server.WriteTimeout,
		"redis.ttl":            c.Redis.TTL,
		"worker.interval":      c.Worker.Interval,
	} {
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			return fmt.Errorf("invalid %s: %q", name, v)
		}
	}
	if c.Worker.ActionsPerTick < 1 {
		return fmt.Errorf("worker.actions_per_tick must be at least 1, got %d", c.Worker.ActionsPerTick)
	}
	if c.Worker.SellerBatchSize < 1 || c.Worker.OrderBatchSize < 1 {
		return fmt.Errorf("worker batch sizes must be at least 1")
	}
	if c.Worker.BatcherAddress == "" {
		return fmt.Errorf("worker.batcher_address is required")
	}
	if c.Event.DefaultSellerCount < 1 {
		return fmt.Errorf("event.default_seller_count must be at least 1, got %d", c.Event.DefaultSellerCount)
	}
	rent, err := decimal.NewFromString(c.Event.RecordRent)
	if err != nil || rent.IsNegative() || !rent.IsInteger() {
		return fmt.Errorf("invalid event.record_rent: %q", c.Event.RecordRent)
	}
	return nil
}

// Rent returns the record rent. Validate has already checked the format.
func (c *Config) Rent() decimal.Decimal {
	d, err := decimal.NewFromString(c.Event.RecordRent)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// WorkerInterval returns the tick interval as a duration.
func (c *Config) WorkerInterval() time.Duration {
	return duration(c.Worker.Interval, 30*time.Second)
}

// RedisTTL returns the record cache TTL.
func (c *Config) RedisTTL() time.Duration {
	return duration(c.Redis.TTL, 30*time.Second)
}

func (c *Config) ReadTimeout() time.Duration {
	return duration(c.Server.ReadTimeout, 10*time.Second)
}

func (c *Config) WriteTimeout() time.Duration {
	return duration(c.Server.WriteTimeout, 10*time.Second)
}

// Transition derives the builder configuration.
func (c *Config) Transition() transition.Config {
	return transition.Config{
		SellerBatchSize:    c.Worker.SellerBatchSize,
		OrderBatchSize:     c.Worker.OrderBatchSize,
		DefaultSellerCount: c.Event.DefaultSellerCount,
		RecordRent:         c.Rent(),
		BatcherAddress:     c.Worker.BatcherAddress,
	}
}

// S3 derives the journal sink configuration. AWS credentials come from the
// default chain.
func (c *Config) S3() journal.S3Config {
	return journal.S3Config{
		Bucket:    c.Journal.S3Bucket,
		Region:    c.Journal.S3Region,
		Endpoint:  c.Journal.S3Endpoint,
		Prefix:    c.Journal.S3Prefix,
		PathStyle: c.Journal.S3PathStyle,
	}
}

func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
