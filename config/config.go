package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

const (
	defaultReadInterval   = 5 * time.Second
	defaultFlushInterval  = 5 * time.Second
	defaultStatusInterval = 15 * time.Second
	defaultWatchInterval  = 2 * time.Second
	defaultAlertSpeed     = 1000
	defaultMaxPending     = 100000
	defaultWorkers        = 16
	defaultQueue          = 4096
	defaultCacheTTL       = 15 * time.Minute
	defaultValuePrefix    = "realtime_value."
	defaultValuesPrefix   = "realtime_values."
	defaultNATSBucket     = "dc3_realtime"
	defaultStoragePath    = "data/point_values.db"
	defaultMetricsListen  = ":9102"
)

// DriverConfig selects the protocol adapter used by the gateway.
type DriverConfig struct {
	Name     string            `yaml:"name"`
	Settings map[string]string `yaml:"settings,omitempty"`
}

// MetadataConfig points at the metadata collaborator snapshot.
type MetadataConfig struct {
	File  string   `yaml:"file"`
	Watch Duration `yaml:"watch,omitempty"`
}

// ScheduleConfig holds the independent cadences of the gateway.
type ScheduleConfig struct {
	Read       Duration `yaml:"read"`
	Flush      Duration `yaml:"flush"`
	Status     Duration `yaml:"status,omitempty"`
	AlertSpeed float64  `yaml:"alert_speed,omitempty"`
	MaxPending int      `yaml:"max_pending,omitempty"`
}

// PoolConfig sizes the shared worker pool.
type PoolConfig struct {
	Workers int `yaml:"workers"`
	Queue   int `yaml:"queue"`
}

// NATSConfig configures the JetStream key/value cache backend.
type NATSConfig struct {
	URL    string `yaml:"url"`
	Bucket string `yaml:"bucket,omitempty"`
}

// CacheConfig configures the realtime value cache.
type CacheConfig struct {
	Backend      string     `yaml:"backend,omitempty"`
	TTL          Duration   `yaml:"ttl,omitempty"`
	ValuePrefix  string     `yaml:"value_prefix,omitempty"`
	ValuesPrefix string     `yaml:"values_prefix,omitempty"`
	NATS         NATSConfig `yaml:"nats,omitempty"`
}

// StorageConfig configures the durable point value store.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig toggles metrics export.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
	Listen   string `yaml:"listen,omitempty"`
}

// Config is the root configuration structure for the gateway.
type Config struct {
	Driver    DriverConfig    `yaml:"driver"`
	Metadata  MetadataConfig  `yaml:"metadata"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Pool      PoolConfig      `yaml:"pool"`
	Cache     CacheConfig     `yaml:"cache"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Load reads, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a configuration document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	c.Driver.Name = strings.ToLower(strings.TrimSpace(c.Driver.Name))
	if c.Metadata.Watch.Duration <= 0 {
		c.Metadata.Watch.Duration = defaultWatchInterval
	}
	if c.Schedule.Read.Duration <= 0 {
		c.Schedule.Read.Duration = defaultReadInterval
	}
	if c.Schedule.Flush.Duration <= 0 {
		c.Schedule.Flush.Duration = defaultFlushInterval
	}
	if c.Schedule.Status.Duration <= 0 {
		c.Schedule.Status.Duration = defaultStatusInterval
	}
	if c.Schedule.AlertSpeed <= 0 {
		c.Schedule.AlertSpeed = defaultAlertSpeed
	}
	if c.Schedule.MaxPending <= 0 {
		c.Schedule.MaxPending = defaultMaxPending
	}
	if c.Pool.Workers <= 0 {
		c.Pool.Workers = defaultWorkers
	}
	if c.Pool.Queue <= 0 {
		c.Pool.Queue = defaultQueue
	}
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.TTL.Duration <= 0 {
		c.Cache.TTL.Duration = defaultCacheTTL
	}
	if c.Cache.ValuePrefix == "" {
		c.Cache.ValuePrefix = defaultValuePrefix
	}
	if c.Cache.ValuesPrefix == "" {
		c.Cache.ValuesPrefix = defaultValuesPrefix
	}
	if c.Cache.NATS.Bucket == "" {
		c.Cache.NATS.Bucket = defaultNATSBucket
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}
	if c.Telemetry.Listen == "" {
		c.Telemetry.Listen = defaultMetricsListen
	}
}

// Validate checks the values that have no sensible default.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	if c.Driver.Name == "" {
		return errors.New("driver.name is required")
	}
	if strings.TrimSpace(c.Metadata.File) == "" {
		return errors.New("metadata.file is required")
	}
	switch c.Cache.Backend {
	case "memory":
	case "nats":
		if strings.TrimSpace(c.Cache.NATS.URL) == "" {
			return errors.New("cache.nats.url is required for the nats backend")
		}
	default:
		return fmt.Errorf("unsupported cache backend %q", c.Cache.Backend)
	}
	if c.Cache.ValuePrefix == c.Cache.ValuesPrefix {
		return errors.New("cache.value_prefix and cache.values_prefix must differ")
	}
	return nil
}

// ReadInterval returns the poll cadence.
func (c *Config) ReadInterval() time.Duration {
	if c == nil || c.Schedule.Read.Duration <= 0 {
		return defaultReadInterval
	}
	return c.Schedule.Read.Duration
}

// FlushInterval returns the batch flush cadence.
func (c *Config) FlushInterval() time.Duration {
	if c == nil || c.Schedule.Flush.Duration <= 0 {
		return defaultFlushInterval
	}
	return c.Schedule.Flush.Duration
}
