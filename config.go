package pulsekit

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the SDK configuration consumed once at construction.
type Config struct {
	App       AppConfig       `toml:"app"`
	Collector CollectorConfig `toml:"collector"`
	Queue     QueueConfig     `toml:"queue"`
	Offline   OfflineConfig   `toml:"offline"`
	Network   NetworkConfig   `toml:"network"`
	Priority  PriorityConfig  `toml:"priority"`
	Debug     bool            `toml:"debug"`
}

// AppConfig identifies the application to the collector.
type AppConfig struct {
	ID  string `toml:"id"`
	Key string `toml:"key,omitempty"`
}

// CollectorConfig describes the delivery endpoints.
type CollectorConfig struct {
	Endpoint  string            `toml:"endpoint"`
	StreamURL string            `toml:"streamUrl,omitempty"` // derived from Endpoint when empty
	BrokerURL string            `toml:"brokerUrl,omitempty"` // enables the MQTT durable mechanism
	Topic     string            `toml:"topic,omitempty"`
	Headers   map[string]string `toml:"headers,omitempty"`
	Timeout   duration          `toml:"timeout,omitempty"`

	// Payload thresholds steering transport selection, in bytes.
	SizeCeiling  int `toml:"sizeCeiling,omitempty"`
	SmallPayload int `toml:"smallPayload,omitempty"`
}

// QueueConfig tunes the delivery queue and its backpressure controller.
type QueueConfig struct {
	MaxSize          int      `toml:"maxSize"`
	BatchSize        int      `toml:"batchSize"`
	MinBatchSize     int      `toml:"minBatchSize,omitempty"`
	MaxBatchSize     int      `toml:"maxBatchSize,omitempty"`
	BatchInterval    duration `toml:"batchInterval"`
	MinBatchInterval duration `toml:"minBatchInterval,omitempty"`
	MaxBatchInterval duration `toml:"maxBatchInterval,omitempty"`
	RetryCount       int      `toml:"retryCount"`
	RetryInterval    duration `toml:"retryInterval"`
	DedupeSize       int      `toml:"dedupeSize,omitempty"`

	// Pressure watermarks in [0,1]; zero keeps the engine defaults.
	HighWatermark   float64 `toml:"highWatermark,omitempty"`
	MediumWatermark float64 `toml:"mediumWatermark,omitempty"`
	LowWatermark    float64 `toml:"lowWatermark,omitempty"`
}

// OfflineConfig controls durable persistence of failed batches.
type OfflineConfig struct {
	Enabled          bool     `toml:"enabled"`
	Path             string   `toml:"path,omitempty"`
	RecoveryInterval duration `toml:"recoveryInterval,omitempty"`
}

// NetworkConfig tunes connectivity monitoring.
type NetworkConfig struct {
	CheckInterval duration `toml:"checkInterval,omitempty"`
	DisableProbe  bool     `toml:"disableProbe,omitempty"`
}

// PriorityConfig extends the built-in classification table.
type PriorityConfig struct {
	RulesFile string   `toml:"rulesFile,omitempty"`
	High      []string `toml:"high,omitempty"`
	Low       []string `toml:"low,omitempty"`
}

// duration wraps time.Duration so TOML files can say "5s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("pulsekit: load config: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields the SDK cannot default.
func (c Config) Validate() error {
	if c.App.ID == "" {
		return fmt.Errorf("pulsekit: app.id is required")
	}
	if c.Collector.Endpoint == "" {
		return fmt.Errorf("pulsekit: collector.endpoint is required")
	}
	if c.Offline.Enabled && c.Offline.Path == "" {
		return fmt.Errorf("pulsekit: offline.path is required when offline mode is enabled")
	}
	return nil
}

// streamURL returns the websocket endpoint, deriving it from the
// collector endpoint when not set explicitly.
func (c Config) streamURL() string {
	if c.Collector.StreamURL != "" {
		return c.Collector.StreamURL
	}
	url := c.Collector.Endpoint
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}
