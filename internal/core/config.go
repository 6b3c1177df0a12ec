package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire hostguard configuration.
type Config struct {
	Ingest      IngestConfig      `yaml:"ingest"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Store       StoreConfig       `yaml:"store"`
	Cache       CacheConfig       `yaml:"cache"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Baseline    BaselineConfig    `yaml:"baseline"`
	Events      EventsConfig      `yaml:"events"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Relay       RelayConfig       `yaml:"relay"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// IngestConfig holds ingestion socket settings.
type IngestConfig struct {
	SocketPath string   `yaml:"socket_path"`
	ExtraTypes []string `yaml:"extra_types"`
}

// Subscriber overflow policies.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowDisconnect = "disconnect"
)

// BroadcastConfig holds consumer fan-out settings.
type BroadcastConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ReplayDepth    int    `yaml:"replay_depth"`
	QueueCapacity  int    `yaml:"queue_capacity"`
	OverflowPolicy string `yaml:"overflow_policy"`
	MaxDropped     int    `yaml:"max_dropped"`
}

// StoreConfig holds in-memory event store settings.
type StoreConfig struct {
	Capacity int `yaml:"capacity"`
}

// CacheConfig holds resolution cache settings.
type CacheConfig struct {
	Capacity int    `yaml:"capacity"`
	Path     string `yaml:"path"`
}

// CorrelationConfig holds correlation engine settings.
type CorrelationConfig struct {
	WindowSeconds int            `yaml:"window_seconds"`
	Threshold     int            `yaml:"threshold"`
	Thresholds    map[string]int `yaml:"thresholds"`
	SweepSeconds  int            `yaml:"sweep_seconds"`
}

// Window returns the correlation window duration.
func (c CorrelationConfig) Window() time.Duration {
	if c.WindowSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.WindowSeconds) * time.Second
}

// SweepEvery returns the bucket expiry sweep interval.
func (c CorrelationConfig) SweepEvery() time.Duration {
	if c.SweepSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.SweepSeconds) * time.Second
}

// BaselineConfig holds baseline store settings.
type BaselineConfig struct {
	Dir string `yaml:"dir"`
}

// EventsConfig holds on-disk event persistence settings.
type EventsConfig struct {
	Dir string `yaml:"dir"`
}

// RelayConfig holds the optional embedded NATS relay settings.
type RelayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Embedded bool   `yaml:"embedded"`
	URL      string `yaml:"url"`
	Port     int    `yaml:"port"`
	DataDir  string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// baseDir is the per-user data root.
func baseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hostguard"
	}
	return filepath.Join(home, ".hostguard")
}

// DefaultConfig returns a Config with sane defaults — zero-config works out
// of the box.
func DefaultConfig() *Config {
	base := baseDir()
	return &Config{
		Ingest: IngestConfig{
			SocketPath: filepath.Join(os.TempDir(), "hostguard.sock"),
		},
		Broadcast: BroadcastConfig{
			Host:           "127.0.0.1",
			Port:           9765,
			ReplayDepth:    100,
			QueueCapacity:  200,
			OverflowPolicy: OverflowDropOldest,
			MaxDropped:     1000,
		},
		Store: StoreConfig{
			Capacity: 1000,
		},
		Cache: CacheConfig{
			Capacity: 500,
			Path:     filepath.Join(base, "resolution_cache.json"),
		},
		Correlation: CorrelationConfig{
			WindowSeconds: 60,
			Threshold:     50,
			Thresholds:    map[string]int{},
			SweepSeconds:  5,
		},
		Baseline: BaselineConfig{
			Dir: filepath.Join(base, "baselines"),
		},
		Events: EventsConfig{
			Dir: filepath.Join(base, "events"),
		},
		Archive: ArchiveConfig{
			Enabled:      false,
			Dir:          filepath.Join(base, "archive"),
			RetainFiles:  1000,
			RotateBytes:  32 * 1024 * 1024,
			SweepSeconds: 60,
		},
		Relay: RelayConfig{
			Enabled:  false,
			Embedded: true,
			URL:      "nats://127.0.0.1:4222",
			Port:     4222,
			DataDir:  filepath.Join(base, "nats"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults
// when the path is empty or the file does not exist.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate rejects settings the hub cannot run with.
func (c *Config) Validate() error {
	switch c.Broadcast.OverflowPolicy {
	case OverflowDropOldest, OverflowDisconnect:
	default:
		return fmt.Errorf("broadcast.overflow_policy must be %q or %q", OverflowDropOldest, OverflowDisconnect)
	}
	if c.Broadcast.QueueCapacity <= 0 {
		return fmt.Errorf("broadcast.queue_capacity must be positive, got %d", c.Broadcast.QueueCapacity)
	}
	if c.Broadcast.ReplayDepth > c.Broadcast.QueueCapacity {
		return fmt.Errorf("broadcast.replay_depth (%d) cannot exceed queue_capacity (%d)",
			c.Broadcast.ReplayDepth, c.Broadcast.QueueCapacity)
	}
	return nil
}

// LogLevel returns the normalized log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}
