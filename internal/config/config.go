package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Default values applied by NewConfig.
const (
	DefaultSyncInterval   = 30 * time.Second
	DefaultLookbackEpochs = 24
	DefaultMetricsListen  = "127.0.0.1:9464"
)

// Config represents the main configuration for zajel.
type Config struct {
	PeerID    string          `toml:"peer_id"`
	BaseDir   string          `toml:"base_dir"`
	LogDir    string          `toml:"log_dir"`
	Store     StoreConfig     `toml:"store"`
	Transport TransportConfig `toml:"transport"`
	Routing   RoutingConfig   `toml:"routing"`
	Swarm     SwarmConfig     `toml:"swarm"`
	Relays    []RelayConfig   `toml:"relays"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// StoreConfig represents configuration for the local channel store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StoreConfig struct {
	Type    string `toml:"type"`               // "memory", "sqlite", "bolt" or "postgres"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite and type=bolt
	DSN     string `toml:"dsn,omitempty"`      // only used for type=postgres
}

// TransportConfig represents configuration for the swarm message transport.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type TransportConfig struct {
	Type  string `toml:"type"`            // "loopback", "nats" or "redis"
	URL   string `toml:"url,omitempty"`   // server address for nats and redis
	Topic string `toml:"topic,omitempty"` // subject (nats) or channel (redis); defaults to "zajel.swarm"
}

// RoutingConfig controls routing hash derivation.
type RoutingConfig struct {
	Epoch          string `toml:"epoch"`           // "hourly" or "daily"
	LookbackEpochs int    `toml:"lookback_epochs"` // epochs searched when matching or fetching chunks
}

// SwarmConfig controls the swarm sync engine.
type SwarmConfig struct {
	SyncInterval string `toml:"sync_interval"` // Go duration string, e.g. "30s"
}

// Interval parses SyncInterval, falling back to DefaultSyncInterval.
func (c SwarmConfig) Interval() (time.Duration, error) {
	if c.SyncInterval == "" {
		return DefaultSyncInterval, nil
	}
	d, err := time.ParseDuration(c.SyncInterval)
	if err != nil {
		return 0, fmt.Errorf("parsing sync_interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("sync_interval must be positive, got %s", d)
	}
	return d, nil
}

// RelayConfig names a relay node by URL: mem://name, file:///path or
// s3://bucket/prefix.
type RelayConfig struct {
	URL string `toml:"url"`

	// S3-specific fields (only used for s3:// URLs)
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`   // for S3-compatible services such as MinIO
	S3AccessKey string `toml:"s3_access_key,omitempty"` // static credentials; the default AWS chain is used when empty
	S3SecretKey string `toml:"s3_secret_key,omitempty"`
}

// MetricsConfig configures the daemon's HTTP endpoint.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name,omitempty"`
}

// NewConfig creates a new Config with the provided values and defaults for
// everything else.
func NewConfig(peerID, baseDir string) *Config {
	return &Config{
		PeerID:  peerID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Store: StoreConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "data"),
		},
		Transport: TransportConfig{Type: "loopback"},
		Routing: RoutingConfig{
			Epoch:          "hourly",
			LookbackEpochs: DefaultLookbackEpochs,
		},
		Swarm:   SwarmConfig{SyncInterval: DefaultSyncInterval.String()},
		Metrics: MetricsConfig{Listen: DefaultMetricsListen},
		Telemetry: TelemetryConfig{
			ServiceName: "zajel",
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// WriteToFile overwrites the config file at path, creating parent directories.
func WriteToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := WriteToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
