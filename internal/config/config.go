package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for a catalyst node.
type Config struct {
	NodeID     string           `toml:"node_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	LogLevel   string           `toml:"log_level,omitempty"` // debug, info, warn or error
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Storage    StorageConfig    `toml:"storage"`
	Encryption EncryptionConfig `toml:"encryption"`
	Staging    StagingConfig    `toml:"staging"`
	Denylist   DenylistConfig   `toml:"denylist"`
	Access     AccessConfig     `toml:"access"`
	Validation ValidationConfig `toml:"validation"`
	Queue      QueueConfig      `toml:"queue"`
	GC         GCConfig         `toml:"gc"`
	Snapshots  SnapshotsConfig  `toml:"snapshots"`
	Sync       SyncConfig       `toml:"sync"`
}

// Duration is a time.Duration written as "10m" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Address       string   `toml:"address"`
	PublicURL     string   `toml:"public_url,omitempty"`
	ShutdownGrace Duration `toml:"shutdown_grace"`
}

// DatabaseConfig represents configuration for the relational index.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// StorageConfig selects the content store backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StorageConfig struct {
	Type      string `toml:"type"` // "memory", "filesystem" or "s3"
	Encrypted bool   `toml:"encrypted,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	Root string `toml:"root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket       string `toml:"s3_bucket,omitempty"`
	S3Prefix       string `toml:"s3_prefix,omitempty"`
	S3Region       string `toml:"s3_region,omitempty"`
	S3Endpoint     string `toml:"s3_endpoint,omitempty"`
	S3AccessKey    string `toml:"s3_access_key,omitempty"`
	S3SecretKey    string `toml:"s3_secret_key,omitempty"`
	S3UsePathStyle bool   `toml:"s3_use_path_style,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used when storage is encrypted.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// StagingConfig represents configuration for the upload staging area.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StagingConfig struct {
	Type       string `toml:"type"`                  // "memory" or "filesystem"
	StagingDir string `toml:"staging_dir,omitempty"` // only used for type=filesystem
	MaxSize    int64  `toml:"max_size"`              // hard per-upload cap in bytes, answered with 413
}

// DenylistConfig selects the denylist implementation.
type DenylistConfig struct {
	Type           string   `toml:"type"` // "active", "deactivated" or "noop"
	AdminAddresses []string `toml:"admin_addresses"`
}

// AccessConfig selects the access-rights oracle.
type AccessConfig struct {
	Type string `toml:"type"` // "open" or "rules"
	// Owners maps a pointer (or "*") to the addresses allowed to deploy to it.
	// Only used when Type == "rules".
	Owners map[string][]string `toml:"owners,omitempty"`
}

// ValidationConfig holds validation limits.
type ValidationConfig struct {
	// MaxRequestSize is the largest deployment accepted, in bytes. Keep it
	// below staging.max_size so oversized deployments are reported as a
	// validation problem. Zero means the staging cap.
	MaxRequestSize     int64    `toml:"max_request_size"`
	SignatureWindow    Duration `toml:"signature_window"`
	FreshnessTolerance Duration `toml:"freshness_tolerance"`
	SyncChecks         []string `toml:"sync_checks,omitempty"`
}

// QueueConfig bounds database concurrency.
type QueueConfig struct {
	MaxConcurrent int `toml:"max_concurrent"`
	MaxQueued     int `toml:"max_queued"`
}

// GCConfig controls garbage collection.
type GCConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval Duration `toml:"interval"`
	Grace    Duration `toml:"grace"`
}

// SnapshotsConfig controls snapshot generation.
type SnapshotsConfig struct {
	Enabled          bool     `toml:"enabled"`
	Interval         Duration `toml:"interval"`
	RangeSize        Duration `toml:"range_size"`
	CompactionFactor int      `toml:"compaction_factor"`
}

// SyncConfig controls synchronisation with peers.
type SyncConfig struct {
	Enabled           bool         `toml:"enabled"`
	Interval          Duration     `toml:"interval"`
	FetchTimeout      Duration     `toml:"fetch_timeout"`
	ParallelDownloads int          `toml:"parallel_downloads"`
	RetryAfter        Duration     `toml:"retry_after"`
	PageSize          int          `toml:"page_size"`
	Peers             []PeerConfig `toml:"peers"`
}

// PeerConfig is one statically configured peer.
type PeerConfig struct {
	ID      string `toml:"id"`
	Address string `toml:"address"`
	Owner   string `toml:"owner,omitempty"`
}

// NewConfig creates a Config with defaults rooted at baseDir.
func NewConfig(nodeID, baseDir string) *Config {
	return &Config{
		NodeID:   nodeID,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: "info",
		Server: ServerConfig{
			Address:       ":6969",
			ShutdownGrace: Duration{10 * time.Second},
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Storage:  StorageConfig{Type: "filesystem", Root: filepath.Join(baseDir, "contents")},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "catalyst.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "catalyst.key"),
		},
		Staging:  StagingConfig{Type: "filesystem", StagingDir: filepath.Join(baseDir, "staging"), MaxSize: 100 << 20},
		Denylist: DenylistConfig{Type: "active"},
		Access:   AccessConfig{Type: "open"},
		Validation: ValidationConfig{
			MaxRequestSize:     50 << 20,
			SignatureWindow:    Duration{10 * time.Minute},
			FreshnessTolerance: Duration{5 * time.Minute},
		},
		Queue: QueueConfig{MaxConcurrent: 20, MaxQueued: 50},
		GC:    GCConfig{Enabled: true, Interval: Duration{6 * time.Hour}, Grace: Duration{10 * time.Minute}},
		Snapshots: SnapshotsConfig{
			Enabled:          true,
			Interval:         Duration{time.Hour},
			RangeSize:        Duration{time.Hour},
			CompactionFactor: 24,
		},
		Sync: SyncConfig{
			Enabled:           true,
			Interval:          Duration{time.Minute},
			FetchTimeout:      Duration{30 * time.Second},
			ParallelDownloads: 8,
			RetryAfter:        Duration{15 * time.Minute},
			PageSize:          500,
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

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
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

// Init writes cfg to path, refusing to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
