// Package config manages daemon configuration: defaults, an optional YAML
// file, a .env file and BTLITE_* environment overrides, in that order
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigDirName is the name of the config directory
	ConfigDirName = ".btlite"
	// ConfigFileName is the name of the config file
	ConfigFileName = "config.yaml"
	// EnvFileName is the dotenv file read from the working directory and the config dir
	EnvFileName = ".env"
)

// Radio kinds
const (
	RadioLAN = "lan"
	RadioMem = "mem"
)

// Config holds the daemon configuration
type Config struct {
	// ControlAddr is where the gRPC control plane listens
	ControlAddr string `yaml:"control_addr"`
	// MetricsAddr serves /metrics when set
	MetricsAddr string `yaml:"metrics_addr"`
	// GUID overrides the persisted bus GUID
	GUID string `yaml:"guid"`

	Radio       RadioConfig       `yaml:"radio"`
	NameService NameServiceConfig `yaml:"name_service"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Log         LogConfig         `yaml:"log"`
}

// RadioConfig selects and tunes the radio adapter
type RadioConfig struct {
	// Kind is "lan" or "mem"
	Kind string `yaml:"kind"`
	// Address is the LAN radio's session listen address
	Address          string        `yaml:"address"`
	Name             string        `yaml:"name"`
	PresencePort     int           `yaml:"presence_port"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	StaleTimeout     time.Duration `yaml:"stale_timeout"`
	SeedPeers        []string      `yaml:"seed_peers,omitempty"`
	// MemPeers are simulated peers hosted in-process by the mem radio
	MemPeers []MemPeer `yaml:"mem_peers,omitempty"`
}

// MemPeer is one simulated peer and the names it advertises
type MemPeer struct {
	Addr  string   `yaml:"addr"`
	Names []string `yaml:"names"`
}

// NameServiceConfig tunes discovery
type NameServiceConfig struct {
	SessionTimeout time.Duration `yaml:"session_timeout"`
	RecordTTL      time.Duration `yaml:"service_record_ttl"`
	RecordCapacity int           `yaml:"service_record_capacity"`
}

// BridgeConfig tunes the connection manager
type BridgeConfig struct {
	LocalAddr    string        `yaml:"local_addr"`
	DialAttempts int           `yaml:"dial_attempts"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// LogConfig tunes logging
type LogConfig struct {
	Level string `yaml:"level"`
	// Colors forces colors on or off; unset auto-detects
	Colors *bool `yaml:"colors,omitempty"`
}

// Paths holds commonly used paths
type Paths struct {
	// ConfigDir is ~/.btlite
	ConfigDir string
	// ConfigFile is ~/.btlite/config.yaml
	ConfigFile string
	// EnvFile is ~/.btlite/.env
	EnvFile string
	// GUIDFile is ~/.btlite/guid
	GUIDFile string
}

// GetPaths returns the standard paths
func GetPaths() (*Paths, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return PathsIn(filepath.Join(homeDir, ConfigDirName)), nil
}

// PathsIn returns the standard layout rooted at dir
func PathsIn(dir string) *Paths {
	return &Paths{
		ConfigDir:  dir,
		ConfigFile: filepath.Join(dir, ConfigFileName),
		EnvFile:    filepath.Join(dir, EnvFileName),
		GUIDFile:   filepath.Join(dir, "guid"),
	}
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		ControlAddr: "127.0.0.1:50070",
		Radio: RadioConfig{
			Kind:             RadioLAN,
			Address:          ":50061",
			PresencePort:     50060,
			AnnounceInterval: 5 * time.Second,
			StaleTimeout:     30 * time.Second,
		},
		NameService: NameServiceConfig{
			SessionTimeout: 30 * time.Second,
			RecordTTL:      10 * time.Minute,
			RecordCapacity: 256,
		},
		Bridge: BridgeConfig{
			LocalAddr:    "127.0.0.1:9527",
			DialAttempts: 3,
			RetryDelay:   200 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration. An empty path reads ~/.btlite/config.yaml
// if it exists; an explicit path must exist.
func Load(path string) (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}
	return LoadFrom(paths, path, os.LookupEnv)
}

// LoadFrom is Load with the directory layout and environment supplied
func LoadFrom(paths *Paths, path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = paths.ConfigFile
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := DecodeStrict(f, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// godotenv never overrides variables already set in the environment
	for _, envFile := range []string{EnvFileName, paths.EnvFile} {
		if _, err := os.Stat(envFile); err != nil {
			continue
		}
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DecodeStrict decodes YAML and rejects unknown keys
func DecodeStrict(r io.Reader, out interface{}) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
