// Package config loads the rtkitctl configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/strand-protocol/rtkit/pkg/shmem"
)

// Config holds the rtkitctl configuration.
type Config struct {
	Name         string          `yaml:"name" json:"name"`
	Owner        string          `yaml:"owner" json:"owner"`
	Transport    TransportConfig `yaml:"transport" json:"transport"`
	Versions     VersionRange    `yaml:"versions" json:"versions"`
	BootTimeout  time.Duration   `yaml:"boot_timeout" json:"boot_timeout"`
	Arena        ArenaConfig     `yaml:"arena" json:"arena"`
	SART         []Region        `yaml:"sart" json:"sart"`
	Etcd         EtcdConfig      `yaml:"etcd" json:"etcd"`
	Postgres     PostgresConfig  `yaml:"postgres" json:"postgres"`
	MetricsAddr  string          `yaml:"metrics_addr" json:"metrics_addr"`
	LogLevel     string          `yaml:"log_level" json:"log_level"`
	OutputFormat string          `yaml:"output_format" json:"output_format"`
}

// TransportConfig selects the mailbox transport. Network is "tcp", "unix"
// or "vsock"; for vsock Address is "cid:port".
type TransportConfig struct {
	Network string `yaml:"network" json:"network"`
	Address string `yaml:"address" json:"address"`
}

// VersionRange is the locally supported protocol range.
type VersionRange struct {
	Min uint16 `yaml:"min" json:"min"`
	Max uint16 `yaml:"max" json:"max"`
}

// ArenaConfig describes the shared memory window. An empty Path uses
// process memory.
type ArenaConfig struct {
	Path string `yaml:"path" json:"path"`
	Base uint64 `yaml:"base" json:"base"`
	Size int    `yaml:"size" json:"size"`
}

// Region is one SART allow-list entry.
type Region struct {
	Addr      uint64 `yaml:"addr" json:"addr"`
	Size      uint64 `yaml:"size" json:"size"`
	Protected bool   `yaml:"protected" json:"protected"`
}

// EtcdConfig enables publishing session snapshots to etcd.
type EtcdConfig struct {
	Endpoints []string      `yaml:"endpoints" json:"endpoints"`
	LeaseTTL  time.Duration `yaml:"lease_ttl" json:"lease_ttl"`
}

// PostgresConfig enables archiving syslog entries.
type PostgresConfig struct {
	DSN   string `yaml:"dsn" json:"dsn"`
	Table string `yaml:"table" json:"table"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Name:         "rtkit0",
		Owner:        "host",
		Transport:    TransportConfig{Network: "tcp", Address: "127.0.0.1:7744"},
		Versions:     VersionRange{Min: 11, Max: 12},
		BootTimeout:  5 * time.Second,
		Arena:        ArenaConfig{Base: 0x8_0000_0000, Size: 4 << 20},
		Etcd:         EtcdConfig{LeaseTTL: 30 * time.Second},
		LogLevel:     "info",
		OutputFormat: "table",
	}
}

// DefaultPath returns the default config file path: ~/.rtkit/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".rtkit", "config.yaml")
	}
	return filepath.Join(home, ".rtkit", "config.yaml")
}

// Load reads the configuration from the given YAML file path, on top of
// Default. If the file does not exist, the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// The postgres DSN may carry a password.
	if perm := info.Mode().Perm(); perm&0o077 != 0 && cfg.Postgres.DSN != "" {
		fmt.Fprintf(os.Stderr,
			"warning: config file %s has permissions %04o, expected 0600; "+
				"the postgres DSN may be exposed to other users.\n",
			path, perm)
	}
	return cfg, cfg.Validate()
}

// Validate checks field combinations that cannot work.
func (c *Config) Validate() error {
	if _, err := shmem.ParseOwner(c.Owner); err != nil {
		return err
	}
	if c.Versions.Min > c.Versions.Max {
		return fmt.Errorf("config: versions.min %d is above versions.max %d", c.Versions.Min, c.Versions.Max)
	}
	switch c.Transport.Network {
	case "tcp", "unix", "vsock":
	default:
		return fmt.Errorf("config: unsupported transport network %q", c.Transport.Network)
	}
	if c.Arena.Size <= 0 || c.Arena.Size%shmem.PageSize != 0 {
		return fmt.Errorf("config: arena.size %d must be a positive multiple of %d", c.Arena.Size, shmem.PageSize)
	}
	return nil
}
