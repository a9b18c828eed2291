package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Owner != "host" || cfg.Versions.Min != 11 || cfg.Versions.Max != 12 {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
name: dcp
owner: coprocessor
transport:
  network: vsock
  address: "3:7744"
boot_timeout: 250ms
sart:
  - addr: 0x10000000
    size: 0x100000
    protected: true
etcd:
  endpoints: [127.0.0.1:2379]
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "dcp" || cfg.Owner != "coprocessor" || cfg.Transport.Network != "vsock" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.BootTimeout != 250*time.Millisecond {
		t.Errorf("BootTimeout = %v", cfg.BootTimeout)
	}
	if len(cfg.SART) != 1 || cfg.SART[0].Addr != 0x10000000 || !cfg.SART[0].Protected {
		t.Errorf("SART = %+v", cfg.SART)
	}
	// Untouched keys keep their defaults.
	if cfg.Versions.Max != 12 || cfg.Etcd.LeaseTTL != 30*time.Second {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"owner", func(c *Config) { c.Owner = "gpu" }},
		{"versions", func(c *Config) { c.Versions = VersionRange{Min: 12, Max: 11} }},
		{"network", func(c *Config) { c.Transport.Network = "udp" }},
		{"arena", func(c *Config) { c.Arena.Size = 1000 }},
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}
