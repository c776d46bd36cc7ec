// Package config loads bring-up configuration: where the ECAM window lives,
// how many buses to scan, and per-driver settings.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is omitted.
const (
	DefaultECAMBase = 0xe000_0000
	DefaultBusCount = 1
	DefaultMTU      = 1500
)

// Config is the top-level bring-up configuration.
type Config struct {
	Platform PlatformConfig `yaml:"platform"`
	E1000E   E1000EConfig   `yaml:"e1000e"`
}

// PlatformConfig locates the PCI segment.
type PlatformConfig struct {
	ECAMBase uint64 `yaml:"ecam_base"`
	BusCount int    `yaml:"bus_count"`
}

// E1000EConfig tunes the E1000E adapter.
type E1000EConfig struct {
	MTU int `yaml:"mtu"`
	// MSI defaults to true when omitted.
	MSI *bool `yaml:"msi,omitempty"`
}

// MSIEnabled reports whether message-signaled interrupts are requested.
func (c E1000EConfig) MSIEnabled() bool {
	return c.MSI == nil || *c.MSI
}

// Parse decodes a YAML document and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Default returns the configuration with every field at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Platform.ECAMBase == 0 {
		c.Platform.ECAMBase = DefaultECAMBase
	}
	if c.Platform.BusCount == 0 {
		c.Platform.BusCount = DefaultBusCount
	}
	if c.E1000E.MTU == 0 {
		c.E1000E.MTU = DefaultMTU
	}
}

func (c *Config) validate() error {
	if c.Platform.BusCount < 0 || c.Platform.BusCount > 256 {
		return fmt.Errorf("config: bus_count %d out of range", c.Platform.BusCount)
	}
	if c.E1000E.MTU < 68 || c.E1000E.MTU > 9000 {
		return fmt.Errorf("config: mtu %d out of range", c.E1000E.MTU)
	}
	return nil
}
