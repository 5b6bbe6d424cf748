// Package config loads relift run configuration from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the options for one lift run.
type Config struct {
	// Arch selects the source architecture ("arm64" is the only
	// built-in front end; others can still drive the manager directly).
	Arch string `yaml:"arch"`

	// Base overrides the load base for position-independent binaries.
	Base uint64 `yaml:"base"`

	// Entries lists extra entry point addresses to seed exploration
	// with, in addition to the ELF entry point.
	Entries []uint64 `yaml:"entries"`

	// SumJumps enables the speculative pc-advance heuristic and the
	// second, more aggressive harvest round.
	SumJumps bool `yaml:"sum_jumps"`

	// HarvestData scans data segments for machine words that look
	// like code pointers and seeds them as candidate targets.
	HarvestData bool `yaml:"harvest_data"`

	// MaxInstructions bounds how many instructions the front end
	// decodes in one run. Zero means no limit.
	MaxInstructions int `yaml:"max_instructions"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Arch:        "arm64",
		SumJumps:    true,
		HarvestData: true,
	}
}

// Load reads a YAML configuration file, applying defaults for
// anything the file leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Arch == "" {
		cfg.Arch = "arm64"
	}
	if cfg.MaxInstructions < 0 {
		return nil, fmt.Errorf("parse config %s: max_instructions must be >= 0", path)
	}

	return cfg, nil
}

// LoadOrDefault loads path if it exists, otherwise returns defaults.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return Default(), nil
	}
	return Load(path)
}
