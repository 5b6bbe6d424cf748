package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Arch != "arm64" {
		t.Errorf("default arch = %q, want arm64", cfg.Arch)
	}
	if !cfg.SumJumps {
		t.Error("sum jumps should default to enabled")
	}
	if !cfg.HarvestData {
		t.Error("data harvesting should default to enabled")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relift.yaml")
	body := `
arch: arm64
base: 0x40000000
entries: [0x40001000, 0x40002000]
sum_jumps: false
max_instructions: 5000
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Base != 0x40000000 {
		t.Errorf("base = %#x, want 0x40000000", cfg.Base)
	}
	if len(cfg.Entries) != 2 || cfg.Entries[1] != 0x40002000 {
		t.Errorf("entries = %#v", cfg.Entries)
	}
	if cfg.SumJumps {
		t.Error("sum_jumps should be disabled by the file")
	}
	if cfg.MaxInstructions != 5000 {
		t.Errorf("max_instructions = %d, want 5000", cfg.MaxInstructions)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if cfg.Arch != "arm64" {
		t.Errorf("arch = %q, want arm64", cfg.Arch)
	}
}

func TestLoadBadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("arch: [unterminated"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}
