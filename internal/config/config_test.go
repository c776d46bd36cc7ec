package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Platform.ECAMBase != DefaultECAMBase {
		t.Errorf("ECAMBase = %#x, want %#x", cfg.Platform.ECAMBase, uint64(DefaultECAMBase))
	}
	if cfg.Platform.BusCount != DefaultBusCount {
		t.Errorf("BusCount = %d, want %d", cfg.Platform.BusCount, DefaultBusCount)
	}
	if cfg.E1000E.MTU != DefaultMTU {
		t.Errorf("MTU = %d, want %d", cfg.E1000E.MTU, DefaultMTU)
	}
	if !cfg.E1000E.MSIEnabled() {
		t.Errorf("MSI should default to enabled")
	}
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
platform:
  ecam_base: 0xb0000000
  bus_count: 4
e1000e:
  mtu: 9000
  msi: false
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Platform.ECAMBase != 0xb000_0000 {
		t.Errorf("ECAMBase = %#x", cfg.Platform.ECAMBase)
	}
	if cfg.Platform.BusCount != 4 {
		t.Errorf("BusCount = %d", cfg.Platform.BusCount)
	}
	if cfg.E1000E.MTU != 9000 {
		t.Errorf("MTU = %d", cfg.E1000E.MTU)
	}
	if cfg.E1000E.MSIEnabled() {
		t.Errorf("MSI explicitly disabled but reported enabled")
	}
}

func TestParseRejectsOutOfRange(t *testing.T) {
	for _, doc := range []string{
		"platform:\n  bus_count: 300\n",
		"e1000e:\n  mtu: 20\n",
		"e1000e:\n  mtu: 65536\n",
		"platform: [not, a, map]\n",
	} {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", doc)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bringup.yaml")
	if err := os.WriteFile(path, []byte("platform:\n  bus_count: 2\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Platform.BusCount != 2 {
		t.Errorf("BusCount = %d, want 2", cfg.Platform.BusCount)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("Load() of missing file should fail")
	}
}
