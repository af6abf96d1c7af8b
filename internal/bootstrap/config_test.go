package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_MissingFileFallsBackToDefaults(t *testing.T) {
	t.Setenv("SYSTEMCALC_HOME", t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v, want nil", err)
	}
	if cfg != DefaultConfig() {
		t.Errorf("LoadConfig() = %+v, want DefaultConfig()", cfg)
	}
}

func TestLoadConfig_ReadsOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SYSTEMCALC_HOME", dir)

	content := `
[bus]
queue_len = 128

[relay]
path = "/dev/custom-relay"

[logging]
debug = true

[metrics]
enabled = true
addr = "0.0.0.0:9999"
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v, want nil", err)
	}
	if cfg.Bus.QueueLen != 128 {
		t.Errorf("Bus.QueueLen = %d, want 128", cfg.Bus.QueueLen)
	}
	if cfg.Relay.Path != "/dev/custom-relay" {
		t.Errorf("Relay.Path = %q, want /dev/custom-relay", cfg.Relay.Path)
	}
	if !cfg.Logging.Debug {
		t.Error("Logging.Debug = false, want true")
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Addr != "0.0.0.0:9999" {
		t.Errorf("Metrics = %+v, want enabled at 0.0.0.0:9999", cfg.Metrics)
	}
}

func TestLoadConfig_UnparsableFileReturnsError(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SYSTEMCALC_HOME", dir)

	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte("not valid = [toml"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(); err == nil {
		t.Error("LoadConfig() with malformed TOML should return an error")
	}
}
