// Package bootstrap is the local-process configuration file
// (SPEC_FULL.md §5): the handful of settings the process needs before it
// can even open its bus connections, as distinct from the bus-mediated
// settings keys internal/settings manages once the engine is running.
//
// It follows the pack's BurntSushi/toml config pattern: a tagged struct,
// a DefaultConfig, and a LoadConfig that falls back to defaults when no
// file is present rather than failing.
package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is decoded from /etc/systemcalc/config.toml (or $SYSTEMCALC_HOME).
type Config struct {
	Bus     BusConfig     `toml:"bus"`
	Relay   RelayConfig   `toml:"relay"`
	Logging LoggingConfig `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
}

// BusConfig sizes the in-process bus's per-subscriber queues.
type BusConfig struct {
	QueueLen int `toml:"queue_len"`
}

// RelayConfig points at the digital-output device node (spec.md §4.8).
type RelayConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig controls the slog handler cmd/systemcalc builds.
type LoggingConfig struct {
	Debug bool `toml:"debug"`
}

// MetricsConfig controls the optional Prometheus HTTP listener.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// DefaultConfig returns the configuration used when no config file exists.
func DefaultConfig() Config {
	return Config{
		Bus:     BusConfig{QueueLen: 64},
		Relay:   RelayConfig{Path: "/dev/gpio/relay0"},
		Logging: LoggingConfig{Debug: false},
		Metrics: MetricsConfig{Enabled: false, Addr: "127.0.0.1:9226"},
	}
}

// LoadConfig reads systemcalcHome()/config.toml, falling back to defaults
// when the file does not exist.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(systemcalcHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// systemcalcHome returns the directory config.toml is read from.
func systemcalcHome() string {
	if env := os.Getenv("SYSTEMCALC_HOME"); env != "" {
		return env
	}
	return "/etc/systemcalc"
}
