package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/3cpo-dev/fleetsim/internal/sim"
	"gopkg.in/yaml.v3"
)

// Config is the fleetsim configuration file.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Simulation SimulationConfig `yaml:"simulation"`
	Topology   sim.Topology     `yaml:"topology"`
	Storage    StorageConfig    `yaml:"storage"`
	NATS       NATSConfig       `yaml:"nats"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Demo       DemoConfig       `yaml:"demo"`
	Export     ExportConfig     `yaml:"export"`
}

type ServerConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token,omitempty"`
	// TLS is enabled when both cert and key are set.
	TLSCert     string `yaml:"tls_cert,omitempty"`
	TLSKey      string `yaml:"tls_key,omitempty"`
	ClientCA    string `yaml:"client_ca,omitempty"`
	RequireMTLS bool   `yaml:"require_mtls,omitempty"`
}

type SimulationConfig struct {
	Strategy     string  `yaml:"strategy"`
	TimeScale    float64 `yaml:"time_scale"`
	EventLogSize int     `yaml:"event_log_size"`
}

type StorageConfig struct {
	// JournalPath is the SQLite event journal. Empty disables it.
	JournalPath string `yaml:"journal_path"`
	// SnapshotDir is the Badger machine store. Empty disables it.
	SnapshotDir string `yaml:"snapshot_dir"`
	Restore     bool   `yaml:"restore"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

type DemoConfig struct {
	Enabled     bool  `yaml:"enabled"`
	IntervalMS  int   `yaml:"interval_ms"`
	MaxMachines int   `yaml:"max_machines"`
	Seed        int64 `yaml:"seed"`
}

// Interval is the tick period of the demo workload.
func (d DemoConfig) Interval() time.Duration {
	return time.Duration(d.IntervalMS) * time.Millisecond
}

type ExportConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	KeyPath    string `yaml:"key_path"`
	KnownHosts string `yaml:"known_hosts"`
	RemoteDir  string `yaml:"remote_dir"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	dir := ConfigDir()
	return Config{
		Server:     ServerConfig{Addr: ":8080"},
		Simulation: SimulationConfig{Strategy: sim.BestFit{}.Name(), TimeScale: 1, EventLogSize: sim.DefaultEventLogSize},
		Topology:   sim.DefaultTopology(),
		Storage: StorageConfig{
			JournalPath: filepath.Join(dir, "journal.db"),
			SnapshotDir: filepath.Join(dir, "snapshots"),
		},
		NATS:      NATSConfig{URL: "nats://127.0.0.1:4222", Subject: "fleetsim.events"},
		Telemetry: TelemetryConfig{Enabled: true},
		Demo:      DemoConfig{IntervalMS: 2000, MaxMachines: 24},
		Export: ExportConfig{
			Port:       22,
			User:       "fleetsim",
			KeyPath:    filepath.Join(dir, "keys", "id_ed25519"),
			KnownHosts: filepath.Join(dir, "known_hosts"),
			RemoteDir:  "fleetsim",
		},
	}
}

// ConfigDir resolves $XDG_CONFIG_HOME/fleetsim or ~/.config/fleetsim.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "fleetsim")
}

// DefaultConfigPath is where LoadConfig looks when no path is given.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// LoadConfig reads YAML configuration from a path on top of DefaultConfig.
// If path is empty the default location is used, and a missing file there is
// not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("open config: %w", err)
	}

	// Merge secrets from secrets.env so tokens stay out of the YAML
	secrets, _ := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	for _, k := range []string{"FLEETSIM_API_TOKEN", "FLEETSIM_NATS_URL"} {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
	if t := secrets["FLEETSIM_API_TOKEN"]; t != "" {
		cfg.Server.Token = t
	}
	if u := secrets["FLEETSIM_NATS_URL"]; u != "" {
		cfg.NATS.URL = u
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the simulator cannot run with.
func (c Config) Validate() error {
	if c.Simulation.TimeScale <= 0 {
		return &sim.ValidationError{Field: "simulation.time_scale", Value: fmt.Sprint(c.Simulation.TimeScale), Message: "must be positive"}
	}
	if _, err := sim.NewRegistry().Get(c.Simulation.Strategy); err != nil {
		return &sim.ValidationError{Field: "simulation.strategy", Value: c.Simulation.Strategy, Message: err.Error()}
	}
	if c.Demo.Enabled && c.Demo.IntervalMS <= 0 {
		return &sim.ValidationError{Field: "demo.interval_ms", Value: fmt.Sprint(c.Demo.IntervalMS), Message: "must be positive"}
	}
	if c.NATS.Enabled && c.NATS.Subject == "" {
		return &sim.ValidationError{Field: "nats.subject", Message: "subject is required"}
	}
	return c.Topology.Validate()
}

// WriteConfig writes cfg as YAML, creating parent directories.
func WriteConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
