// Package config handles Malcolm configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/malcolm/config.yaml, /config/config.yaml,
// /etc/malcolm/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "malcolm", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/malcolm/config.yaml")
	return paths
}

// searchPathsFunc is a seam for tests that don't want to touch the
// developer's real ~/.config or /etc.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all Malcolm router configuration: where its three
// transport sockets bind, which devices to expect at startup, its log
// level, and the conn_watch settings.
type Config struct {
	Frontend   TransportConfig `yaml:"frontend"`
	Backend    TransportConfig `yaml:"backend"`
	ControlBus TransportConfig `yaml:"control_bus"`
	Devices    []DeviceConfig  `yaml:"devices"`
	ConnWatch  ConnWatchConfig `yaml:"conn_watch"`
	DataDir    string          `yaml:"data_dir"`
	LogLevel   string          `yaml:"log_level"`
}

// TransportConfig names one of the router's three sockets by URI:
// inproc://, ws://, wss://, mqtt://, mqtts://, or ssl://. Leaving URI
// empty disables that socket.
type TransportConfig struct {
	URI string `yaml:"uri"`
}

// DeviceConfig names a device provider process the router expects to
// register itself under the given name. StartupTimeout is loaded and
// defaulted to 10 seconds; no package in this module reads it.
type DeviceConfig struct {
	Name           string `yaml:"name"`
	Description    string `yaml:"description"`
	StartupTimeout int    `yaml:"startup_timeout_sec"`
}

// ConnWatchConfig holds the conn_watch section. Its fields are loaded
// and IdleTimeout is defaulted to 60 seconds; no package in this module
// reads them, and the transports have no idle-connection detection.
type ConnWatchConfig struct {
	Enabled     bool `yaml:"enabled"`
	IdleTimeout int  `yaml:"idle_timeout_sec"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${MALCOLM_MQTT_URL}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Frontend.URI == "" {
		c.Frontend.URI = "ws://0.0.0.0:9090"
	}
	if c.Backend.URI == "" {
		c.Backend.URI = "ws://0.0.0.0:9091"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.ConnWatch.IdleTimeout == 0 {
		c.ConnWatch.IdleTimeout = 60
	}
	for i := range c.Devices {
		if c.Devices[i].StartupTimeout == 0 {
			c.Devices[i].StartupTimeout = 10
		}
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Frontend.URI == "" {
		return fmt.Errorf("frontend.uri must be set")
	}
	if c.Backend.URI == "" {
		return fmt.Errorf("backend.uri must be set")
	}
	seen := map[string]bool{}
	for _, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices: entry missing name")
		}
		if seen[d.Name] {
			return fmt.Errorf("devices: duplicate name %q", d.Name)
		}
		seen[d.Name] = true
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development: ws:// frontend and backend sockets bound on all
// interfaces (0.0.0.0), no devices pre-declared. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
