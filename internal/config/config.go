// Package config loads the on-disk agent configuration: device identity,
// how to reach the fleet service, and local ambient settings (HTTP
// listener, event log retention).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Identity IdentityConfig `yaml:"identity"`
	Connect  ConnectConfig  `yaml:"connect"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logs     LogsConfig     `yaml:"logs"`
}

// IdentityConfig is the fleet/device/secret triple handed to creds.New.
type IdentityConfig struct {
	FleetID      string `yaml:"fleet_id"`
	DeviceID     string `yaml:"device_id"`
	DeviceSecret string `yaml:"device_secret"`
	Prod         bool   `yaml:"prod"`
}

// ConnectConfig selects how the session transport reaches the fleet
// service.
type ConnectConfig struct {
	// Mode is "prod" (pinned-TLS, fixed hostname) or "local" (plain TCP to
	// 127.0.0.1, for development against a local test server).
	Mode      string `yaml:"mode"`
	LocalPort int    `yaml:"local_port"`
}

// HTTPConfig configures the local control API listener. The UNIX-domain
// socket under RunDir is always the primary listener; a loopback TCP
// listener is additive and only opened when EnableTCPSocket is set.
type HTTPConfig struct {
	RunDir          string `yaml:"run_dir"`
	EnableTCPSocket bool   `yaml:"enable_tcp_socket"`
	LocalAPIPort    int    `yaml:"local_api_port"`
}

// SocketPath is the UNIX-domain socket the control API listens on.
func (h HTTPConfig) SocketPath() string {
	return filepath.Join(h.RunDir, "agent.sock")
}

// LockPath is the advisory single-instance lock file for this run directory.
func (h HTTPConfig) LockPath() string {
	return filepath.Join(h.RunDir, "agent.lock")
}

// PIDPath is where the running daemon's PID is recorded.
func (h HTTPConfig) PIDPath() string {
	return filepath.Join(h.RunDir, "agent.pid")
}

// LogsConfig configures the notification event log.
type LogsConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads and parses a YAML config file, applying defaults for any
// field the file leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{
		Connect: ConnectConfig{
			Mode:      "prod",
			LocalPort: 8484,
		},
		HTTP: HTTPConfig{
			RunDir:          "/var/run/fostrom-agent",
			EnableTCPSocket: false,
			LocalAPIPort:    8080,
		},
		Logs: LogsConfig{
			Path:          "/var/lib/fostrom-agent/events",
			RetentionDays: 14,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.Connect.Mode {
	case "prod", "local":
	default:
		return fmt.Errorf("config: connect.mode must be \"prod\" or \"local\", got %q", c.Connect.Mode)
	}
	if c.Connect.Mode == "local" && c.Connect.LocalPort <= 0 {
		return fmt.Errorf("config: connect.local_port must be set when connect.mode is \"local\"")
	}
	if c.HTTP.RunDir == "" {
		return fmt.Errorf("config: http.run_dir must not be empty")
	}
	if c.HTTP.EnableTCPSocket && c.HTTP.LocalAPIPort <= 0 {
		return fmt.Errorf("config: http.local_api_port must be set when http.enable_tcp_socket is true")
	}
	return nil
}
