// Package config provides persistent configuration storage for natlobby.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultRelayPort       = 30351
	DefaultDirectTimeout   = 1 * time.Second
	DefaultRelayedTimeout  = 4 * time.Second
	DefaultResultCacheSize = 1024
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "console"
)

// Config holds the server configuration.
type Config struct {
	// RelayPort is the UDP port of the NAT relay listener.
	RelayPort int `yaml:"relay_port"`
	// PublicAddr is the IP clients use to reach this server. Empty means
	// the listener's bind address.
	PublicAddr string `yaml:"public_addr,omitempty"`

	DirectTimeout  time.Duration `yaml:"direct_timeout"`
	RelayedTimeout time.Duration `yaml:"relayed_timeout"`

	LogLevel  string `yaml:"log_level,omitempty"`
	LogFormat string `yaml:"log_format,omitempty"`

	// MetricsAddr is the HTTP listen address for Prometheus metrics.
	// Empty disables the metrics server.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	// EventsOutput is where JSON-line diagnostic events go: "stdout",
	// "stderr" or a file path. Empty disables events.
	EventsOutput string `yaml:"events_output,omitempty"`

	ResultCacheSize int `yaml:"result_cache_size"`
}

// Default returns a config with default values.
func Default() *Config {
	return &Config{
		RelayPort:       DefaultRelayPort,
		DirectTimeout:   DefaultDirectTimeout,
		RelayedTimeout:  DefaultRelayedTimeout,
		LogLevel:        DefaultLogLevel,
		LogFormat:       DefaultLogFormat,
		ResultCacheSize: DefaultResultCacheSize,
	}
}

// DefaultConfigDir returns the default configuration directory.
// Returns ~/.natlobby on Unix-like systems, %USERPROFILE%\.natlobby on Windows.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".natlobby"), nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the configuration from the default config file.
// Returns defaults if the file doesn't exist.
func Load() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the configuration from the specified file path. Fields
// missing from the file keep their defaults. Returns defaults if the file
// doesn't exist.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to the default config file.
func (c *Config) Save() error {
	path, err := DefaultConfigPath()
	if err != nil {
		return err
	}
	return c.SaveTo(path)
}

// SaveTo writes the configuration to the specified file path.
func (c *Config) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	var err error
	if c.RelayPort < 1 || c.RelayPort > 65535 {
		err = multierr.Append(err, fmt.Errorf("relay_port %d out of range", c.RelayPort))
	}
	if c.PublicAddr != "" && net.ParseIP(c.PublicAddr) == nil {
		err = multierr.Append(err, fmt.Errorf("public_addr %q is not an IP address", c.PublicAddr))
	}
	if c.DirectTimeout <= 0 {
		err = multierr.Append(err, errors.New("direct_timeout must be positive"))
	}
	if c.RelayedTimeout <= 0 {
		err = multierr.Append(err, errors.New("relayed_timeout must be positive"))
	}
	if c.ResultCacheSize <= 0 {
		err = multierr.Append(err, errors.New("result_cache_size must be positive"))
	}
	return err
}

// RelayAddr returns the "ip:port" clients are told to send relay probes
// to, falling back to host when no public address is configured.
func (c *Config) RelayAddr(host string) string {
	if c.PublicAddr != "" {
		host = c.PublicAddr
	}
	return net.JoinHostPort(host, strconv.Itoa(c.RelayPort))
}
