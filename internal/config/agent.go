// Package config provides configuration management for the tidyup agent and
// control plane.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Environment variables read by the agent.
const (
	EnvControlURL      = "TIDYUP_CONTROL_URL"
	EnvServiceToken    = "TIDYUP_SERVICE_TOKEN"
	EnvVaultPassphrase = "TIDYUP_VAULT_PASSPHRASE"
)

// Agent defaults.
const (
	DefaultLocalHost          = "127.0.0.1"
	DefaultLocalPort          = 5050
	DefaultRuntimeStopTimeout = 20 * time.Second
)

// DefaultConfigDir returns the default config directory (~/.tidyup).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".tidyup"), nil
}

// DefaultConfigPath returns the default config file path (~/.tidyup/agent.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "agent.yml"), nil
}

// AgentConfig holds the agent's configuration.
type AgentConfig struct {
	ControlURL         string        `yaml:"control_url,omitempty"`
	DeviceID           string        `yaml:"device_id,omitempty"`
	DeviceLabel        string        `yaml:"device_label,omitempty"`
	LocalHost          string        `yaml:"local_host"`
	LocalPort          int           `yaml:"local_port"`
	DBPath             string        `yaml:"db_path"`
	VaultPath          string        `yaml:"vault_path"`
	RuntimeStopTimeout time.Duration `yaml:"runtime_stop_timeout"`
	SeedDownloads      bool          `yaml:"seed_downloads"`
	Schedule           string        `yaml:"schedule,omitempty"`
	DaemonVersion      string        `yaml:"daemon_version,omitempty"`
}

// DefaultAgentConfig returns the defaults with state files under dir.
func DefaultAgentConfig(dir string) *AgentConfig {
	host, _ := os.Hostname()
	return &AgentConfig{
		DeviceLabel:        host,
		LocalHost:          DefaultLocalHost,
		LocalPort:          DefaultLocalPort,
		DBPath:             filepath.Join(dir, "agent.db"),
		VaultPath:          filepath.Join(dir, "credentials.enc"),
		RuntimeStopTimeout: DefaultRuntimeStopTimeout,
		SeedDownloads:      true,
	}
}

// Validate checks that the configuration is usable.
func (c *AgentConfig) Validate() error {
	if c.ControlURL != "" {
		u, err := url.Parse(c.ControlURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("control_url must be an http(s) URL, got %q", c.ControlURL)
		}
	}
	if c.LocalPort < 1 || c.LocalPort > 65535 {
		return fmt.Errorf("local_port must be between 1 and 65535, got %d", c.LocalPort)
	}
	if c.LocalHost == "" {
		return errors.New("local_host is required")
	}
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}
	if c.RuntimeStopTimeout <= 0 {
		return errors.New("runtime_stop_timeout must be positive")
	}
	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
		}
	}
	return nil
}

// HasControlPlane reports whether a control URL is configured.
func (c *AgentConfig) HasControlPlane() bool {
	return c.ControlURL != ""
}

// LocalAddr returns the listen address of the local API.
func (c *AgentConfig) LocalAddr() string {
	return net.JoinHostPort(c.LocalHost, strconv.Itoa(c.LocalPort))
}

// Load reads the configuration from the given path, layered over the
// defaults for the file's directory. A missing file yields the defaults.
// TIDYUP_CONTROL_URL overrides the file.
func Load(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig(filepath.Dir(path))

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if v := os.Getenv(EnvControlURL); v != "" {
		cfg.ControlURL = v
	}
	return cfg, nil
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *AgentConfig) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// User-only read/write.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// ServiceTokenFromEnv returns the service token supplied through the
// environment, if any.
func ServiceTokenFromEnv() string {
	return os.Getenv(EnvServiceToken)
}

// VaultPassphrase returns the passphrase for the encrypted credentials file.
// Without TIDYUP_VAULT_PASSPHRASE the agent keeps credentials in memory only.
func VaultPassphrase() string {
	return os.Getenv(EnvVaultPassphrase)
}
