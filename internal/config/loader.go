package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".steward"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "STEWARD"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("STEWARD_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// Load reads the config file (if present), applies environment overrides,
// and validates the result. A missing file is not an error: defaults apply.
func Load() (Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return Config{}, err
	}
	return LoadFrom(path)
}

// LoadFrom loads configuration from an explicit path.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults apply.
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("apply env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and fills derived defaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return fmt.Errorf("paths.dataDir must not be empty")
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = DefaultConfig().Scheduler.TickInterval
	}
	if c.Scheduler.DispatchTimeout <= 0 {
		c.Scheduler.DispatchTimeout = DefaultConfig().Scheduler.DispatchTimeout
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		c.Scheduler.MaxConcurrent = DefaultConfig().Scheduler.MaxConcurrent
	}
	if c.Scheduler.StaleAfter <= 0 {
		c.Scheduler.StaleAfter = DefaultConfig().Scheduler.StaleAfter
	}
	if strings.TrimSpace(c.Scheduler.LockPath) == "" {
		c.Scheduler.LockPath = filepath.Join(c.Paths.DataDir, "scheduler.lock")
	}
	if c.Verification.CodeTTL <= 0 {
		c.Verification.CodeTTL = DefaultConfig().Verification.CodeTTL
	}
	if strings.TrimSpace(c.Ownership.Root) == "" {
		c.Ownership.Root = filepath.Join(c.Paths.DataDir, "resources")
	}
	if c.Events.Enabled {
		if strings.TrimSpace(c.Events.Brokers) == "" {
			return fmt.Errorf("events.brokers must be set when events are enabled")
		}
		if strings.TrimSpace(c.Events.Topic) == "" {
			c.Events.Topic = DefaultConfig().Events.Topic
		}
	}
	for i, b := range c.Channels.Bridges {
		if strings.TrimSpace(b.Name) == "" {
			return fmt.Errorf("channels.bridges[%d].name must not be empty", i)
		}
		if strings.TrimSpace(b.URL) == "" {
			return fmt.Errorf("channels.bridges[%d].url must not be empty", i)
		}
	}
	return nil
}
