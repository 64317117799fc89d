// Package config handles devspawn's global configuration and the local
// runner registrations store under ~/.devspawn.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// GlobalConfig holds global devspawn settings from ~/.devspawn/config.yaml.
type GlobalConfig struct {
	Daemon    DaemonConfig    `yaml:"daemon"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Debug     DebugConfig     `yaml:"debug"`
}

// DaemonConfig holds runner daemon settings.
type DaemonConfig struct {
	// PollingIntervalSeconds is the delay between job-queue polls.
	PollingIntervalSeconds int `yaml:"polling_interval_seconds"`
	// MaxConcurrentJobs is accepted in configuration but job execution is
	// sequential; values above 1 are clamped.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`
}

// BootstrapConfig holds bootstrap helper container settings.
type BootstrapConfig struct {
	// Image is the helper image used to stage files into volumes.
	Image string `yaml:"image"`
	// TimeoutSeconds bounds a single bootstrap staging run.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// DebugConfig holds debug logging settings.
type DebugConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// DefaultGlobalConfig returns the default global configuration.
func DefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		Daemon: DaemonConfig{
			PollingIntervalSeconds: 30,
			MaxConcurrentJobs:      1,
		},
		Bootstrap: BootstrapConfig{
			Image:          "alpine:3.20",
			TimeoutSeconds: 300,
		},
		Debug: DebugConfig{
			RetentionDays: 7,
		},
	}
}

// LoadGlobal reads ~/.devspawn/config.yaml and applies environment overrides.
func LoadGlobal() (*GlobalConfig, error) {
	cfg := DefaultGlobalConfig()

	homeDir, err := os.UserHomeDir()
	if err == nil {
		configPath := filepath.Join(homeDir, ".devspawn", "config.yaml")
		if data, err := os.ReadFile(configPath); err == nil {
			_ = yaml.Unmarshal(data, cfg) // Ignore unmarshal errors, use defaults
		}
	}

	if s := os.Getenv("DEVSPAWN_POLLING_INTERVAL"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			cfg.Daemon.PollingIntervalSeconds = n
		}
	}
	if img := os.Getenv("DEVSPAWN_BOOTSTRAP_IMAGE"); img != "" {
		cfg.Bootstrap.Image = img
	}

	return cfg, nil
}

// PollingInterval returns the daemon polling interval as a duration.
func (c *GlobalConfig) PollingInterval() time.Duration {
	return time.Duration(c.Daemon.PollingIntervalSeconds) * time.Second
}

// BootstrapTimeout returns the bootstrap staging timeout as a duration.
func (c *GlobalConfig) BootstrapTimeout() time.Duration {
	return time.Duration(c.Bootstrap.TimeoutSeconds) * time.Second
}

// GlobalConfigDir returns the path to ~/.devspawn.
func GlobalConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".devspawn")
	}
	return filepath.Join(homeDir, ".devspawn")
}
