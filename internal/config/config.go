// Package config loads and validates the YAML configuration file.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr      = ":8080"
	DefaultDatabasePath    = "autoops.db"
	DefaultRetentionDays   = 30
	DefaultRateLimitPerSec = 10
	DefaultRateLimitBurst  = 20
	DefaultAdvisoryModel   = "claude-3-5-sonnet-20241022"
	DefaultNVDRecentDays   = 7
	DefaultSuperOpsDC      = "us"
	DefaultShutdownTimeout = 30
)

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Retention RetentionConfig `yaml:"retention"`
	SuperOps  SuperOpsConfig  `yaml:"superops"`
	NVD       NVDConfig       `yaml:"nvd"`
	Advisory  AdvisoryConfig  `yaml:"advisory"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	RateLimitPerSec int    `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int    `yaml:"rate_limit_burst"`
	ShutdownTimeout int    `yaml:"shutdown_timeout"`
}

// DatabaseConfig locates the SQLite database file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig controls structured log output.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`  // empty means stdout only
}

// RetentionConfig controls how long terminal schedules are kept.
type RetentionConfig struct {
	Days int `yaml:"days"`
}

// SuperOpsConfig connects the deployment platform. An empty token disables
// the platform; deployments then take the mock path.
type SuperOpsConfig struct {
	APIToken   string `yaml:"api_token"`
	Subdomain  string `yaml:"subdomain"`
	DataCenter string `yaml:"data_center"` // us or eu
}

// NVDConfig connects the vulnerability database. The API key is optional.
type NVDConfig struct {
	APIKey     string `yaml:"api_key"`
	RecentDays int    `yaml:"recent_days"`
}

// AdvisoryConfig connects the AI analysis model. An empty key disables the
// model; analysis then uses the rule-based fallback.
type AdvisoryConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// Load reads and validates the configuration file, applying defaults for
// unset fields. A missing file yields the default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	cfg.applyDefaults()

	if errs := cfg.validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n%s", strings.Join(errs, "\n"))
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.RateLimitPerSec == 0 {
		c.Server.RateLimitPerSec = DefaultRateLimitPerSec
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = DefaultRateLimitBurst
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Retention.Days == 0 {
		c.Retention.Days = DefaultRetentionDays
	}
	if c.SuperOps.DataCenter == "" {
		c.SuperOps.DataCenter = DefaultSuperOpsDC
	}
	if c.NVD.RecentDays == 0 {
		c.NVD.RecentDays = DefaultNVDRecentDays
	}
	if c.Advisory.Model == "" {
		c.Advisory.Model = DefaultAdvisoryModel
	}
}

func (c *Config) validate() []string {
	var errors []string

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, fmt.Sprintf("  - log.level must be one of debug, info, warn, error, got '%s'", c.Log.Level))
	}

	if c.Retention.Days < 0 {
		errors = append(errors, fmt.Sprintf("  - retention.days must be a positive integer, got %d", c.Retention.Days))
	}

	if c.Server.RateLimitPerSec < 0 {
		errors = append(errors, fmt.Sprintf("  - server.rate_limit_per_sec must be a positive integer, got %d", c.Server.RateLimitPerSec))
	}

	switch c.SuperOps.DataCenter {
	case "us", "eu":
	default:
		errors = append(errors, fmt.Sprintf("  - superops.data_center must be 'us' or 'eu', got '%s'", c.SuperOps.DataCenter))
	}

	if c.SuperOps.APIToken != "" && c.SuperOps.Subdomain == "" {
		errors = append(errors, "  - superops.subdomain is required when superops.api_token is set")
	}

	if c.NVD.RecentDays < 0 {
		errors = append(errors, fmt.Sprintf("  - nvd.recent_days must be a positive integer, got %d", c.NVD.RecentDays))
	}

	return errors
}
