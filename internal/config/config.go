// Package config loads the Arbiter daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, read from
// ~/.arbiter/config.yaml. Every field has a working default; an absent
// file yields the default configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	DBPath   string `yaml:"db_path"`
	APIToken string `yaml:"api_token"`
	LogLevel string `yaml:"log_level"`

	Lock struct {
		DefaultTTLSec int `yaml:"default_ttl_sec"`
		MaxTTLSec     int `yaml:"max_ttl_sec"`
	} `yaml:"lock"`

	Queue struct {
		DefaultMaxAttempts int `yaml:"default_max_attempts"`
	} `yaml:"queue"`

	Liveness struct {
		StaleAfterSec int `yaml:"stale_after_sec"`
	} `yaml:"liveness"`

	Audit struct {
		QueueSize     int `yaml:"queue_size"`
		RetentionDays int `yaml:"retention_days"`
	} `yaml:"audit"`

	Guardrails struct {
		File        string `yaml:"file"`
		CacheTTLSec int    `yaml:"cache_ttl_sec"`
	} `yaml:"guardrails"`

	Policy struct {
		Backend     string `yaml:"backend"` // "native" or "declarative"
		RulesFile   string `yaml:"rules_file"`
		CacheTTLSec int    `yaml:"cache_ttl_sec"`
	} `yaml:"policy"`

	Sweeper struct {
		ReapCron      string `yaml:"reap_cron"`
		LockPurgeCron string `yaml:"lock_purge_cron"`
		RetentionCron string `yaml:"retention_cron"`
	} `yaml:"sweeper"`
}

// HomeDir returns the Arbiter state directory.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arbiter"
	}
	return filepath.Join(home, ".arbiter")
}

// Default returns the baked-in configuration.
func Default() *Config {
	cfg := &Config{
		Listen:   "127.0.0.1:7431",
		DBPath:   filepath.Join(HomeDir(), "arbiter.db"),
		LogLevel: "info",
	}
	cfg.Lock.DefaultTTLSec = 300
	cfg.Lock.MaxTTLSec = 3600
	cfg.Queue.DefaultMaxAttempts = 3
	cfg.Liveness.StaleAfterSec = 120
	cfg.Audit.QueueSize = 1024
	cfg.Audit.RetentionDays = 30
	cfg.Guardrails.File = filepath.Join(HomeDir(), "guardrails.yaml")
	cfg.Guardrails.CacheTTLSec = 30
	cfg.Policy.Backend = "native"
	cfg.Policy.RulesFile = filepath.Join(HomeDir(), "policy.yaml")
	cfg.Policy.CacheTTLSec = 30
	cfg.Sweeper.ReapCron = "* * * * *"
	cfg.Sweeper.LockPurgeCron = "*/5 * * * *"
	cfg.Sweeper.RetentionCron = "30 3 * * *"
	return cfg
}

// Load reads the config file at path, applying defaults for anything
// unset. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Policy.Backend != "native" && c.Policy.Backend != "declarative" {
		return fmt.Errorf("unknown policy backend %q", c.Policy.Backend)
	}
	if c.Lock.DefaultTTLSec <= 0 || c.Lock.MaxTTLSec <= 0 {
		return fmt.Errorf("lock ttls must be positive")
	}
	if c.Lock.DefaultTTLSec > c.Lock.MaxTTLSec {
		return fmt.Errorf("lock default ttl exceeds max ttl")
	}
	if c.Audit.RetentionDays <= 0 {
		return fmt.Errorf("audit retention must be positive")
	}
	return nil
}

// Duration helpers for the second-granularity fields.

func (c *Config) LockDefaultTTL() time.Duration {
	return time.Duration(c.Lock.DefaultTTLSec) * time.Second
}

func (c *Config) LockMaxTTL() time.Duration {
	return time.Duration(c.Lock.MaxTTLSec) * time.Second
}

func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.Liveness.StaleAfterSec) * time.Second
}

func (c *Config) AuditRetention() time.Duration {
	return time.Duration(c.Audit.RetentionDays) * 24 * time.Hour
}

func (c *Config) GuardrailCacheTTL() time.Duration {
	return time.Duration(c.Guardrails.CacheTTLSec) * time.Second
}

func (c *Config) PolicyCacheTTL() time.Duration {
	return time.Duration(c.Policy.CacheTTLSec) * time.Second
}
