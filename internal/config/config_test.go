package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Listen != "127.0.0.1:7431" {
		t.Errorf("Expected loopback listen address, got %q", cfg.Listen)
	}
	if cfg.Policy.Backend != "native" {
		t.Errorf("Expected native backend, got %q", cfg.Policy.Backend)
	}
	if cfg.LockDefaultTTL() != 5*time.Minute {
		t.Errorf("Expected 5m default lock ttl, got %v", cfg.LockDefaultTTL())
	}
	if cfg.AuditRetention() != 30*24*time.Hour {
		t.Errorf("Expected 30d audit retention, got %v", cfg.AuditRetention())
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Missing file should not error: %v", err)
	}
	if cfg.Queue.DefaultMaxAttempts != 3 {
		t.Errorf("Expected defaults on missing file, got %+v", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: 0.0.0.0:9000
api_token: hunter2
lock:
  default_ttl_sec: 60
policy:
  backend: declarative
liveness:
  stale_after_sec: 45
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("Listen not overridden: %q", cfg.Listen)
	}
	if cfg.APIToken != "hunter2" {
		t.Errorf("APIToken not overridden: %q", cfg.APIToken)
	}
	if cfg.Lock.DefaultTTLSec != 60 {
		t.Errorf("Lock TTL not overridden: %d", cfg.Lock.DefaultTTLSec)
	}
	if cfg.Policy.Backend != "declarative" {
		t.Errorf("Backend not overridden: %q", cfg.Policy.Backend)
	}
	if cfg.StaleThreshold() != 45*time.Second {
		t.Errorf("Stale threshold not overridden: %v", cfg.StaleThreshold())
	}

	// Untouched sections keep their defaults.
	if cfg.Lock.MaxTTLSec != 3600 {
		t.Errorf("Max TTL default lost: %d", cfg.Lock.MaxTTLSec)
	}
	if cfg.Sweeper.ReapCron != "* * * * *" {
		t.Errorf("Reap cron default lost: %q", cfg.Sweeper.ReapCron)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown backend":    "policy:\n  backend: opa\n",
		"zero lock ttl":      "lock:\n  default_ttl_sec: -1\n",
		"default above max":  "lock:\n  default_ttl_sec: 7200\n",
		"negative retention": "audit:\n  retention_days: -5\n",
		"bad yaml":           "listen: [unclosed\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Errorf("Expected error for %s", name)
			}
		})
	}
}
