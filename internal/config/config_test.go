package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Cache.TTL != 10*time.Minute {
		t.Errorf("expected default cache ttl 10m, got %s", cfg.Cache.TTL)
	}
	if cfg.Cache.MaxSize != 100 {
		t.Errorf("expected default cache max_size 100, got %d", cfg.Cache.MaxSize)
	}
	if cfg.Sessions.RejectAbandoned {
		t.Error("abandoned sessions should be answerable by default")
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.fixflow.yml")

	original := DefaultConfig()
	original.Server.Port = 9191
	original.Database.Path = "/var/lib/fixflow/fixflow.db"
	original.Cache.TTL = 90 * time.Second
	original.Sessions.RejectAbandoned = true
	original.Logging.Environment = "production"

	if err := original.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if diff := cmp.Diff(original, loaded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nonexistent.yml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load should not fail for missing file: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("expected defaults (-want +got):\n%s", diff)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yml")

	if err := DefaultConfig().Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	t.Setenv("FIXFLOW_CACHE__TTL", "5m")
	t.Setenv("FIXFLOW_SESSIONS__REJECT_ABANDONED", "true")
	t.Setenv("FIXFLOW_SERVER__PORT", "9000")

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Cache.TTL != 5*time.Minute {
		t.Errorf("cache.ttl override failed: got %s", loaded.Cache.TTL)
	}
	if !loaded.Sessions.RejectAbandoned {
		t.Error("sessions.reject_abandoned override failed")
	}
	if loaded.Server.Port != 9000 {
		t.Errorf("server.port override failed: got %d", loaded.Server.Port)
	}
}

func TestValidateValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig should be valid, got: %v", err)
	}
}

func TestValidateInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"database path", func(c *Config) { c.Database.Path = "" }},
		{"cache ttl", func(c *Config) { c.Cache.TTL = 0 }},
		{"cache size", func(c *Config) { c.Cache.MaxSize = -1 }},
		{"abandon after", func(c *Config) { c.Sessions.AbandonAfter = 0 }},
		{"environment", func(c *Config) { c.Logging.Environment = "staging" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tt.name)
			}
		})
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"FIXFLOW_CACHE__MAX_SIZE":         "cache.max_size",
		"FIXFLOW_SESSIONS__ABANDON_AFTER": "sessions.abandon_after",
		"FIXFLOW_DATABASE__PATH":          "database.path",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateDuration(t *testing.T) {
	if err := validateDuration("45m"); err != nil {
		t.Errorf("45m should be valid: %v", err)
	}
	if err := validateDuration("-1m"); err == nil {
		t.Error("negative duration should be rejected")
	}
	if err := validatePort("70000"); err == nil {
		t.Error("port 70000 should be rejected")
	}
}
