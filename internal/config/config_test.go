package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			"missing data dir",
			func(c *Config) { c.DataDir = "" },
			"data_dir is required",
		},
		{
			"missing default site",
			func(c *Config) { c.DefaultSite = "" },
			"default_site is required",
		},
		{
			"missing upstream url",
			func(c *Config) { c.Upstream.BaseURL = "" },
			"base_url is required",
		},
		{
			"retention too short",
			func(c *Config) { c.Hot.Retention = 24 * time.Hour },
			"retention must be at least 48h",
		},
		{
			"unknown compression",
			func(c *Config) { c.Cold.Compression = "brotli" },
			"unknown compression algorithm",
		},
		{
			"zstd level out of range",
			func(c *Config) { c.Cold.CompressionLevel = 40 },
			"compression_level must be in 0-22",
		},
		{
			"zero sync interval",
			func(c *Config) { c.Sync.Interval = 0 },
			"interval must be positive",
		},
		{
			"zero archive batch",
			func(c *Config) { c.Archive.BatchSize = 0 },
			"batch_size must be positive",
		},
		{
			"quality threshold out of range",
			func(c *Config) { c.Backfill.QualityThreshold = 1.5 },
			"quality_threshold must be in 0.0-1.0",
		},
		{
			"zero max rows",
			func(c *Config) { c.Query.MaxRows = 0 },
			"max_rows must be positive",
		},
		{
			"bad sketch accuracy",
			func(c *Config) { c.Downsample.Accuracy = 2.0 },
			"accuracy must be in (0,1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
data_dir: /tmp/vitals-test
default_site: test-site
hot:
  retention: 72h
sync:
  interval: 1m
query:
  max_rows: 1000
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DataDir != "/tmp/vitals-test" || cfg.DefaultSite != "test-site" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Hot.Retention != 72*time.Hour {
		t.Errorf("retention = %v, want 72h", cfg.Hot.Retention)
	}
	if cfg.Sync.Interval != time.Minute || cfg.Query.MaxRows != 1000 {
		t.Errorf("sync/query overrides not applied")
	}

	// Untouched sections keep their defaults.
	if cfg.Upstream.PageSize != 5000 || cfg.Archive.BatchSize != 100000 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("hot:\n  retention: 1h\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation failure")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want not-exist", err)
	}
}

func TestColdDirDefaultsUnderDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"
	if got := cfg.ColdDir(); got != filepath.Join("/data", "cold") {
		t.Errorf("cold dir = %s", got)
	}

	cfg.Cold.Dir = "/mnt/archive"
	if got := cfg.ColdDir(); got != "/mnt/archive" {
		t.Errorf("cold dir override = %s", got)
	}
}

func TestDatabasePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"
	if got := cfg.DatabasePath(); got != filepath.Join("/data", "vitals.db") {
		t.Errorf("database path = %s", got)
	}
}
