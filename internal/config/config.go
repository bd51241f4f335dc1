// Package config defines the vitals service configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration.
type Config struct {
	// DataDir is the root directory for all local storage.
	DataDir string `yaml:"data_dir"`

	// DefaultSite is the site synced when the registry knows no sites yet.
	DefaultSite string `yaml:"default_site"`

	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server"`

	// Upstream configures the timeseries source API.
	Upstream UpstreamConfig `yaml:"upstream"`

	// Hot configures the hot store and its retention window.
	Hot HotConfig `yaml:"hot"`

	// Cold configures the cold archive store.
	Cold ColdConfig `yaml:"cold"`

	// Sync configures the ingestion sync worker.
	Sync SyncConfig `yaml:"sync"`

	// Archive configures the archival worker.
	Archive ArchiveConfig `yaml:"archive"`

	// Backfill configures the backfill worker.
	Backfill BackfillConfig `yaml:"backfill"`

	// Query configures the federation service.
	Query QueryConfig `yaml:"query"`

	// Downsample configures resolution downsampling.
	Downsample DownsampleConfig `yaml:"downsample"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// LogJSON switches log output to JSON.
	LogJSON bool `yaml:"log_json"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
}

// UpstreamConfig configures the timeseries source API.
type UpstreamConfig struct {
	// BaseURL is the API root, e.g. https://flightdeck.example.cloud/api.
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the bearer token.
	APIKeyEnv string `yaml:"api_key_env"`

	// PageSize is the page size requested from the paginated endpoint.
	PageSize int `yaml:"page_size"`

	// RequestTimeout bounds a single upstream request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxRetries bounds backoff retries per request.
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelay is the initial backoff delay.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

// HotConfig configures the hot store.
type HotConfig struct {
	// Retention is the hot window; data older than the day-truncated
	// boundary now-Retention is archival-eligible.
	Retention time.Duration `yaml:"retention"`
}

// ColdConfig configures the cold archive store.
type ColdConfig struct {
	// Dir overrides the archive directory. Defaults to {DataDir}/cold.
	Dir string `yaml:"dir"`

	// Compression is the Parquet compression algorithm: zstd, snappy, lz4, gzip, none.
	Compression string `yaml:"compression"`

	// CompressionLevel is the level for algorithms that support it (zstd: 1-22).
	CompressionLevel int `yaml:"compression_level"`
}

// SyncConfig configures the ingestion sync worker.
type SyncConfig struct {
	// Interval between sync runs.
	Interval time.Duration `yaml:"interval"`

	// LookbackBuffer widens the window backwards to absorb late upstream data.
	LookbackBuffer time.Duration `yaml:"lookback_buffer"`

	// ChunkSize is the number of rows per upsert chunk.
	ChunkSize int `yaml:"chunk_size"`

	// MaxPages caps pages fetched per run.
	MaxPages int `yaml:"max_pages"`

	// ChunkRetries bounds retries of a failed chunk commit.
	ChunkRetries int `yaml:"chunk_retries"`

	// Budget is the wall-clock budget of one invocation.
	Budget time.Duration `yaml:"budget"`
}

// ArchiveConfig configures the archival worker.
type ArchiveConfig struct {
	// BatchSize is the number of rows per extraction batch.
	BatchSize int `yaml:"batch_size"`

	// Budget is the wall-clock budget of one invocation.
	Budget time.Duration `yaml:"budget"`
}

// BackfillConfig configures the backfill worker.
type BackfillConfig struct {
	// Throttle is the pause between upstream pages.
	Throttle time.Duration `yaml:"throttle"`

	// ExpectedSamplesPerDay per point, used for the quality score.
	ExpectedSamplesPerDay int `yaml:"expected_samples_per_day"`

	// QualityThreshold below which a day is flagged for review (0.0-1.0).
	QualityThreshold float64 `yaml:"quality_threshold"`

	// Budget is the wall-clock budget of one invocation.
	Budget time.Duration `yaml:"budget"`
}

// QueryConfig configures the federation service.
type QueryConfig struct {
	// MaxRows is the hard row cap; larger results return SAMPLE_LIMIT_EXCEEDED.
	MaxRows int `yaml:"max_rows"`

	// ColdConcurrency caps parallel cold file reads.
	ColdConcurrency int `yaml:"cold_concurrency"`

	// Timeout bounds a single federated query.
	Timeout time.Duration `yaml:"timeout"`
}

// DownsampleConfig configures resolution downsampling.
type DownsampleConfig struct {
	// Percentiles enables DDSketch p95 per bucket.
	Percentiles bool `yaml:"percentiles"`

	// Accuracy is the DDSketch relative accuracy (0.01 = 1% error).
	Accuracy float64 `yaml:"accuracy"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:     "/var/lib/vitals",
		DefaultSite: "building-vitals-hq",
		Server: ServerConfig{
			Listen:   ":8080",
			LogLevel: "info",
		},
		Upstream: UpstreamConfig{
			BaseURL:        "https://flightdeck.aceiot.cloud/api",
			APIKeyEnv:      "ACE_API_KEY",
			PageSize:       5000,
			RequestTimeout: 30 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: 2 * time.Second,
		},
		Hot: HotConfig{
			Retention: 30 * 24 * time.Hour,
		},
		Cold: ColdConfig{
			Compression:      "zstd",
			CompressionLevel: 3,
		},
		Sync: SyncConfig{
			Interval:       5 * time.Minute,
			LookbackBuffer: 10 * time.Minute,
			ChunkSize:      1000,
			MaxPages:       100,
			ChunkRetries:   3,
			Budget:         25 * time.Second,
		},
		Archive: ArchiveConfig{
			BatchSize: 100000,
			Budget:    25 * time.Second,
		},
		Backfill: BackfillConfig{
			Throttle:              200 * time.Millisecond,
			ExpectedSamplesPerDay: 288, // one sample per 5 minutes
			QualityThreshold:      0.8,
			Budget:                25 * time.Second,
		},
		Query: QueryConfig{
			MaxRows:         500000,
			ColdConcurrency: 10,
			Timeout:         30 * time.Second,
		},
		Downsample: DownsampleConfig{
			Percentiles: true,
			Accuracy:    0.01,
		},
	}
}

// DatabasePath returns the DuckDB file backing the hot store, registry and
// durable state.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "vitals.db")
}

// ColdDir returns the cold archive root directory.
func (c *Config) ColdDir() string {
	if c.Cold.Dir != "" {
		return c.Cold.Dir
	}
	return filepath.Join(c.DataDir, "cold")
}

// EnsureDirectories creates the directories the service writes to.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.ColdDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
