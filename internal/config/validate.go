package config

import (
	"errors"
	"fmt"
	"time"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.DefaultSite == "" {
		errs = append(errs, errors.New("default_site is required"))
	}

	if err := c.Upstream.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("upstream: %w", err))
	}
	if err := c.Hot.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("hot: %w", err))
	}
	if err := c.Cold.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("cold: %w", err))
	}
	if err := c.Sync.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}
	if err := c.Archive.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	}
	if err := c.Backfill.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("backfill: %w", err))
	}
	if err := c.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}
	if err := c.Downsample.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("downsample: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the upstream configuration.
func (c *UpstreamConfig) Validate() error {
	var errs []error

	if c.BaseURL == "" {
		errs = append(errs, errors.New("base_url is required"))
	}
	if c.PageSize <= 0 {
		errs = append(errs, errors.New("page_size must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the hot store configuration.
func (c *HotConfig) Validate() error {
	if c.Retention < 48*time.Hour {
		return errors.New("retention must be at least 48h so the archival boundary lags the sync window")
	}
	return nil
}

// Validate checks the cold store configuration.
func (c *ColdConfig) Validate() error {
	switch c.Compression {
	case "", "none", "snappy", "zstd", "lz4", "gzip":
	default:
		return fmt.Errorf("unknown compression algorithm: %s", c.Compression)
	}
	if c.Compression == "zstd" && (c.CompressionLevel < 0 || c.CompressionLevel > 22) {
		return errors.New("zstd compression_level must be in 0-22")
	}
	return nil
}

// Validate checks the sync worker configuration.
func (c *SyncConfig) Validate() error {
	var errs []error

	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if c.LookbackBuffer < 0 {
		errs = append(errs, errors.New("lookback_buffer must not be negative"))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, errors.New("chunk_size must be positive"))
	}
	if c.MaxPages <= 0 {
		errs = append(errs, errors.New("max_pages must be positive"))
	}
	if c.Budget <= 0 {
		errs = append(errs, errors.New("budget must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the archival worker configuration.
func (c *ArchiveConfig) Validate() error {
	var errs []error

	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}
	if c.Budget <= 0 {
		errs = append(errs, errors.New("budget must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the backfill worker configuration.
func (c *BackfillConfig) Validate() error {
	var errs []error

	if c.ExpectedSamplesPerDay <= 0 {
		errs = append(errs, errors.New("expected_samples_per_day must be positive"))
	}
	if c.QualityThreshold < 0 || c.QualityThreshold > 1 {
		errs = append(errs, errors.New("quality_threshold must be in 0.0-1.0"))
	}
	if c.Budget <= 0 {
		errs = append(errs, errors.New("budget must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	var errs []error

	if c.MaxRows <= 0 {
		errs = append(errs, errors.New("max_rows must be positive"))
	}
	if c.ColdConcurrency <= 0 {
		errs = append(errs, errors.New("cold_concurrency must be positive"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the downsample configuration.
func (c *DownsampleConfig) Validate() error {
	if c.Percentiles && (c.Accuracy <= 0 || c.Accuracy >= 1) {
		return errors.New("accuracy must be in (0,1) when percentiles are enabled")
	}
	return nil
}
