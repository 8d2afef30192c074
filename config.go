package cloudfetch

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Default values for every recognized Config option, spec.md §6.
const (
	DefaultUseCloudFetch                = true
	DefaultCanDecompressLZ4             = true
	DefaultMaxBytesPerFile              = 10 * 1024 * 1024
	DefaultParallelDownloads            = 3
	DefaultPrefetchCount                = 3
	DefaultMemoryBufferMiB              = 200
	DefaultURLExpirationBufferSeconds   = 60
	DefaultMaxRetries                   = 3
	DefaultMaxURLRefreshAttempts        = 3
	DefaultRetryDelayMS                 = 1000
	DefaultHTTPTimeoutMinutes           = 5
	DefaultQueryTimeoutSeconds          = 60
)

// Config holds every option the CloudFetch pipeline recognizes, spec.md §6.
// All fields are optional; zero numeric values are replaced by defaults in
// WithDefaults. The two bool fields are taken as given, so a zero Config
// has UseCloudFetch and CanDecompressLZ4 false.
type Config struct {
	UseCloudFetch    bool
	CanDecompressLZ4 bool
	MaxBytesPerFile  int64

	ParallelDownloads          int
	PrefetchCount              int
	MemoryBufferMiB            int
	URLExpirationBufferSeconds int
	MaxRetries                 int
	MaxURLRefreshAttempts      int
	RetryDelayMS               int
	HTTPTimeoutMinutes         int
	QueryTimeoutSeconds        int
}

// WithDefaults returns a copy of cfg with every zero or negative numeric
// field replaced by its documented default. UseCloudFetch and
// CanDecompressLZ4 are left unchanged; DefaultUseCloudFetch and
// DefaultCanDecompressLZ4 are not applied. This follows the way the
// teacher's chunkDownloader.start()
// defaults CLIENT_PREFETCH_THREADS when the connection parameter is unset
// or invalid.
func (cfg Config) WithDefaults() Config {
	out := cfg
	if out.ParallelDownloads <= 0 {
		out.ParallelDownloads = DefaultParallelDownloads
	}
	if out.PrefetchCount <= 0 {
		out.PrefetchCount = DefaultPrefetchCount
	}
	if out.MemoryBufferMiB <= 0 {
		out.MemoryBufferMiB = DefaultMemoryBufferMiB
	}
	if out.URLExpirationBufferSeconds <= 0 {
		out.URLExpirationBufferSeconds = DefaultURLExpirationBufferSeconds
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.MaxURLRefreshAttempts <= 0 {
		out.MaxURLRefreshAttempts = DefaultMaxURLRefreshAttempts
	}
	if out.RetryDelayMS <= 0 {
		out.RetryDelayMS = DefaultRetryDelayMS
	}
	if out.HTTPTimeoutMinutes <= 0 {
		out.HTTPTimeoutMinutes = DefaultHTTPTimeoutMinutes
	}
	if out.QueryTimeoutSeconds <= 0 {
		out.QueryTimeoutSeconds = DefaultQueryTimeoutSeconds
	}
	if out.MaxBytesPerFile <= 0 {
		out.MaxBytesPerFile = DefaultMaxBytesPerFile
	}
	return out
}

// MemoryBufferBytes returns the byte-budget capacity.
func (cfg Config) MemoryBufferBytes() int64 {
	return int64(cfg.MemoryBufferMiB) * 1024 * 1024
}

// HTTPTimeout returns the per-request HTTP client timeout.
func (cfg Config) HTTPTimeout() time.Duration {
	return time.Duration(cfg.HTTPTimeoutMinutes) * time.Minute
}

// QueryTimeout returns the per-RPC fetcher timeout.
func (cfg Config) QueryTimeout() time.Duration {
	return time.Duration(cfg.QueryTimeoutSeconds) * time.Second
}

// RetryDelay returns the base linear backoff delay.
func (cfg Config) RetryDelay() time.Duration {
	return time.Duration(cfg.RetryDelayMS) * time.Millisecond
}

// URLExpirationBuffer returns the proactive refresh buffer.
func (cfg Config) URLExpirationBuffer() time.Duration {
	return time.Duration(cfg.URLExpirationBufferSeconds) * time.Second
}

// tomlConfig mirrors the subset of fields a connections.toml profile may
// set, named the way the driver's own connection-configuration file is,
// grounded on the teacher's connection_configuration.go TOML loader.
type tomlConfig struct {
	UseCloudFetch              *bool  `toml:"use_cloud_fetch"`
	CanDecompressLZ4           *bool  `toml:"can_decompress_lz4"`
	MaxBytesPerFile            *int64 `toml:"max_bytes_per_file"`
	ParallelDownloads          *int   `toml:"parallel_downloads"`
	PrefetchCount              *int   `toml:"prefetch_count"`
	MemoryBufferMiB            *int   `toml:"memory_buffer_mib"`
	URLExpirationBufferSeconds *int   `toml:"url_expiration_buffer_seconds"`
	MaxRetries                 *int   `toml:"max_retries"`
	MaxURLRefreshAttempts      *int   `toml:"max_url_refresh_attempts"`
	RetryDelayMS               *int   `toml:"retry_delay_ms"`
	HTTPTimeoutMinutes         *int   `toml:"http_timeout_minutes"`
	QueryTimeoutSeconds        *int   `toml:"query_timeout_seconds"`
}

// LoadConfigFile reads a CloudFetch profile out of a TOML file, the way
// the driver reads connections.toml profiles. An empty path is treated as
// "no file found" rather than an error so callers can feed through an
// optional --config flag untouched.
func LoadConfigFile(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return cfg, fmt.Errorf("cloudfetch: reading config file %s: %w", path, err)
	}
	var tc tomlConfig
	if _, err := toml.DecodeFile(path, &tc); err != nil {
		return cfg, fmt.Errorf("cloudfetch: parsing config file %s: %w", path, err)
	}
	if tc.UseCloudFetch != nil {
		cfg.UseCloudFetch = *tc.UseCloudFetch
	}
	if tc.CanDecompressLZ4 != nil {
		cfg.CanDecompressLZ4 = *tc.CanDecompressLZ4
	}
	if tc.MaxBytesPerFile != nil {
		cfg.MaxBytesPerFile = *tc.MaxBytesPerFile
	}
	if tc.ParallelDownloads != nil {
		cfg.ParallelDownloads = *tc.ParallelDownloads
	}
	if tc.PrefetchCount != nil {
		cfg.PrefetchCount = *tc.PrefetchCount
	}
	if tc.MemoryBufferMiB != nil {
		cfg.MemoryBufferMiB = *tc.MemoryBufferMiB
	}
	if tc.URLExpirationBufferSeconds != nil {
		cfg.URLExpirationBufferSeconds = *tc.URLExpirationBufferSeconds
	}
	if tc.MaxRetries != nil {
		cfg.MaxRetries = *tc.MaxRetries
	}
	if tc.MaxURLRefreshAttempts != nil {
		cfg.MaxURLRefreshAttempts = *tc.MaxURLRefreshAttempts
	}
	if tc.RetryDelayMS != nil {
		cfg.RetryDelayMS = *tc.RetryDelayMS
	}
	if tc.HTTPTimeoutMinutes != nil {
		cfg.HTTPTimeoutMinutes = *tc.HTTPTimeoutMinutes
	}
	if tc.QueryTimeoutSeconds != nil {
		cfg.QueryTimeoutSeconds = *tc.QueryTimeoutSeconds
	}
	return cfg, nil
}
