// Package config holds the engine configuration: storage locations,
// key namespaces, TTLs, lock retry policy, discovery filters and the
// operational API settings. Configuration is loaded from YAML on top
// of defaults, so a partial file only overrides what it names.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// DataDir is the Badger database directory.
	DataDir string `yaml:"data_dir"`
	// SearchDBPath is the SQLite search index location. Empty disables
	// the search backend entirely; queries then use fallback scans.
	SearchDBPath string `yaml:"search_db_path"`

	RecordPrefix string `yaml:"record_prefix"`
	IndexPrefix  string `yaml:"index_prefix"`

	RecordTTL Duration `yaml:"record_ttl"`
	IndexTTL  Duration `yaml:"index_ttl"`

	Lock      LockConfig      `yaml:"lock"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	API       APIConfig       `yaml:"api"`
}

// LockConfig drives the advisory write lock: marker TTL plus the
// acquisition retry policy.
type LockConfig struct {
	TTL         Duration `yaml:"ttl"`
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	JitterRatio float64  `yaml:"jitter_ratio"`
}

// DiscoveryConfig bounds the curated-discovery queries and the
// fallback scans they degrade to.
type DiscoveryConfig struct {
	QualityCoverPatterns     []string `yaml:"quality_cover_patterns"`
	PlaceholderCoverPatterns []string `yaml:"placeholder_cover_patterns"`
	OverfetchFactor          int      `yaml:"overfetch_factor"`
	MaxCandidates            int      `yaml:"max_candidates"`
	ScanCap                  int      `yaml:"scan_cap"`
	// ScanRate limits fallback full scans, records per second.
	// Zero means unpaced.
	ScanRate  float64 `yaml:"scan_rate"`
	ScanBurst int     `yaml:"scan_burst"`
}

type APIConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	EnableCORS      bool     `yaml:"enable_cors"`
	EnableMetrics   bool     `yaml:"enable_metrics"`
	LogRequests     bool     `yaml:"log_requests"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	MaxRequestSize  int64    `yaml:"max_request_size"`
	RateLimitRPS    float64  `yaml:"rate_limit_rps"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
}

func Default() *Config {
	return &Config{
		DataDir:      "./.data",
		SearchDBPath: "./.data/search.db",
		RecordPrefix: "/books",
		IndexPrefix:  "/index",
		RecordTTL:    Duration(7 * 24 * time.Hour),
		IndexTTL:     Duration(24 * time.Hour),
		Lock: LockConfig{
			TTL:         Duration(10 * time.Second),
			MaxAttempts: 20,
			BaseDelay:   Duration(100 * time.Millisecond),
			MaxDelay:    Duration(500 * time.Millisecond),
			JitterRatio: 0.2,
		},
		Discovery: DiscoveryConfig{
			QualityCoverPatterns: []string{
				"books.google.com/books/content",
				"covers.openlibrary.org/b/id/",
				"m.media-amazon.com/images",
				"images-na.ssl-images-amazon.com/images",
			},
			PlaceholderCoverPatterns: []string{
				"no_cover",
				"no-image",
				"image_not_available",
				"placeholder",
			},
			OverfetchFactor: 3,
			MaxCandidates:   300,
			ScanCap:         2000,
			ScanRate:        500,
			ScanBurst:       100,
		},
		API: APIConfig{
			Host:            "localhost",
			Port:            8080,
			EnableCORS:      true,
			EnableMetrics:   true,
			LogRequests:     true,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			IdleTimeout:     Duration(60 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
			MaxRequestSize:  32 << 20,
			RateLimitRPS:    100,
			RateLimitBurst:  200,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.RecordPrefix == "" || c.IndexPrefix == "" {
		return fmt.Errorf("config: record_prefix and index_prefix are required")
	}
	if c.RecordPrefix == c.IndexPrefix {
		return fmt.Errorf("config: record_prefix and index_prefix must differ")
	}
	if c.IndexTTL > c.RecordTTL {
		return fmt.Errorf("config: index_ttl %s exceeds record_ttl %s", c.IndexTTL, c.RecordTTL)
	}
	if c.Lock.MaxAttempts < 1 {
		return fmt.Errorf("config: lock.max_attempts must be at least 1")
	}
	if c.Lock.JitterRatio < 0 || c.Lock.JitterRatio > 1 {
		return fmt.Errorf("config: lock.jitter_ratio must be within [0, 1]")
	}
	if c.Discovery.OverfetchFactor < 1 {
		return fmt.Errorf("config: discovery.overfetch_factor must be at least 1")
	}
	return nil
}

// Duration wraps time.Duration so YAML values can be written either as
// Go duration strings ("24h", "100ms") or as plain integer seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	return fmt.Errorf("config: invalid duration %q", value.Value)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
