// Package config loads the engine's YAML configuration and applies
// environment overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/pnl-engine/internal/dedup"
	"github.com/atmx/pnl-engine/internal/pipeline"
	"github.com/atmx/pnl-engine/internal/resolution"
	"github.com/atmx/pnl-engine/internal/settlement"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config holds every setting of the server. Zero values are filled from
// Default before environment overrides are applied.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Storage struct {
		DatabaseURL string        `yaml:"database_url"`
		RedisURL    string        `yaml:"redis_url"`
		SQLitePath  string        `yaml:"sqlite_path"`
		CacheTTL    time.Duration `yaml:"cache_ttl"`
	} `yaml:"storage"`

	Rebuild struct {
		Interval             time.Duration `yaml:"interval"`
		Workers              int           `yaml:"workers"`
		DefaultPolicy        string        `yaml:"default_policy"`
		DedupStrategy        string        `yaml:"dedup_strategy"`
		DedupBucket          time.Duration `yaml:"dedup_bucket"`
		AlignmentPolicy      string        `yaml:"alignment_policy"`
		SourcePriority       []string      `yaml:"source_priority"`
		CashCheck            string        `yaml:"cash_check"`
		CashToleranceAbs     string        `yaml:"cash_tolerance_abs"`
		CashToleranceRel     string        `yaml:"cash_tolerance_rel"`
		DuplicateRatioMax    string        `yaml:"duplicate_ratio_max"`
		MinSignificantDigits int           `yaml:"min_significant_digits"`
		ClosedEpsilon        string        `yaml:"closed_epsilon"`
	} `yaml:"rebuild"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Default returns a configuration that runs against the in-memory store.
func Default() *Config {
	opts := pipeline.DefaultOptions()

	var cfg Config
	cfg.Server.Port = "8080"
	cfg.Storage.CacheTTL = 30 * time.Second
	cfg.Rebuild.Interval = time.Minute
	cfg.Rebuild.Workers = opts.Workers
	cfg.Rebuild.DefaultPolicy = string(opts.DefaultPolicy)
	cfg.Rebuild.DedupStrategy = string(opts.DedupStrategy)
	cfg.Rebuild.DedupBucket = opts.DedupKey.Bucket
	cfg.Rebuild.AlignmentPolicy = string(opts.Alignment)
	cfg.Rebuild.CashCheck = string(opts.CashCheck)
	cfg.Rebuild.CashToleranceAbs = opts.CashTolerance.Absolute.String()
	cfg.Rebuild.CashToleranceRel = opts.CashTolerance.Relative.String()
	cfg.Rebuild.DuplicateRatioMax = opts.DuplicateRatioMax.String()
	cfg.Rebuild.MinSignificantDigits = opts.MinSignificantDigits
	cfg.Rebuild.ClosedEpsilon = opts.ClosedEpsilon.String()
	cfg.Logging.Level = "info"
	return &cfg
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overrideWithEnv applies environment variables; they take precedence over
// the file.
func overrideWithEnv(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("REBUILD_INTERVAL"); v != "" {
		iv, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: REBUILD_INTERVAL %q: %v", ErrInvalidConfig, v, err)
		}
		cfg.Rebuild.Interval = iv
	}
	if v := os.Getenv("WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: WORKERS %q: %v", ErrInvalidConfig, v, err)
		}
		cfg.Rebuild.Workers = n
	}
	if v := os.Getenv("SETTLEMENT_POLICY"); v != "" {
		cfg.Rebuild.DefaultPolicy = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// Validate checks every field that Options would otherwise reject later.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("%w: server port is required", ErrInvalidConfig)
	}
	if c.Rebuild.Interval <= 0 {
		return fmt.Errorf("%w: rebuild interval must be positive", ErrInvalidConfig)
	}
	if c.Rebuild.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive", ErrInvalidConfig)
	}
	if c.Storage.RedisURL != "" && c.Storage.DatabaseURL == "" {
		return fmt.Errorf("%w: redis cache requires database_url", ErrInvalidConfig)
	}
	if c.Storage.DatabaseURL != "" && c.Storage.SQLitePath != "" {
		return fmt.Errorf("%w: database_url and sqlite_path are exclusive", ErrInvalidConfig)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if _, err := c.PipelineOptions(); err != nil {
		return err
	}
	return nil
}

// LogLevel parses Logging.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.Logging.Level))); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.Logging.Level)
	}
	return lvl, nil
}

// PipelineOptions converts the rebuild section into engine options.
func (c *Config) PipelineOptions() (pipeline.Options, error) {
	r := c.Rebuild
	opts := pipeline.DefaultOptions()
	opts.Workers = r.Workers
	opts.SourcePriority = r.SourcePriority
	opts.MinSignificantDigits = r.MinSignificantDigits
	if r.DedupBucket > 0 {
		opts.DedupKey.Bucket = r.DedupBucket
	}

	var err error
	if opts.DefaultPolicy, err = settlement.ParsePolicy(r.DefaultPolicy); err != nil {
		return opts, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if opts.DedupStrategy, err = dedup.ParseStrategy(r.DedupStrategy); err != nil {
		return opts, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if opts.Alignment, err = resolution.ParseAlignmentPolicy(r.AlignmentPolicy); err != nil {
		return opts, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if opts.CashCheck, err = pipeline.ParseCashCheckMode(r.CashCheck); err != nil {
		return opts, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	decimals := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"cash_tolerance_abs", r.CashToleranceAbs, &opts.CashTolerance.Absolute},
		{"cash_tolerance_rel", r.CashToleranceRel, &opts.CashTolerance.Relative},
		{"duplicate_ratio_max", r.DuplicateRatioMax, &opts.DuplicateRatioMax},
		{"closed_epsilon", r.ClosedEpsilon, &opts.ClosedEpsilon},
	}
	for _, f := range decimals {
		if f.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(f.raw)
		if err != nil || v.IsNegative() {
			return opts, fmt.Errorf("%w: %s %q", ErrInvalidConfig, f.name, f.raw)
		}
		*f.dst = v
	}
	return opts, nil
}
