package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Segmenter tunable defaults. Applied by [ApplyDefaults] when the
// corresponding YAML field is absent or zero.
const (
	DefaultGapDurationMS          = 500
	DefaultMaxDurationMS          = 12_000
	DefaultMinDurationMS          = 1_000
	DefaultGapThresholdMultiplier = 3
	DefaultPollIntervalMS         = 5_000
	DefaultBusyPollIntervalMS     = 2_000
	DefaultBatchSize              = 50
	DefaultWatchTimeoutMS         = 600_000
	DefaultStartDelayMS           = 3_000

	DefaultRequestTimeout        = 30 * time.Minute
	DefaultMaxConcurrentRequests = 1
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued tunables with their documented defaults.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Segmenter
	if s.GapDurationMS <= 0 {
		s.GapDurationMS = DefaultGapDurationMS
	}
	if s.MaxDurationMS <= 0 {
		s.MaxDurationMS = DefaultMaxDurationMS
	}
	if s.MinDurationMS <= 0 {
		s.MinDurationMS = DefaultMinDurationMS
	}
	if s.GapThresholdMultiplier <= 0 {
		s.GapThresholdMultiplier = DefaultGapThresholdMultiplier
	}
	if s.PollIntervalMS <= 0 {
		s.PollIntervalMS = DefaultPollIntervalMS
	}
	if s.BusyPollIntervalMS <= 0 {
		s.BusyPollIntervalMS = DefaultBusyPollIntervalMS
	}
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.WatchTimeoutMS <= 0 {
		s.WatchTimeoutMS = DefaultWatchTimeoutMS
	}
	if s.StartDelayMS <= 0 {
		s.StartDelayMS = DefaultStartDelayMS
	}

	if cfg.Model.RequestTimeout <= 0 {
		cfg.Model.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Model.MaxConcurrentRequests <= 0 {
		cfg.Model.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if cfg.ObjectStore.Region == "" {
		cfg.ObjectStore.Region = "auto"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required"))
	}

	if cfg.ObjectStore.Bucket == "" {
		errs = append(errs, errors.New("object_store.bucket is required"))
	}
	if (cfg.ObjectStore.AccessKeyID == "") != (cfg.ObjectStore.SecretAccessKey == "") {
		errs = append(errs, errors.New("object_store.access_key_id and object_store.secret_access_key must be set together"))
	}
	if d := cfg.ObjectStore.PublicDomain; d != "" && strings.Contains(d, "://") {
		errs = append(errs, fmt.Errorf("object_store.public_domain %q must be a bare host, without a scheme", d))
	}

	if cfg.Model.BaseURL == "" {
		slog.Warn("model.base_url is empty; transcription jobs will fail until it is configured")
	}

	s := cfg.Segmenter
	if s.MinDurationMS > s.MaxDurationMS {
		errs = append(errs, fmt.Errorf("segmenter.min_duration_ms (%d) must not exceed segmenter.max_duration_ms (%d)", s.MinDurationMS, s.MaxDurationMS))
	}
	if s.BusyPollIntervalMS > s.PollIntervalMS {
		slog.Warn("segmenter.busy_poll_interval_ms exceeds poll_interval_ms; busy polls will be slower than idle ones",
			"busy_ms", s.BusyPollIntervalMS,
			"idle_ms", s.PollIntervalMS,
		)
	}

	return errors.Join(errs...)
}
