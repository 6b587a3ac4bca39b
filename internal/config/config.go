package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.courier/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	Retry        RetryConfig        `toml:"retry"`
	Typing       TypingConfig       `toml:"typing"`
	Notify       NotifyConfig       `toml:"notify"`
	Send         SendConfig         `toml:"send"`
	Connectivity ConnectivityConfig `toml:"connectivity"`
	Mongo        MongoConfig        `toml:"mongo"`
	S3           S3Config           `toml:"s3"`
}

// RetryConfig controls outbound queue retry behavior.
type RetryConfig struct {
	MaxAttempts int   `toml:"max_attempts"`
	BaseDelayMs int64 `toml:"base_delay_ms"`
}

// TypingConfig controls typing indicator timing.
type TypingConfig struct {
	FreshnessMs int64 `toml:"freshness_ms"`
	DebounceMs  int64 `toml:"debounce_ms"`
}

// NotifyConfig controls in-app notification composition.
type NotifyConfig struct {
	PreviewLength int `toml:"preview_length"`
}

// SendConfig controls per-attempt remote write behavior.
type SendConfig struct {
	TimeoutMs int64 `toml:"timeout_ms"`
}

// ConnectivityConfig controls the reachability probe.
type ConnectivityConfig struct {
	ProbeURL   string `toml:"probe_url"`
	IntervalMs int64  `toml:"interval_ms"`
}

// MongoConfig selects the remote document store. An empty URI selects the
// in-memory backend (development mode).
type MongoConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// S3Config selects the object storage bucket for image uploads. An empty
// bucket disables image sends.
type S3Config struct {
	Region     string `toml:"region"`
	Bucket     string `toml:"bucket"`
	PublicRead bool   `toml:"public_read"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Retry:        RetryConfig{MaxAttempts: 3, BaseDelayMs: 1000},
		Typing:       TypingConfig{FreshnessMs: 3000, DebounceMs: 500},
		Notify:       NotifyConfig{PreviewLength: 50},
		Send:         SendConfig{TimeoutMs: 10000},
		Connectivity: ConnectivityConfig{ProbeURL: "https://clients3.google.com/generate_204", IntervalMs: 5000},
	}
}

// Load reads config from the given path, applying defaults for any field
// the file leaves unset. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads config from the given path, falling back to the
// built-in defaults when no file exists.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// BaseDelay returns the retry base delay as a duration.
func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

// Freshness returns the typing freshness window as a duration.
func (c TypingConfig) Freshness() time.Duration {
	return time.Duration(c.FreshnessMs) * time.Millisecond
}

// Debounce returns the typing write debounce as a duration.
func (c TypingConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// Timeout returns the send timeout as a duration.
func (c SendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Interval returns the probe interval as a duration.
func (c ConnectivityConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}
