// Package config loads ~/.tripsafe/config.toml.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Device tunes push-device registration retries.
type Device struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
}

// Config represents the global ~/.tripsafe/config.toml.
type Config struct {
	DefaultProfile     string   `toml:"default_profile"`
	APIBaseURL         string   `toml:"api_base_url"`
	RequestTimeout     Duration `toml:"request_timeout"`
	SyncInterval       Duration `toml:"sync_interval"`
	SuppressionWindow  Duration `toml:"suppression_window"`
	ExtensionSettle    Duration `toml:"extension_settle"`
	RefreshWaitTimeout Duration `toml:"refresh_wait_timeout"`
	TripCacheLimit     int      `toml:"trip_cache_limit"`
	Device             Device   `toml:"device"`
}

// Default returns the configuration used for keys the file leaves out.
func Default() *Config {
	return &Config{
		DefaultProfile:     "main",
		APIBaseURL:         "https://api.tripsafe.app",
		RequestTimeout:     Duration(30 * time.Second),
		SyncInterval:       Duration(2 * time.Minute),
		SuppressionWindow:  Duration(30 * time.Second),
		ExtensionSettle:    Duration(2 * time.Second),
		RefreshWaitTimeout: Duration(30 * time.Second),
		TripCacheLimit:     100,
		Device: Device{
			MaxAttempts: 5,
			BaseDelay:   Duration(2 * time.Second),
			MaxDelay:    Duration(time.Minute),
		},
	}
}

// Load reads config from the given path on top of Default. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load that treats a missing file as an empty one.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
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
