// Package config provides TOML configuration file loading for the filesync host.
// The configuration file lives at ~/.filesync/config.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the host configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// Root is the directory served to editor clients.
	// If empty, defaults to the current working directory.
	Root string `toml:"root"`

	// Addr is the host:port for the HTTP and WebSocket server.
	// Default: 127.0.0.1:7171
	Addr string `toml:"addr"`

	// Database is the path to the SQLite database holding session layouts.
	// Default: ~/.filesync/filesync.db
	Database string `toml:"database"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	// LogFormat is console or json.
	LogFormat string `toml:"log_format"`

	// QuietPeriodMs is the save debounce window in milliseconds.
	QuietPeriodMs int `toml:"quiet_period_ms"`

	// SavedDisplayMs is how long a tab shows "saved" before settling to clean.
	SavedDisplayMs int `toml:"saved_display_ms"`

	// MaxFileBytes caps the size of files the service will read.
	MaxFileBytes int64 `toml:"max_file_bytes"`

	// Watch enables the filesystem watcher. A pointer so an explicit false
	// in the file is distinguishable from an absent key.
	Watch *bool `toml:"watch"`

	// FocusRatePerSec limits how often a client may trigger a full
	// freshness check by regaining focus.
	FocusRatePerSec float64 `toml:"focus_rate_per_sec"`
}

// DefaultConfigPath returns the default config file location: ~/.filesync/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".filesync", "config.toml"), nil
}

// DatabasePath returns the configured database, or ~/.filesync/filesync.db.
func (c *Config) DatabasePath() (string, error) {
	if c.Database != "" {
		return c.Database, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".filesync", "filesync.db"), nil
}

// WriteDefault creates a config file with defaults at the given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string, root string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# filesync configuration

# Directory served to editor clients
root = %q

addr = %q

# Saves fire after this many milliseconds without further edits
quiet_period_ms = %d

# How long a tab shows "saved" before settling
saved_display_ms = %d

log_level = %q
log_format = %q
`, root, DefaultAddr, DefaultQuietPeriodMs, DefaultSavedDisplayMs, DefaultLogLevel, DefaultLogFormat)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads a TOML config file from the given path over Defaults.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.filesync/config.toml).
//     Returns defaults without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed or contains unknown keys.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s: unknown key %q", path, undecoded[0].String())
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside startup.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.QuietPeriodMs <= 0 {
		errs = append(errs, fmt.Errorf("quiet_period_ms must be positive, got %d", c.QuietPeriodMs))
	}
	if c.SavedDisplayMs <= 0 {
		errs = append(errs, fmt.Errorf("saved_display_ms must be positive, got %d", c.SavedDisplayMs))
	}
	if c.MaxFileBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_file_bytes must be positive, got %d", c.MaxFileBytes))
	}
	if c.FocusRatePerSec <= 0 {
		errs = append(errs, fmt.Errorf("focus_rate_per_sec must be positive, got %g", c.FocusRatePerSec))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be console or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
