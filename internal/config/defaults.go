package config

import "time"

// DefaultAddr is the default listen address for the HTTP and WebSocket server.
const DefaultAddr = "127.0.0.1:7171"

// DefaultRoot falls back to the current working directory.
const DefaultRoot = "."

const (
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "console"
	DefaultQuietPeriodMs   = 1000
	DefaultSavedDisplayMs  = 2000
	DefaultMaxFileBytes    = 1 << 20
	DefaultFocusRatePerSec = 2.0
)

// Defaults returns a Config with every field at its default. Database is
// left empty and resolved by DatabasePath.
func Defaults() *Config {
	watch := true
	return &Config{
		Root:            DefaultRoot,
		Addr:            DefaultAddr,
		LogLevel:        DefaultLogLevel,
		LogFormat:       DefaultLogFormat,
		QuietPeriodMs:   DefaultQuietPeriodMs,
		SavedDisplayMs:  DefaultSavedDisplayMs,
		MaxFileBytes:    DefaultMaxFileBytes,
		Watch:           &watch,
		FocusRatePerSec: DefaultFocusRatePerSec,
	}
}

// QuietPeriod is the save debounce window.
func (c *Config) QuietPeriod() time.Duration {
	return time.Duration(c.QuietPeriodMs) * time.Millisecond
}

// SavedDisplay is how long a tab shows "saved" before settling.
func (c *Config) SavedDisplay() time.Duration {
	return time.Duration(c.SavedDisplayMs) * time.Millisecond
}

// WatchEnabled reports whether the filesystem watcher should run.
func (c *Config) WatchEnabled() bool {
	return c.Watch == nil || *c.Watch
}
