// Package config provides configuration management for the importls CLI.
//
// Workspace settings (import map, compiler options) live in
// internal/config; this package covers process settings such as the cache
// location, logging and the HTTP client.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/leapstack-labs/importls/internal/fetch"
)

// FetchConfig holds HTTP client settings.
type FetchConfig struct {
	UserAgent    string        `koanf:"user_agent"`
	Timeout      time.Duration `koanf:"timeout"`
	AllowedHosts []string      `koanf:"allowed_hosts"`
	MaxRedirects int           `koanf:"max_redirects"`
}

// Options converts c into fetch client options.
func (c FetchConfig) Options() fetch.Options {
	return fetch.Options{
		UserAgent:    c.UserAgent,
		Timeout:      c.Timeout,
		AllowedHosts: c.AllowedHosts,
		MaxRedirects: c.MaxRedirects,
	}
}

// Config holds all CLI configuration options.
type Config struct {
	ProjectRoot  string      `koanf:"-"`
	ProjectDir   string      `koanf:"project_dir"`
	CachePath    string      `koanf:"cache_path"`
	NoCache      bool        `koanf:"no_cache"`
	LogLevel     string      `koanf:"log_level"`
	LogFormat    string      `koanf:"log_format"`
	LogFile      string      `koanf:"log_file"`
	Verbose      bool        `koanf:"verbose"`
	OutputFormat string      `koanf:"output"`
	DebugAddr    string      `koanf:"debug_addr"`
	Fetch        FetchConfig `koanf:"fetch"`
}

// Default configuration values.
const (
	DefaultCacheFile = "cache.db"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
	DefaultOutput    = "auto" // Auto-detect: TTY=text, non-TTY=json
)

// DefaultCachePath returns the cache database location under the user
// cache directory, or under the working directory when that is unknown.
func DefaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil || dir == "" {
		return filepath.Join(".importls", DefaultCacheFile)
	}
	return filepath.Join(dir, "importls", DefaultCacheFile)
}

// Defaults returns a Config with default values.
func Defaults() *Config {
	return &Config{
		CachePath:    DefaultCachePath(),
		LogLevel:     DefaultLogLevel,
		LogFormat:    DefaultLogFormat,
		OutputFormat: DefaultOutput,
		Fetch: FetchConfig{
			UserAgent:    fetch.DefaultUserAgent,
			Timeout:      fetch.DefaultTimeout,
			MaxRedirects: fetch.DefaultMaxRedirects,
		},
	}
}
