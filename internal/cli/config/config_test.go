package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "importls.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func testFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("project-dir", "", "")
	flags.String("cache-path", "", "")
	flags.Bool("no-cache", false, "")
	flags.String("log-level", "", "")
	flags.String("log-file", "", "")
	flags.BoolP("verbose", "v", false, "")
	flags.StringP("output", "o", "", "")
	flags.Duration("fetch-timeout", 0, "")
	flags.StringSlice("fetch-allowed-hosts", nil, "")
	return flags
}

func TestLoadConfig_Defaults(t *testing.T) {
	ResetConfig()
	path := writeConfig(t, "verbose: false\n")

	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Dir(path), cfg.ProjectRoot)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultOutput, cfg.OutputFormat)
	assert.Equal(t, 30*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 6, cfg.Fetch.MaxRedirects)
	assert.True(t, filepath.IsAbs(cfg.CachePath))
	assert.Equal(t, path, GetConfigFileUsed())
	assert.Same(t, cfg, GetCurrentConfig())
}

func TestLoadConfig_FileValues(t *testing.T) {
	ResetConfig()
	path := writeConfig(t, `cache_path: .cache/importls.db
log_level: warn
log_format: json
fetch:
  user_agent: test-agent
  timeout: 5s
  allowed_hosts: [esm.sh, "*.jsdelivr.net"]
  max_redirects: 2
imports:
  lodash.debounce: https://esm.sh/lodash.debounce
`)

	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(filepath.Dir(path), ".cache/importls.db"), cfg.CachePath)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "test-agent", cfg.Fetch.UserAgent)
	assert.Equal(t, 5*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, []string{"esm.sh", "*.jsdelivr.net"}, cfg.Fetch.AllowedHosts)
	assert.Equal(t, 2, cfg.Fetch.MaxRedirects)

	opts := cfg.Fetch.Options()
	assert.Equal(t, "test-agent", opts.UserAgent)
	assert.Equal(t, 2, opts.MaxRedirects)
}

// TestLoadConfig_FlagPrecedence tests that flags override env vars and config file.
func TestLoadConfig_FlagPrecedence(t *testing.T) {
	ResetConfig()
	path := writeConfig(t, "log_level: error\nfetch:\n  timeout: 5s\n")
	t.Setenv("IMPORTLS_LOG_LEVEL", "warn")
	t.Setenv("IMPORTLS_FETCH_TIMEOUT", "7s")

	flags := testFlags()
	require.NoError(t, flags.Set("log-level", "debug"))
	require.NoError(t, flags.Set("fetch-timeout", "9s"))

	cfg, err := LoadConfig(path, flags)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9*time.Second, cfg.Fetch.Timeout)
}

// TestLoadConfig_EnvPrecedenceOverFile tests that env vars override config file.
func TestLoadConfig_EnvPrecedenceOverFile(t *testing.T) {
	ResetConfig()
	path := writeConfig(t, "log_level: error\nfetch:\n  timeout: 5s\n")
	t.Setenv("IMPORTLS_LOG_LEVEL", "warn")
	t.Setenv("IMPORTLS_FETCH_TIMEOUT", "7s")

	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 7*time.Second, cfg.Fetch.Timeout)
}

// TestLoadConfig_FlagNotSetUsesEnv tests that unset flags fall back to env vars.
func TestLoadConfig_FlagNotSetUsesEnv(t *testing.T) {
	ResetConfig()
	path := writeConfig(t, "log_level: error\n")
	t.Setenv("IMPORTLS_LOG_LEVEL", "warn")

	cfg, err := LoadConfig(path, testFlags())
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadConfig_VerboseForcesDebug(t *testing.T) {
	ResetConfig()
	path := writeConfig(t, "log_level: error\n")
	flags := testFlags()
	require.NoError(t, flags.Set("verbose", "true"))

	cfg, err := LoadConfig(path, flags)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_ProjectDirFlag(t *testing.T) {
	ResetConfig()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "importls.yml"), []byte("cache_path: c.db\n"), 0600))

	flags := testFlags()
	require.NoError(t, flags.Set("project-dir", dir))

	cfg, err := LoadConfig("", flags)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.ProjectRoot)
	assert.Equal(t, filepath.Join(dir, "importls.yml"), GetConfigFileUsed())
	assert.Equal(t, filepath.Join(dir, "c.db"), cfg.CachePath)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		errSubstr string
	}{
		{"bad log level", "log_level: loud\n", "invalid log_level"},
		{"bad output", "output: xml\n", "invalid output"},
		{"negative redirects", "fetch:\n  max_redirects: -1\n", "max_redirects"},
		{"malformed yaml", "log_level: [\n", "error reading config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ResetConfig()
			_, err := LoadConfig(writeConfig(t, tt.content), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		assert.NoError(t, Defaults().Validate())
	})

	t.Run("no cache path", func(t *testing.T) {
		cfg := Defaults()
		cfg.CachePath = ""
		require.Error(t, cfg.Validate())
		cfg.NoCache = true
		assert.NoError(t, cfg.Validate())
	})
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("IMPORTLS_TEST_HOME", "/home/dev")

	tests := []struct {
		in   string
		want string
	}{
		{"${IMPORTLS_TEST_HOME}/cache.db", "/home/dev/cache.db"},
		{"${IMPORTLS_TEST_UNSET}/cache.db", "${IMPORTLS_TEST_UNSET}/cache.db"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, expandEnvVars(tt.in))
	}
}

func TestConfigKey(t *testing.T) {
	assert.Equal(t, "fetch.user_agent", configKey("fetch_user_agent"))
	assert.Equal(t, "log_level", configKey("log_level"))
	assert.Equal(t, "no_cache", configKey("no_cache"))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Defaults()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"

	logger, closeFn, err := NewLogger(cfg, &buf)
	require.NoError(t, err)
	defer func() { _ = closeFn() }()

	logger.Info("dropped")
	logger.Warn("kept", "key", "value")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), `"msg":"kept"`)

	cfg.LogFile = filepath.Join(t.TempDir(), "logs", "importls.log")
	fileLogger, closeFile, err := NewLogger(cfg, &buf)
	require.NoError(t, err)
	fileLogger.Error("to file")
	require.NoError(t, closeFile())

	data, err := os.ReadFile(cfg.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestGetLogger(t *testing.T) {
	assert.NotNil(t, GetLogger(context.Background()))

	var buf bytes.Buffer
	logger, _, err := NewLogger(Defaults(), &buf)
	require.NoError(t, err)
	ctx := context.WithValue(context.Background(), LoggerKey(), logger)
	assert.Same(t, logger, GetLogger(ctx))
}
