// Package commands implements the importls subcommands.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/importls/internal/cachestore"
	"github.com/leapstack-labs/importls/internal/cli/config"
	"github.com/leapstack-labs/importls/internal/cli/output"
	"github.com/leapstack-labs/importls/internal/fetch"
)

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg      *config.Config
	Logger   *slog.Logger
	Renderer *output.Renderer
}

// NewCommandContext collects the config, logger and renderer for cmd.
func NewCommandContext(cmd *cobra.Command) *CommandContext {
	cfg := getConfig()
	return &CommandContext{
		Cfg:      cfg,
		Logger:   config.GetLogger(cmd.Context()),
		Renderer: output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.Mode(cfg.OutputFormat)),
	}
}

// OpenStore opens the cache database. It returns nil when caching is
// disabled.
func (c *CommandContext) OpenStore() (*cachestore.SQLiteStore, error) {
	if c.Cfg.NoCache {
		return nil, nil
	}
	store := cachestore.NewSQLiteStore(c.Logger.With("component", "cache"))
	if err := store.Open(c.Cfg.CachePath); err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", c.Cfg.CachePath, err)
	}
	return store, nil
}

// RequireStore is OpenStore for commands that cannot run without a cache.
func (c *CommandContext) RequireStore() (*cachestore.SQLiteStore, error) {
	if c.Cfg.NoCache {
		return nil, fmt.Errorf("the cache is disabled (no_cache)")
	}
	return c.OpenStore()
}

// HTTPClient builds the module download client.
func (c *CommandContext) HTTPClient() *fetch.Client {
	opts := c.Cfg.Fetch.Options()
	opts.Logger = c.Logger.With("component", "http")
	return fetch.NewClient(opts)
}

// Fetcher builds a caching fetcher over store, which may be nil.
func (c *CommandContext) Fetcher(store *cachestore.SQLiteStore) *cachestore.Fetcher {
	var s cachestore.Store
	if store != nil {
		s = store
	}
	return cachestore.NewFetcher(s, c.HTTPClient(), c.Logger.With("component", "fetch"))
}

// getConfig returns the loaded configuration, or defaults rooted at the
// working directory when none was loaded.
func getConfig() *config.Config {
	if cfg := config.GetCurrentConfig(); cfg != nil {
		return cfg
	}
	cfg := config.Defaults()
	cfg.ProjectRoot, _ = os.Getwd()
	return cfg
}

func closeStore(store *cachestore.SQLiteStore, logger *slog.Logger) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		logger.Warn("failed to close cache", "error", err)
	}
}
