package commands

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/importls/internal/cachestore"
)

// CacheEntry is one row of `cache ls`.
type CacheEntry struct {
	Key        string    `json:"key"`
	Version    int       `json:"version"`
	Size       int       `json:"size"`
	Type       string    `json:"contentType,omitempty"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// CacheInfo is the output of `cache info`.
type CacheInfo struct {
	Path          string `json:"path"`
	SchemaVersion int64  `json:"schemaVersion"`
	Entries       int    `json:"entries"`
}

// NewCacheCommand creates the cache command group.
func NewCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the module cache",
		Long: `Inspect the SQLite database holding downloaded modules and
persisted editor buffers. Keys are URLs; buffers live under file:///.`,
	}

	cmd.AddCommand(newCacheInfoCommand())
	cmd.AddCommand(newCacheListCommand())
	cmd.AddCommand(newCacheGetCommand())
	cmd.AddCommand(newCacheRemoveCommand())
	cmd.AddCommand(newCachePurgeCommand())
	return cmd
}

// withStore runs fn with the cache store open.
func withStore(cmd *cobra.Command, fn func(*CommandContext, *cachestore.SQLiteStore) error) error {
	c := NewCommandContext(cmd)
	store, err := c.RequireStore()
	if err != nil {
		return err
	}
	defer closeStore(store, c.Logger)
	return fn(c, store)
}

func newCacheInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the cache location and size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(c *CommandContext, store *cachestore.SQLiteStore) error {
				version, err := store.MigrationVersion()
				if err != nil {
					return err
				}
				keys, err := store.ListKeys(cmd.Context(), "")
				if err != nil {
					return err
				}
				info := CacheInfo{Path: store.Path(), SchemaVersion: version, Entries: len(keys)}
				if c.Renderer.IsJSON() {
					return c.Renderer.JSON(info)
				}
				c.Renderer.KeyValues([][2]string{
					{"Path", info.Path},
					{"Schema version", strconv.FormatInt(info.SchemaVersion, 10)},
					{"Entries", strconv.Itoa(info.Entries)},
				})
				return nil
			})
		},
	}
}

func newCacheListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "ls [prefix]",
		Aliases: []string{"list"},
		Short:   "List cached keys",
		Example: `  importls cache ls
  importls cache ls https://esm.sh/`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			return withStore(cmd, func(c *CommandContext, store *cachestore.SQLiteStore) error {
				entries, err := listCache(cmd, store, prefix)
				if err != nil {
					return err
				}
				if c.Renderer.IsJSON() {
					return c.Renderer.JSON(entries)
				}
				rows := make([][]string, len(entries))
				for i, e := range entries {
					rows[i] = []string{
						e.Key,
						strconv.Itoa(e.Version),
						strconv.Itoa(e.Size),
						orDash(e.Type),
						e.ModifiedAt.Local().Format(time.DateTime),
					}
				}
				c.Renderer.Table([]string{"key", "version", "size", "content type", "modified"}, rows)
				return nil
			})
		},
	}
}

func listCache(cmd *cobra.Command, store *cachestore.SQLiteStore, prefix string) ([]CacheEntry, error) {
	keys, err := store.ListKeys(cmd.Context(), prefix)
	if err != nil {
		return nil, err
	}
	entries := make([]CacheEntry, 0, len(keys))
	for _, key := range keys {
		rec, err := store.Get(cmd.Context(), key)
		if errors.Is(err, cachestore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, CacheEntry{
			Key:        key,
			Version:    rec.Version,
			Size:       len(rec.Content),
			Type:       rec.Header("Content-Type"),
			ModifiedAt: rec.ModifiedAt,
		})
	}
	return entries, nil
}

func newCacheGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print a cached entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(c *CommandContext, store *cachestore.SQLiteStore) error {
				rec, err := store.Get(cmd.Context(), args[0])
				if errors.Is(err, cachestore.ErrNotFound) {
					return fmt.Errorf("%s is not cached", args[0])
				}
				if err != nil {
					return err
				}
				if c.Renderer.IsJSON() {
					return c.Renderer.JSON(map[string]any{
						"key":        rec.URL,
						"version":    rec.Version,
						"digest":     rec.Digest,
						"headers":    rec.Headers,
						"content":    string(rec.Content),
						"createdAt":  rec.CreatedAt,
						"modifiedAt": rec.ModifiedAt,
					})
				}
				_, err = c.Renderer.Out().Write(rec.Content)
				return err
			})
		},
	}
}

func newCacheRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <key>...",
		Aliases: []string{"remove"},
		Short:   "Remove cached entries",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(c *CommandContext, store *cachestore.SQLiteStore) error {
				for _, key := range args {
					if err := store.Delete(cmd.Context(), key); err != nil {
						return fmt.Errorf("failed to remove %s: %w", key, err)
					}
					c.Logger.Debug("removed cache entry", "key", key)
				}
				if !c.Renderer.IsJSON() {
					c.Renderer.Printf("Removed %d entr%s\n", len(args), plural(len(args), "y", "ies"))
				}
				return nil
			})
		},
	}
}

func newCachePurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge [prefix]",
		Short: "Remove every cached entry, or those starting with prefix",
		Example: `  # Drop everything downloaded from esm.sh
  importls cache purge https://esm.sh/`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			return withStore(cmd, func(c *CommandContext, store *cachestore.SQLiteStore) error {
				n, err := store.Purge(cmd.Context(), prefix)
				if err != nil {
					return fmt.Errorf("failed to purge cache: %w", err)
				}
				if c.Renderer.IsJSON() {
					return c.Renderer.JSON(map[string]int{"removed": n})
				}
				c.Renderer.Printf("Removed %d entr%s\n", n, plural(n, "y", "ies"))
				return nil
			})
		},
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
