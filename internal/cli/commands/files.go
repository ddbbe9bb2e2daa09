package commands

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/importls/internal/cachestore"
	"github.com/leapstack-labs/importls/internal/vfs"
)

// NewFilesCommand creates the files command group over persisted buffers.
func NewFilesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Manage editor buffers persisted in the cache",
		Long: `Buffers are stored under file:/// when persist_buffers is enabled.
Names are resolved against file:///, so "main.ts" and "file:///main.ts"
refer to the same file.`,
	}

	cmd.AddCommand(newFilesListCommand())
	cmd.AddCommand(newFilesCatCommand())
	cmd.AddCommand(newFilesWriteCommand())
	cmd.AddCommand(newFilesRemoveCommand())
	return cmd
}

func withFS(cmd *cobra.Command, fn func(*CommandContext, *vfs.FS) error) error {
	return withStore(cmd, func(c *CommandContext, store *cachestore.SQLiteStore) error {
		return fn(c, vfs.New(store, c.Logger.With("component", "vfs")))
	})
}

func newFilesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List persisted files",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withFS(cmd, func(c *CommandContext, fs *vfs.FS) error {
				names, err := fs.List(cmd.Context())
				if err != nil {
					return err
				}
				infos := make([]*vfs.FileInfo, 0, len(names))
				for _, name := range names {
					info, err := fs.Stat(cmd.Context(), name)
					if err != nil {
						continue
					}
					infos = append(infos, info)
				}
				if c.Renderer.IsJSON() {
					return c.Renderer.JSON(infos)
				}
				rows := make([][]string, len(infos))
				for i, info := range infos {
					rows[i] = []string{
						info.Name,
						strconv.Itoa(info.Version),
						strconv.Itoa(info.Size),
						info.ModifiedAt.Local().Format(time.DateTime),
					}
				}
				c.Renderer.Table([]string{"name", "version", "size", "modified"}, rows)
				return nil
			})
		},
	}
}

func newFilesCatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <name>",
		Short: "Print a persisted file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFS(cmd, func(c *CommandContext, fs *vfs.FS) error {
				data, err := fs.ReadFile(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = c.Renderer.Out().Write(data)
				return err
			})
		},
	}
}

func newFilesWriteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "write <name> [source]",
		Short: "Store a file, reading from source or stdin",
		Example: `  importls files write main.ts ./src/main.ts
  echo 'export {}' | importls files write lib.ts`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 2 && args[1] != "-" {
				data, err = os.ReadFile(args[1])
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("failed to read source: %w", err)
			}
			return withFS(cmd, func(c *CommandContext, fs *vfs.FS) error {
				version, err := fs.WriteFile(cmd.Context(), args[0], data)
				if err != nil {
					return err
				}
				name, _ := vfs.Name(args[0])
				if c.Renderer.IsJSON() {
					return c.Renderer.JSON(map[string]any{"name": name, "version": version, "size": len(data)})
				}
				c.Renderer.Printf("Wrote %s (version %d, %d bytes)\n", name, version, len(data))
				return nil
			})
		},
	}
}

func newFilesRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <name>...",
		Aliases: []string{"remove"},
		Short:   "Remove persisted files",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFS(cmd, func(_ *CommandContext, fs *vfs.FS) error {
				for _, name := range args {
					if err := fs.Remove(cmd.Context(), name); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}
