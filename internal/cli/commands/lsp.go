package commands

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/importls/internal/lsp"
)

// NewLSPCommand creates the lsp command.
func NewLSPCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lsp",
		Short: "Start the Language Server Protocol server",
		Long: `Start the LSP server for IDE integration.

The server communicates over stdin/stdout using JSON-RPC.
The project root is determined by the client's initialization
request (rootUri parameter). Remote modules are fetched over HTTP
and cached in the cache database unless --no-cache is set.`,
		Example: `  # Start LSP server (usually called by an IDE)
  importls lsp

  # Expose index state for debugging
  importls lsp --debug-addr localhost:6060`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLSP(cmd, version)
		},
	}

	cmd.Flags().String("debug-addr", "", "Serve /debug endpoints on this address")
	cmd.Flags().Bool("stdio", true, "Use stdio transport (the only transport)")
	return cmd
}

func runLSP(cmd *cobra.Command, version string) error {
	c := NewCommandContext(cmd)

	store, err := c.OpenStore()
	if err != nil {
		// The server still works without a cache, just slower.
		c.Logger.Warn("running without cache", "error", err)
		store = nil
	}
	defer closeStore(store, c.Logger)

	opts := lsp.Options{
		Logger:  c.Logger,
		HTTP:    c.HTTPClient(),
		Version: version,
	}
	if store != nil {
		opts.Store = store
	}
	server := lsp.NewServer(os.Stdin, os.Stdout, opts)

	addr := c.Cfg.DebugAddr
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return server.Run(gctx)
	})
	if addr != "" {
		g.Go(func() error {
			return server.ServeDebug(gctx, addr)
		})
	}
	return g.Wait()
}
