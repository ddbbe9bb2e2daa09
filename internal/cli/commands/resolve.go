package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	projectcfg "github.com/leapstack-labs/importls/internal/config"
	"github.com/leapstack-labs/importls/internal/host"
)

// maxResolveAttempts bounds retries of a pending resolution.
const maxResolveAttempts = 3

// ResolveResult is the outcome of the resolve command.
type ResolveResult struct {
	Specifier string         `json:"specifier"`
	From      string         `json:"from"`
	ImportMap string         `json:"importMap,omitempty"`
	Resolved  string         `json:"resolved,omitempty"`
	Extension host.Extension `json:"extension,omitempty"`
	State     string         `json:"state"`
	Types     string         `json:"types,omitempty"`
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <specifier>",
		Short: "Resolve a module specifier through the project import map",
		Long: `Resolve a module specifier the way the language server does.

The import map and compiler options are read from the project
configuration (importls.yaml, deno.json, tsconfig.json or index.html).
With --fetch, remote modules are downloaded so that their state and
type declarations can be reported.`,
		Example: `  # Where does "react" point?
  importls resolve react

  # Resolve relative to a specific file and download the module
  importls resolve ./util --from src/main.ts --fetch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			fetch, _ := cmd.Flags().GetBool("fetch")
			return runResolve(cmd, args[0], from, fetch)
		},
	}

	cmd.Flags().String("from", "", "Containing file (default: <project>/index.ts)")
	cmd.Flags().Bool("fetch", false, "Download remote modules to classify them")
	return cmd
}

func runResolve(cmd *cobra.Command, specifier, from string, fetch bool) error {
	c := NewCommandContext(cmd)
	root := c.Cfg.ProjectRoot
	project := projectcfg.Load(root, c.Logger)

	if from == "" {
		from = filepath.Join(root, "index.ts")
	}
	from = fileURI(from)

	var fetcher host.Fetcher
	if fetch {
		store, err := c.OpenStore()
		if err != nil {
			c.Renderer.Warn("%v", err)
			store = nil
		}
		defer closeStore(store, c.Logger)
		fetcher = c.Fetcher(store)
	}

	opts := project.HostOptions()
	opts.Logger = c.Logger.With("component", "host")
	h := host.New(newDiskModels(from), nil, fetcher, opts)
	defer h.Dispose()

	mod := h.ResolveModuleName(specifier, from)
	for i := 0; i < maxResolveAttempts && mod != nil && mod.Pending; i++ {
		h.Wait()
		mod = h.ResolveModuleName(specifier, from)
	}

	result := ResolveResult{
		Specifier: specifier,
		From:      from,
		ImportMap: project.ImportMapSource,
		State:     "not found",
	}
	if mod != nil {
		result.Resolved = mod.ResolvedFileName
		result.Extension = mod.Extension
		result.State = moduleState(h, mod)
		if target, err := h.ImportMap().Resolve(specifier, from); err == nil && isRemote(target) {
			if _, types := h.ModuleState(target); types != "" && types != target {
				result.Types = types
			}
		}
	}

	r := c.Renderer
	if r.IsJSON() {
		return r.JSON(result)
	}
	pairs := [][2]string{
		{"Specifier", result.Specifier},
		{"From", result.From},
		{"Import map", orDash(result.ImportMap)},
		{"Resolved", orDash(result.Resolved)},
		{"Extension", orDash(string(result.Extension))},
		{"State", result.State},
	}
	if result.Types != "" {
		pairs = append(pairs, [2]string{"Types", result.Types})
	}
	r.KeyValues(pairs)
	if mod == nil {
		return fmt.Errorf("cannot resolve %q", specifier)
	}
	return nil
}

func moduleState(h *host.Host, mod *host.ResolvedModule) string {
	switch {
	case mod.Pending:
		return host.StatePending.String()
	case isRemote(mod.ResolvedFileName):
		state, _ := h.ModuleState(mod.ResolvedFileName)
		return state.String()
	case strings.HasPrefix(mod.ResolvedFileName, "file:"):
		return "local"
	}
	return host.StateUnknown.String()
}

func isRemote(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
