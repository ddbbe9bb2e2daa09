package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/importls/internal/analysis"
	projectcfg "github.com/leapstack-labs/importls/internal/config"
	"github.com/leapstack-labs/importls/internal/host"
	"github.com/leapstack-labs/importls/internal/modgraph"
)

// NewGraphCommand creates the graph command.
func NewGraphCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph <file>...",
		Short: "Show the import graph of entry files",
		Long: `Walk the imports reachable from the given files and print every
module with its resolution state. Import cycles are listed separately;
with --levels, modules are grouped so that each level only imports
modules from the levels before it.`,
		Example: `  importls graph src/main.ts
  importls graph src/main.ts --offline --output json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			offline, _ := cmd.Flags().GetBool("offline")
			levels, _ := cmd.Flags().GetBool("levels")
			return runGraph(cmd, args, offline, levels)
		},
	}

	cmd.Flags().Bool("offline", false, "Do not download remote modules")
	cmd.Flags().Bool("levels", false, "Group modules by import depth")
	return cmd
}

func runGraph(cmd *cobra.Command, files []string, offline, byLevel bool) error {
	c := NewCommandContext(cmd)
	project := projectcfg.Load(c.Cfg.ProjectRoot, c.Logger)

	var fetcher host.Fetcher
	if !offline {
		store, err := c.OpenStore()
		if err != nil {
			c.Renderer.Warn("%v", err)
			store = nil
		}
		defer closeStore(store, c.Logger)
		fetcher = c.Fetcher(store)
	}

	uris := make([]string, len(files))
	for i, f := range files {
		uris[i] = fileURI(f)
	}

	opts := project.HostOptions()
	opts.Logger = c.Logger.With("component", "host")
	h := host.New(newDiskModels(uris...), nil, fetcher, opts)
	defer h.Dispose()
	eng := analysis.New(h, c.Logger.With("component", "analysis"))

	var g *modgraph.Graph
	for pass := 0; pass < maxCheckPasses; pass++ {
		g = modgraph.Build(uris, eng, h, project.MaxGraphFiles)
		if g.CountState(host.StatePending.String()) == 0 && h.Stats().InFlight == 0 {
			break
		}
		h.Wait()
	}

	if err := renderGraph(c, g, byLevel, project.MaxGraphFiles); err != nil {
		return err
	}
	if n := g.CountState(modgraph.StateUnresolved); n > 0 {
		return fmt.Errorf("%d unresolved import(s)", n)
	}
	return nil
}

func renderGraph(c *CommandContext, g *modgraph.Graph, byLevel bool, limit int) error {
	r := c.Renderer
	if byLevel {
		levels, err := g.Levels()
		if err != nil {
			return err
		}
		if r.IsJSON() {
			return r.JSON(levels)
		}
		var rows [][]string
		for i, level := range levels {
			for _, u := range level {
				rows = append(rows, []string{strconv.Itoa(i), u})
			}
		}
		r.Table([]string{"level", "module"}, rows)
		return nil
	}

	if r.IsJSON() {
		return r.JSON(g.View())
	}

	modules := g.Modules()
	rows := make([][]string, len(modules))
	for i, m := range modules {
		rows[i] = []string{
			m.URL,
			m.State,
			orDash(string(m.Extension)),
			strconv.Itoa(len(g.Imports(m.URL))),
			strconv.Itoa(len(g.Importers(m.URL))),
		}
	}
	r.Table([]string{"module", "state", "extension", "imports", "imported by"}, rows)

	if cycles := g.Cycles(); len(cycles) > 0 {
		r.Println()
		for _, cycle := range cycles {
			r.Printf("cycle: %s\n", strings.Join(cycle, " <-> "))
		}
	}
	if g.Truncated() {
		r.Warn("graph truncated after %d files (max_graph_files)", limit)
	}
	return nil
}
