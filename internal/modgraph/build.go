package modgraph

import (
	"strings"

	"github.com/leapstack-labs/importls/internal/analysis"
	"github.com/leapstack-labs/importls/internal/host"
	"github.com/leapstack-labs/importls/internal/importmap"
)

// Program lists the imports of a file.
type Program interface {
	Imports(fileName string) []analysis.ImportRef
}

// Resolver resolves specifiers and reports the state of remote modules.
type Resolver interface {
	ResolveModuleName(specifier, containingFile string) *host.ResolvedModule
	ModuleState(url string) (host.ModuleState, string)
}

// View is the serializable form of a graph.
type View struct {
	Modules   []Module   `json:"modules"`
	Imports   []Edge     `json:"imports"`
	Cycles    [][]string `json:"cycles"`
	Truncated bool       `json:"truncated"`
}

// View returns g in serializable form. Slices are never nil.
func (g *Graph) View() View {
	v := View{
		Modules:   g.Modules(),
		Imports:   g.Edges(),
		Cycles:    g.Cycles(),
		Truncated: g.truncated,
	}
	if v.Imports == nil {
		v.Imports = []Edge{}
	}
	if v.Cycles == nil {
		v.Cycles = [][]string{}
	}
	return v
}

// Build walks the imports reachable from roots, breadth first, resolving
// each specifier through res. Walking stops after limit files when limit
// is positive. Plain scripts, JSON modules and modules still downloading
// are recorded but not descended into.
//
// Resolution may start downloads; build again once the host has settled to
// see the modules behind them.
func Build(roots []string, prog Program, res Resolver, limit int) *Graph {
	g := New()
	var queue []string
	for _, r := range roots {
		if _, ok := g.modules[r]; ok {
			continue
		}
		g.Add(Module{URL: r, Extension: host.ExtensionOf(r, host.ExtTS), State: stateOf(res, r, false)})
		queue = append(queue, r)
	}

	for n := 0; len(queue) > 0; n++ {
		if limit > 0 && n >= limit {
			g.truncated = true
			break
		}
		file := queue[0]
		queue = queue[1:]

		for _, ref := range prog.Imports(file) {
			mod := res.ResolveModuleName(ref.Specifier, file)
			if mod == nil {
				target := unresolvedKey(ref.Specifier, file)
				if _, ok := g.modules[target]; !ok {
					g.Add(Module{URL: target, State: StateUnresolved})
				}
				_ = g.AddImport(file, target, ref.Specifier)
				continue
			}

			target := mod.ResolvedFileName
			if _, ok := g.modules[target]; !ok {
				g.Add(Module{URL: target, Extension: mod.Extension, State: stateOf(res, target, mod.Pending)})
				if !mod.Pending && !mod.Extension.IsPlainScript() && mod.Extension != host.ExtJSON {
					queue = append(queue, target)
				}
			}
			_ = g.AddImport(file, target, ref.Specifier)
		}
	}
	return g
}

func stateOf(res Resolver, url string, pending bool) string {
	switch {
	case pending:
		return host.StatePending.String()
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		state, _ := res.ModuleState(url)
		return state.String()
	case strings.HasPrefix(url, "file:"):
		return StateLocal
	}
	return host.StateUnknown.String()
}

// unresolvedKey names a module that could not be resolved. Relative and
// absolute specifiers become URLs so that two files importing the same
// missing module share a node.
func unresolvedKey(specifier, containingFile string) string {
	if importmap.IsBare(specifier) {
		return specifier
	}
	if u, err := importmap.Resolve(nil, specifier, containingFile); err == nil {
		return u
	}
	return specifier
}
