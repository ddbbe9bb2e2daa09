// Package modgraph records the import graph of a program: which modules
// import which, how far resolution has progressed, and where imports loop.
//
// Import cycles are legal in ES modules, so the graph accepts them. Only
// the operations that need an order (Order, Levels) refuse cyclic graphs.
package modgraph

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/leapstack-labs/importls/internal/host"
)

// ErrCycle is returned by Order and Levels for graphs with import cycles.
var ErrCycle = errors.New("import cycle")

// Module states beyond those tracked by the host.
const (
	StateLocal      = "local"
	StateUnresolved = "unresolved"
)

// Module is one node of the graph.
type Module struct {
	URL       string         `json:"url"`
	Extension host.Extension `json:"extension,omitempty"`
	State     string         `json:"state"`
}

// Edge is one import.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Specifier string `json:"specifier"`
}

// Graph is a directed graph from importers to the modules they import.
type Graph struct {
	modules   map[string]*Module
	imports   map[string][]string // importer -> imported
	importers map[string][]string // imported -> importers
	edges     []Edge
	truncated bool
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		modules:   make(map[string]*Module),
		imports:   make(map[string][]string),
		importers: make(map[string][]string),
	}
}

// Add inserts m, replacing the module already stored under m.URL.
func (g *Graph) Add(m Module) {
	if existing, ok := g.modules[m.URL]; ok {
		*existing = m
		return
	}
	g.modules[m.URL] = &m
	g.imports[m.URL] = []string{}
	g.importers[m.URL] = []string{}
}

// AddImport records that from imports to through specifier. Both modules
// must already exist. Repeated imports of the same module keep the first
// specifier.
func (g *Graph) AddImport(from, to, specifier string) error {
	if _, ok := g.modules[from]; !ok {
		return fmt.Errorf("importer %q is not in the graph", from)
	}
	if _, ok := g.modules[to]; !ok {
		return fmt.Errorf("imported module %q is not in the graph", to)
	}
	if slices.Contains(g.imports[from], to) {
		return nil
	}
	g.imports[from] = append(g.imports[from], to)
	g.importers[to] = append(g.importers[to], from)
	g.edges = append(g.edges, Edge{From: from, To: to, Specifier: specifier})
	return nil
}

// Module returns the module stored under url.
func (g *Graph) Module(url string) (*Module, bool) {
	m, ok := g.modules[url]
	return m, ok
}

// Imports returns the modules url imports directly.
func (g *Graph) Imports(url string) []string {
	return g.imports[url]
}

// Importers returns the modules that import url directly.
func (g *Graph) Importers(url string) []string {
	return g.importers[url]
}

// Modules returns every module sorted by URL.
func (g *Graph) Modules() []Module {
	out := make([]Module, 0, len(g.modules))
	for _, m := range g.modules {
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b Module) int { return strings.Compare(a.URL, b.URL) })
	return out
}

// Edges returns every import in insertion order.
func (g *Graph) Edges() []Edge {
	return slices.Clone(g.edges)
}

// Len returns the number of modules.
func (g *Graph) Len() int {
	return len(g.modules)
}

// EdgeCount returns the number of imports.
func (g *Graph) EdgeCount() int {
	return len(g.edges)
}

// Truncated reports whether Build stopped at its file limit.
func (g *Graph) Truncated() bool {
	return g.truncated
}

// CountState returns how many modules are in state.
func (g *Graph) CountState(state string) int {
	n := 0
	for _, m := range g.modules {
		if m.State == state {
			n++
		}
	}
	return n
}

// Cycles returns the strongly connected components that form import
// cycles, each sorted, in order of their first member.
func (g *Graph) Cycles() [][]string {
	var (
		index   = 0
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		stack   []string
		cycles  [][]string
	)

	var connect func(id string)
	connect = func(id string) {
		indices[id] = index
		lowlink[id] = index
		index++
		stack = append(stack, id)
		onStack[id] = true

		for _, next := range g.imports[id] {
			if _, seen := indices[next]; !seen {
				connect(next)
				lowlink[id] = min(lowlink[id], lowlink[next])
			} else if onStack[next] {
				lowlink[id] = min(lowlink[id], indices[next])
			}
		}

		if lowlink[id] != indices[id] {
			return
		}
		var component []string
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			component = append(component, top)
			if top == id {
				break
			}
		}
		if len(component) > 1 || slices.Contains(g.imports[id], id) {
			slices.Sort(component)
			cycles = append(cycles, component)
		}
	}

	for _, id := range g.sortedIDs() {
		if _, seen := indices[id]; !seen {
			connect(id)
		}
	}
	slices.SortFunc(cycles, func(a, b []string) int { return strings.Compare(a[0], b[0]) })
	return cycles
}

// Order returns module URLs with every module after the modules it
// imports.
func (g *Graph) Order() ([]string, error) {
	if cycles := g.Cycles(); len(cycles) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycles[0], " -> "))
	}

	visited := make(map[string]bool)
	result := make([]string, 0, len(g.modules))
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range g.imports[id] {
			visit(dep)
		}
		result = append(result, id)
	}
	for _, id := range g.sortedIDs() {
		visit(id)
	}
	return result, nil
}

// Levels groups modules by depth: level 0 imports nothing, level N imports
// only modules below N.
func (g *Graph) Levels() ([][]string, error) {
	order, err := g.Order()
	if err != nil {
		return nil, err
	}

	level := make(map[string]int, len(order))
	maxLevel := -1
	for _, id := range order {
		l := 0
		for _, dep := range g.imports[id] {
			l = max(l, level[dep]+1)
		}
		level[id] = l
		maxLevel = max(maxLevel, l)
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range order {
		levels[level[id]] = append(levels[level[id]], id)
	}
	for i := range levels {
		slices.Sort(levels[i])
	}
	return levels, nil
}

// Dependents returns the given modules plus every module that imports one
// of them, directly or not.
func (g *Graph) Dependents(urls ...string) []string {
	affected := make(map[string]bool)
	var mark func(id string)
	mark = func(id string) {
		if affected[id] {
			return
		}
		affected[id] = true
		for _, importer := range g.importers[id] {
			mark(importer)
		}
	}
	for _, u := range urls {
		if _, ok := g.modules[u]; ok {
			mark(u)
		}
	}
	return sortedKeys(affected)
}

// Dependencies returns every module url imports, directly or not.
func (g *Graph) Dependencies(url string) []string {
	deps := make(map[string]bool)
	var mark func(id string)
	mark = func(id string) {
		for _, dep := range g.imports[id] {
			if !deps[dep] {
				deps[dep] = true
				mark(dep)
			}
		}
	}
	mark(url)
	return sortedKeys(deps)
}

// Roots returns the modules nothing imports.
func (g *Graph) Roots() []string {
	var roots []string
	for id := range g.modules {
		if len(g.importers[id]) == 0 {
			roots = append(roots, id)
		}
	}
	slices.Sort(roots)
	return roots
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.modules))
	for id := range g.modules {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
