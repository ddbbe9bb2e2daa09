package modgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/importls/internal/analysis"
	"github.com/leapstack-labs/importls/internal/host"
)

type fakeProgram map[string][]string

func (p fakeProgram) Imports(file string) []analysis.ImportRef {
	var refs []analysis.ImportRef
	for _, s := range p[file] {
		refs = append(refs, analysis.ImportRef{Specifier: s})
	}
	return refs
}

// fakeResolver maps specifiers to results regardless of the containing
// file.
type fakeResolver struct {
	modules map[string]*host.ResolvedModule
	states  map[string]host.ModuleState
}

func (r fakeResolver) ResolveModuleName(specifier, _ string) *host.ResolvedModule {
	return r.modules[specifier]
}

func (r fakeResolver) ModuleState(url string) (host.ModuleState, string) {
	return r.states[url], ""
}

func testResolver() fakeResolver {
	return fakeResolver{
		modules: map[string]*host.ResolvedModule{
			"./util.ts":   {ResolvedFileName: "file:///src/util.ts", Extension: host.ExtTS},
			"./main.ts":   {ResolvedFileName: "file:///src/main.ts", Extension: host.ExtTS},
			"react":       {ResolvedFileName: "https://esm.sh/react.d.ts", Extension: host.ExtDTS},
			"legacy":      {ResolvedFileName: "https://cdn.test/legacy.js", Extension: host.ExtJS},
			"slow":        {ResolvedFileName: "https://cdn.test/slow.js", Extension: host.ExtJS, Pending: true},
			"./data.json": {ResolvedFileName: "file:///src/data.json", Extension: host.ExtJSON},
		},
		states: map[string]host.ModuleState{
			"https://esm.sh/react.d.ts":  host.StateDeclaration,
			"https://cdn.test/legacy.js": host.StateScript,
		},
	}
}

func TestBuild(t *testing.T) {
	prog := fakeProgram{
		"file:///src/main.ts":       {"./util.ts", "react", "./missing.ts", "left-pad"},
		"file:///src/util.ts":       {"./main.ts", "legacy", "slow", "./data.json"},
		"https://esm.sh/react.d.ts": {},
		// never parsed: plain scripts are leaves
		"https://cdn.test/legacy.js": {"./never.js"},
	}

	g := Build([]string{"file:///src/main.ts"}, prog, testResolver(), 0)

	states := map[string]string{}
	for _, m := range g.Modules() {
		states[m.URL] = m.State
	}
	assert.Equal(t, map[string]string{
		"file:///src/main.ts":        StateLocal,
		"file:///src/util.ts":        StateLocal,
		"file:///src/data.json":      StateLocal,
		"file:///src/missing.ts":     StateUnresolved,
		"left-pad":                   StateUnresolved,
		"https://esm.sh/react.d.ts":  "declaration",
		"https://cdn.test/legacy.js": "script",
		"https://cdn.test/slow.js":   "pending",
	}, states)

	assert.Equal(t, [][]string{{"file:///src/main.ts", "file:///src/util.ts"}}, g.Cycles())
	assert.False(t, g.Truncated())
	assert.Equal(t, 2, g.CountState(StateUnresolved))
	assert.Equal(t, []string{"file:///src/main.ts"}, g.Importers("file:///src/util.ts"))
}

func TestBuild_Limit(t *testing.T) {
	prog := fakeProgram{
		"file:///src/main.ts": {"./util.ts"},
		"file:///src/util.ts": {"react"},
	}

	g := Build([]string{"file:///src/main.ts"}, prog, testResolver(), 1)
	assert.True(t, g.Truncated())
	_, ok := g.Module("file:///src/util.ts")
	assert.True(t, ok)
	_, ok = g.Module("https://esm.sh/react.d.ts")
	assert.False(t, ok)
}

func TestGraph_View(t *testing.T) {
	g := Build([]string{"file:///src/lonely.ts"}, fakeProgram{}, testResolver(), 0)
	v := g.View()

	require.Len(t, v.Modules, 1)
	assert.Equal(t, "file:///src/lonely.ts", v.Modules[0].URL)
	assert.Equal(t, host.ExtTS, v.Modules[0].Extension)
	assert.NotNil(t, v.Imports)
	assert.NotNil(t, v.Cycles)
}
