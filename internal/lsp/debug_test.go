package lsp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/importls/internal/analysis"
	"github.com/leapstack-labs/importls/internal/cachestore"
	"github.com/leapstack-labs/importls/internal/config"
	"github.com/leapstack-labs/importls/internal/modgraph"
)

func newModuleServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/missing.js", func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})
	mux.HandleFunc("/mod.d.ts", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/typescript")
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		_, _ = w.Write([]byte("export declare const x: number;\n"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, handler http.Handler, target string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestServer_RemoteModulesAndDebugEndpoints(t *testing.T) {
	srv := newModuleServer(t)
	store := cachestore.NewSQLiteStore(slog.New(slog.DiscardHandler))
	require.NoError(t, store.Open(":memory:"))
	t.Cleanup(func() { _ = store.Close() })

	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"importls.yaml": "imports:\n" +
			"  missing: \"" + srv.URL + "/missing.js\"\n" +
			"  mod: \"" + srv.URL + "/mod.d.ts\"\n",
	})

	h := newHarness(t, Options{Store: store, HTTP: srv.Client()})
	h.initialize(root, nil)

	uri := config.FileURL(filepath.Join(root, "main.ts"))
	h.open(uri, "import a from \"missing\";\nimport { x } from \"mod\";\n")

	// The 404 surfaces once the fetch completes and diagnostics refresh.
	p := h.diagnostics(uri, hasDiagnostics)
	require.Len(t, p.Diagnostics, 1)
	assert.Equal(t, analysis.CodeCannotFindModule, p.Diagnostics[0].Code)
	assert.Equal(t, uint32(0), p.Diagnostics[0].Range.Start.Line)

	debug := h.server.DebugHandler()

	var missing ModuleInfo
	require.Equal(t, http.StatusOK, getJSON(t, debug, "/debug/modules/"+srv.URL+"/missing.js", &missing))
	assert.Equal(t, "unresolvable", missing.State)

	assert.Eventually(t, func() bool {
		var mod ModuleInfo
		return getJSON(t, debug, "/debug/modules/"+srv.URL+"/mod.d.ts", &mod) == http.StatusOK &&
			mod.State == "declaration"
	}, waitTimeout, 10*time.Millisecond)

	var graph modgraph.View
	require.Equal(t, http.StatusOK, getJSON(t, debug, "/debug/graph?uri="+url.QueryEscape(uri), &graph))
	states := map[string]string{}
	for _, m := range graph.Modules {
		states[m.URL] = m.State
	}
	assert.Equal(t, map[string]string{
		uri:                   modgraph.StateLocal,
		"missing":             modgraph.StateUnresolved,
		srv.URL + "/mod.d.ts": "declaration",
	}, states)

	var keys []string
	require.Equal(t, http.StatusOK, getJSON(t, debug, "/debug/cache?prefix="+srv.URL, &keys))
	assert.Equal(t, []string{srv.URL + "/mod.d.ts"}, keys, "only cacheable responses are stored")

	var info HostInfo
	require.Equal(t, http.StatusOK, getJSON(t, debug, "/debug/host", &info))
	assert.Equal(t, root, info.Root)
	assert.Equal(t, config.InlineImportMapName, info.ImportMapSource)
	assert.Equal(t, []string{uri}, info.Documents)
	require.Contains(t, info.Hosts, "typescript")
	assert.Equal(t, 1, info.Hosts["typescript"].Declarations)
	assert.Equal(t, 1, info.Hosts["typescript"].Unresolvable)
}

func TestDebugHandler_WithoutStore(t *testing.T) {
	s := NewServer(nil, nil, Options{})
	t.Cleanup(s.dispose)
	debug := s.DebugHandler()

	assert.Equal(t, http.StatusNotFound, getJSON(t, debug, "/debug/cache", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, debug, "/debug/modules/https://esm.sh/react", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, debug, "/debug/graph", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, debug, "/debug/graph?uri=file:///nope.ts", nil))

	var info HostInfo
	require.Equal(t, http.StatusOK, getJSON(t, debug, "/debug/host", &info))
	assert.Empty(t, info.Documents)
	assert.Empty(t, info.Hosts)
	assert.Empty(t, info.ExtraLibs)
}
