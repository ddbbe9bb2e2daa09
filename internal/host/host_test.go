package host

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leapstack-labs/importls/internal/cachestore"
	"github.com/leapstack-labs/importls/internal/importmap"
	"github.com/leapstack-labs/importls/internal/refresh"
	"github.com/leapstack-labs/importls/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	uri     string
	version int
	text    string
}

func (m *fakeModel) URI() string  { return m.uri }
func (m *fakeModel) Version() int { return m.version }
func (m *fakeModel) Text() string { return m.text }

type fakeModels struct {
	mu     sync.Mutex
	models map[string]*fakeModel
}

func newFakeModels() *fakeModels {
	return &fakeModels{models: make(map[string]*fakeModel)}
}

func (f *fakeModels) add(uri string, version int, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models[uri] = &fakeModel{uri: uri, version: version, text: text}
}

func (f *fakeModels) Model(uri string) (Model, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.models[uri]
	if !ok {
		return nil, false
	}
	return m, true
}

func (f *fakeModels) Models() []Model {
	f.mu.Lock()
	defer f.mu.Unlock()
	uris := make([]string, 0, len(f.models))
	for uri := range f.models {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	out := make([]Model, 0, len(uris))
	for _, uri := range uris {
		out = append(out, f.models[uri])
	}
	return out
}

// fakeClient opens files listed in onDisk by adding them to models.
type fakeClient struct {
	models    *fakeModels
	onDisk    map[string]string
	opens     atomic.Int32
	refreshes atomic.Int32
}

func (c *fakeClient) TryOpenModel(_ context.Context, uri string) (bool, error) {
	c.opens.Add(1)
	text, ok := c.onDisk[uri]
	if !ok {
		return false, nil
	}
	c.models.add(uri, 1, text)
	return true, nil
}

func (c *fakeClient) RefreshDiagnostics(context.Context) error {
	c.refreshes.Add(1)
	return nil
}

type route struct {
	status      int
	contentType string
	types       string
	body        string
	wait        chan struct{}
}

// moduleServer serves fixed routes and counts hits per path.
type moduleServer struct {
	*httptest.Server
	mu     sync.Mutex
	routes map[string]route
	hits   map[string]int
}

func newModuleServer(t *testing.T, routes map[string]route) *moduleServer {
	t.Helper()
	s := &moduleServer{routes: routes, hits: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		rt, ok := s.routes[r.URL.Path]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		if rt.wait != nil {
			<-rt.wait
		}
		if rt.contentType != "" {
			w.Header().Set("Content-Type", rt.contentType)
		}
		if rt.types != "" {
			w.Header().Set(cachestore.TypesHeader, rt.types)
		}
		status := rt.status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(rt.body))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *moduleServer) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

type hostFixture struct {
	host   *Host
	models *fakeModels
	client *fakeClient
}

func newTestHost(t *testing.T, srv *moduleServer, opts Options) *hostFixture {
	t.Helper()
	models := newFakeModels()
	client := &fakeClient{models: models, onDisk: map[string]string{}}

	var fetcher Fetcher
	if srv != nil {
		fetcher = cachestore.NewFetcher(nil, srv.Client(), nil)
	}
	if opts.Logger == nil {
		opts.Logger = testutil.NewTestLogger(t)
	}
	if opts.Refresh == nil {
		opts.Refresh = refresh.New()
	}
	h := New(models, client, fetcher, opts)
	t.Cleanup(func() {
		h.Dispose()
		h.Wait()
	})
	return &hostFixture{host: h, models: models, client: client}
}

func TestHost_ScriptVersionTracksImportMap(t *testing.T) {
	f := newTestHost(t, nil, Options{
		Libs:      map[string]string{"lib.es2020.full.d.ts": "declare var x: number;"},
		ExtraLibs: map[string]string{"file:///globals.d.ts": "declare const g: string;"},
	})
	f.models.add("file:///app/main.ts", 3, "export {}")

	assert.Equal(t, "3.0", f.host.ScriptVersion("file:///app/main.ts"))
	assert.Equal(t, "1", f.host.ScriptVersion("file:///globals.d.ts"))
	assert.Equal(t, "1", f.host.ScriptVersion("lib.es2020.full.d.ts"))
	assert.Equal(t, "", f.host.ScriptVersion("file:///nope.ts"))

	m, err := importmap.Parse([]byte(`{"imports": {"a": "https://a.example/a.js"}}`), "")
	require.NoError(t, err)
	f.host.UpdateCompilerOptions(Update{ImportMap: m})
	assert.Equal(t, "3.1", f.host.ScriptVersion("file:///app/main.ts"))

	f.host.UpdateCompilerOptions(Update{ImportMap: importmap.Blank()})
	assert.Equal(t, "3.2", f.host.ScriptVersion("file:///app/main.ts"))
	assert.Equal(t, 2, f.host.ImportMapVersion())

	f.host.UpdateCompilerOptions(Update{CompilerOptions: &CompilerOptions{Target: "es2020"}})
	assert.Equal(t, "3.2", f.host.ScriptVersion("file:///app/main.ts"))
}

func TestHost_ExtraLibVersionsMonotonic(t *testing.T) {
	f := newTestHost(t, nil, Options{})
	h := f.host

	assert.Equal(t, 1, h.AddExtraLib("file:///a.d.ts", "one"))
	assert.Equal(t, 1, h.AddExtraLib("file:///a.d.ts", "one"))
	assert.Equal(t, 2, h.AddExtraLib("file:///a.d.ts", "two"))

	assert.True(t, h.RemoveExtraLib("file:///a.d.ts"))
	assert.False(t, h.RemoveExtraLib("file:///a.d.ts"))
	assert.False(t, h.FileExists("file:///a.d.ts"))

	v := h.AddExtraLib("file:///a.d.ts", "one")
	assert.Greater(t, v, 2)

	h.UpdateCompilerOptions(Update{ExtraLibs: map[string]string{"file:///b.d.ts": "b"}})
	libs := h.ExtraLibs()
	require.Len(t, libs, 1)
	assert.Equal(t, "file:///b.d.ts", libs[0].Path)

	h.UpdateCompilerOptions(Update{ExtraLibs: map[string]string{"file:///a.d.ts": "one"}})
	libs = h.ExtraLibs()
	require.Len(t, libs, 1)
	assert.Greater(t, libs[0].Version, v)
}

func TestHost_ScriptFileNames(t *testing.T) {
	f := newTestHost(t, nil, Options{
		Libs:      map[string]string{"lib.d.ts": "", "lib.es6.d.ts": ""},
		ExtraLibs: map[string]string{"file:///z.d.ts": "", "file:///y.d.ts": ""},
	})
	f.models.add("file:///app/b.ts", 1, "")
	f.models.add("file:///app/a.ts", 1, "")
	f.models.add("file:///lib.d.ts", 1, "")

	assert.Equal(t, []string{
		"file:///app/a.ts",
		"file:///app/b.ts",
		"file:///y.d.ts",
		"file:///z.d.ts",
	}, f.host.ScriptFileNames())
}

func TestHost_ScriptText(t *testing.T) {
	f := newTestHost(t, nil, Options{
		Libs:      map[string]string{"lib.es5.d.ts": "interface Array<T> {}"},
		ExtraLibs: map[string]string{"file:///extra.d.ts": "declare const e: 1;"},
	})
	f.models.add("file:///app/main.ts", 1, "const a = 1;")

	tests := []struct {
		name   string
		file   string
		want   string
		wantOK bool
	}{
		{"model", "file:///app/main.ts", "const a = 1;", true},
		{"extra lib", "file:///extra.d.ts", "declare const e: 1;", true},
		{"lib by name", "lib.es5.d.ts", "interface Array<T> {}", true},
		{"lib by uri", "file:///lib.es5.d.ts", "interface Array<T> {}", true},
		{"missing", "file:///app/other.ts", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := f.host.ScriptText(tt.file)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, f.host.FileExists(tt.file))

			snap, ok := f.host.ScriptSnapshot(tt.file)
			if tt.wantOK {
				require.True(t, ok)
				assert.Equal(t, len(tt.want), snap.Len())
			} else {
				assert.Nil(t, snap)
			}
		})
	}
}

func TestHost_DefaultLibFileName(t *testing.T) {
	f := newTestHost(t, nil, Options{
		Libs: map[string]string{
			"lib.d.ts":             "",
			"lib.es6.d.ts":         "",
			"lib.es2020.full.d.ts": "",
			"lib.esnext.full.d.ts": "",
		},
	})

	tests := []struct {
		target string
		want   string
	}{
		{"es3", "lib.d.ts"},
		{"es5", "lib.d.ts"},
		{"es2015", "lib.es6.d.ts"},
		{"es2020", "lib.es2020.full.d.ts"},
		{"ES2020", "lib.es2020.full.d.ts"},
		{"es2022", "lib.es6.d.ts"},
		{"esnext", "lib.esnext.full.d.ts"},
		{"", "lib.esnext.full.d.ts"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			assert.Equal(t, tt.want, f.host.DefaultLibFileName(CompilerOptions{Target: tt.target}))
		})
	}
}

func TestHost_CompilationSettingsJSXImportSource(t *testing.T) {
	m, err := importmap.Parse([]byte(`{"imports": {"@jsxImportSource": "https://esm.example/preact"}}`), "")
	require.NoError(t, err)

	f := newTestHost(t, nil, Options{ImportMap: m, CompilerOptions: CompilerOptions{Strict: true}})
	opts := f.host.CompilationSettings()
	assert.Equal(t, "https://esm.example/preact", opts.JSXImportSource)
	assert.Equal(t, "react-jsx", opts.JSX)
	assert.True(t, opts.Strict)

	f.host.UpdateCompilerOptions(Update{CompilerOptions: &CompilerOptions{JSX: "preserve", JSXImportSource: "solid-js"}})
	opts = f.host.CompilationSettings()
	assert.Equal(t, "solid-js", opts.JSXImportSource)
	assert.Equal(t, "preserve", opts.JSX)
}

func TestHost_ScriptKind(t *testing.T) {
	f := newTestHost(t, nil, Options{})
	tests := []struct {
		file string
		want ScriptKind
	}{
		{"file:///a.ts", ScriptKindTS},
		{"file:///a.tsx", ScriptKindTSX},
		{"file:///a.d.ts", ScriptKindTS},
		{"file:///a.js", ScriptKindJS},
		{"file:///a.mjs", ScriptKindJS},
		{"file:///a.jsx", ScriptKindJSX},
		{"file:///a.json", ScriptKindJSON},
		{"file:///a", ScriptKindTS},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			assert.Equal(t, tt.want, f.host.ScriptKind(tt.file))
		})
	}
}

func TestHost_RefreshForwardedToClient(t *testing.T) {
	f := newTestHost(t, nil, Options{})
	f.host.Refresher().Fire()
	assert.Eventually(t, func() bool { return f.client.refreshes.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRegistry_SharesHostAcrossScriptLanguages(t *testing.T) {
	created := 0
	r := NewRegistry(func(string) *Host {
		created++
		return New(nil, nil, nil, Options{})
	})
	t.Cleanup(r.Dispose)

	ts := r.Get("typescript")
	assert.Same(t, ts, r.Get("javascript"))
	assert.Same(t, ts, r.Get("typescriptreact"))
	assert.Same(t, ts, r.Get("javascriptreact"))
	assert.NotSame(t, ts, r.Get("json"))
	assert.Equal(t, 2, created)
	assert.Len(t, r.Hosts(), 2)

	got, ok := r.Lookup("javascript")
	assert.True(t, ok)
	assert.Same(t, ts, got)
	_, ok = r.Lookup("css")
	assert.False(t, ok)
}
