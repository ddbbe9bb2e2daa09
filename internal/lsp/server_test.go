package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/importls/internal/analysis"
	"github.com/leapstack-labs/importls/internal/config"
	"github.com/leapstack-labs/importls/internal/host"
	"github.com/leapstack-labs/importls/internal/modgraph"
)

const waitTimeout = 5 * time.Second

// harness drives a Server over in-memory pipes.
type harness struct {
	t       *testing.T
	server  *Server
	in      *io.PipeWriter
	msgs    chan *JSONRPCMessage
	backlog []*JSONRPCMessage
	done    chan error
	nextID  int
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	opts.RefreshDelay = time.Millisecond
	opts.ConfigDebounce = 10 * time.Millisecond
	h := &harness{
		t:      t,
		server: NewServer(inR, outW, opts),
		in:     inW,
		msgs:   make(chan *JSONRPCMessage, 256),
		done:   make(chan error, 1),
	}

	go func() {
		r := bufio.NewReader(outR)
		for {
			msg, err := readMessage(r)
			if err != nil {
				close(h.msgs)
				return
			}
			h.msgs <- msg
		}
	}()
	go func() { h.done <- h.server.Run(context.Background()) }()

	t.Cleanup(func() {
		_ = inW.Close()
		select {
		case <-h.done:
		case <-time.After(waitTimeout):
			t.Error("server did not stop")
		}
		_ = outW.Close()
	})
	return h
}

func (h *harness) send(msg JSONRPCMessage) {
	h.t.Helper()
	msg.JSONRPC = "2.0"
	body, err := json.Marshal(msg)
	require.NoError(h.t, err)
	_, err = io.WriteString(h.in, "Content-Length: "+strconv.Itoa(len(body))+"\r\n\r\n"+string(body))
	require.NoError(h.t, err)
}

func (h *harness) notify(method string, params any) {
	h.t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(h.t, err)
	h.send(JSONRPCMessage{Method: method, Params: raw})
}

// call sends a request and returns its response.
func (h *harness) call(method string, params any) *JSONRPCMessage {
	h.t.Helper()
	h.nextID++
	id := json.RawMessage(strconv.Itoa(h.nextID))
	raw, err := json.Marshal(params)
	require.NoError(h.t, err)
	h.send(JSONRPCMessage{ID: &id, Method: method, Params: raw})

	want := string(id)
	return h.waitFor(func(m *JSONRPCMessage) bool {
		return m.Method == "" && m.ID != nil && string(*m.ID) == want
	})
}

// result calls method and decodes a successful result into out.
func (h *harness) result(method string, params, out any) {
	h.t.Helper()
	resp := h.call(method, params)
	require.Nil(h.t, resp.Error, "%s failed", method)
	require.NoError(h.t, json.Unmarshal(resp.Result, out))
}

func (h *harness) waitFor(match func(*JSONRPCMessage) bool) *JSONRPCMessage {
	h.t.Helper()
	for i, m := range h.backlog {
		if match(m) {
			h.backlog = append(h.backlog[:i], h.backlog[i+1:]...)
			return m
		}
	}
	timeout := time.After(waitTimeout)
	for {
		select {
		case m, ok := <-h.msgs:
			require.True(h.t, ok, "server closed the stream")
			if match(m) {
				return m
			}
			h.backlog = append(h.backlog, m)
		case <-timeout:
			require.FailNow(h.t, "timed out waiting for message")
		}
	}
}

// diagnostics waits for a publishDiagnostics notification for uri that
// satisfies match.
func (h *harness) diagnostics(uri string, match func(PublishDiagnosticsParams) bool) PublishDiagnosticsParams {
	h.t.Helper()
	var out PublishDiagnosticsParams
	h.waitFor(func(m *JSONRPCMessage) bool {
		if m.Method != "textDocument/publishDiagnostics" {
			return false
		}
		var p PublishDiagnosticsParams
		if json.Unmarshal(m.Params, &p) != nil || p.URI != uri || !match(p) {
			return false
		}
		out = p
		return true
	})
	return out
}

func (h *harness) initialize(root string, initOptions any) InitializeResult {
	h.t.Helper()
	params := map[string]any{
		"processId": 1,
		"rootUri":   config.FileURL(root),
	}
	if initOptions != nil {
		params["initializationOptions"] = initOptions
	}
	var result InitializeResult
	h.result("initialize", params, &result)
	h.notify("initialized", map[string]any{})
	return result
}

func (h *harness) open(uri, text string) {
	h.t.Helper()
	h.notify("textDocument/didOpen", DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{URI: uri, LanguageID: "typescript", Version: 1, Text: text},
	})
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func hasDiagnostics(p PublishDiagnosticsParams) bool { return len(p.Diagnostics) > 0 }
func noDiagnostics(p PublishDiagnosticsParams) bool  { return len(p.Diagnostics) == 0 }

func TestServer_Lifecycle(t *testing.T) {
	h := newHarness(t, Options{Version: "1.2.3"})

	result := h.initialize(t.TempDir(), nil)
	require.NotNil(t, result.Capabilities.TextDocumentSync)
	assert.Equal(t, TextDocumentSyncKindIncremental, result.Capabilities.TextDocumentSync.Change)
	assert.True(t, result.Capabilities.HoverProvider)
	assert.True(t, result.Capabilities.InlayHintProvider)
	require.NotNil(t, result.Capabilities.ExecuteCommandProvider)
	assert.Contains(t, result.Capabilities.ExecuteCommandProvider.Commands, CommandResolve)
	require.NotNil(t, result.ServerInfo)
	assert.Equal(t, "importls", result.ServerInfo.Name)
	assert.Equal(t, "1.2.3", result.ServerInfo.Version)

	// Without a fetcher the user is warned once.
	h.waitFor(func(m *JSONRPCMessage) bool { return m.Method == "window/showMessage" })

	resp := h.call("shutdown", nil)
	assert.Nil(t, resp.Error)

	resp = h.call("textDocument/hover", HoverParams{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidRequest, resp.Error.Code)

	h.notify("exit", nil)
	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(waitTimeout):
		t.Fatal("server did not exit")
	}
}

func TestServer_RequestErrors(t *testing.T) {
	h := newHarness(t, Options{})

	resp := h.call("textDocument/hover", HoverParams{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeServerNotInitialized, resp.Error.Code)

	h.initialize(t.TempDir(), nil)

	resp = h.call("custom/unknown", map[string]any{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)

	resp = h.call("textDocument/completion", []int{1, 2})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)

	resp = h.call("workspace/executeCommand", ExecuteCommandParams{Command: "importls.nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestServer_PublishesUnresolvedImports(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, Options{})
	h.initialize(root, nil)

	uri := config.FileURL(filepath.Join(root, "main.ts"))
	h.open(uri, "import pad from \"left-pad\";\n")

	p := h.diagnostics(uri, hasDiagnostics)
	require.Len(t, p.Diagnostics, 1)
	d := p.Diagnostics[0]
	assert.Equal(t, analysis.CodeCannotFindModule, d.Code)
	assert.Equal(t, analysis.Source, d.Source)
	assert.Equal(t, DiagnosticSeverityError, d.Severity)
	assert.Equal(t, Range{Start: Position{0, 17}, End: Position{0, 25}}, d.Range)
	require.NotNil(t, p.Version)
	assert.Equal(t, 1, *p.Version)

	// A relative import is pending while the file is looked up.
	h.notify("textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument:   VersionedTextDocumentIdentifier{TextDocumentIdentifier{URI: uri}, 2},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: "import pad from \"./pad.ts\";\n"}},
	})
	p = h.diagnostics(uri, noDiagnostics)
	require.NotNil(t, p.Version)
	assert.Equal(t, 2, *p.Version)

	h.notify("textDocument/didClose", DidCloseTextDocumentParams{TextDocument: TextDocumentIdentifier{URI: uri}})
	p = h.diagnostics(uri, func(p PublishDiagnosticsParams) bool { return p.Version == nil })
	assert.Empty(t, p.Diagnostics)
}

func TestServer_ImportMapFeatures(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"importls.yaml": "imports:\n  react: https://esm.sh/react@18\n  utils: ./src/utils.ts\n",
		"src/utils.ts":  "export default 1;\n",
	})
	h := newHarness(t, Options{})
	h.initialize(root, nil)

	uri := config.FileURL(filepath.Join(root, "main.ts"))
	h.open(uri, "import { h } from \"react\";\nimport u from \"utils\";\n")
	h.diagnostics(uri, noDiagnostics)

	var list CompletionList
	h.result("textDocument/completion", CompletionParams{TextDocumentPositionParams: TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     Position{1, 16},
	}}, &list)
	require.Len(t, list.Items, 1)
	item := list.Items[0]
	assert.Equal(t, "utils", item.Label)
	assert.Equal(t, CompletionItemKindModule, item.Kind)
	require.NotNil(t, item.TextEdit)
	assert.Equal(t, Range{Start: Position{1, 15}, End: Position{1, 20}}, item.TextEdit.Range)

	var hover Hover
	h.result("textDocument/hover", HoverParams{TextDocumentPositionParams: TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     Position{0, 21},
	}}, &hover)
	assert.Equal(t, MarkupKindMarkdown, hover.Contents.Kind)
	assert.Contains(t, hover.Contents.Value, "https://esm.sh/react@18")
	require.NotNil(t, hover.Range)
	assert.Equal(t, Range{Start: Position{0, 19}, End: Position{0, 24}}, *hover.Range)

	var hints []InlayHint
	h.result("textDocument/inlayHint", InlayHintParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Range:        Range{End: Position{2, 0}},
	}, &hints)
	require.Len(t, hints, 2)
	assert.Equal(t, Position{0, 25}, hints[0].Position)
	assert.Equal(t, "→ https://esm.sh/react@18", hints[0].Label)
	assert.True(t, strings.HasSuffix(hints[1].Label, "/src/utils.ts"))

	var resolved host.ResolvedModule
	h.result("workspace/executeCommand", ExecuteCommandParams{
		Command:   CommandResolve,
		Arguments: rawArgs(t, "react", uri),
	}, &resolved)
	assert.Equal(t, "https://esm.sh/react@18", resolved.ResolvedFileName)

	var graph modgraph.View
	h.result("workspace/executeCommand", ExecuteCommandParams{
		Command:   CommandGraph,
		Arguments: rawArgs(t, uri),
	}, &graph)
	require.Len(t, graph.Modules, 3)
	assert.Len(t, graph.Imports, 2)
	assert.Empty(t, graph.Cycles)
	states := map[string]string{}
	for _, m := range graph.Modules {
		states[m.URL] = m.State
	}
	assert.Equal(t, modgraph.StateLocal, states[uri])
	assert.Equal(t, "unknown", states["https://esm.sh/react@18"])
}

func TestServer_Formatting(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize(t.TempDir(), nil)

	uri := "file:///virtual/fmt.ts"
	text := "const a = 1;   \nconst b = 2;"
	h.open(uri, text)

	var edits []TextEdit
	h.result("textDocument/formatting", DocumentFormattingParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	}, &edits)
	require.Len(t, edits, 2)
	assert.Equal(t, Range{Start: Position{0, 12}, End: Position{0, 15}}, edits[0].Range)
	assert.Equal(t, "", edits[0].NewText)
	assert.Equal(t, Range{Start: Position{1, 12}, End: Position{1, 12}}, edits[1].Range)
	assert.Equal(t, "\n", edits[1].NewText)
}

func TestServer_SettingsChangeRepublishes(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, Options{})
	h.initialize(root, nil)

	uri := config.FileURL(filepath.Join(root, "main.ts"))
	h.open(uri, "import pad from \"left-pad\";\n")
	h.diagnostics(uri, hasDiagnostics)

	h.notify("workspace/didChangeConfiguration", map[string]any{
		"settings": map[string]any{
			"importls": map[string]any{
				"importMap": map[string]any{
					"imports": map[string]string{"left-pad": "https://esm.sh/left-pad"},
				},
			},
		},
	})
	h.diagnostics(uri, noDiagnostics)
}

func TestServer_ExtraLibCommands(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, Options{})
	h.initialize(root, nil)

	uri := config.FileURL(filepath.Join(root, "main.ts"))
	h.open(uri, "import pad from \"left-pad\";\n")
	h.diagnostics(uri, hasDiagnostics)

	var libURI string
	h.result("workspace/executeCommand", ExecuteCommandParams{
		Command:   CommandAddExtraLib,
		Arguments: rawArgs(t, "types/left-pad.d.ts", "declare module \"left-pad\";\n"),
	}, &libURI)
	assert.Equal(t, "file:///types/left-pad.d.ts", libURI)
	h.diagnostics(uri, noDiagnostics)

	var removed bool
	h.result("workspace/executeCommand", ExecuteCommandParams{
		Command:   CommandRemoveExtraLib,
		Arguments: rawArgs(t, "types/left-pad.d.ts"),
	}, &removed)
	assert.True(t, removed)
	h.diagnostics(uri, hasDiagnostics)
}

func TestServer_ConfigFileChangeReloads(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"importls.yaml": "imports: {}\n"})
	h := newHarness(t, Options{})
	h.initialize(root, nil)

	uri := config.FileURL(filepath.Join(root, "main.ts"))
	h.open(uri, "import pad from \"left-pad\";\n")
	h.diagnostics(uri, hasDiagnostics)

	writeFiles(t, root, map[string]string{
		"importls.yaml": "imports:\n  left-pad: https://esm.sh/left-pad\n",
	})
	h.diagnostics(uri, noDiagnostics)
}

func rawArgs(t *testing.T, args ...string) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

func TestParseSettings(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    settings
		wantErr bool
	}{
		{name: "empty", raw: ``},
		{name: "null", raw: `null`},
		{
			name: "flat",
			raw:  `{"extraLibs": {"a.d.ts": "x"}}`,
			want: settings{ExtraLibs: map[string]string{"a.d.ts": "x"}},
		},
		{
			name: "nested",
			raw:  `{"importls": {"importMap": "map.json"}, "other": {}}`,
			want: settings{ImportMap: json.RawMessage(`"map.json"`)},
		},
		{name: "invalid", raw: `[1]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSettings(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSettings_Apply(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"maps/import_map.json": `{"imports": {"preact": "https://esm.sh/preact"}}`,
	})
	base := config.Project{
		Root:      root,
		ExtraLibs: map[string]string{"file:///base.d.ts": "base"},
	}
	persist := true

	p, err := settings{
		ImportMap:       json.RawMessage(`"maps/import_map.json"`),
		CompilerOptions: map[string]any{"jsx": "react-jsx"},
		ExtraLibs:       map[string]string{"extra.d.ts": "extra"},
		PersistBuffers:  &persist,
	}.apply(base)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "maps/import_map.json"), p.ImportMapSource)
	target, err := p.ImportMap.Resolve("preact", config.FileURL(filepath.Join(root, "main.ts")))
	require.NoError(t, err)
	assert.Equal(t, "https://esm.sh/preact", target)
	assert.Equal(t, "react-jsx", p.CompilerOptions.JSX)
	assert.Equal(t, map[string]string{
		"file:///base.d.ts":  "base",
		"file:///extra.d.ts": "extra",
	}, p.ExtraLibs)
	assert.True(t, p.PersistBuffers)
	assert.Len(t, base.ExtraLibs, 1, "base project is not modified")

	_, err = settings{ImportMap: json.RawMessage(`"missing.json"`)}.apply(base)
	assert.Error(t, err)
}

func TestHoverMarkdown(t *testing.T) {
	md := hoverMarkdown(&analysis.QuickInfo{
		Specifier: "react",
		Resolved:  "https://esm.sh/react",
		Extension: host.ExtJS,
		State:     "declaration",
		Types:     "https://esm.sh/react/index.d.ts",
	})
	assert.Contains(t, md, "**Resolved:** `https://esm.sh/react` (.js)")
	assert.Contains(t, md, "**State:** declaration")
	assert.Contains(t, md, "**Types:** `https://esm.sh/react/index.d.ts`")

	md = hoverMarkdown(&analysis.QuickInfo{Specifier: "nope", State: "not found"})
	assert.NotContains(t, md, "Resolved")
}
