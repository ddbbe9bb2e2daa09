package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/importls/internal/analysis"
	"github.com/leapstack-labs/importls/internal/importmap"
	"github.com/leapstack-labs/importls/internal/testutil"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func resolveIn(t *testing.T, p *Project, specifier string) string {
	t.Helper()
	got, err := importmap.Resolve(p.ImportMap, specifier, FileURL(filepath.Join(p.Root, "main.ts")))
	require.NoError(t, err)
	return got
}

func TestLoadFromDir_NoConfig(t *testing.T) {
	cfg, err := LoadFromDir(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadFromDir_DottedKeys(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		ConfigFileNameAlt: `
imports:
  lodash.debounce: https://esm.sh/lodash.debounce@4
  "./src/": "./lib/"
scopes:
  https://esm.sh/:
    react: https://esm.sh/react@18
compiler_options:
  jsx: preserve
persist_buffers: true
`,
	})

	cfg, err := LoadFromDir(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "https://esm.sh/lodash.debounce@4", cfg.Imports["lodash.debounce"])
	assert.Equal(t, "./lib/", cfg.Imports["./src/"])
	assert.Equal(t, "https://esm.sh/react@18", cfg.Scopes["https://esm.sh/"]["react"])
	assert.Equal(t, "preserve", cfg.CompilerOptions["jsx"])
	assert.True(t, cfg.PersistBuffers)
	assert.Equal(t, analysis.DefaultMaxGraphFiles, cfg.MaxGraphFiles)
}

func TestLoadFromDir_Malformed(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{ConfigFileName: "imports: [unclosed"})

	_, err := LoadFromDir(dir)
	assert.Error(t, err)

	p := Load(dir, testutil.NewTestLogger(t))
	assert.True(t, p.ImportMap.IsBlank())
	assert.Empty(t, p.ConfigFile)
}

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		ConfigFileName:                     "persist_buffers: false\n",
		"packages/app/tsconfig.json":       "{}",
		"packages/app/src/components/x.ts": "",
		"other/deno.json":                  "{}",
		"other/src/y.ts":                   "",
	})

	tests := []struct {
		name  string
		start string
		want  string
	}{
		{"config file wins over nearer marker", filepath.Join(root, "packages/app/src/components"), root},
		{"root itself", root, root},
		{"deno marker", filepath.Join(root, "other/src"), root},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FindProjectRoot(tt.start))
		})
	}

	bare := t.TempDir()
	writeFiles(t, bare, map[string]string{"deno.json": "{}", "src/z.ts": ""})
	assert.Equal(t, bare, FindProjectRoot(filepath.Join(bare, "src")))
}

func TestLoad_ImportMapSources(t *testing.T) {
	tests := []struct {
		name       string
		files      map[string]string
		wantSource string
		specifier  string
		want       string
	}{
		{
			name: "import_map json file",
			files: map[string]string{
				ConfigFileName:         "import_map: maps/import_map.json\n",
				"maps/import_map.json": `{"imports": {"app/": "../src/"}}`,
				DenoConfigFile:         `{"imports": {"app/": "https://wrong.example/"}}`,
			},
			wantSource: "maps/import_map.json",
			specifier:  "app/x.ts",
			want:       "src/x.ts",
		},
		{
			name: "import_map html page",
			files: map[string]string{
				ConfigFileName: "import_map: public/index.html\n",
				"public/index.html": `<html><head><script type="importmap">
{"imports": {"react": "https://esm.sh/react@18"}}
</script></head><body></body></html>`,
			},
			wantSource: "public/index.html",
			specifier:  "react",
			want:       "https://esm.sh/react@18",
		},
		{
			name: "inline imports",
			files: map[string]string{
				ConfigFileName: "imports:\n  preact: https://esm.sh/preact@10\n",
			},
			wantSource: InlineImportMapName,
			specifier:  "preact",
			want:       "https://esm.sh/preact@10",
		},
		{
			name: "deno.jsonc imports",
			files: map[string]string{
				DenoConfigFileAlt: `{
  // comment
  "imports": {
    "std/": "https://deno.land/std@0.224.0/",
  },
}`,
			},
			wantSource: DenoConfigFileAlt,
			specifier:  "std/path/mod.ts",
			want:       "https://deno.land/std@0.224.0/path/mod.ts",
		},
		{
			name: "deno importMap pointer",
			files: map[string]string{
				DenoConfigFile:    `{"importMap": "./import_map.json"}`,
				"import_map.json": `{"imports": {"vue": "https://esm.sh/vue@3"}}`,
			},
			wantSource: "import_map.json",
			specifier:  "vue",
			want:       "https://esm.sh/vue@3",
		},
		{
			name: "index.html fallback",
			files: map[string]string{
				IndexHTMLFile: `<!doctype html><head><script type="importmap">{"imports":{"lit":"https://esm.sh/lit@3"}}</script></head>`,
			},
			wantSource: IndexHTMLFile,
			specifier:  "lit",
			want:       "https://esm.sh/lit@3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFiles(t, dir, tt.files)

			p := Load(dir, testutil.NewTestLogger(t))
			want := tt.wantSource
			if want != InlineImportMapName {
				want = filepath.Join(dir, want)
			}
			assert.Equal(t, want, p.ImportMapSource)

			got := resolveIn(t, p, tt.specifier)
			if !containsScheme(tt.want) {
				assert.Equal(t, FileURL(filepath.Join(dir, tt.want)), got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func containsScheme(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}

func TestLoad_BrokenImportMapFallsBackToBlank(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		ConfigFileName: "import_map: missing.json\n",
		"index.html":   `<head><script type="importmap">{"imports":{"a":"https://a.example/"}}</script></head>`,
	})

	p := Load(dir, testutil.NewTestLogger(t))
	assert.True(t, p.ImportMap.IsBlank())
	assert.Empty(t, p.ImportMapSource)
}

func TestLoad_CompilerOptions(t *testing.T) {
	tests := []struct {
		name       string
		files      map[string]string
		wantSource string
		wantJSX    string
		wantTarget string
	}{
		{
			name: "config wins",
			files: map[string]string{
				ConfigFileName: "compiler_options:\n  jsx: preserve\n  target: es2020\n",
				TSConfigFile:   `{"compilerOptions": {"jsx": "react"}}`,
			},
			wantSource: ConfigFileName,
			wantJSX:    "preserve",
			wantTarget: "es2020",
		},
		{
			name: "tsconfig with comments",
			files: map[string]string{
				TSConfigFile: `{
  /* project */
  "compilerOptions": {
    "jsx": "react-jsx", // runtime
    "target": "ESNext",
  }
}`,
			},
			wantSource: TSConfigFile,
			wantJSX:    "react-jsx",
			wantTarget: "ESNext",
		},
		{
			name: "deno compiler options",
			files: map[string]string{
				DenoConfigFile: `{"compilerOptions": {"jsx": "react-jsx", "jsxImportSource": "preact"}}`,
			},
			wantSource: DenoConfigFile,
			wantJSX:    "react-jsx",
		},
		{
			name: "malformed tsconfig ignored",
			files: map[string]string{
				TSConfigFile: `{"compilerOptions": `,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFiles(t, dir, tt.files)

			p := Load(dir, testutil.NewTestLogger(t))
			if tt.wantSource == "" {
				assert.Empty(t, p.CompilerOptionsSource)
			} else {
				assert.Equal(t, filepath.Join(dir, tt.wantSource), p.CompilerOptionsSource)
			}
			assert.Equal(t, tt.wantJSX, p.CompilerOptions.JSX)
			assert.Equal(t, tt.wantTarget, p.CompilerOptions.Target)
		})
	}
}

func TestLoad_ExtraLibs(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		ConfigFileName: `
extra_libs:
  globals.d.ts: types/globals.d.ts
  missing.d.ts: types/missing.d.ts
persist_buffers: true
max_graph_files: 64
`,
		"types/globals.d.ts": "declare const VERSION: string;\n",
	})

	p := Load(dir, testutil.NewTestLogger(t))
	assert.Equal(t, map[string]string{
		"file:///globals.d.ts": "declare const VERSION: string;\n",
	}, p.ExtraLibs)
	assert.True(t, p.PersistBuffers)
	assert.Equal(t, 64, p.MaxGraphFiles)
	assert.Equal(t, filepath.Join(dir, ConfigFileName), p.ConfigFile)

	u := p.Update()
	require.NotNil(t, u.CompilerOptions)
	assert.Equal(t, p.ExtraLibs, u.ExtraLibs)
}

func TestLoad_UpdateAlwaysReplacesExtraLibs(t *testing.T) {
	p := Load(t.TempDir(), nil)
	assert.NotNil(t, p.Update().ExtraLibs)
	assert.Nil(t, p.ExtraLibs)
}

func TestStripJSONC(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"line comment", "{\"a\": 1 // one\n}", "{\"a\": 1 \n}"},
		{"block comment", `{/* x */"a": 1}`, `{"a": 1}`},
		{"slashes in string", `{"u": "https://x//y/*z*/"}`, `{"u": "https://x//y/*z*/"}`},
		{"escaped quote", `{"q": "a\"//b"}`, `{"q": "a\"//b"}`},
		{"trailing commas", "{\"a\": [1, 2, ],\n}", "{\"a\": [1, 2 ]\n}"},
		{"unterminated block", `{"a": 1 /* open`, `{"a": 1 `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(stripJSONC([]byte(tt.in))))
		})
	}
}

func TestURLs(t *testing.T) {
	assert.Equal(t, "file:///work/app", FileURL("/work/app"))
	assert.Equal(t, "file:///work/app/", DirURL("/work/app"))
	assert.Equal(t, "file:///lib.dom.d.ts", LibURI("lib.dom.d.ts"))
	assert.Equal(t, "file:///types/a.d.ts", LibURI("/types/a.d.ts"))
	assert.Equal(t, "https://x.example/a.d.ts", LibURI("https://x.example/a.d.ts"))
}
