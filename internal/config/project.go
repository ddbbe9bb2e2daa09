package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/leapstack-labs/importls/internal/analysis"
	"github.com/leapstack-labs/importls/internal/host"
	"github.com/leapstack-labs/importls/internal/importmap"
)

// denoConfig holds the deno.json members importls understands.
type denoConfig struct {
	ImportMap       string          `json:"importMap"`
	Imports         json.RawMessage `json:"imports"`
	Scopes          json.RawMessage `json:"scopes"`
	CompilerOptions map[string]any  `json:"compilerOptions"`
}

type tsConfig struct {
	CompilerOptions map[string]any `json:"compilerOptions"`
}

// Load resolves the workspace configuration rooted at root. It never fails:
// a malformed or unreadable source is logged and skipped, and the next
// source (or the default) is used instead.
func Load(root string, logger *slog.Logger) *Project {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	l := &projectLoader{root: root, logger: logger.With("root", root)}

	cfg, err := LoadFromDir(root)
	if err != nil {
		l.logger.Warn("ignoring malformed project config", "error", err)
		cfg = nil
	}
	p := &Project{Root: root, MaxGraphFiles: analysis.DefaultMaxGraphFiles}
	if cfg == nil {
		cfg = &ProjectConfig{}
		cfg.ApplyDefaults()
	} else {
		p.ConfigFile = findConfigFile(root)
		p.PersistBuffers = cfg.PersistBuffers
		p.MaxGraphFiles = cfg.MaxGraphFiles
	}

	deno := l.readDeno()
	p.ImportMap, p.ImportMapSource = l.importMap(cfg, deno)
	p.CompilerOptions, p.CompilerOptionsSource = l.compilerOptions(cfg, deno)
	p.ExtraLibs = l.extraLibs(cfg.ExtraLibs)

	l.logger.Debug("project loaded",
		"config", p.ConfigFile,
		"import_map", p.ImportMapSource,
		"compiler_options", p.CompilerOptionsSource,
		"extra_libs", len(p.ExtraLibs))
	return p
}

type projectLoader struct {
	root   string
	logger *slog.Logger
}

func (l *projectLoader) importMap(cfg *ProjectConfig, deno *denoConfig) (*importmap.ImportMap, string) {
	if cfg.ImportMap != "" {
		path := l.path(cfg.ImportMap)
		m, err := LoadImportMapFile(path)
		if err != nil {
			l.logger.Warn("ignoring import map", "path", path, "error", err)
			return importmap.Blank(), ""
		}
		return m, path
	}

	if len(cfg.Imports) > 0 || len(cfg.Scopes) > 0 {
		m, err := importmap.FromMaps(cfg.Imports, cfg.Scopes, DirURL(l.root))
		if err != nil {
			l.logger.Warn("ignoring inline import map", "error", err)
			return importmap.Blank(), ""
		}
		return m, InlineImportMapName
	}

	if m, path := l.denoImportMap(deno); m != nil {
		return m, path
	}

	index := filepath.Join(l.root, IndexHTMLFile)
	m, err := LoadImportMapFile(index)
	if err == nil {
		return m, index
	}
	if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, importmap.ErrNoImportMap) {
		l.logger.Warn("ignoring index.html import map", "error", err)
	}
	return importmap.Blank(), ""
}

func (l *projectLoader) denoImportMap(deno *denoConfig) (*importmap.ImportMap, string) {
	switch {
	case deno == nil:
		return nil, ""
	case deno.ImportMap != "":
		path := l.path(deno.ImportMap)
		m, err := LoadImportMapFile(path)
		if err != nil {
			l.logger.Warn("ignoring deno import map", "path", path, "error", err)
			return nil, ""
		}
		return m, path
	case len(deno.Imports) > 0 || len(deno.Scopes) > 0:
		doc, err := json.Marshal(map[string]json.RawMessage{
			"imports": rawOrEmpty(deno.Imports),
			"scopes":  rawOrEmpty(deno.Scopes),
		})
		if err == nil {
			var m *importmap.ImportMap
			if m, err = importmap.Parse(doc, DirURL(l.root)); err == nil {
				return m, l.denoPath()
			}
		}
		l.logger.Warn("ignoring deno imports", "path", l.denoPath(), "error", err)
	}
	return nil, ""
}

func (l *projectLoader) compilerOptions(cfg *ProjectConfig, deno *denoConfig) (host.CompilerOptions, string) {
	type source struct {
		name string
		raw  map[string]any
	}
	sources := []source{{name: findConfigFile(l.root), raw: cfg.CompilerOptions}}
	if ts := l.readTSConfig(); ts != nil {
		sources = append(sources, source{name: filepath.Join(l.root, TSConfigFile), raw: ts.CompilerOptions})
	}
	if deno != nil {
		sources = append(sources, source{name: l.denoPath(), raw: deno.CompilerOptions})
	}

	for _, s := range sources {
		if len(s.raw) == 0 {
			continue
		}
		opts, err := host.DecodeCompilerOptions(s.raw)
		if err != nil {
			l.logger.Warn("ignoring compiler options", "path", s.name, "error", err)
			continue
		}
		return opts, s.name
	}
	return host.CompilerOptions{}, ""
}

func (l *projectLoader) extraLibs(libs map[string]string) map[string]string {
	if len(libs) == 0 {
		return nil
	}
	names := make([]string, 0, len(libs))
	for name := range libs {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make(map[string]string, len(libs))
	for _, name := range names {
		path := l.path(libs[name])
		data, err := os.ReadFile(path)
		if err != nil {
			l.logger.Warn("ignoring extra lib", "name", name, "path", path, "error", err)
			continue
		}
		out[LibURI(name)] = string(data)
	}
	return out
}

func (l *projectLoader) readDeno() *denoConfig {
	path := l.denoPath()
	if path == "" {
		return nil
	}
	var cfg denoConfig
	if err := readJSONC(path, &cfg); err != nil {
		l.logger.Warn("ignoring deno config", "path", path, "error", err)
		return nil
	}
	return &cfg
}

func (l *projectLoader) readTSConfig() *tsConfig {
	path := filepath.Join(l.root, TSConfigFile)
	var cfg tsConfig
	if err := readJSONC(path, &cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("ignoring tsconfig", "path", path, "error", err)
		}
		return nil
	}
	return &cfg
}

func (l *projectLoader) denoPath() string {
	for _, name := range []string{DenoConfigFile, DenoConfigFileAlt} {
		p := filepath.Join(l.root, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (l *projectLoader) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(l.root, p)
}

// LoadImportMapFile reads an import map from a JSON file or an HTML page.
// Relative targets resolve against the file's directory.
func LoadImportMapFile(path string) (*importmap.ImportMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	base := DirURL(filepath.Dir(path))
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return importmap.ParseHTML(strings.NewReader(string(data)), base)
	default:
		return importmap.Parse(stripJSONC(data), base)
	}
}

func readJSONC(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(stripJSONC(data), v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

// FileURL converts an absolute file system path to a file:// URL.
func FileURL(path string) string {
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}

// DirURL is FileURL with a trailing slash, usable as a base URL.
func DirURL(dir string) string {
	u := FileURL(dir)
	if !strings.HasSuffix(u, "/") {
		u += "/"
	}
	return u
}

// LibURI maps an extra lib name to its virtual URI. Names that already
// carry a scheme are kept.
func LibURI(name string) string {
	if strings.Contains(name, "://") {
		return name
	}
	return "file:///" + strings.TrimLeft(filepath.ToSlash(name), "/")
}
