package lsp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"github.com/leapstack-labs/importls/internal/analysis"
	"github.com/leapstack-labs/importls/internal/config"
	"github.com/leapstack-labs/importls/internal/host"
	"github.com/leapstack-labs/importls/internal/importmap"
	"github.com/leapstack-labs/importls/internal/refresh"
	"github.com/leapstack-labs/importls/internal/vfs"
)

// settings are client-supplied overrides from initializationOptions or
// workspace/didChangeConfiguration. They may be nested under "importls".
type settings struct {
	// ImportMap is an inline import map object or a path to a JSON or HTML
	// file relative to the project root.
	ImportMap       json.RawMessage   `json:"importMap,omitempty"`
	CompilerOptions map[string]any    `json:"compilerOptions,omitempty"`
	ExtraLibs       map[string]string `json:"extraLibs,omitempty"`
	PersistBuffers  *bool             `json:"persistBuffers,omitempty"`
}

func parseSettings(raw json.RawMessage) (settings, error) {
	var out settings
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return out, nil
	}

	var nested struct {
		ImportLS *settings `json:"importls"`
	}
	if err := json.Unmarshal(raw, &nested); err != nil {
		return out, fmt.Errorf("failed to parse settings: %w", err)
	}
	if nested.ImportLS != nil {
		return *nested.ImportLS, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to parse settings: %w", err)
	}
	return out, nil
}

// apply overlays the settings on a copy of p.
func (o settings) apply(p config.Project) (*config.Project, error) {
	var errs []error

	if im := bytes.TrimSpace(o.ImportMap); len(im) > 0 && !bytes.Equal(im, []byte("null")) {
		m, src, err := o.importMap(p.Root, im)
		if err != nil {
			errs = append(errs, err)
		} else {
			p.ImportMap, p.ImportMapSource = m, src
		}
	}

	if len(o.CompilerOptions) > 0 {
		opts, err := host.DecodeCompilerOptions(o.CompilerOptions)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to decode compilerOptions: %w", err))
		} else {
			p.CompilerOptions, p.CompilerOptionsSource = opts, "settings"
		}
	}

	if len(o.ExtraLibs) > 0 {
		libs := maps.Clone(p.ExtraLibs)
		if libs == nil {
			libs = make(map[string]string, len(o.ExtraLibs))
		}
		for name, content := range o.ExtraLibs {
			libs[config.LibURI(name)] = content
		}
		p.ExtraLibs = libs
	}

	if o.PersistBuffers != nil {
		p.PersistBuffers = *o.PersistBuffers
	}
	return &p, errors.Join(errs...)
}

func (o settings) importMap(root string, raw json.RawMessage) (*importmap.ImportMap, string, error) {
	if raw[0] == '"' {
		var path string
		if err := json.Unmarshal(raw, &path); err != nil {
			return nil, "", fmt.Errorf("invalid importMap setting: %w", err)
		}
		if !filepath.IsAbs(path) && root != "" {
			path = filepath.Join(root, path)
		}
		m, err := config.LoadImportMapFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load import map %s: %w", path, err)
		}
		return m, path, nil
	}

	base := config.DirURL(root)
	if root == "" {
		base = vfs.Root
	}
	m, err := importmap.Parse(raw, base)
	if err != nil {
		return nil, "", fmt.Errorf("invalid importMap setting: %w", err)
	}
	return m, "settings", nil
}

// --- project state ---

// effectiveProject returns the loaded project with settings and
// command-added libs applied.
func (s *Server) effectiveProject() *config.Project {
	s.mu.RLock()
	base := *s.project
	overrides := s.overrides
	commandLibs := maps.Clone(s.commandLibs)
	s.mu.RUnlock()

	p, err := overrides.apply(base)
	if err != nil {
		s.logger.Warn("ignoring invalid settings", "error", err)
	}
	if len(commandLibs) > 0 {
		libs := maps.Clone(p.ExtraLibs)
		if libs == nil {
			libs = make(map[string]string, len(commandLibs))
		}
		maps.Copy(libs, commandLibs)
		p.ExtraLibs = libs
	}
	return p
}

// reloadConfig re-reads the project files and pushes the result to every
// host.
func (s *Server) reloadConfig() {
	s.mu.RLock()
	root := s.projectRoot
	s.mu.RUnlock()

	project := defaultProject()
	if root != "" {
		project = config.Load(root, s.logger)
	}

	s.mu.Lock()
	s.project = project
	s.mu.Unlock()

	s.logger.Info("project configuration loaded",
		"root", root,
		"import_map", project.ImportMapSource,
		"compiler_options", project.CompilerOptionsSource,
		"extra_libs", len(project.ExtraLibs))
	s.applyProject()
}

// applyProject updates every host with the effective project and
// re-publishes diagnostics.
func (s *Server) applyProject() {
	p := s.effectiveProject()
	update := p.Update()
	for _, h := range s.registry.Hosts() {
		h.UpdateCompilerOptions(update)
	}

	s.engMu.RLock()
	for _, eng := range s.engines {
		eng.SetMaxGraphFiles(p.MaxGraphFiles)
	}
	s.engMu.RUnlock()

	s.republishAll()
}

// newHost builds the host and engine for a registry key.
func (s *Server) newHost(key string) *host.Host {
	p := s.effectiveProject()
	opts := p.HostOptions()
	opts.Refresh = refresh.NewWithDelay(s.opts.RefreshDelay)
	opts.Logger = s.logger.With("host", key)

	h := host.New(s.documents, &workspaceClient{server: s, key: key}, s.fetcher, opts)

	eng := analysis.New(h, s.logger.With("engine", key))
	eng.SetMaxGraphFiles(p.MaxGraphFiles)
	s.engMu.Lock()
	s.engines[key] = eng
	s.engMu.Unlock()

	s.logger.Debug("host created", "key", key)
	return h
}

// supported reports whether the built-in engine serves languageID.
func supported(languageID string) bool {
	return host.LanguageKey(languageID) == "typescript"
}

// engineFor returns the engine serving doc, creating its host on first
// use. It returns nil for unsupported languages.
func (s *Server) engineFor(doc *Document) (*analysis.Engine, *host.Host) {
	if doc == nil || !supported(doc.LanguageID) {
		return nil, nil
	}
	h := s.registry.Get(doc.LanguageID)

	s.engMu.RLock()
	defer s.engMu.RUnlock()
	return s.engines[host.LanguageKey(doc.LanguageID)], h
}

func (s *Server) persistBuffers() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.overrides.PersistBuffers != nil {
		return *s.overrides.PersistBuffers
	}
	return s.project.PersistBuffers
}

// persist writes doc to the buffer store when enabled.
func (s *Server) persist(doc *Document) {
	if doc == nil || s.files == nil || !s.persistBuffers() {
		return
	}
	if _, err := s.files.WriteFile(s.ctx, doc.URI, []byte(doc.Content)); err != nil {
		s.logger.Warn("failed to persist buffer", "uri", doc.URI, "error", err)
	}
}

// --- host.Client ---

// workspaceClient lets a host open files the editor has not opened and
// asks the server to re-analyse.
type workspaceClient struct {
	server *Server
	key    string
}

// TryOpenModel loads uri from disk, or from the buffer store, as a
// background document.
func (c *workspaceClient) TryOpenModel(ctx context.Context, uri string) (bool, error) {
	s := c.server
	if s.documents.Get(uri) != nil {
		return true, nil
	}

	path := URIToPath(uri)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		s.documents.OpenBackground(uri, string(data))
		s.watchDir(filepath.Dir(path))
		return true, nil
	case !errors.Is(err, os.ErrNotExist):
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if s.files == nil {
		return false, nil
	}
	text, err := s.files.ReadTextFile(ctx, uri)
	if errors.Is(err, vfs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.documents.OpenBackground(uri, text)
	return true, nil
}

// RefreshDiagnostics re-publishes diagnostics for the documents this
// host serves and asks the client to refresh inlay hints.
func (c *workspaceClient) RefreshDiagnostics(_ context.Context) error {
	s := c.server
	if s.shutdown.Load() {
		return nil
	}
	for _, uri := range s.documents.List() {
		doc := s.documents.Get(uri)
		if doc != nil && host.LanguageKey(doc.LanguageID) == c.key {
			s.publishDiagnostics(doc)
		}
	}

	s.mu.RLock()
	inlay := s.inlayHints
	s.mu.RUnlock()
	if inlay {
		s.sendRequest("workspace/inlayHint/refresh", nil)
	}
	return nil
}

// forget drops cached analysis of uri in every engine.
func (s *Server) forget(uri string) {
	s.engMu.RLock()
	defer s.engMu.RUnlock()
	for _, eng := range s.engines {
		eng.Forget(uri)
	}
}
