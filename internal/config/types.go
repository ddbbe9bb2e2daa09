// Package config loads the per-workspace project configuration: the import
// map, compiler options and extra libraries a workspace declares.
//
// This package is decoupled from CLI concerns so the LSP server can reload
// a workspace without going through cobra.
package config

import (
	"github.com/leapstack-labs/importls/internal/host"
	"github.com/leapstack-labs/importls/internal/importmap"
)

// ProjectConfig is the raw content of importls.yaml.
type ProjectConfig struct {
	// ImportMap is a path, relative to the project root, to an import map
	// JSON file or an HTML page carrying <script type="importmap">.
	ImportMap string `koanf:"import_map"`

	// Inline import map tables, used when ImportMap is empty.
	Imports map[string]string            `koanf:"imports"`
	Scopes  map[string]map[string]string `koanf:"scopes"`

	// CompilerOptions uses tsconfig spelling (jsxImportSource, allowJs...).
	CompilerOptions map[string]any `koanf:"compiler_options"`

	// ExtraLibs maps a virtual file name to a declaration file on disk.
	ExtraLibs map[string]string `koanf:"extra_libs"`

	PersistBuffers bool `koanf:"persist_buffers"`
	MaxGraphFiles  int  `koanf:"max_graph_files"`
}

// Project is a fully resolved workspace configuration.
type Project struct {
	Root       string
	ConfigFile string

	ImportMap *importmap.ImportMap
	// ImportMapSource names where the import map came from: a file path,
	// "importls.yaml" for inline tables, or "" for the blank map.
	ImportMapSource string

	CompilerOptions host.CompilerOptions
	// CompilerOptionsSource is the file the compiler options were read from.
	CompilerOptionsSource string

	// ExtraLibs maps file:/// URIs to declaration text.
	ExtraLibs map[string]string

	PersistBuffers bool
	MaxGraphFiles  int
}

// Update returns the host update that applies p.
func (p *Project) Update() host.Update {
	opts := p.CompilerOptions
	libs := p.ExtraLibs
	if libs == nil {
		libs = map[string]string{}
	}
	return host.Update{
		CompilerOptions: &opts,
		ImportMap:       p.ImportMap,
		ExtraLibs:       libs,
	}
}

// HostOptions returns the construction options for a host serving p.
func (p *Project) HostOptions() host.Options {
	return host.Options{
		CompilerOptions: p.CompilerOptions,
		ImportMap:       p.ImportMap,
		ExtraLibs:       p.ExtraLibs,
	}
}
