// Package host implements the compiler host queried by the analysis
// engine: file inventory, versions, text, script kinds and module
// resolution over mirrored editor models and remote HTTP modules.
package host

import (
	"context"
	"strings"

	"github.com/leapstack-labs/importls/internal/cachestore"
)

// Model is a read-only mirror of an editor-owned buffer.
type Model interface {
	URI() string
	Version() int
	Text() string
}

// ModelSource exposes the mirrored models.
type ModelSource interface {
	Model(uri string) (Model, bool)
	Models() []Model
}

// Client is the editor-side collaborator. Both calls are made from
// background goroutines; the host never waits on them while resolving.
type Client interface {
	// TryOpenModel asks the editor to make uri available as a model and
	// reports whether it did.
	TryOpenModel(ctx context.Context, uri string) (bool, error)
	// RefreshDiagnostics asks the consumer to re-run analysis.
	RefreshDiagnostics(ctx context.Context) error
}

// Fetcher downloads remote modules, normally a *cachestore.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*cachestore.Response, error)
}

// ScriptKind classifies a source file for the engine.
type ScriptKind int

const (
	ScriptKindUnknown ScriptKind = iota
	ScriptKindJS
	ScriptKindJSX
	ScriptKindTS
	ScriptKindTSX
	ScriptKindJSON
)

func (k ScriptKind) String() string {
	switch k {
	case ScriptKindJS:
		return "js"
	case ScriptKindJSX:
		return "jsx"
	case ScriptKindTS:
		return "ts"
	case ScriptKindTSX:
		return "tsx"
	case ScriptKindJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Extension is a resolved module's file extension.
type Extension string

const (
	ExtTS   Extension = ".ts"
	ExtTSX  Extension = ".tsx"
	ExtDTS  Extension = ".d.ts"
	ExtMTS  Extension = ".mts"
	ExtCTS  Extension = ".cts"
	ExtDMTS Extension = ".d.mts"
	ExtDCTS Extension = ".d.cts"
	ExtJS   Extension = ".js"
	ExtJSX  Extension = ".jsx"
	ExtMJS  Extension = ".mjs"
	ExtCJS  Extension = ".cjs"
	ExtJSON Extension = ".json"
)

// IsDeclaration reports a declaration-file extension.
func (e Extension) IsDeclaration() bool {
	return e == ExtDTS || e == ExtDMTS || e == ExtDCTS
}

// IsPlainScript reports an untyped JavaScript extension.
func (e Extension) IsPlainScript() bool {
	return e == ExtJS || e == ExtJSX || e == ExtMJS || e == ExtCJS
}

// ResolvedModule is the result of resolving one specifier.
type ResolvedModule struct {
	ResolvedFileName string    `json:"resolvedFileName"`
	Extension        Extension `json:"extension"`
	// Pending is set while the module is being fetched or opened; a later
	// pass after the refresh event sees the final answer.
	Pending bool `json:"pending,omitempty"`
}

// ExtraLib is an ambient declaration file supplied by configuration.
type ExtraLib struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Version int    `json:"version"`
}

// ModuleState describes what the host knows about a remote URL.
type ModuleState int

const (
	StateUnknown ModuleState = iota
	StatePending
	StateScript
	StateDeclaration
	StateUnresolvable
)

func (s ModuleState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateScript:
		return "script"
	case StateDeclaration:
		return "declaration"
	case StateUnresolvable:
		return "unresolvable"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable view of a file's text.
type Snapshot struct {
	text string
}

// Text returns the full text.
func (s *Snapshot) Text() string { return s.text }

// Len returns the text length in bytes.
func (s *Snapshot) Len() int { return len(s.text) }

// Stats summarizes the host's indexes.
type Stats struct {
	Declarations     int `json:"declarations"`
	Scripts          int `json:"scripts"`
	DeclarationLinks int `json:"declarationLinks"`
	Unresolvable     int `json:"unresolvable"`
	InFlight         int `json:"inFlight"`
	MissingFiles     int `json:"missingFiles"`
	ExtraLibs        int `json:"extraLibs"`
	ImportMapVersion int `json:"importMapVersion"`
}

// ExtensionOf infers the extension of a path. Unknown or missing
// extensions yield fallback.
func ExtensionOf(path string, fallback Extension) Extension {
	p := strings.ToLower(path)
	switch {
	case strings.HasSuffix(p, ".d.ts"):
		return ExtDTS
	case strings.HasSuffix(p, ".d.mts"):
		return ExtDMTS
	case strings.HasSuffix(p, ".d.cts"):
		return ExtDCTS
	}
	dot := strings.LastIndexByte(p, '.')
	if dot < 0 || strings.LastIndexByte(p, '/') > dot {
		return fallback
	}
	switch Extension(p[dot:]) {
	case ExtTS, ExtTSX, ExtMTS, ExtCTS, ExtJS, ExtJSX, ExtMJS, ExtCJS, ExtJSON:
		return Extension(p[dot:])
	}
	return fallback
}

// hasExtension reports whether the last path segment contains a dot.
func hasExtension(path string) bool {
	base := path[strings.LastIndexByte(path, '/')+1:]
	return strings.Contains(base, ".")
}

// ScriptKindOf maps a file name to its script kind, defaulting to TS.
func ScriptKindOf(fileName string) ScriptKind {
	return scriptKindForExt(ExtensionOf(fileName, ExtTS))
}

func scriptKindForExt(ext Extension) ScriptKind {
	switch ext {
	case ExtTSX:
		return ScriptKindTSX
	case ExtJS, ExtMJS, ExtCJS:
		return ScriptKindJS
	case ExtJSX:
		return ScriptKindJSX
	case ExtJSON:
		return ScriptKindJSON
	default:
		return ScriptKindTS
	}
}
