// Package analysis is the built-in language engine. It answers diagnostics,
// completion, hover, inlay hint and formatting queries for TypeScript and
// JavaScript files by asking a compiler host for file text and module
// resolution. Positions are byte offsets into the file text.
package analysis

import (
	"github.com/leapstack-labs/importls/internal/host"
	"github.com/leapstack-labs/importls/internal/importmap"
)

// Host is the compiler host contract the engine relies on. *host.Host
// implements it.
type Host interface {
	ScriptFileNames() []string
	ScriptVersion(fileName string) string
	ScriptText(fileName string) (string, bool)
	ScriptKind(fileName string) host.ScriptKind
	ResolveModuleNameLiterals(specifiers []string, containingFile string) []*host.ResolvedModule
	ModuleState(url string) (host.ModuleState, string)
	ImportMap() *importmap.ImportMap
	CompilationSettings() host.CompilerOptions
}

// Severity mirrors the LSP diagnostic severities.
type Severity int

const (
	SeverityError       Severity = 1
	SeverityWarning     Severity = 2
	SeverityInformation Severity = 3
	SeverityHint        Severity = 4
)

// Diagnostic codes.
const (
	// CodeSyntax is used for parser errors.
	CodeSyntax = 1005
	// CodeCannotFindModule matches the TypeScript "Cannot find module" code.
	CodeCannotFindModule = 2307
)

// Source is the diagnostic source name.
const Source = "importls"

// Diagnostic is a problem found in a file.
type Diagnostic struct {
	Start    int
	End      int
	Severity Severity
	Code     int
	Message  string
}

// ImportRef is one module specifier literal in a file. Start and End
// delimit the specifier text without its quotes; both are -1 when the
// literal could not be located.
type ImportRef struct {
	Specifier string
	Start     int
	End       int
	TypeOnly  bool
}

// CompletionKind classifies completion items.
type CompletionKind int

const (
	CompletionModule CompletionKind = iota
	CompletionFile
	CompletionFolder
)

// CompletionItem is one import specifier suggestion.
type CompletionItem struct {
	Label  string
	Kind   CompletionKind
	Detail string
}

// CompletionList holds suggestions replacing text in [Start, End).
type CompletionList struct {
	Start int
	End   int
	Items []CompletionItem
}

// QuickInfo describes the import under the cursor.
type QuickInfo struct {
	Start     int
	End       int
	Specifier string
	Resolved  string
	Extension host.Extension
	State     string
	Types     string
}

// InlayHint is a label rendered after an import specifier.
type InlayHint struct {
	Offset  int
	Label   string
	Tooltip string
}

// TextEdit replaces [Start, End) with NewText.
type TextEdit struct {
	Start   int
	End     int
	NewText string
}
