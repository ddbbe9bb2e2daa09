package analysis

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/leapstack-labs/importls/internal/host"
)

// DefaultMaxGraphFiles bounds how many files one semantic pass visits.
const DefaultMaxGraphFiles = 512

type parsedFile struct {
	version string
	scan    ScanResult
}

// Engine answers language queries over a Host. Parse results are cached
// per file version.
type Engine struct {
	host     Host
	logger   *slog.Logger
	maxFiles int

	mu    sync.Mutex
	cache map[string]*parsedFile
}

// New creates an engine.
func New(h Host, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		host:     h,
		logger:   logger,
		maxFiles: DefaultMaxGraphFiles,
		cache:    make(map[string]*parsedFile),
	}
}

// SetMaxGraphFiles changes the per-pass file bound.
func (e *Engine) SetMaxGraphFiles(n int) {
	if n > 0 {
		e.maxFiles = n
	}
}

// Forget drops cached parse results for fileName.
func (e *Engine) Forget(fileName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, fileName)
}

// Imports returns the module specifiers of fileName.
func (e *Engine) Imports(fileName string) []ImportRef {
	p, ok := e.parse(fileName)
	if !ok {
		return nil
	}
	return p.scan.Imports
}

// SyntacticDiagnostics reports parse errors in fileName.
func (e *Engine) SyntacticDiagnostics(fileName string) []Diagnostic {
	p, ok := e.parse(fileName)
	if !ok {
		return nil
	}
	return append([]Diagnostic(nil), p.scan.Diagnostics...)
}

// SemanticDiagnostics reports imports of fileName that cannot be resolved.
// Resolved modules are walked transitively, up to the graph bound, so the
// host discovers their own dependencies.
func (e *Engine) SemanticDiagnostics(fileName string) []Diagnostic {
	p, ok := e.parse(fileName)
	if !ok {
		return nil
	}

	ambient := e.ambientModules()
	specs := uniqueSpecifiers(p.scan.Imports)
	resolved := e.host.ResolveModuleNameLiterals(specs, fileName)
	bySpec := make(map[string]*host.ResolvedModule, len(specs))
	for i, s := range specs {
		bySpec[s] = resolved[i]
	}

	var diags []Diagnostic
	for _, ref := range p.scan.Imports {
		if bySpec[ref.Specifier] != nil || ambient[ref.Specifier] {
			continue
		}
		start, end := ref.Start, ref.End
		if start < 0 {
			start, end = 0, 0
		}
		diags = append(diags, Diagnostic{
			Start:    start,
			End:      end,
			Severity: SeverityError,
			Code:     CodeCannotFindModule,
			Message:  fmt.Sprintf("Cannot find module '%s' or its corresponding type declarations.", ref.Specifier),
		})
	}

	e.walk(fileName, resolved)
	return diags
}

// Diagnostics returns syntactic then semantic diagnostics, sorted by
// position.
func (e *Engine) Diagnostics(fileName string) []Diagnostic {
	diags := e.SyntacticDiagnostics(fileName)
	diags = append(diags, e.SemanticDiagnostics(fileName)...)
	sort.SliceStable(diags, func(i, j int) bool { return diags[i].Start < diags[j].Start })
	return diags
}

// walk visits the files reachable from roots breadth first so that their
// imports get resolved, and therefore fetched, too.
func (e *Engine) walk(root string, roots []*host.ResolvedModule) {
	visited := map[string]bool{root: true}
	queue := make([]string, 0, len(roots))
	enqueue := func(mods []*host.ResolvedModule) {
		for _, m := range mods {
			if m == nil || m.Pending || visited[m.ResolvedFileName] {
				continue
			}
			if m.Extension.IsPlainScript() || m.Extension == host.ExtJSON {
				continue
			}
			visited[m.ResolvedFileName] = true
			queue = append(queue, m.ResolvedFileName)
		}
	}
	enqueue(roots)

	for n := 0; len(queue) > 0 && n < e.maxFiles; n++ {
		file := queue[0]
		queue = queue[1:]
		p, ok := e.parse(file)
		if !ok {
			continue
		}
		specs := uniqueSpecifiers(p.scan.Imports)
		if len(specs) == 0 {
			continue
		}
		enqueue(e.host.ResolveModuleNameLiterals(specs, file))
	}
	if len(queue) > 0 {
		e.logger.Debug("module graph walk truncated", "root", root, "remaining", len(queue))
	}
}

// ambientModules collects `declare module "x"` names from declaration
// files in the program.
func (e *Engine) ambientModules() map[string]bool {
	out := make(map[string]bool)
	for _, name := range e.host.ScriptFileNames() {
		if !host.ExtensionOf(name, "").IsDeclaration() {
			continue
		}
		if p, ok := e.parse(name); ok {
			for _, m := range p.scan.AmbientModules {
				out[m] = true
			}
		}
	}
	return out
}

func (e *Engine) parse(fileName string) (*parsedFile, bool) {
	version := e.host.ScriptVersion(fileName)

	e.mu.Lock()
	p, ok := e.cache[fileName]
	e.mu.Unlock()
	if ok && p.version == version && version != "" {
		return p, true
	}

	text, ok := e.host.ScriptText(fileName)
	if !ok {
		return nil, false
	}
	p = &parsedFile{version: version, scan: Scan(fileName, text, e.host.ScriptKind(fileName))}

	e.mu.Lock()
	e.cache[fileName] = p
	e.mu.Unlock()
	return p, true
}

// fileText returns the text of fileName and its import list.
func (e *Engine) fileText(fileName string) (string, []ImportRef, bool) {
	text, ok := e.host.ScriptText(fileName)
	if !ok {
		return "", nil, false
	}
	p, ok := e.parse(fileName)
	if !ok {
		return text, nil, true
	}
	return text, p.scan.Imports, true
}

func uniqueSpecifiers(refs []ImportRef) []string {
	out := make([]string, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	for _, r := range refs {
		if !seen[r.Specifier] && strings.TrimSpace(r.Specifier) != "" {
			seen[r.Specifier] = true
			out = append(out, r.Specifier)
		}
	}
	return out
}
