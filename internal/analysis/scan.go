package analysis

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/leapstack-labs/importls/internal/host"
)

// tsconfigRaw keeps every non-type import so esbuild reports it to the
// resolver even when the imported names are only used as types.
const tsconfigRaw = `{"compilerOptions":{"verbatimModuleSyntax":true}}`

var (
	reTypeImport    = regexp.MustCompile(`\b(?:import|export)\s+type\b[^;'"]*?\bfrom\s*["']([^"'\n]+)["']`)
	reImportCall    = regexp.MustCompile(`\bimport\s*\(\s*["']([^"'\n]+)["']\s*\)`)
	reReferencePath = regexp.MustCompile(`(?m)^[ \t]*///[ \t]*<reference\s+path\s*=\s*["']([^"']+)["']`)
	reAmbientModule = regexp.MustCompile(`\bdeclare\s+module\s+["']([^"'\n]+)["']`)
	reStaticImport  = regexp.MustCompile(`\b(?:import|export)\b[^;'"]*?\bfrom\s*["']([^"'\n]+)["']|\bimport\s*["']([^"'\n]+)["']`)
)

// ScanResult is what one parse of a file yields.
type ScanResult struct {
	Imports        []ImportRef
	Diagnostics    []Diagnostic
	AmbientModules []string
}

// Scan parses text with esbuild and collects its module specifiers and
// syntax errors. Type-only imports, import() types and reference paths,
// which esbuild erases, are recovered from the source text. When the file
// does not parse, static imports are recovered the same way.
func Scan(fileName, text string, kind host.ScriptKind) ScanResult {
	var res ScanResult

	loader := loaderFor(kind)
	var (
		mu    sync.Mutex
		specs []string
	)
	result := api.Build(api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   text,
			Sourcefile: fileName,
			Loader:     loader,
		},
		Bundle:      true,
		Write:       false,
		Format:      api.FormatESModule,
		Platform:    api.PlatformNeutral,
		Target:      api.ESNext,
		JSX:         api.JSXPreserve,
		TsconfigRaw: tsconfigRaw,
		LogLevel:    api.LogLevelSilent,
		Plugins: []api.Plugin{{
			Name: "collect-imports",
			Setup: func(build api.PluginBuild) {
				build.OnResolve(api.OnResolveOptions{Filter: ".*"}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					if args.Kind != api.ResolveEntryPoint {
						mu.Lock()
						specs = append(specs, args.Path)
						mu.Unlock()
					}
					return api.OnResolveResult{Path: args.Path, External: true}, nil
				})
			},
		}},
	})

	lines := lineOffsets(text)
	for _, msg := range result.Errors {
		res.Diagnostics = append(res.Diagnostics, messageToDiagnostic(msg, text, lines, SeverityError))
	}
	for _, msg := range result.Warnings {
		res.Diagnostics = append(res.Diagnostics, messageToDiagnostic(msg, text, lines, SeverityWarning))
	}

	if kind == host.ScriptKindJSON {
		return res
	}

	seen := make(map[[2]int]bool)
	add := func(ref ImportRef) {
		key := [2]int{ref.Start, ref.End}
		if ref.Start >= 0 && seen[key] {
			return
		}
		seen[key] = true
		res.Imports = append(res.Imports, ref)
	}

	if len(result.Errors) > 0 {
		for _, m := range reStaticImport.FindAllStringSubmatchIndex(text, -1) {
			if m[2] >= 0 {
				add(ImportRef{Specifier: text[m[2]:m[3]], Start: m[2], End: m[3]})
			} else {
				add(ImportRef{Specifier: text[m[4]:m[5]], Start: m[4], End: m[5]})
			}
		}
	} else {
		for _, spec := range uniqueStrings(specs) {
			positions := locateLiteral(text, spec)
			if len(positions) == 0 {
				add(ImportRef{Specifier: spec, Start: -1, End: -1})
				continue
			}
			for _, start := range positions {
				add(ImportRef{Specifier: spec, Start: start, End: start + len(spec)})
			}
		}
	}

	for _, m := range reTypeImport.FindAllStringSubmatchIndex(text, -1) {
		add(ImportRef{Specifier: text[m[2]:m[3]], Start: m[2], End: m[3], TypeOnly: true})
	}
	for _, m := range reImportCall.FindAllStringSubmatchIndex(text, -1) {
		add(ImportRef{Specifier: text[m[2]:m[3]], Start: m[2], End: m[3]})
	}
	for _, m := range reReferencePath.FindAllStringSubmatchIndex(text, -1) {
		add(ImportRef{Specifier: referenceSpecifier(text[m[2]:m[3]]), Start: m[2], End: m[3], TypeOnly: true})
	}
	for _, m := range reAmbientModule.FindAllStringSubmatch(text, -1) {
		res.AmbientModules = append(res.AmbientModules, m[1])
	}

	sort.SliceStable(res.Imports, func(i, j int) bool { return res.Imports[i].Start < res.Imports[j].Start })
	return res
}

func loaderFor(kind host.ScriptKind) api.Loader {
	switch kind {
	case host.ScriptKindTSX:
		return api.LoaderTSX
	case host.ScriptKindJS:
		return api.LoaderJS
	case host.ScriptKindJSX:
		return api.LoaderJSX
	case host.ScriptKindJSON:
		return api.LoaderJSON
	default:
		return api.LoaderTS
	}
}

// locateLiteral returns the offsets of every quoted occurrence of spec
// that sits in an import position: after from, import, export, or an
// opening parenthesis.
func locateLiteral(text, spec string) []int {
	var out []int
	for _, q := range []string{`"`, `'`, "`"} {
		needle := q + spec + q
		for from := 0; ; {
			i := strings.Index(text[from:], needle)
			if i < 0 {
				break
			}
			at := from + i
			if importPosition(text[:at]) {
				out = append(out, at+1)
			}
			from = at + len(needle)
		}
	}
	sort.Ints(out)
	return out
}

func importPosition(before string) bool {
	trimmed := strings.TrimRight(before, " \t\r\n")
	if strings.HasSuffix(trimmed, "(") {
		return true
	}
	for _, kw := range []string{"from", "import", "export"} {
		if strings.HasSuffix(trimmed, kw) {
			rest := trimmed[:len(trimmed)-len(kw)]
			if rest == "" || !isIdentByte(rest[len(rest)-1]) {
				return true
			}
		}
	}
	return false
}

// referenceSpecifier turns a triple-slash reference path into a relative
// specifier.
func referenceSpecifier(p string) string {
	if strings.HasPrefix(p, "./") || strings.HasPrefix(p, "../") || strings.HasPrefix(p, "/") || strings.Contains(p, "://") {
		return p
	}
	return "./" + p
}

func messageToDiagnostic(msg api.Message, text string, lines []int, sev Severity) Diagnostic {
	d := Diagnostic{Severity: sev, Code: CodeSyntax, Message: msg.Text}
	if msg.Location == nil {
		return d
	}
	line := msg.Location.Line - 1
	if line < 0 {
		line = 0
	}
	if line >= len(lines) {
		line = len(lines) - 1
	}
	d.Start = min(lines[line]+msg.Location.Column, len(text))
	d.End = min(d.Start+msg.Location.Length, len(text))
	return d
}

func lineOffsets(text string) []int {
	offsets := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
