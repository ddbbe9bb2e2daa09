package analysis

import (
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/leapstack-labs/importls/internal/host"
	"github.com/leapstack-labs/importls/internal/importmap"
)

// Completions suggests module specifiers when offset is inside the string
// literal of an import. It returns nil elsewhere.
func (e *Engine) Completions(fileName string, offset int) *CompletionList {
	text, ok := e.host.ScriptText(fileName)
	if !ok || offset < 0 || offset > len(text) {
		return nil
	}
	start, ok := specifierStart(text, offset)
	if !ok {
		return nil
	}
	prefix := text[start:offset]
	list := &CompletionList{Start: start, End: specifierEnd(text, offset)}

	seen := make(map[string]bool)
	add := func(item CompletionItem) {
		if !seen[item.Label] {
			seen[item.Label] = true
			list.Items = append(list.Items, item)
		}
	}

	m := e.host.ImportMap()
	for _, key := range m.Keys(fileName) {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		target, _, _ := importmap.Mapped(m, key, fileName)
		add(CompletionItem{Label: key, Kind: CompletionModule, Detail: target})
	}

	if isRelative(prefix) || prefix == "" || prefix == "." {
		for _, item := range relativeCompletions(fileName, e.host.ScriptFileNames()) {
			if strings.HasPrefix(item.Label, prefix) {
				add(item)
			}
		}
	}

	sort.SliceStable(list.Items, func(i, j int) bool { return list.Items[i].Label < list.Items[j].Label })
	return list
}

// QuickInfo describes the import whose specifier contains offset.
func (e *Engine) QuickInfo(fileName string, offset int) *QuickInfo {
	_, imports, ok := e.fileText(fileName)
	if !ok {
		return nil
	}
	for _, ref := range imports {
		if ref.Start < 0 || offset < ref.Start || offset > ref.End {
			continue
		}
		info := &QuickInfo{Start: ref.Start, End: ref.End, Specifier: ref.Specifier, State: "not found"}
		mods := e.host.ResolveModuleNameLiterals([]string{ref.Specifier}, fileName)
		if len(mods) == 0 || mods[0] == nil {
			return info
		}
		mod := mods[0]
		info.Resolved = mod.ResolvedFileName
		info.Extension = mod.Extension
		switch {
		case mod.Pending:
			info.State = host.StatePending.String()
		case strings.HasPrefix(mod.ResolvedFileName, "http://"), strings.HasPrefix(mod.ResolvedFileName, "https://"):
			if target, err := e.resolvedURL(ref.Specifier, fileName); err == nil {
				state, types := e.host.ModuleState(target)
				info.State = state.String()
				if types != "" && types != target {
					info.Types = types
				}
			}
		default:
			info.State = "local"
		}
		return info
	}
	return nil
}

// InlayHints labels import specifiers rewritten by the import map with
// their target, for imports starting in [start, end).
func (e *Engine) InlayHints(fileName string, start, end int) []InlayHint {
	_, imports, ok := e.fileText(fileName)
	if !ok {
		return nil
	}
	m := e.host.ImportMap()
	if m.IsBlank() {
		return nil
	}

	var hints []InlayHint
	for _, ref := range imports {
		if ref.Start < start || ref.Start >= end {
			continue
		}
		target, mapped, err := importmap.Mapped(m, ref.Specifier, fileName)
		if err != nil || !mapped || target == ref.Specifier {
			continue
		}
		hints = append(hints, InlayHint{
			Offset:  ref.End + 1,
			Label:   "→ " + target,
			Tooltip: "import map: " + ref.Specifier + " → " + target,
		})
	}
	return hints
}

// FormattingEdits strips trailing whitespace and leaves exactly one final
// newline.
func (e *Engine) FormattingEdits(fileName string) []TextEdit {
	text, ok := e.host.ScriptText(fileName)
	if !ok {
		return nil
	}
	return formatEdits(text)
}

func formatEdits(text string) []TextEdit {
	var edits []TextEdit

	body := strings.TrimRight(text, " \t\r\n")
	for lineStart := 0; lineStart < len(body); {
		lineEnd := len(body)
		if i := strings.IndexByte(body[lineStart:], '\n'); i >= 0 {
			lineEnd = lineStart + i
		}
		content := strings.TrimSuffix(body[lineStart:lineEnd], "\r")
		if trimmed := strings.TrimRight(content, " \t"); len(trimmed) < len(content) {
			edits = append(edits, TextEdit{Start: lineStart + len(trimmed), End: lineStart + len(content)})
		}
		lineStart = lineEnd + 1
	}

	if body == "" {
		if text != "" {
			edits = append(edits, TextEdit{Start: 0, End: len(text)})
		}
		return edits
	}
	newline := "\n"
	if strings.Contains(text, "\r\n") {
		newline = "\r\n"
	}
	if tail := text[len(body):]; tail != newline {
		edits = append(edits, TextEdit{Start: len(body), End: len(text), NewText: newline})
	}
	return edits
}

// ApplyEdits applies non-overlapping edits to text.
func ApplyEdits(text string, edits []TextEdit) string {
	sorted := append([]TextEdit(nil), edits...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start > sorted[j].Start })
	for _, ed := range sorted {
		text = text[:ed.Start] + ed.NewText + text[ed.End:]
	}
	return text
}

func (e *Engine) resolvedURL(specifier, fileName string) (string, error) {
	if target, ok, err := importmap.Mapped(e.host.ImportMap(), specifier, fileName); ok || err != nil {
		return target, err
	}
	return importmap.Resolve(nil, specifier, fileName)
}

// specifierStart returns the offset just after the opening quote of the
// import string literal containing offset.
func specifierStart(text string, offset int) (int, bool) {
	lineStart := strings.LastIndexByte(text[:offset], '\n') + 1
	line := text[lineStart:offset]
	q := strings.LastIndexAny(line, `"'`)
	if q < 0 {
		return 0, false
	}
	// The quote must open the literal, not close an earlier one.
	if strings.Count(line[:q], string(line[q]))%2 != 0 {
		return 0, false
	}
	if !importPosition(text[:lineStart+q]) {
		return 0, false
	}
	return lineStart + q + 1, true
}

func specifierEnd(text string, offset int) int {
	for i := offset; i < len(text); i++ {
		switch text[i] {
		case '"', '\'', '\n':
			return i
		}
	}
	return len(text)
}

func isRelative(s string) bool {
	return strings.HasPrefix(s, "./") || strings.HasPrefix(s, "../")
}

// relativeCompletions lists the file: program files as specifiers relative
// to fileName.
func relativeCompletions(fileName string, files []string) []CompletionItem {
	from, err := url.Parse(fileName)
	if err != nil || from.Scheme != "file" {
		return nil
	}
	dir := path.Dir(from.Path)

	var items []CompletionItem
	for _, f := range files {
		u, err := url.Parse(f)
		if err != nil || u.Scheme != "file" || u.Path == from.Path {
			continue
		}
		if host.ExtensionOf(u.Path, "").IsDeclaration() {
			continue
		}
		rel := relativePath(dir, u.Path)
		items = append(items, CompletionItem{Label: rel, Kind: CompletionFile, Detail: f})
	}
	return items
}

// relativePath returns target relative to dir as a "./" or "../"
// specifier.
func relativePath(dir, target string) string {
	dirParts := splitPath(dir)
	targetParts := splitPath(target)
	common := 0
	for common < len(dirParts) && common < len(targetParts)-1 && dirParts[common] == targetParts[common] {
		common++
	}
	ups := len(dirParts) - common
	rest := strings.Join(targetParts[common:], "/")
	if ups == 0 {
		return "./" + rest
	}
	return strings.Repeat("../", ups) + rest
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
