package importmap

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

type scopeMatch struct {
	path     string
	segments int
	imports  Table
}

// Resolve maps specifier through the import map as seen from
// containingFile and returns the absolute URL. It has no side effects; a
// nil or blank map resolves specifier against containingFile.
func Resolve(m *ImportMap, specifier, containingFile string) (string, error) {
	containing, err := url.Parse(containingFile)
	if err != nil {
		return "", fmt.Errorf("invalid containing file %q: %w", containingFile, err)
	}
	if target, ok, err := m.match(specifier, containing); ok || err != nil {
		return target, err
	}

	ref, err := url.Parse(specifier)
	if err != nil {
		return "", fmt.Errorf("invalid specifier %q: %w", specifier, err)
	}
	return containing.ResolveReference(ref).String(), nil
}

// Mapped reports whether the map has an entry for specifier as seen from
// containingFile, and the absolute target when it does.
func Mapped(m *ImportMap, specifier, containingFile string) (string, bool, error) {
	containing, err := url.Parse(containingFile)
	if err != nil {
		return "", false, fmt.Errorf("invalid containing file %q: %w", containingFile, err)
	}
	return m.match(specifier, containing)
}

// IsBare reports whether specifier is neither a URL nor a relative or
// absolute path, such as "react" or "@scope/pkg/sub".
func IsBare(specifier string) bool {
	if specifier == "." || specifier == ".." {
		return false
	}
	if strings.HasPrefix(specifier, "/") || strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") {
		return false
	}
	if u, err := url.Parse(specifier); err == nil && u.Scheme != "" {
		return false
	}
	return true
}

func (m *ImportMap) match(specifier string, containing *url.URL) (string, bool, error) {
	if m.IsBlank() {
		return "", false, nil
	}
	for _, s := range m.matchingScopes(containing) {
		if target, ok := matchImports(specifier, s.imports); ok {
			resolved, err := m.resolveTarget(target)
			return resolved, true, err
		}
	}
	if target, ok := matchImports(specifier, m.Imports); ok {
		resolved, err := m.resolveTarget(target)
		return resolved, true, err
	}
	return "", false, nil
}

// Resolve is shorthand for Resolve(m, specifier, containingFile).
func (m *ImportMap) Resolve(specifier, containingFile string) (string, error) {
	return Resolve(m, specifier, containingFile)
}

// matchingScopes returns the scopes applying to containing, most specific
// first. Equal depths keep declaration order.
func (m *ImportMap) matchingScopes(containing *url.URL) []scopeMatch {
	if len(m.Scopes) == 0 {
		return nil
	}
	origin := originOf(containing)
	matches := make([]scopeMatch, 0, len(m.Scopes))
	for _, s := range m.Scopes {
		u, err := m.base().Parse(s.Key)
		if err != nil || originOf(u) != origin {
			continue
		}
		matches = append(matches, scopeMatch{
			path:     u.Path,
			segments: len(strings.Split(u.Path, "/")),
			imports:  s.Imports,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].segments > matches[j].segments
	})

	applicable := matches[:0]
	for _, s := range matches {
		if strings.HasPrefix(containing.Path, s.path) {
			applicable = append(applicable, s)
		}
	}
	return applicable
}

// matchImports finds specifier in table: an exact key first, then the
// first key ending in "/" that prefixes specifier.
func matchImports(specifier string, table Table) (string, bool) {
	if target, ok := table.Lookup(specifier); ok {
		return target, true
	}
	for _, e := range table {
		if strings.HasSuffix(e.Key, "/") && strings.HasPrefix(specifier, e.Key) {
			return e.Target + specifier[len(e.Key):], true
		}
	}
	return "", false
}

func (m *ImportMap) resolveTarget(target string) (string, error) {
	u, err := m.base().Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid import map target %q: %w", target, err)
	}
	return u.String(), nil
}

func (m *ImportMap) base() *url.URL {
	if m.BaseURL != nil {
		return m.BaseURL
	}
	u, _ := url.Parse(DefaultBaseURL)
	return u
}

func originOf(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
