// Package importmap parses import maps and resolves module specifiers
// through them.
//
// Tables keep declaration order: scope tie-breaking depends on it, so the
// JSON parser walks the token stream instead of decoding into Go maps.
package importmap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/net/html"
)

// JSXImportSourceKey is the pseudo specifier that names the JSX runtime.
const JSXImportSourceKey = "@jsxImportSource"

// DefaultBaseURL is used when an import map is parsed without a base URL.
const DefaultBaseURL = "file:///"

// ErrNoImportMap is returned by ParseHTML when the document has no
// <script type="importmap"> element.
var ErrNoImportMap = errors.New("no import map found")

// Entry is one specifier mapping.
type Entry struct {
	Key    string `json:"key"`
	Target string `json:"target"`
}

// Table is an ordered specifier table.
type Table []Entry

// Lookup returns the target mapped to key.
func (t Table) Lookup(key string) (string, bool) {
	for _, e := range t {
		if e.Key == key {
			return e.Target, true
		}
	}
	return "", false
}

// set replaces an existing key in place or appends it.
func (t Table) set(key, target string) Table {
	for i := range t {
		if t[i].Key == key {
			t[i].Target = target
			return t
		}
	}
	return append(t, Entry{Key: key, Target: target})
}

// Scope is a path-scoped specifier table.
type Scope struct {
	Key     string `json:"key"`
	Imports Table  `json:"imports"`
}

// ImportMap holds the unscoped imports, scopes and integrity metadata.
type ImportMap struct {
	BaseURL   *url.URL
	Imports   Table
	Scopes    []Scope
	Integrity map[string]string
}

// Blank returns an empty import map rooted at DefaultBaseURL.
func Blank() *ImportMap {
	base, _ := url.Parse(DefaultBaseURL)
	return &ImportMap{BaseURL: base, Integrity: map[string]string{}}
}

// IsBlank reports whether the map has neither imports nor scopes.
func (m *ImportMap) IsBlank() bool {
	return m == nil || (len(m.Imports) == 0 && len(m.Scopes) == 0)
}

// JSXImportSource returns the JSX runtime module declared in the map.
func (m *ImportMap) JSXImportSource() string {
	if m == nil {
		return ""
	}
	v, _ := m.Imports.Lookup(JSXImportSourceKey)
	return v
}

// IntegrityFor returns the subresource integrity metadata declared for u.
func (m *ImportMap) IntegrityFor(u string) string {
	if m == nil {
		return ""
	}
	return m.Integrity[u]
}

// Keys returns the specifier keys visible from containingFile, most
// specific scope first, without duplicates.
func (m *ImportMap) Keys(containingFile string) []string {
	if m.IsBlank() {
		return nil
	}
	seen := make(map[string]bool)
	var keys []string
	add := func(t Table) {
		for _, e := range t {
			if e.Key == JSXImportSourceKey || seen[e.Key] {
				continue
			}
			seen[e.Key] = true
			keys = append(keys, e.Key)
		}
	}
	if containing, err := url.Parse(containingFile); err == nil {
		for _, s := range m.matchingScopes(containing) {
			add(s.imports)
		}
	}
	add(m.Imports)
	return keys
}

// Parse decodes an import map JSON document. Non-string specifier values
// are dropped; non-object "imports" or "scopes" members are errors.
func Parse(data []byte, baseURL string) (*ImportMap, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}

	m := &ImportMap{BaseURL: base, Integrity: map[string]string{}}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := expectDelim(dec, '{'); err != nil {
		return nil, fmt.Errorf("import map must be a JSON object: %w", err)
	}
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, err
		}
		switch key {
		case "imports":
			if m.Imports, err = readTable(dec); err != nil {
				return nil, fmt.Errorf("invalid imports: %w", err)
			}
		case "scopes":
			if m.Scopes, err = readScopes(dec); err != nil {
				return nil, fmt.Errorf("invalid scopes: %w", err)
			}
		case "integrity":
			table, err := readTable(dec)
			if err != nil {
				return nil, fmt.Errorf("invalid integrity: %w", err)
			}
			for _, e := range table {
				if u, err := base.Parse(e.Key); err == nil {
					m.Integrity[u.String()] = e.Target
				}
			}
		default:
			if err := skipValue(dec); err != nil {
				return nil, err
			}
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseHTML extracts the first <script type="importmap"> from an HTML
// document. Scanning stops at </head> or <body>.
func ParseHTML(r io.Reader, baseURL string) (*ImportMap, error) {
	z := html.NewTokenizer(r)
	inImportMap := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return nil, ErrNoImportMap
			}
			return nil, fmt.Errorf("failed to read html: %w", z.Err())
		case html.StartTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "body":
				return nil, ErrNoImportMap
			case "script":
				for hasAttr {
					var k, v []byte
					k, v, hasAttr = z.TagAttr()
					if string(k) == "type" && strings.EqualFold(strings.TrimSpace(string(v)), "importmap") {
						inImportMap = true
					}
				}
			}
		case html.TextToken:
			if inImportMap {
				return Parse(z.Text(), baseURL)
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) == "head" {
				return nil, ErrNoImportMap
			}
			inImportMap = false
		}
	}
}

func readScopes(dec *json.Decoder) ([]Scope, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	var scopes []Scope
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, err
		}
		table, err := readTable(dec)
		if err != nil {
			return nil, fmt.Errorf("scope %q: %w", key, err)
		}
		replaced := false
		for i := range scopes {
			if scopes[i].Key == key {
				scopes[i].Imports = table
				replaced = true
			}
		}
		if !replaced {
			scopes = append(scopes, Scope{Key: key, Imports: table})
		}
	}
	return scopes, expectDelim(dec, '}')
}

func readTable(dec *json.Decoder) (Table, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	var table Table
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, err
		}
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch v := tok.(type) {
		case string:
			table = table.set(key, v)
		case json.Delim:
			if err := skipNested(dec); err != nil {
				return nil, err
			}
		}
	}
	return table, expectDelim(dec, '}')
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected object key, got %v", tok)
	}
	return key, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if _, ok := tok.(json.Delim); ok {
		return skipNested(dec)
	}
	return nil
}

// skipNested consumes tokens until the container just opened is closed.
func skipNested(dec *json.Decoder) error {
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			default:
				depth--
			}
		}
	}
	return nil
}

// FromMaps builds an import map from unordered tables, as decoded from a
// configuration file. Keys are ordered longest first so the most specific
// prefix wins, with ties broken lexically.
func FromMaps(imports map[string]string, scopes map[string]map[string]string, baseURL string) (*ImportMap, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	m := &ImportMap{BaseURL: base, Imports: tableFromMap(imports), Integrity: map[string]string{}}
	for _, key := range sortedKeys(scopes) {
		m.Scopes = append(m.Scopes, Scope{Key: key, Imports: tableFromMap(scopes[key])})
	}
	return m, nil
}

func tableFromMap(src map[string]string) Table {
	var t Table
	for _, key := range sortedKeys(src) {
		t = append(t, Entry{Key: key, Target: src[key]})
	}
	return t
}

func sortedKeys[V any](src map[string]V) []string {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		if len(a) != len(b) {
			return len(b) - len(a)
		}
		return strings.Compare(a, b)
	})
	return keys
}
