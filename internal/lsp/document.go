package lsp

import (
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/leapstack-labs/importls/internal/config"
	"github.com/leapstack-labs/importls/internal/host"
)

// Document represents a text document known to the server.
type Document struct {
	URI        string // Document URI (file:///path/to/file.ts)
	LanguageID string
	Content    string // Full document content
	Version    int    // Version number, incremented on each change
	Lines      []int  // Byte offsets of line starts for fast position lookups
	// Background is set for files loaded from disk or the vfs on behalf of
	// the resolver rather than opened by the editor.
	Background bool
}

func newDocument(uri, languageID, content string, version int, background bool) *Document {
	return &Document{
		URI:        uri,
		LanguageID: languageID,
		Content:    content,
		Version:    version,
		Lines:      computeLineOffsets(content),
		Background: background,
	}
}

// DocumentStore manages known documents in memory. Documents are replaced,
// never mutated, so a *Document obtained from Get stays consistent.
type DocumentStore struct {
	mu        sync.RWMutex
	documents map[string]*Document
}

// NewDocumentStore creates a new document store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		documents: make(map[string]*Document),
	}
}

// Open adds an editor-owned document, replacing any background copy.
func (s *DocumentStore) Open(uri, languageID, content string, version int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if languageID == "" {
		languageID = languageIDFor(uri)
	}
	s.documents[uri] = newDocument(uri, languageID, content, version, false)
}

// OpenBackground adds a document on behalf of the resolver. Editor-owned
// documents are left alone; a background copy is replaced with a bumped
// version. It reports whether the store changed.
func (s *DocumentStore) OpenBackground(uri, content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := 1
	if doc, ok := s.documents[uri]; ok {
		if !doc.Background || doc.Content == content {
			return false
		}
		version = doc.Version + 1
	}
	s.documents[uri] = newDocument(uri, languageIDFor(uri), content, version, true)
	return true
}

// Close removes a document from the store.
func (s *DocumentStore) Close(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.documents, uri)
}

// Get retrieves a document by URI.
func (s *DocumentStore) Get(uri string) *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.documents[uri]
}

// Update replaces an existing document's content.
func (s *DocumentStore) Update(uri string, content string, version int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, ok := s.documents[uri]; ok {
		s.documents[uri] = newDocument(uri, doc.LanguageID, content, version, doc.Background)
	}
}

// Apply applies content changes in order and stores the result under
// version. It returns the updated document, or nil if uri is unknown.
func (s *DocumentStore) Apply(uri string, changes []TextDocumentContentChangeEvent, version int) *Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[uri]
	if !ok {
		return nil
	}
	for _, ch := range changes {
		doc = newDocument(uri, doc.LanguageID, doc.applyChange(ch), doc.Version, doc.Background)
	}
	doc.Version = version
	s.documents[uri] = doc
	return doc
}

// List returns all editor-owned document URIs, sorted.
func (s *DocumentStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uris := make([]string, 0, len(s.documents))
	for uri, doc := range s.documents {
		if !doc.Background {
			uris = append(uris, uri)
		}
	}
	sort.Strings(uris)
	return uris
}

// --- host.ModelSource ---

type model struct {
	uri     string
	version int
	text    string
}

func (m model) URI() string  { return m.uri }
func (m model) Version() int { return m.version }
func (m model) Text() string { return m.text }

// Model returns the document as a host model.
func (s *DocumentStore) Model(uri string) (host.Model, bool) {
	doc := s.Get(uri)
	if doc == nil {
		return nil, false
	}
	return model{uri: doc.URI, version: doc.Version, text: doc.Content}, true
}

// Models returns every document, editor-owned or not.
func (s *DocumentStore) Models() []host.Model {
	s.mu.RLock()
	defer s.mu.RUnlock()

	models := make([]host.Model, 0, len(s.documents))
	for _, doc := range s.documents {
		models = append(models, model{uri: doc.URI, version: doc.Version, text: doc.Content})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].URI() < models[j].URI() })
	return models
}

// computeLineOffsets calculates byte offsets for each line start.
func computeLineOffsets(content string) []int {
	offsets := []int{0} // First line starts at offset 0

	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			offsets = append(offsets, i+1)
		}
	}

	return offsets
}

func (d *Document) applyChange(ch TextDocumentContentChangeEvent) string {
	if ch.Range == nil {
		return ch.Text
	}
	start := d.PositionToOffset(ch.Range.Start)
	end := d.PositionToOffset(ch.Range.End)
	if end < start {
		start, end = end, start
	}
	return d.Content[:start] + ch.Text + d.Content[end:]
}

// PositionToOffset converts a Position to a byte offset in the document.
// Characters count UTF-16 code units; positions past the end of a line
// clamp to the line end.
func (d *Document) PositionToOffset(pos Position) int {
	if d == nil || len(d.Lines) == 0 {
		return 0
	}

	line := int(pos.Line)
	if line >= len(d.Lines) {
		return len(d.Content)
	}

	offset := d.Lines[line]
	units := int(pos.Character)
	for offset < len(d.Content) && units > 0 {
		r, size := utf8.DecodeRuneInString(d.Content[offset:])
		if r == '\n' || (r == '\r' && strings.HasPrefix(d.Content[offset+size:], "\n")) {
			break
		}
		n := utf16Len(r)
		if n > units {
			break
		}
		units -= n
		offset += size
	}
	return offset
}

// OffsetToPosition converts a byte offset to a Position.
func (d *Document) OffsetToPosition(offset int) Position {
	if d == nil || len(d.Lines) == 0 {
		return Position{}
	}

	if offset < 0 {
		offset = 0
	}
	if offset > len(d.Content) {
		offset = len(d.Content)
	}

	line := sort.Search(len(d.Lines), func(i int) bool { return d.Lines[i] > offset }) - 1
	character := 0
	for _, r := range d.Content[d.Lines[line]:offset] {
		character += utf16Len(r)
	}
	return Position{
		Line:      uint32(line),
		Character: uint32(character),
	}
}

// RangeOf converts a byte range to a Range.
func (d *Document) RangeOf(start, end int) Range {
	return Range{Start: d.OffsetToPosition(start), End: d.OffsetToPosition(end)}
}

func utf16Len(r rune) int {
	if r >= 0x10000 {
		return 2
	}
	return 1
}

// languageIDFor guesses an editor language id from a file name.
func languageIDFor(uri string) string {
	switch host.ScriptKindOf(uri) {
	case host.ScriptKindTS:
		return "typescript"
	case host.ScriptKindTSX:
		return "typescriptreact"
	case host.ScriptKindJS:
		return "javascript"
	case host.ScriptKindJSX:
		return "javascriptreact"
	case host.ScriptKindJSON:
		return "json"
	default:
		return "plaintext"
	}
}

// URIToPath converts a file:// URI to a file system path.
func URIToPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return uri
	}
	p := u.Path
	// file:///C:/x -> C:/x
	if len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.FromSlash(p)
}

// PathToURI converts a file system path to a file:// URI.
func PathToURI(path string) string {
	if strings.HasPrefix(path, "file://") {
		return path
	}
	return config.FileURL(path)
}
