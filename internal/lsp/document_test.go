package lsp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentStore_OpenGetClose(t *testing.T) {
	store := NewDocumentStore()
	uri := "file:///project/main.ts"

	store.Open(uri, "", "import x from \"y\";", 1)

	doc := store.Get(uri)
	require.NotNil(t, doc)
	assert.Equal(t, "typescript", doc.LanguageID)
	assert.Equal(t, 1, doc.Version)
	assert.False(t, doc.Background)
	assert.Equal(t, []string{uri}, store.List())

	store.Close(uri)
	assert.Nil(t, store.Get(uri))
	assert.Empty(t, store.List())
}

func TestDocumentStore_OpenBackground(t *testing.T) {
	store := NewDocumentStore()
	uri := "file:///project/dep.ts"

	assert.True(t, store.OpenBackground(uri, "a"))
	assert.False(t, store.OpenBackground(uri, "a"), "same content is a no-op")
	assert.True(t, store.OpenBackground(uri, "b"))

	doc := store.Get(uri)
	require.NotNil(t, doc)
	assert.True(t, doc.Background)
	assert.Equal(t, 2, doc.Version)
	assert.Empty(t, store.List(), "background documents are not listed")
	assert.Len(t, store.Models(), 1)

	// The editor takes over.
	store.Open(uri, "typescript", "c", 1)
	assert.False(t, store.OpenBackground(uri, "d"))
	assert.Equal(t, "c", store.Get(uri).Content)
	assert.Equal(t, []string{uri}, store.List())
}

func TestDocumentStore_Apply(t *testing.T) {
	tests := []struct {
		name    string
		content string
		changes []TextDocumentContentChangeEvent
		want    string
	}{
		{
			name:    "full replacement",
			content: "old",
			changes: []TextDocumentContentChangeEvent{{Text: "new"}},
			want:    "new",
		},
		{
			name:    "insert",
			content: "import a from \"\";",
			changes: []TextDocumentContentChangeEvent{{
				Range: &Range{Start: Position{0, 15}, End: Position{0, 15}},
				Text:  "react",
			}},
			want: "import a from \"react\";",
		},
		{
			name:    "replace across lines",
			content: "line one\nline two\nline three",
			changes: []TextDocumentContentChangeEvent{{
				Range: &Range{Start: Position{0, 5}, End: Position{2, 4}},
				Text:  "X",
			}},
			want: "line X three",
		},
		{
			name:    "sequential edits",
			content: "ab",
			changes: []TextDocumentContentChangeEvent{
				{Range: &Range{Start: Position{0, 1}, End: Position{0, 1}}, Text: "\n"},
				{Range: &Range{Start: Position{1, 1}, End: Position{1, 1}}, Text: "c"},
			},
			want: "a\nbc",
		},
		{
			name:    "utf-16 surrogate pair",
			content: "const s = \"😀x\";",
			changes: []TextDocumentContentChangeEvent{{
				Range: &Range{Start: Position{0, 13}, End: Position{0, 14}},
				Text:  "y",
			}},
			want: "const s = \"😀y\";",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewDocumentStore()
			uri := "file:///a.ts"
			store.Open(uri, "typescript", tt.content, 1)

			doc := store.Apply(uri, tt.changes, 2)
			require.NotNil(t, doc)
			assert.Equal(t, tt.want, doc.Content)
			assert.Equal(t, 2, doc.Version)
			assert.Equal(t, tt.want, store.Get(uri).Content)
		})
	}
}

func TestDocumentStore_ApplyUnknown(t *testing.T) {
	store := NewDocumentStore()
	assert.Nil(t, store.Apply("file:///missing.ts", []TextDocumentContentChangeEvent{{Text: "x"}}, 1))
}

func TestDocument_PositionOffsetRoundTrip(t *testing.T) {
	doc := newDocument("file:///a.ts", "typescript", "ab\n😀c\r\nlast", 1, false)

	tests := []struct {
		pos    Position
		offset int
	}{
		{Position{0, 0}, 0},
		{Position{0, 2}, 2},
		{Position{1, 0}, 3},
		{Position{1, 2}, 7},
		{Position{1, 3}, 8},
		{Position{2, 4}, 14},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.offset, doc.PositionToOffset(tt.pos), "offset of %v", tt.pos)
		assert.Equal(t, tt.pos, doc.OffsetToPosition(tt.offset), "position of %d", tt.offset)
	}

	// Past the end of a line clamps to the line end.
	assert.Equal(t, 2, doc.PositionToOffset(Position{0, 99}))
	assert.Equal(t, 8, doc.PositionToOffset(Position{1, 99}))
	// Past the last line clamps to the end of the document.
	assert.Equal(t, len(doc.Content), doc.PositionToOffset(Position{9, 0}))
	// A position inside a surrogate pair stays before it.
	assert.Equal(t, 3, doc.PositionToOffset(Position{1, 1}))
}

func TestDocumentStore_ModelSource(t *testing.T) {
	store := NewDocumentStore()
	store.Open("file:///b.ts", "typescript", "b", 3)
	store.OpenBackground("file:///a.ts", "a")

	m, ok := store.Model("file:///b.ts")
	require.True(t, ok)
	assert.Equal(t, 3, m.Version())
	assert.Equal(t, "b", m.Text())

	_, ok = store.Model("file:///c.ts")
	assert.False(t, ok)

	models := store.Models()
	require.Len(t, models, 2)
	assert.Equal(t, "file:///a.ts", models[0].URI())
	assert.Equal(t, "file:///b.ts", models[1].URI())
}

func TestLanguageIDFor(t *testing.T) {
	tests := map[string]string{
		"file:///a.ts":     "typescript",
		"file:///a.d.ts":   "typescript",
		"file:///a.tsx":    "typescriptreact",
		"file:///a.mjs":    "javascript",
		"file:///a.jsx":    "javascriptreact",
		"file:///a.json":   "json",
		"file:///Makefile": "typescript",
	}
	for uri, want := range tests {
		assert.Equal(t, want, languageIDFor(uri), uri)
	}
}

func TestURIToPath(t *testing.T) {
	assert.Equal(t, "/home/user/project/main.ts", URIToPath("file:///home/user/project/main.ts"))
	assert.Equal(t, "/tmp/with space.ts", URIToPath("file:///tmp/with%20space.ts"))
	assert.Equal(t, "https://esm.sh/react", URIToPath("https://esm.sh/react"))
	assert.Equal(t, "file:///already", PathToURI("file:///already"))
}
