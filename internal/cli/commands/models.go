package commands

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/leapstack-labs/importls/internal/host"
	"github.com/leapstack-labs/importls/internal/lsp"
)

type fileModel struct {
	uri  string
	text string
}

func (m fileModel) URI() string  { return m.uri }
func (m fileModel) Version() int { return 1 }
func (m fileModel) Text() string { return m.text }

// diskModels serves local files to a host straight from disk. Files read
// once keep their content for the life of the command.
type diskModels struct {
	mu    sync.Mutex
	roots []string
	files map[string]*fileModel
}

func newDiskModels(roots ...string) *diskModels {
	return &diskModels{roots: roots, files: make(map[string]*fileModel)}
}

// Model implements host.ModelSource.
func (d *diskModels) Model(uri string) (host.Model, bool) {
	if !strings.HasPrefix(uri, "file:") {
		return nil, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.files[uri]; ok {
		return m, m != nil
	}
	data, err := os.ReadFile(lsp.URIToPath(uri))
	if err != nil {
		d.files[uri] = nil
		return nil, false
	}
	m := &fileModel{uri: uri, text: string(data)}
	d.files[uri] = m
	return m, true
}

// Models returns the root files.
func (d *diskModels) Models() []host.Model {
	var out []host.Model
	for _, uri := range d.roots {
		if m, ok := d.Model(uri); ok {
			out = append(out, m)
		}
	}
	return out
}

// fileURI converts a path argument to an absolute file URI. URLs are kept.
func fileURI(p string) string {
	if strings.Contains(p, "://") {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return lsp.PathToURI(p)
}
