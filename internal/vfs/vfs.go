// Package vfs persists editor buffers in the shared cache store under the
// file:/// key namespace.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/leapstack-labs/importls/internal/cachestore"
)

// Root is the key namespace of persisted files.
const Root = "file:///"

// ErrNotExist is returned for files that were never written.
var ErrNotExist = errors.New("file does not exist")

// FileInfo describes a persisted file.
type FileInfo struct {
	Name       string
	Size       int
	Version    int
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// FS is a flat file system over a cache store.
type FS struct {
	store  cachestore.Store
	logger *slog.Logger
}

// New returns an FS backed by store.
func New(store cachestore.Store, logger *slog.Logger) *FS {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FS{store: store, logger: logger}
}

// Name resolves name against file:///. Absolute file: URLs are kept,
// other schemes are rejected.
func Name(name string) (string, error) {
	base, _ := url.Parse(Root)
	u, err := base.Parse(name)
	if err != nil {
		return "", fmt.Errorf("invalid file name %q: %w", name, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("invalid file name %q: not a file: url", name)
	}
	return u.String(), nil
}

// List returns every persisted file name.
func (fs *FS) List(ctx context.Context) ([]string, error) {
	keys, err := fs.store.ListKeys(ctx, Root)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return keys, nil
}

// ReadFile returns the content of name.
func (fs *FS) ReadFile(ctx context.Context, name string) ([]byte, error) {
	rec, err := fs.get(ctx, name)
	if err != nil {
		return nil, err
	}
	return rec.Content, nil
}

// ReadTextFile returns the content of name as a string.
func (fs *FS) ReadTextFile(ctx context.Context, name string) (string, error) {
	data, err := fs.ReadFile(ctx, name)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile stores data under name and returns the new version.
func (fs *FS) WriteFile(ctx context.Context, name string, data []byte) (int, error) {
	key, err := Name(name)
	if err != nil {
		return 0, err
	}
	rec := &cachestore.Record{URL: key, Content: data}
	if err := fs.store.Put(ctx, rec); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", key, err)
	}
	fs.logger.Debug("file written", "name", key, "version", rec.Version, "size", len(data))
	return rec.Version, nil
}

// Seed writes files that do not exist yet.
func (fs *FS) Seed(ctx context.Context, files map[string]string) error {
	for name, content := range files {
		if _, err := fs.Stat(ctx, name); err == nil {
			continue
		} else if !errors.Is(err, ErrNotExist) {
			return err
		}
		if _, err := fs.WriteFile(ctx, name, []byte(content)); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes name. Removing a missing file is not an error.
func (fs *FS) Remove(ctx context.Context, name string) error {
	key, err := Name(name)
	if err != nil {
		return err
	}
	if err := fs.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// Stat describes name.
func (fs *FS) Stat(ctx context.Context, name string) (*FileInfo, error) {
	rec, err := fs.get(ctx, name)
	if err != nil {
		return nil, err
	}
	return &FileInfo{
		Name:       rec.URL,
		Size:       len(rec.Content),
		Version:    rec.Version,
		CreatedAt:  rec.CreatedAt,
		ModifiedAt: rec.ModifiedAt,
	}, nil
}

// Watch calls fn after name is created, modified or removed. An empty name
// or "*" watches every file. The returned function stops watching.
func (fs *FS) Watch(name string, fn func(kind cachestore.ChangeKind, name string)) (func(), error) {
	if name == "" || name == cachestore.AnyKey {
		return fs.store.Watch(cachestore.AnyKey, func(ev cachestore.Event) {
			if strings.HasPrefix(ev.Key, Root) {
				fn(ev.Kind, ev.Key)
			}
		}), nil
	}
	key, err := Name(name)
	if err != nil {
		return nil, err
	}
	return fs.store.Watch(key, func(ev cachestore.Event) { fn(ev.Kind, ev.Key) }), nil
}

func (fs *FS) get(ctx context.Context, name string) (*cachestore.Record, error) {
	key, err := Name(name)
	if err != nil {
		return nil, err
	}
	rec, err := fs.store.Get(ctx, key)
	if errors.Is(err, cachestore.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return rec, nil
}
