// Package cachestore provides the durable URL-keyed record store shared by
// the HTTP response cache and editor file persistence.
package cachestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// AnyKey subscribes a watcher to changes of every key.
const AnyKey = "*"

var (
	// ErrNotFound is returned by Get when no record exists for the key.
	ErrNotFound = errors.New("record not found")
	// ErrIntegrity is returned by Get when a stored body no longer matches
	// its digest. The record is discarded.
	ErrIntegrity = errors.New("record failed integrity check")
)

// Header is a stored response header.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Record is one stored entry. URL is the primary key.
type Record struct {
	URL        string
	Version    int
	Content    []byte
	Headers    []Header
	Digest     string
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Header returns the value of the named header, matched case-insensitively.
func (r *Record) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// ChangeKind describes what happened to a key.
type ChangeKind int

const (
	ChangeCreate ChangeKind = iota + 1
	ChangeModify
	ChangeRemove
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreate:
		return "create"
	case ChangeModify:
		return "modify"
	case ChangeRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Event is delivered to watchers after a write commits.
type Event struct {
	Kind ChangeKind
	Key  string
}

// Store is the record store contract.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	// Put writes rec and sets rec.Version to the stored version, which is
	// always greater than any version previously stored for the key.
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, key string) error
	// ListKeys returns the keys starting with prefix in ascending order.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	// Watch registers fn for changes of key, or of every key when key is
	// AnyKey. The returned function cancels the registration.
	Watch(key string, fn func(Event)) (cancel func())
}

func digestOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
