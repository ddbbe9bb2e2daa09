package host

import (
	"sync"
)

// languageKeys maps editor language ids onto a shared host key. The
// TypeScript and JavaScript flavours all share one host.
var languageKeys = map[string]string{
	"typescript":      "typescript",
	"typescriptreact": "typescript",
	"javascript":      "typescript",
	"javascriptreact": "typescript",
}

// Registry hands out one Host per language key, created on first use.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string]*Host
	newFn func(key string) *Host
}

// NewRegistry creates a registry that builds hosts with newFn.
func NewRegistry(newFn func(key string) *Host) *Registry {
	return &Registry{
		hosts: make(map[string]*Host),
		newFn: newFn,
	}
}

// LanguageKey returns the registry key for a language id. Unknown ids map
// to themselves.
func LanguageKey(languageID string) string {
	if key, ok := languageKeys[languageID]; ok {
		return key
	}
	return languageID
}

// Get returns the host for languageID, creating it if needed.
func (r *Registry) Get(languageID string) *Host {
	key := LanguageKey(languageID)

	r.mu.RLock()
	h, ok := r.hosts[key]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock
	if h, ok := r.hosts[key]; ok {
		return h
	}
	h = r.newFn(key)
	r.hosts[key] = h
	return h
}

// Lookup returns the host for languageID without creating one.
func (r *Registry) Lookup(languageID string) (*Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[LanguageKey(languageID)]
	return h, ok
}

// Hosts returns every created host.
func (r *Registry) Hosts() []*Host {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hosts := make([]*Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		hosts = append(hosts, h)
	}
	return hosts
}

// Dispose disposes and forgets every host.
func (r *Registry) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, h := range r.hosts {
		h.Dispose()
		delete(r.hosts, key)
	}
}
