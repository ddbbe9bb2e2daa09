package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/importls/internal/host"
)

// HostInfo is the /debug/host payload.
type HostInfo struct {
	Root                  string                `json:"root"`
	ImportMapSource       string                `json:"importMapSource"`
	CompilerOptionsSource string                `json:"compilerOptionsSource"`
	Documents             []string              `json:"documents"`
	Hosts                 map[string]host.Stats `json:"hosts"`
	ExtraLibs             []string              `json:"extraLibs"`
}

// ModuleInfo is the /debug/modules/* payload.
type ModuleInfo struct {
	URL   string `json:"url"`
	State string `json:"state"`
	Types string `json:"types,omitempty"`
}

// DebugHandler returns a read-only HTTP view of the server's state.
func (s *Server) DebugHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/debug/host", s.serveHostInfo)
	r.Get("/debug/modules/*", s.serveModuleInfo)
	r.Get("/debug/cache", s.serveCacheKeys)
	r.Get("/debug/graph", s.serveGraph)
	return r
}

func (s *Server) serveHostInfo(w http.ResponseWriter, _ *http.Request) {
	p := s.effectiveProject()
	s.mu.RLock()
	root := s.projectRoot
	s.mu.RUnlock()

	info := HostInfo{
		Root:                  root,
		ImportMapSource:       p.ImportMapSource,
		CompilerOptionsSource: p.CompilerOptionsSource,
		Documents:             s.documents.List(),
		Hosts:                 make(map[string]host.Stats),
		ExtraLibs:             slices.Sorted(maps.Keys(p.ExtraLibs)),
	}
	if info.ExtraLibs == nil {
		info.ExtraLibs = []string{}
	}
	if h, ok := s.registry.Lookup("typescript"); ok {
		info.Hosts["typescript"] = h.Stats()
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) serveModuleInfo(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "*")
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	if target == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing module url"})
		return
	}

	h, ok := s.registry.Lookup("typescript")
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no host"})
		return
	}
	state, types := h.ModuleState(target)
	writeJSON(w, http.StatusOK, ModuleInfo{URL: target, State: state.String(), Types: types})
}

func (s *Server) serveCacheKeys(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "cache disabled"})
		return
	}
	keys, err := s.store.ListKeys(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) serveGraph(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing uri"})
		return
	}
	g, err := s.importGraph(uri)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, g.View())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// ServeDebug serves DebugHandler on addr until ctx is cancelled.
func (s *Server) ServeDebug(ctx context.Context, addr string) error {
	s.logger.Info("starting debug server", "addr", addr)

	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    addr,
		Handler: s.DebugHandler(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("debug server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Debug("shutting down debug server...")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}
