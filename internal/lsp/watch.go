package lsp

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// startWatcher watches the project root for configuration changes.
func (s *Server) startWatcher(root string) {
	s.watchDir(root)
}

// watchDir adds dir to the file watcher once.
func (s *Server) watchDir(dir string) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher == nil || s.watchedDirs[dir] {
		return
	}
	if err := s.watcher.Add(dir); err != nil {
		s.logger.Warn("failed to watch directory", "dir", dir, "error", err)
		return
	}
	s.watchedDirs[dir] = true
}

// isConfigFile reports whether path is a project file whose change
// requires reloading the configuration.
func (s *Server) isConfigFile(path string) bool {
	s.mu.RLock()
	root := s.projectRoot
	project := s.project
	s.mu.RUnlock()

	if root == "" {
		return false
	}
	path = filepath.Clean(path)
	if configFileNames[filepath.Base(path)] && filepath.Dir(path) == root {
		return true
	}
	if project.ImportMapSource != "" && filepath.Clean(project.ImportMapSource) == path {
		return true
	}
	return project.ConfigFile != "" && filepath.Clean(project.ConfigFile) == path
}

// configLoop reloads the configuration after each debounced burst of
// config file changes.
func (s *Server) configLoop(ctx context.Context) error {
	ch := s.configRefresh.Subscribe()
	defer s.configRefresh.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			s.reloadConfig()
		}
	}
}

// watchLoop reacts to file system events for config files and for files
// the resolver opened in the background.
func (s *Server) watchLoop(ctx context.Context) error {
	s.watchMu.Lock()
	w := s.watcher
	s.watchMu.Unlock()
	if w == nil {
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			s.handleFileEvent(event)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("watcher error", "error", err)
		}
	}
}

func (s *Server) handleFileEvent(event fsnotify.Event) {
	if s.isConfigFile(event.Name) {
		s.logger.Debug("config file changed", "file", event.Name, "op", event.Op.String())
		s.configRefresh.Fire()
		return
	}

	uri := PathToURI(event.Name)
	if event.Has(fsnotify.Create) {
		for _, h := range s.registry.Hosts() {
			h.ForgetMissingFile(uri)
		}
	}

	doc := s.documents.Get(uri)
	if doc == nil || !doc.Background {
		return
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		s.documents.Close(uri)
		s.forget(uri)
	case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
		data, err := os.ReadFile(event.Name)
		if err != nil {
			s.logger.Debug("failed to reload file", "file", event.Name, "error", err)
			return
		}
		if !s.documents.OpenBackground(uri, string(data)) {
			return
		}
	default:
		return
	}

	s.logger.Debug("background file changed", "uri", uri)
	for _, h := range s.registry.Hosts() {
		h.Refresher().Fire()
	}
}
