package lsp

import (
	"github.com/leapstack-labs/importls/internal/config"
)

// --- Document synchronization handlers ---

func (s *Server) handleDidOpen(msg *JSONRPCMessage) error {
	var params DidOpenTextDocumentParams
	if err := s.decodeParams(msg, &params); err != nil {
		return err
	}

	item := params.TextDocument
	languageID := item.LanguageID
	if languageID == "" {
		languageID = languageIDFor(item.URI)
	}
	s.documents.Open(item.URI, languageID, item.Text, item.Version)
	s.forget(item.URI)
	s.logger.Debug("document opened", "uri", item.URI, "language", languageID)

	for _, h := range s.registry.Hosts() {
		h.ForgetMissingFile(item.URI)
	}
	doc := s.documents.Get(item.URI)
	s.persist(doc)
	s.publishDiagnostics(doc)
	return nil
}

func (s *Server) handleDidClose(msg *JSONRPCMessage) error {
	var params DidCloseTextDocumentParams
	if err := s.decodeParams(msg, &params); err != nil {
		return err
	}

	uri := params.TextDocument.URI
	s.documents.Close(uri)
	s.forget(uri)
	s.clearDiagnostics(uri)
	return nil
}

func (s *Server) handleDidChange(msg *JSONRPCMessage) error {
	var params DidChangeTextDocumentParams
	if err := s.decodeParams(msg, &params); err != nil {
		return err
	}

	doc := s.documents.Apply(params.TextDocument.URI, params.ContentChanges, params.TextDocument.Version)
	if doc == nil {
		s.logger.Warn("change for unknown document", "uri", params.TextDocument.URI)
		return nil
	}
	s.persist(doc)
	s.publishDiagnostics(doc)
	return nil
}

func (s *Server) handleDidSave(msg *JSONRPCMessage) error {
	var params DidSaveTextDocumentParams
	if err := s.decodeParams(msg, &params); err != nil {
		return err
	}

	uri := params.TextDocument.URI
	if params.Text != nil {
		if doc := s.documents.Get(uri); doc != nil && doc.Content != *params.Text {
			s.documents.Update(uri, *params.Text, doc.Version+1)
		}
	}
	doc := s.documents.Get(uri)
	s.persist(doc)

	if s.isConfigFile(URIToPath(uri)) {
		s.configRefresh.Fire()
	}
	s.publishDiagnostics(doc)
	return nil
}

func (s *Server) handleDidChangeConfiguration(msg *JSONRPCMessage) error {
	var params DidChangeConfigurationParams
	if err := s.decodeParams(msg, &params); err != nil {
		return err
	}

	opts, err := parseSettings(params.Settings)
	if err != nil {
		s.logger.Warn("ignoring configuration change", "error", err)
		return nil
	}
	s.mu.Lock()
	s.overrides = opts
	s.mu.Unlock()

	s.logger.Info("configuration changed")
	s.applyProject()
	return nil
}

// configFileNames are the project files whose changes trigger a reload.
var configFileNames = map[string]bool{
	config.ConfigFileName:    true,
	config.ConfigFileNameAlt: true,
	config.DenoConfigFile:    true,
	config.DenoConfigFileAlt: true,
	config.TSConfigFile:      true,
	config.IndexHTMLFile:     true,
}
