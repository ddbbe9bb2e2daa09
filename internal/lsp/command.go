package lsp

import (
	"encoding/json"
	"fmt"

	"github.com/leapstack-labs/importls/internal/config"
	"github.com/leapstack-labs/importls/internal/modgraph"
)

// Commands served by workspace/executeCommand.
const (
	// CommandAddExtraLib takes [path, content] and returns the lib URI.
	CommandAddExtraLib = "importls.addExtraLib"
	// CommandRemoveExtraLib takes [path] and reports whether a lib was removed.
	CommandRemoveExtraLib = "importls.removeExtraLib"
	// CommandResolve takes [specifier, containingFile] and returns the
	// resolved module or null.
	CommandResolve = "importls.resolve"
	// CommandReloadConfig re-reads the project configuration.
	CommandReloadConfig = "importls.reloadConfig"
	// CommandGraph takes [uri] and returns the import graph of an open
	// document.
	CommandGraph = "importls.graph"
)

func (s *Server) handleExecuteCommand(msg *JSONRPCMessage) error {
	var params ExecuteCommandParams
	if err := s.decodeParams(msg, &params); err != nil {
		return err
	}

	result, err := s.executeCommand(params)
	if err != nil {
		s.replyError(msg, codeInvalidParams, err.Error())
		return nil
	}
	s.sendResponse(msg.ID, result, nil)
	return nil
}

func (s *Server) executeCommand(params ExecuteCommandParams) (any, error) {
	args, err := stringArgs(params.Arguments)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", params.Command, err)
	}

	switch params.Command {
	case CommandAddExtraLib:
		if len(args) != 2 {
			return nil, fmt.Errorf("%s expects [path, content]", params.Command)
		}
		uri := config.LibURI(args[0])
		s.mu.Lock()
		s.commandLibs[uri] = args[1]
		s.mu.Unlock()
		s.applyProject()
		return uri, nil

	case CommandRemoveExtraLib:
		if len(args) != 1 {
			return nil, fmt.Errorf("%s expects [path]", params.Command)
		}
		uri := config.LibURI(args[0])
		s.mu.Lock()
		_, ok := s.commandLibs[uri]
		delete(s.commandLibs, uri)
		s.mu.Unlock()
		if ok {
			s.applyProject()
		}
		return ok, nil

	case CommandResolve:
		if len(args) != 2 {
			return nil, fmt.Errorf("%s expects [specifier, containingFile]", params.Command)
		}
		h := s.registry.Get("typescript")
		return h.ResolveModuleName(args[0], args[1]), nil

	case CommandReloadConfig:
		s.reloadConfig()
		return nil, nil

	case CommandGraph:
		if len(args) != 1 {
			return nil, fmt.Errorf("%s expects [uri]", params.Command)
		}
		g, err := s.importGraph(args[0])
		if err != nil {
			return nil, err
		}
		return g.View(), nil
	}
	return nil, fmt.Errorf("unknown command %q", params.Command)
}

func stringArgs(raw []json.RawMessage) ([]string, error) {
	args := make([]string, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal(r, &args[i]); err != nil {
			return nil, fmt.Errorf("argument %d must be a string", i)
		}
	}
	return args, nil
}

// importGraph builds the import graph rooted at the open document uri.
func (s *Server) importGraph(uri string) (*modgraph.Graph, error) {
	doc := s.documents.Get(uri)
	if doc == nil {
		return nil, fmt.Errorf("document %s is not open", uri)
	}
	eng, h := s.engineFor(doc)
	if eng == nil {
		return nil, fmt.Errorf("language %q has no import graph", doc.LanguageID)
	}
	return modgraph.Build([]string{uri}, eng, h, s.effectiveProject().MaxGraphFiles), nil
}
