package lsp

import (
	"github.com/leapstack-labs/importls/internal/analysis"
)

// publishDiagnostics analyses doc and sends the results to the client.
// Documents in languages the engine does not serve get an empty set.
func (s *Server) publishDiagnostics(doc *Document) {
	if doc == nil || doc.Background {
		return
	}
	diagnostics := []Diagnostic{}

	if eng, _ := s.engineFor(doc); eng != nil {
		for _, d := range eng.Diagnostics(doc.URI) {
			diagnostics = append(diagnostics, toProtocolDiagnostic(doc, d))
		}
	}

	version := doc.Version
	s.sendNotification("textDocument/publishDiagnostics", &PublishDiagnosticsParams{
		URI:         doc.URI,
		Version:     &version,
		Diagnostics: diagnostics,
	})
}

// clearDiagnostics removes all diagnostics for uri.
func (s *Server) clearDiagnostics(uri string) {
	s.sendNotification("textDocument/publishDiagnostics", &PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []Diagnostic{},
	})
}

// republishAll re-analyses every open document.
func (s *Server) republishAll() {
	for _, uri := range s.documents.List() {
		s.publishDiagnostics(s.documents.Get(uri))
	}
}

func toProtocolDiagnostic(doc *Document, d analysis.Diagnostic) Diagnostic {
	return Diagnostic{
		Range:    doc.RangeOf(d.Start, d.End),
		Severity: DiagnosticSeverity(d.Severity),
		Code:     d.Code,
		Source:   analysis.Source,
		Message:  d.Message,
	}
}
