package lsp

import (
	"fmt"
	"strings"

	"github.com/leapstack-labs/importls/internal/analysis"
)

// --- Language feature handlers ---

func (s *Server) handleCompletion(msg *JSONRPCMessage) error {
	var params CompletionParams
	if err := s.decodeParams(msg, &params); err != nil {
		return err
	}

	doc := s.documents.Get(params.TextDocument.URI)
	eng, _ := s.engineFor(doc)
	if eng == nil {
		s.sendResponse(msg.ID, &CompletionList{Items: []CompletionItem{}}, nil)
		return nil
	}

	offset := doc.PositionToOffset(params.Position)
	list := eng.Completions(doc.URI, offset)
	s.sendResponse(msg.ID, toCompletionList(doc, list), nil)
	return nil
}

func toCompletionList(doc *Document, list *analysis.CompletionList) *CompletionList {
	out := &CompletionList{Items: []CompletionItem{}}
	if list == nil {
		return out
	}
	rng := doc.RangeOf(list.Start, list.End)
	for _, item := range list.Items {
		out.Items = append(out.Items, CompletionItem{
			Label:    item.Label,
			Kind:     completionKind(item.Kind),
			Detail:   item.Detail,
			TextEdit: &TextEdit{Range: rng, NewText: item.Label},
		})
	}
	return out
}

func completionKind(k analysis.CompletionKind) CompletionItemKind {
	switch k {
	case analysis.CompletionFile:
		return CompletionItemKindFile
	case analysis.CompletionFolder:
		return CompletionItemKindFolder
	default:
		return CompletionItemKindModule
	}
}

func (s *Server) handleHover(msg *JSONRPCMessage) error {
	var params HoverParams
	if err := s.decodeParams(msg, &params); err != nil {
		return err
	}

	doc := s.documents.Get(params.TextDocument.URI)
	eng, _ := s.engineFor(doc)
	if eng == nil {
		s.sendResponse(msg.ID, nil, nil)
		return nil
	}

	info := eng.QuickInfo(doc.URI, doc.PositionToOffset(params.Position))
	if info == nil {
		s.sendResponse(msg.ID, nil, nil)
		return nil
	}

	rng := doc.RangeOf(info.Start, info.End)
	s.sendResponse(msg.ID, &Hover{
		Contents: MarkupContent{Kind: MarkupKindMarkdown, Value: hoverMarkdown(info)},
		Range:    &rng,
	}, nil)
	return nil
}

func hoverMarkdown(info *analysis.QuickInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "```\n%s\n```\n", info.Specifier)
	if info.Resolved != "" {
		fmt.Fprintf(&sb, "\n**Resolved:** `%s`", info.Resolved)
		if info.Extension != "" {
			fmt.Fprintf(&sb, " (%s)", info.Extension)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\n**State:** %s\n", info.State)
	if info.Types != "" {
		fmt.Fprintf(&sb, "\n**Types:** `%s`\n", info.Types)
	}
	return sb.String()
}

func (s *Server) handleInlayHint(msg *JSONRPCMessage) error {
	var params InlayHintParams
	if err := s.decodeParams(msg, &params); err != nil {
		return err
	}

	hints := []InlayHint{}
	doc := s.documents.Get(params.TextDocument.URI)
	if eng, _ := s.engineFor(doc); eng != nil {
		start := doc.PositionToOffset(params.Range.Start)
		end := doc.PositionToOffset(params.Range.End)
		for _, h := range eng.InlayHints(doc.URI, start, end) {
			hints = append(hints, InlayHint{
				Position:    doc.OffsetToPosition(h.Offset),
				Label:       h.Label,
				Tooltip:     h.Tooltip,
				PaddingLeft: true,
			})
		}
	}

	s.sendResponse(msg.ID, hints, nil)
	return nil
}

func (s *Server) handleFormatting(msg *JSONRPCMessage) error {
	var params DocumentFormattingParams
	if err := s.decodeParams(msg, &params); err != nil {
		return err
	}

	edits := []TextEdit{}
	doc := s.documents.Get(params.TextDocument.URI)
	if eng, _ := s.engineFor(doc); eng != nil {
		for _, e := range eng.FormattingEdits(doc.URI) {
			edits = append(edits, TextEdit{
				Range:   doc.RangeOf(e.Start, e.End),
				NewText: e.NewText,
			})
		}
	}

	s.sendResponse(msg.ID, edits, nil)
	return nil
}
