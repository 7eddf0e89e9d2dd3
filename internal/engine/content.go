package engine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"docagent/api/internal/binding"
	"docagent/api/internal/export"
	"docagent/api/internal/prosemirror"
	"docagent/api/internal/session"
)

// Block summarizes one top-level block.
type Block struct {
	Type  string `json:"type"`
	Level int    `json:"level,omitempty"`
	Text  string `json:"text"`
	From  int    `json:"from"`
	To    int    `json:"to"`
}

// Content is a read of the document and the agent's selection.
type Content struct {
	Result
	Blocks    []Block                `json:"blocks,omitempty"`
	Selection *prosemirror.Selection `json:"selection,omitempty"`
	Doc       *prosemirror.Node      `json:"doc,omitempty"`
}

// Content reads the current document. Block positions are content ranges.
func (e *Engine) Content(ctx context.Context, id session.Identity) Content {
	var out Content
	out.Result = e.run(ctx, OpContent, id, func(b *binding.Binding) Result {
		state := b.State()
		out.Doc = state.Doc
		sel := state.Selection
		out.Selection = &sel
		for _, blk := range prosemirror.Blocks(state.Doc) {
			out.Blocks = append(out.Blocks, Block{
				Type:  blk.Node.Type,
				Level: blk.Node.Level(),
				Text:  blk.Node.TextContent(),
				From:  blk.ContentStart(),
				To:    blk.ContentEnd(),
			})
		}
		return ok("document has "+pluralBlocks(len(out.Blocks)), nil)
	})
	if !out.Success {
		out.Blocks, out.Selection, out.Doc = nil, nil, nil
	}
	return out
}

// Export renders the current document. The tree is read under the session
// lock and rendered after releasing it.
func (e *Engine) Export(ctx context.Context, id session.Identity, formatName string) (*export.Result, Result) {
	started := time.Now()
	format, err := export.ParseFormat(formatName)
	if err != nil {
		return nil, e.reject(OpExport, id, fail(CodeInvalidArgument, "unsupported export format %q", formatName))
	}

	var doc *prosemirror.Node
	res := e.execute(ctx, OpExport, id, func(b *binding.Binding) Result {
		doc = b.State().Doc
		return ok("", nil)
	})
	if !res.Success {
		e.observe(OpExport, id, res, started)
		return nil, res
	}

	out, err := e.exporter.Export(ctx, export.Document{Source: id.DocumentURL, Doc: doc, UpdatedAt: time.Now()}, format)
	switch {
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		res = fail(CodeExportUnavailable, "%v", err)
	case err != nil:
		res = fail(CodeTransformFailure, "export %s: %v", format, err)
	default:
		res = ok("exported "+out.Filename, nil)
	}
	e.observe(OpExport, id, res, started)
	if !res.Success {
		return nil, res
	}
	return out, res
}

func pluralBlocks(n int) string {
	if n == 1 {
		return "1 block"
	}
	return strconv.Itoa(n) + " blocks"
}
