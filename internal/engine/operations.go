package engine

import (
	"context"
	"errors"
	"strconv"
	"time"
	"unicode/utf8"

	"docagent/api/internal/binding"
	"docagent/api/internal/prosemirror"
	"docagent/api/internal/session"
)

// Operation names used in logs and metrics.
const (
	OpPositionCursor = "position_cursor"
	OpDeleteBlock    = "delete_block"
	OpInsertAtCursor = "insert_at_cursor"
	OpReplaceText    = "replace_text"
	OpDisconnect     = "disconnect"
	OpContent        = "content"
	OpExport         = "export"
)

// PositionCursor selects the first case-insensitive occurrence of
// searchText.
func (e *Engine) PositionCursor(ctx context.Context, id session.Identity, searchText string) Result {
	if searchText == "" {
		return e.reject(OpPositionCursor, id, fail(CodeInvalidArgument, "searchText is required"))
	}
	return e.run(ctx, OpPositionCursor, id, func(b *binding.Binding) Result {
		from, to, found := prosemirror.FindText(b.State().Doc, searchText)
		if !found {
			return fail(CodeNotFound, "text %q not found in document", searchText)
		}
		if err := b.SetSelection(prosemirror.TextSelection(from, to)); err != nil {
			return fail(CodeTransformFailure, "set selection: %v", err)
		}
		return ok("cursor positioned on "+quote(searchText), &Position{From: from, To: to})
	})
}

// DeleteBlock removes the block that holds the selection anchor. The last
// remaining block is never deleted.
func (e *Engine) DeleteBlock(ctx context.Context, id session.Identity) Result {
	return e.run(ctx, OpDeleteBlock, id, func(b *binding.Binding) Result {
		state := b.State()
		if state.Selection.All {
			return fail(CodeInvalidSelection, "no cursor position; position the cursor first")
		}
		blk, found := prosemirror.BlockAt(state.Doc, state.Selection.Anchor)
		if !found {
			return fail(CodeInvalidSelection, "cursor at %d is not inside a block", state.Selection.Anchor)
		}
		if state.Doc.ChildCount() <= 1 {
			return fail(CodeInvalidSelection, "cannot delete the only block of the document")
		}
		if _, err := b.DeleteBlock(blk.Index); err != nil {
			return fail(CodeTransformFailure, "delete block: %v", err)
		}
		return ok("deleted "+blockLabel(blk.Node), &Position{From: blk.Start, To: blk.End})
	})
}

// InsertAtCursor inserts a new block after the block holding the end of the
// selection. nodeType is "paragraph" (the default) or "heading1".."heading6".
func (e *Engine) InsertAtCursor(ctx context.Context, id session.Identity, text, nodeType string) Result {
	return e.run(ctx, OpInsertAtCursor, id, func(b *binding.Binding) Result {
		block, err := b.Schema().BlockFromType(nodeType, text)
		if errors.Is(err, prosemirror.ErrUnknownNodeType) {
			return fail(CodeInvalidArgument, "unsupported nodeType %q: use paragraph or heading1-heading6", nodeType)
		}
		if err != nil {
			return fail(CodeTransformFailure, "build block: %v", err)
		}
		state := b.State()
		at := prosemirror.BoundaryAfter(state.Doc, state.Selection.To())
		if _, err := b.InsertBlock(at, block); err != nil {
			return fail(CodeTransformFailure, "insert block: %v", err)
		}
		from := at + 1
		return ok("inserted "+blockLabel(block), &Position{From: from, To: from + utf8.RuneCountInString(text)})
	})
}

// ReplaceText replaces the first case-insensitive occurrence of findText with
// replaceText as plain text.
func (e *Engine) ReplaceText(ctx context.Context, id session.Identity, findText, replaceText string) Result {
	if findText == "" {
		return e.reject(OpReplaceText, id, fail(CodeInvalidArgument, "findText is required"))
	}
	return e.run(ctx, OpReplaceText, id, func(b *binding.Binding) Result {
		from, to, found := prosemirror.FindText(b.State().Doc, findText)
		if !found {
			return fail(CodeNotFound, "text %q not found in document", findText)
		}
		if _, err := b.ReplaceText(from, to, replaceText); err != nil {
			return fail(CodeTransformFailure, "replace text: %v", err)
		}
		return ok("replaced "+quote(findText)+" with "+quote(replaceText),
			&Position{From: from, To: from + utf8.RuneCountInString(replaceText)})
	})
}

// Disconnect closes the session of id. It always succeeds.
func (e *Engine) Disconnect(ctx context.Context, id session.Identity) Result {
	started := time.Now()
	e.sessions.Disconnect(ctx, id)
	res := ok("disconnected", nil)
	e.observe(OpDisconnect, id, res, started)
	return res
}

// reject records a result produced before any session was touched.
func (e *Engine) reject(op string, id session.Identity, res Result) Result {
	e.observe(op, id, res, time.Now())
	return res
}

func blockLabel(n *prosemirror.Node) string {
	kind := n.Type
	if level := n.Level(); level > 0 {
		kind = n.Type + strconv.Itoa(level)
	}
	return kind + " " + quote(n.TextContent())
}

func quote(s string) string {
	const limit = 60
	r := []rune(s)
	if len(r) > limit {
		s = string(r[:limit]) + "..."
	}
	return `"` + s + `"`
}
