// Package binding keeps a structural view in step with a replicated document.
//
// Local edits are expressed against view positions, translated into CRDT
// transactions, and the view is rebuilt from the CRDT afterwards. Remote
// updates rebuild the view as well; the selection is carried across them as a
// pair of relative positions, so it stays attached to the same content.
package binding

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"docagent/api/internal/crdt"
	"docagent/api/internal/prosemirror"
)

var (
	ErrPositionOutOfRange = errors.New("position out of range")
	ErrNotBlockBoundary   = errors.New("position is not a block boundary")
	ErrCrossBlock         = errors.New("range is not inside a single block")
	ErrUnknownItem        = errors.New("relative position refers to an unknown item")
)

// MetaRemote is set on transactions that replay remote updates.
const MetaRemote = "binding$remote"

// Binding ties a crdt.Doc to a prosemirror.View. It is not safe for
// concurrent use; the owning session serializes access together with the doc.
type Binding struct {
	doc       *crdt.Doc
	schema    *prosemirror.Schema
	view      *prosemirror.View
	layout    layout
	anchor    crdt.RelativePosition
	head      crdt.RelativePosition
	tracked   bool
	unobserve func()
}

// New bootstraps a view from the current content of doc and starts following
// its remote updates.
func New(doc *crdt.Doc, schema *prosemirror.Schema) *Binding {
	b := &Binding{doc: doc, schema: schema}
	tree, l := render(doc.Visible())
	b.layout = l
	b.view = prosemirror.NewView(prosemirror.NewState(tree))
	b.unobserve = doc.OnUpdate(b.onUpdate)
	return b
}

func (b *Binding) View() *prosemirror.View { return b.view }

func (b *Binding) State() prosemirror.State { return b.view.State() }

func (b *Binding) Schema() *prosemirror.Schema { return b.schema }

// Destroy stops following the doc and destroys the view, which lets plugins
// retract anything they published.
func (b *Binding) Destroy() {
	if b.unobserve != nil {
		b.unobserve()
		b.unobserve = nil
	}
	b.view.Destroy()
}

func (b *Binding) onUpdate(_ crdt.Update, origin any) {
	if origin == b {
		return
	}
	tree, l := render(b.doc.Visible())
	b.layout = l
	tr := b.view.State().Tr().ReplaceDoc(tree).SetMeta(MetaRemote, true)
	if b.tracked {
		anchor, errA := b.AbsolutePosition(b.anchor)
		head, errH := b.AbsolutePosition(b.head)
		if errA == nil && errH == nil {
			tr.SetSelection(prosemirror.TextSelection(anchor, head))
		}
	}
	if err := b.view.Dispatch(tr); err == nil {
		b.track()
	}
}

// SetSelection moves the selection.
func (b *Binding) SetSelection(sel prosemirror.Selection) error {
	if err := b.view.Dispatch(b.view.State().Tr().SetSelection(sel)); err != nil {
		return err
	}
	b.track()
	return nil
}

// ReplaceText replaces [from, to) with plain text. The range must lie inside
// one block. The selection spans the inserted text afterwards.
func (b *Binding) ReplaceText(from, to int, text string) (crdt.Update, error) {
	if to < from {
		return crdt.Update{}, fmt.Errorf("%w: %d..%d", ErrPositionOutOfRange, from, to)
	}
	blk, ok := prosemirror.BlockAt(b.view.State().Doc, from)
	if !ok || to > blk.ContentEnd() {
		return crdt.Update{}, fmt.Errorf("%w: %d..%d", ErrCrossBlock, from, to)
	}
	at, ok := b.layout.contentIndex(from)
	if !ok {
		return crdt.Update{}, fmt.Errorf("%w: %d", ErrPositionOutOfRange, from)
	}
	end := from + utf8.RuneCountInString(text)
	return b.apply(func(tx *crdt.Txn) error {
		if err := tx.Delete(at, to-from); err != nil {
			return err
		}
		return tx.InsertText(at, text, nil)
	}, func(*prosemirror.Node) prosemirror.Selection {
		return prosemirror.TextSelection(from, end)
	})
}

// InsertBlock inserts block at the block boundary pos. The selection is
// collapsed at the end of the new block's content.
func (b *Binding) InsertBlock(pos int, block *prosemirror.Node) (crdt.Update, error) {
	if err := b.schema.Check(prosemirror.Doc(block)); err != nil {
		return crdt.Update{}, err
	}
	at, ok := b.layout.boundaryIndex(pos)
	if !ok {
		return crdt.Update{}, fmt.Errorf("%w: %d", ErrNotBlockBoundary, pos)
	}
	end := pos + 1 + block.ContentSize()
	return b.apply(func(tx *crdt.Txn) error {
		if _, err := tx.InsertBlock(at, block.Type, block.Attrs); err != nil {
			return err
		}
		next := at + 1
		for _, child := range block.Content {
			if err := tx.InsertText(next, child.Text, markNames(child.Marks)); err != nil {
				return err
			}
			next += utf8.RuneCountInString(child.Text)
		}
		return nil
	}, func(*prosemirror.Node) prosemirror.Selection {
		return prosemirror.TextSelection(end, end)
	})
}

// DeleteBlock removes the top-level block at index. The selection collapses at
// the start of the block that followed it, or the end of the one before.
func (b *Binding) DeleteBlock(index int) (crdt.Update, error) {
	if index < 0 || index >= len(b.layout.blocks) {
		return crdt.Update{}, fmt.Errorf("%w: block %d", ErrPositionOutOfRange, index)
	}
	bl := b.layout.blocks[index]
	return b.apply(func(tx *crdt.Txn) error {
		return tx.Delete(bl.marker, bl.length+1)
	}, func(doc *prosemirror.Node) prosemirror.Selection {
		blocks := prosemirror.Blocks(doc)
		switch {
		case index < len(blocks):
			p := blocks[index].ContentStart()
			return prosemirror.TextSelection(p, p)
		case len(blocks) > 0:
			p := blocks[len(blocks)-1].ContentEnd()
			return prosemirror.TextSelection(p, p)
		}
		return prosemirror.AllSelection(doc)
	})
}

func (b *Binding) apply(fn func(*crdt.Txn) error, selection func(*prosemirror.Node) prosemirror.Selection) (crdt.Update, error) {
	u, err := b.doc.Transact(b, fn)
	if u.Empty() {
		return u, err
	}
	tree, l := render(b.doc.Visible())
	b.layout = l
	tr := b.view.State().Tr().ReplaceDoc(tree)
	if err == nil {
		tr.SetSelection(selection(tree))
	}
	if derr := b.view.Dispatch(tr); derr != nil && err == nil {
		err = derr
	}
	b.track()
	return u, err
}

func (b *Binding) track() {
	sel := b.view.State().Selection
	if sel.All {
		b.tracked = false
		return
	}
	anchor, errA := b.RelativePosition(sel.Anchor)
	head, errH := b.RelativePosition(sel.Head)
	if errA != nil || errH != nil {
		b.tracked = false
		return
	}
	b.anchor, b.head, b.tracked = anchor, head, true
}

// RelativePosition converts a view position into a position anchored to the
// replicated content.
func (b *Binding) RelativePosition(pos int) (crdt.RelativePosition, error) {
	l := b.layout
	if pos < 0 || pos > l.size {
		return crdt.RelativePosition{}, fmt.Errorf("%w: %d", ErrPositionOutOfRange, pos)
	}
	if pos == l.size {
		return crdt.RelativePosition{}, nil
	}
	for _, bl := range l.blocks {
		switch {
		case pos == bl.start:
			return crdt.NewRelativePosition(l.visible[bl.marker].ID, 0), nil
		case pos >= bl.contentStart() && pos < bl.contentEnd():
			return crdt.NewRelativePosition(l.visible[bl.marker+1+pos-bl.contentStart()].ID, 0), nil
		case pos == bl.contentEnd():
			return crdt.NewRelativePosition(l.visible[bl.marker+bl.length].ID, -1), nil
		}
	}
	return crdt.RelativePosition{}, fmt.Errorf("%w: %d", ErrPositionOutOfRange, pos)
}

// AbsolutePosition resolves a relative position against the current view.
func (b *Binding) AbsolutePosition(rel crdt.RelativePosition) (int, error) {
	l := b.layout
	if rel.Item == nil {
		if rel.Assoc < 0 {
			return 0, nil
		}
		return l.size, nil
	}

	all := b.doc.All()
	seq, visibleBefore := -1, 0
	for i, it := range all {
		if it.ID == *rel.Item {
			seq = i
			break
		}
		if !it.Deleted {
			visibleBefore++
		}
	}
	if seq < 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnknownItem, rel.Item)
	}
	anchorIsText := all[seq].Kind == crdt.KindText

	if rel.Assoc >= 0 {
		vi := visibleBefore
		if vi >= len(l.visible) {
			if anchorIsText && len(l.blocks) > 0 {
				return l.blocks[len(l.blocks)-1].contentEnd(), nil
			}
			return l.size, nil
		}
		if l.visible[vi].Kind == crdt.KindBlock {
			j := l.blockOf(vi)
			if anchorIsText && j > 0 {
				return l.blocks[j-1].contentEnd(), nil
			}
			return l.blocks[j].start, nil
		}
		return l.position(vi), nil
	}

	vi := visibleBefore - 1
	if !all[seq].Deleted {
		vi = visibleBefore
	}
	if vi < 0 {
		if len(l.blocks) > 0 {
			return l.blocks[0].contentStart(), nil
		}
		return 0, nil
	}
	j := l.blockOf(vi)
	if j < 0 {
		return 0, nil
	}
	if l.visible[vi].Kind == crdt.KindBlock {
		return l.blocks[j].contentStart(), nil
	}
	return l.position(vi) + 1, nil
}
