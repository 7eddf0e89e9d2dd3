package binding

import (
	"slices"

	"docagent/api/internal/crdt"
	"docagent/api/internal/prosemirror"
)

// blockLayout maps one rendered block back to the visible sequence.
type blockLayout struct {
	marker int // visible index of the block marker
	length int // visible text items in the block
	start  int // position before the block
}

func (bl blockLayout) contentStart() int { return bl.start + 1 }
func (bl blockLayout) contentEnd() int   { return bl.start + 1 + bl.length }

type layout struct {
	visible []crdt.Item
	blocks  []blockLayout
	size    int
}

// Render builds the document tree for the visible content of doc. Text that
// precedes the first block marker has no enclosing block and is not rendered.
func Render(doc *crdt.Doc) *prosemirror.Node {
	tree, _ := render(doc.Visible())
	return tree
}

func render(items []crdt.Item) (*prosemirror.Node, layout) {
	tree := &prosemirror.Node{Type: prosemirror.NodeDoc}
	l := layout{visible: items}
	var block *prosemirror.Node
	for i, it := range items {
		switch it.Kind {
		case crdt.KindBlock:
			block = &prosemirror.Node{Type: it.Node, Attrs: cloneAttrs(it.Attrs)}
			tree.Content = append(tree.Content, block)
			l.blocks = append(l.blocks, blockLayout{marker: i})
		case crdt.KindText:
			if block == nil {
				continue
			}
			l.blocks[len(l.blocks)-1].length++
			if n := len(block.Content); n > 0 && sameMarks(block.Content[n-1].Marks, it.Marks) {
				block.Content[n-1].Text += it.Text
				continue
			}
			block.Content = append(block.Content, &prosemirror.Node{
				Type:  prosemirror.NodeText,
				Text:  it.Text,
				Marks: toMarks(it.Marks),
			})
		}
	}
	start := 0
	for i := range l.blocks {
		l.blocks[i].start = start
		start += l.blocks[i].length + 2
	}
	l.size = start
	return tree, l
}

// blockOf returns the block containing visible index vi, or -1 for text
// before the first block.
func (l layout) blockOf(vi int) int {
	j, found := slices.BinarySearchFunc(l.blocks, vi, func(bl blockLayout, target int) int {
		return bl.marker - target
	})
	if found {
		return j
	}
	return j - 1
}

// position converts a visible index to the position before that item.
func (l layout) position(vi int) int {
	j := l.blockOf(vi)
	if j < 0 {
		return 0
	}
	bl := l.blocks[j]
	if vi == bl.marker {
		return bl.start
	}
	return bl.contentStart() + (vi - bl.marker - 1)
}

// boundaryIndex returns the visible index at which a block starting at pos
// must be inserted.
func (l layout) boundaryIndex(pos int) (int, bool) {
	if pos == l.size {
		return len(l.visible), true
	}
	for _, bl := range l.blocks {
		if bl.start == pos {
			return bl.marker, true
		}
	}
	return 0, false
}

// contentIndex returns the visible index for a position inside block content.
func (l layout) contentIndex(pos int) (int, bool) {
	for _, bl := range l.blocks {
		if pos >= bl.contentStart() && pos <= bl.contentEnd() {
			return bl.marker + 1 + (pos - bl.contentStart()), true
		}
	}
	return 0, false
}

func toMarks(names []string) []prosemirror.Mark {
	if len(names) == 0 {
		return nil
	}
	marks := make([]prosemirror.Mark, len(names))
	for i, name := range names {
		marks[i] = prosemirror.Mark{Type: name}
	}
	return marks
}

func markNames(marks []prosemirror.Mark) []string {
	if len(marks) == 0 {
		return nil
	}
	names := make([]string, len(marks))
	for i, m := range marks {
		names[i] = m.Type
	}
	return names
}

func sameMarks(marks []prosemirror.Mark, names []string) bool {
	if len(marks) != len(names) {
		return false
	}
	for i := range marks {
		if marks[i].Type != names[i] {
			return false
		}
	}
	return true
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
