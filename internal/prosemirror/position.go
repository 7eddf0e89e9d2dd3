package prosemirror

import "unicode"

// BlockRange locates a top-level block. Start is the position before its
// opening token, End the position after its closing token.
type BlockRange struct {
	Index int
	Node  *Node
	Start int
	End   int
}

func (r BlockRange) ContentStart() int { return r.Start + 1 }
func (r BlockRange) ContentEnd() int   { return r.End - 1 }

// Blocks lists the top-level blocks of doc with their positions.
func Blocks(doc *Node) []BlockRange {
	out := make([]BlockRange, 0, len(doc.Content))
	pos := 0
	for i, child := range doc.Content {
		size := child.NodeSize()
		out = append(out, BlockRange{Index: i, Node: child, Start: pos, End: pos + size})
		pos += size
	}
	return out
}

// BlockAt returns the block whose content contains pos. Positions between
// blocks have no enclosing block.
func BlockAt(doc *Node, pos int) (BlockRange, bool) {
	for _, b := range Blocks(doc) {
		if pos >= b.ContentStart() && pos <= b.ContentEnd() {
			return b, true
		}
		if pos < b.Start {
			break
		}
	}
	return BlockRange{}, false
}

// BoundaryAfter returns the first block boundary at or after pos.
func BoundaryAfter(doc *Node, pos int) int {
	for _, b := range Blocks(doc) {
		if pos <= b.Start {
			return b.Start
		}
		if pos < b.End {
			return b.End
		}
	}
	return doc.ContentSize()
}

// FindText returns the first case-insensitive occurrence of needle, searching
// each block's text content in document order. Matches never span blocks.
func FindText(doc *Node, needle string) (from, to int, ok bool) {
	want := []rune(needle)
	if len(want) == 0 {
		return 0, 0, false
	}
	for _, b := range Blocks(doc) {
		hay := []rune(b.Node.TextContent())
		for i := 0; i+len(want) <= len(hay); i++ {
			if foldEqual(hay[i:i+len(want)], want) {
				from = b.ContentStart() + i
				return from, from + len(want), true
			}
		}
	}
	return 0, 0, false
}

func foldEqual(a, b []rune) bool {
	for i := range a {
		if unicode.ToLower(a[i]) != unicode.ToLower(b[i]) {
			return false
		}
	}
	return true
}
