// Package prosemirror is a headless structural document model: an immutable
// node tree with flat integer positions, a selection, editor state, and a view
// that notifies plugins after every dispatched transaction.
//
// Positions follow the ProseMirror convention. Document content starts at 0,
// entering or leaving a block consumes one position, and each rune of text
// consumes one.
package prosemirror

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

const (
	NodeDoc       = "doc"
	NodeParagraph = "paragraph"
	NodeHeading   = "heading"
	NodeText      = "text"
)

// Mark is an inline annotation on a text node.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Node is a document node. Nodes are treated as immutable once published in
// a State.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []*Node        `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Doc builds a document from blocks.
func Doc(blocks ...*Node) *Node {
	return &Node{Type: NodeDoc, Content: blocks}
}

// Paragraph builds a paragraph holding plain text.
func Paragraph(text string) *Node {
	return textBlock(&Node{Type: NodeParagraph}, text)
}

// Heading builds a heading of the given level holding plain text.
func Heading(level int, text string) *Node {
	return textBlock(&Node{Type: NodeHeading, Attrs: map[string]any{"level": level}}, text)
}

// Text builds a text leaf.
func Text(s string, marks ...Mark) *Node {
	return &Node{Type: NodeText, Text: s, Marks: marks}
}

func textBlock(n *Node, text string) *Node {
	if text != "" {
		n.Content = []*Node{Text(text)}
	}
	return n
}

func (n *Node) IsText() bool {
	return n.Type == NodeText
}

// NodeSize is the number of positions n occupies in its parent.
func (n *Node) NodeSize() int {
	if n.IsText() {
		return utf8.RuneCountInString(n.Text)
	}
	return n.ContentSize() + 2
}

// ContentSize is the number of positions inside n.
func (n *Node) ContentSize() int {
	size := 0
	for _, child := range n.Content {
		size += child.NodeSize()
	}
	return size
}

// TextContent concatenates all text below n.
func (n *Node) TextContent() string {
	if n.IsText() {
		return n.Text
	}
	var sb strings.Builder
	for _, child := range n.Content {
		sb.WriteString(child.TextContent())
	}
	return sb.String()
}

// ChildCount returns the number of direct children.
func (n *Node) ChildCount() int {
	return len(n.Content)
}

// Level returns the heading level, or 0 for other nodes.
func (n *Node) Level() int {
	if n.Type != NodeHeading {
		return 0
	}
	switch v := n.Attrs["level"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		i, _ := v.Int64()
		return int(i)
	}
	return 1
}

// HasMark reports whether a text node carries a mark of type t.
func (n *Node) HasMark(t string) bool {
	for _, m := range n.Marks {
		if m.Type == t {
			return true
		}
	}
	return false
}

// Equal compares nodes by their JSON form.
func (n *Node) Equal(other *Node) bool {
	if n == nil || other == nil {
		return n == other
	}
	a, errA := json.Marshal(n)
	b, errB := json.Marshal(other)
	return errA == nil && errB == nil && string(a) == string(b)
}
