package prosemirror

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownNodeType = errors.New("unknown node type")
	ErrInvalidDocument = errors.New("invalid document")
)

const maxHeadingLevel = 6

// Schema lists the block and mark types a document may contain.
type Schema struct {
	blocks map[string]struct{}
	marks  map[string]struct{}
}

// DefaultSchema allows paragraphs, headings, and the common inline marks.
func DefaultSchema() *Schema {
	return NewSchema(
		[]string{NodeParagraph, NodeHeading},
		[]string{"bold", "italic", "code", "link", "strike", "underline"},
	)
}

func NewSchema(blocks, marks []string) *Schema {
	s := &Schema{blocks: make(map[string]struct{}), marks: make(map[string]struct{})}
	for _, b := range blocks {
		s.blocks[b] = struct{}{}
	}
	for _, m := range marks {
		s.marks[m] = struct{}{}
	}
	return s
}

func (s *Schema) AllowsBlock(t string) bool {
	_, ok := s.blocks[t]
	return ok
}

func (s *Schema) AllowsMark(t string) bool {
	_, ok := s.marks[t]
	return ok
}

// BlockFromType builds a block for an operation node type: "paragraph" (also
// the empty string) or "heading1" through "heading6".
func (s *Schema) BlockFromType(nodeType, text string) (*Node, error) {
	switch {
	case nodeType == "" || nodeType == NodeParagraph:
		if !s.AllowsBlock(NodeParagraph) {
			break
		}
		return Paragraph(text), nil
	case strings.HasPrefix(nodeType, NodeHeading):
		if !s.AllowsBlock(NodeHeading) {
			break
		}
		digit := strings.TrimPrefix(nodeType, NodeHeading)
		if len(digit) != 1 || digit[0] < '1' || digit[0] > '0'+maxHeadingLevel {
			break
		}
		return Heading(int(digit[0]-'0'), text), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, nodeType)
}

// Check validates that doc conforms to the schema.
func (s *Schema) Check(doc *Node) error {
	if doc == nil || doc.Type != NodeDoc {
		return fmt.Errorf("%w: root must be %s", ErrInvalidDocument, NodeDoc)
	}
	for i, block := range doc.Content {
		if !s.AllowsBlock(block.Type) {
			return fmt.Errorf("%w: block %d has type %q", ErrInvalidDocument, i, block.Type)
		}
		if block.Type == NodeHeading {
			if lvl := block.Level(); lvl < 1 || lvl > maxHeadingLevel {
				return fmt.Errorf("%w: heading level %d", ErrInvalidDocument, lvl)
			}
		}
		for _, inline := range block.Content {
			if !inline.IsText() {
				return fmt.Errorf("%w: block %d holds %q", ErrInvalidDocument, i, inline.Type)
			}
			for _, m := range inline.Marks {
				if !s.AllowsMark(m.Type) {
					return fmt.Errorf("%w: mark %q", ErrInvalidDocument, m.Type)
				}
			}
		}
	}
	return nil
}
