package prosemirror

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDoc() *Node {
	return Doc(Paragraph("Intro"), Heading(1, "Old Title"), Paragraph("Conclusion"))
}

func TestPositions(t *testing.T) {
	doc := sampleDoc()
	blocks := Blocks(doc)
	require.Len(t, blocks, 3)
	assert.Equal(t, 0, blocks[0].Start)
	assert.Equal(t, 7, blocks[0].End)
	assert.Equal(t, 7, blocks[1].Start)
	assert.Equal(t, 8, blocks[1].ContentStart())
	assert.Equal(t, 17, blocks[1].ContentEnd())
	assert.Equal(t, 30, doc.ContentSize())

	b, ok := BlockAt(doc, 10)
	require.True(t, ok)
	assert.Equal(t, 1, b.Index)
	_, ok = BlockAt(doc, 7)
	assert.False(t, ok)

	assert.Equal(t, 18, BoundaryAfter(doc, 10))
	assert.Equal(t, 7, BoundaryAfter(doc, 7))
	assert.Equal(t, 30, BoundaryAfter(doc, 29))
}

func TestFindText(t *testing.T) {
	doc := Doc(Paragraph("Intro"), Heading(1, "Old Title"), Paragraph("Conclusion"))

	from, to, ok := FindText(doc, "old title")
	require.True(t, ok)
	assert.Equal(t, 8, from)
	assert.Equal(t, 17, to)

	from, to, ok = FindText(doc, "ON")
	require.True(t, ok)
	assert.Equal(t, 20, from, "first match in document order")
	assert.Equal(t, 22, to)

	_, _, ok = FindText(doc, "IntroOld")
	assert.False(t, ok, "matches never span blocks")
	_, _, ok = FindText(doc, "")
	assert.False(t, ok)
}

func TestFindTextCountsRunes(t *testing.T) {
	doc := Doc(Paragraph("Ünïcode straße"))
	from, to, ok := FindText(doc, "STRASSE")
	assert.False(t, ok)

	from, to, ok = FindText(doc, "STRAßE")
	require.True(t, ok)
	assert.Equal(t, 9, from)
	assert.Equal(t, 15, to)
}

func TestSchemaBlockFromType(t *testing.T) {
	s := DefaultSchema()

	n, err := s.BlockFromType("", "x")
	require.NoError(t, err)
	assert.Equal(t, NodeParagraph, n.Type)

	n, err = s.BlockFromType("heading3", "x")
	require.NoError(t, err)
	assert.Equal(t, 3, n.Level())

	for _, bad := range []string{"heading", "heading7", "heading0", "heading+1", "heading02", "heading 1", "blockquote", "image"} {
		_, err := s.BlockFromType(bad, "x")
		assert.ErrorIs(t, err, ErrUnknownNodeType, bad)
	}
}

func TestSchemaCheck(t *testing.T) {
	s := DefaultSchema()
	require.NoError(t, s.Check(sampleDoc()))

	bad := Doc(&Node{Type: "table"})
	assert.ErrorIs(t, s.Check(bad), ErrInvalidDocument)

	bad = Doc(&Node{Type: NodeParagraph, Content: []*Node{Text("x", Mark{Type: "blink"})}})
	assert.ErrorIs(t, s.Check(bad), ErrInvalidDocument)
}

func TestLevelFromJSON(t *testing.T) {
	var n Node
	require.NoError(t, json.Unmarshal([]byte(`{"type":"heading","attrs":{"level":2}}`), &n))
	assert.Equal(t, 2, n.Level())
}

type recordingPlugin struct {
	updates   []State
	destroyed int
}

func (p *recordingPlugin) Update(v *View, prev State) { p.updates = append(p.updates, v.State()) }
func (p *recordingPlugin) Destroy(*View)              { p.destroyed++ }

func TestViewDispatch(t *testing.T) {
	v := NewView(NewState(sampleDoc()))
	assert.True(t, v.State().Selection.All)

	p := &recordingPlugin{}
	v.AddPlugin(p)
	require.Len(t, p.updates, 1)

	require.NoError(t, v.Dispatch(v.State().Tr().SetSelection(TextSelection(8, 17))))
	require.Len(t, p.updates, 2)
	assert.Equal(t, TextSelection(8, 17), v.State().Selection)
	assert.Equal(t, uint64(0), v.State().Version)

	err := v.Dispatch(v.State().Tr().SetSelection(TextSelection(0, 99)))
	assert.ErrorIs(t, err, ErrSelectionOutOfRange)

	require.NoError(t, v.Dispatch(v.State().Tr().ReplaceDoc(Doc(Paragraph("a")))))
	assert.Equal(t, TextSelection(3, 3), v.State().Selection, "selection clamps to the new doc")
	assert.Equal(t, uint64(1), v.State().Version)

	v.Destroy()
	v.Destroy()
	assert.Equal(t, 1, p.destroyed)
	assert.Error(t, v.Dispatch(v.State().Tr()))
}
