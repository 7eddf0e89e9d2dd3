package binding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docagent/api/internal/crdt"
	"docagent/api/internal/prosemirror"
)

func newSeeded(t *testing.T, client uint64, blocks ...*prosemirror.Node) *Binding {
	t.Helper()
	b := New(crdt.NewDoc(client), prosemirror.DefaultSchema())
	for _, blk := range blocks {
		_, err := b.InsertBlock(b.State().Doc.ContentSize(), blk)
		require.NoError(t, err)
	}
	return b
}

func scenario(t *testing.T, client uint64) *Binding {
	return newSeeded(t, client,
		prosemirror.Paragraph("Intro"),
		prosemirror.Heading(1, "Old Title"),
		prosemirror.Paragraph("Conclusion"),
	)
}

func blockTexts(doc *prosemirror.Node) []string {
	var out []string
	for _, b := range doc.Content {
		out = append(out, b.TextContent())
	}
	return out
}

func replicate(t *testing.T, from, to *crdt.Doc) {
	t.Helper()
	require.NoError(t, to.Apply(from.EncodeStateAsUpdate(to.StateVector()), "remote"))
}

func TestBootstrapFromExistingDoc(t *testing.T) {
	src := scenario(t, 1)
	doc := crdt.NewDoc(2)
	replicate(t, src.doc, doc)

	b := New(doc, prosemirror.DefaultSchema())
	state := b.State()
	assert.True(t, state.Selection.All)
	assert.Equal(t, []string{"Intro", "Old Title", "Conclusion"}, blockTexts(state.Doc))
	assert.Equal(t, 1, state.Doc.Content[1].Level())
	assert.True(t, state.Doc.Equal(src.State().Doc))
}

func TestReplaceText(t *testing.T) {
	b := scenario(t, 1)
	_, err := b.ReplaceText(8, 17, "New Title")
	require.NoError(t, err)

	state := b.State()
	assert.Equal(t, []string{"Intro", "New Title", "Conclusion"}, blockTexts(state.Doc))
	assert.Equal(t, prosemirror.TextSelection(8, 17), state.Selection)
	assert.Equal(t, prosemirror.NodeHeading, state.Doc.Content[1].Type)

	_, err = b.ReplaceText(3, 10, "x")
	assert.ErrorIs(t, err, ErrCrossBlock)
}

func TestInsertBlock(t *testing.T) {
	b := scenario(t, 1)
	_, err := b.InsertBlock(7, prosemirror.Heading(2, "Between"))
	require.NoError(t, err)

	state := b.State()
	assert.Equal(t, []string{"Intro", "Between", "Old Title", "Conclusion"}, blockTexts(state.Doc))
	assert.Equal(t, prosemirror.TextSelection(15, 15), state.Selection)

	_, err = b.InsertBlock(3, prosemirror.Paragraph("x"))
	assert.ErrorIs(t, err, ErrNotBlockBoundary)

	_, err = b.InsertBlock(0, &prosemirror.Node{Type: "table"})
	assert.ErrorIs(t, err, prosemirror.ErrInvalidDocument)
}

func TestDeleteBlock(t *testing.T) {
	b := scenario(t, 1)
	_, err := b.DeleteBlock(1)
	require.NoError(t, err)
	state := b.State()
	assert.Equal(t, []string{"Intro", "Conclusion"}, blockTexts(state.Doc))
	assert.Equal(t, prosemirror.TextSelection(8, 8), state.Selection)

	_, err = b.DeleteBlock(1)
	require.NoError(t, err)
	assert.Equal(t, prosemirror.TextSelection(6, 6), b.State().Selection)

	_, err = b.DeleteBlock(5)
	assert.ErrorIs(t, err, ErrPositionOutOfRange)
}

func TestRelativePositionRoundTrip(t *testing.T) {
	b := newSeeded(t, 1,
		prosemirror.Paragraph("Intro"),
		prosemirror.Paragraph(""),
		prosemirror.Heading(2, "End"),
	)
	size := b.State().Doc.ContentSize()
	for pos := 0; pos <= size; pos++ {
		rel, err := b.RelativePosition(pos)
		require.NoError(t, err)
		got, err := b.AbsolutePosition(rel)
		require.NoError(t, err)
		assert.Equal(t, pos, got, "position %d", pos)
	}

	_, err := b.RelativePosition(size + 1)
	assert.ErrorIs(t, err, ErrPositionOutOfRange)
	_, err = b.AbsolutePosition(crdt.NewRelativePosition(crdt.ID{Client: 99, Clock: 1}, 0))
	assert.ErrorIs(t, err, ErrUnknownItem)
}

func TestRemoteEditRemapsSelection(t *testing.T) {
	local := scenario(t, 1)
	remote := New(crdt.NewDoc(2), prosemirror.DefaultSchema())
	replicate(t, local.doc, remote.doc)

	require.NoError(t, local.SetSelection(prosemirror.TextSelection(8, 17)))

	_, err := remote.ReplaceText(1, 1, "AB")
	require.NoError(t, err)
	replicate(t, remote.doc, local.doc)

	state := local.State()
	assert.Equal(t, []string{"ABIntro", "Old Title", "Conclusion"}, blockTexts(state.Doc))
	assert.Equal(t, prosemirror.TextSelection(10, 19), state.Selection)
	from, to, ok := prosemirror.FindText(state.Doc, "old title")
	require.True(t, ok)
	assert.Equal(t, state.Selection.Anchor, from)
	assert.Equal(t, state.Selection.Head, to)
}

func TestRemoteDeleteCollapsesSelection(t *testing.T) {
	local := scenario(t, 1)
	remote := New(crdt.NewDoc(2), prosemirror.DefaultSchema())
	replicate(t, local.doc, remote.doc)

	require.NoError(t, local.SetSelection(prosemirror.TextSelection(8, 17)))
	_, err := remote.DeleteBlock(1)
	require.NoError(t, err)
	replicate(t, remote.doc, local.doc)

	state := local.State()
	assert.Equal(t, []string{"Intro", "Conclusion"}, blockTexts(state.Doc))
	assert.Equal(t, state.Selection.Anchor, state.Selection.Head)
	assert.Equal(t, 6, state.Selection.Anchor, "collapses to the end of the preceding block")
}

func TestRenderMergesMarkedRuns(t *testing.T) {
	doc := crdt.NewDoc(1)
	_, err := doc.Transact(nil, func(tx *crdt.Txn) error {
		if err := tx.InsertText(0, "orphan", nil); err != nil {
			return err
		}
		if _, err := tx.InsertBlock(6, prosemirror.NodeParagraph, nil); err != nil {
			return err
		}
		if err := tx.InsertText(7, "ab", []string{"bold"}); err != nil {
			return err
		}
		return tx.InsertText(9, "cd", nil)
	})
	require.NoError(t, err)

	tree := Render(doc)
	require.Len(t, tree.Content, 1)
	para := tree.Content[0]
	require.Len(t, para.Content, 2)
	assert.Equal(t, "ab", para.Content[0].Text)
	assert.True(t, para.Content[0].HasMark("bold"))
	assert.Equal(t, "cd", para.Content[1].Text)

	b := New(doc, prosemirror.DefaultSchema())
	_, err = b.ReplaceText(1, 3, "X")
	require.NoError(t, err)
	assert.Equal(t, "Xcd", b.State().Doc.Content[0].TextContent())
}

func TestDestroyStopsFollowing(t *testing.T) {
	local := scenario(t, 1)
	remote := New(crdt.NewDoc(2), prosemirror.DefaultSchema())
	replicate(t, local.doc, remote.doc)

	local.Destroy()
	_, err := remote.InsertBlock(0, prosemirror.Paragraph("late"))
	require.NoError(t, err)
	replicate(t, remote.doc, local.doc)
	assert.Len(t, local.State().Doc.Content, 3)
}
