package prosemirror

import (
	"errors"
	"fmt"
	"sync"
)

var ErrSelectionOutOfRange = errors.New("selection out of range")

// Selection is a text selection between Anchor and Head. All marks the
// whole-document placeholder a fresh state starts with.
type Selection struct {
	Anchor int  `json:"anchor"`
	Head   int  `json:"head"`
	All    bool `json:"all,omitempty"`
}

func TextSelection(anchor, head int) Selection {
	return Selection{Anchor: anchor, Head: head}
}

func AllSelection(doc *Node) Selection {
	return Selection{Anchor: 0, Head: doc.ContentSize(), All: true}
}

func (s Selection) From() int { return min(s.Anchor, s.Head) }
func (s Selection) To() int   { return max(s.Anchor, s.Head) }
func (s Selection) Empty() bool {
	return s.Anchor == s.Head
}

// State is an immutable editor state.
type State struct {
	Doc       *Node
	Selection Selection
	Version   uint64
}

// NewState starts from doc with the placeholder selection.
func NewState(doc *Node) State {
	return State{Doc: doc, Selection: AllSelection(doc)}
}

// Tr starts a transaction on s.
func (s State) Tr() *Transaction {
	return &Transaction{before: s, doc: s.Doc, selection: s.Selection}
}

// Apply returns the state produced by tr.
func (s State) Apply(tr *Transaction) (State, error) {
	sel := tr.selection
	if tr.docChanged && !tr.selectionSet {
		if sel.All {
			sel = AllSelection(tr.doc)
		} else {
			size := tr.doc.ContentSize()
			sel = TextSelection(clamp(sel.Anchor, size), clamp(sel.Head, size))
		}
	}
	size := tr.doc.ContentSize()
	if sel.Anchor < 0 || sel.Head < 0 || sel.Anchor > size || sel.Head > size {
		return s, fmt.Errorf("%w: %d..%d of %d", ErrSelectionOutOfRange, sel.Anchor, sel.Head, size)
	}
	next := State{Doc: tr.doc, Selection: sel, Version: s.Version}
	if tr.docChanged {
		next.Version++
	}
	return next, nil
}

func clamp(v, size int) int {
	return max(0, min(v, size))
}

// Transaction describes a change to a State.
type Transaction struct {
	before       State
	doc          *Node
	selection    Selection
	docChanged   bool
	selectionSet bool
	meta         map[string]any
}

// ReplaceDoc swaps the whole document.
func (tr *Transaction) ReplaceDoc(doc *Node) *Transaction {
	tr.doc = doc
	tr.docChanged = true
	return tr
}

func (tr *Transaction) SetSelection(sel Selection) *Transaction {
	tr.selection = sel
	tr.selectionSet = true
	return tr
}

func (tr *Transaction) SetMeta(key string, value any) *Transaction {
	if tr.meta == nil {
		tr.meta = make(map[string]any)
	}
	tr.meta[key] = value
	return tr
}

func (tr *Transaction) Meta(key string) any {
	return tr.meta[key]
}

func (tr *Transaction) DocChanged() bool   { return tr.docChanged }
func (tr *Transaction) SelectionSet() bool { return tr.selectionSet }
func (tr *Transaction) Before() State      { return tr.before }
func (tr *Transaction) Doc() *Node         { return tr.doc }

// Plugin observes a view. Update runs after every dispatched transaction with
// the previous state, Destroy once when the view is torn down.
type Plugin interface {
	Update(v *View, prev State)
	Destroy(v *View)
}

// View holds the current state and its plugins.
type View struct {
	mu        sync.Mutex
	state     State
	plugins   []Plugin
	destroyed bool
}

func NewView(state State) *View {
	return &View{state: state}
}

func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// AddPlugin attaches p and runs its first update against the current state.
func (v *View) AddPlugin(p Plugin) {
	v.mu.Lock()
	v.plugins = append(v.plugins, p)
	state := v.state
	v.mu.Unlock()
	p.Update(v, state)
}

// Dispatch applies tr and notifies the plugins.
func (v *View) Dispatch(tr *Transaction) error {
	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		return errors.New("view destroyed")
	}
	prev := v.state
	next, err := prev.Apply(tr)
	if err != nil {
		v.mu.Unlock()
		return err
	}
	v.state = next
	plugins := append([]Plugin(nil), v.plugins...)
	v.mu.Unlock()

	for _, p := range plugins {
		p.Update(v, prev)
	}
	return nil
}

// Destroy tears the view down. Further dispatches fail.
func (v *View) Destroy() {
	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		return
	}
	v.destroyed = true
	plugins := v.plugins
	v.plugins = nil
	v.mu.Unlock()

	for _, p := range plugins {
		p.Destroy(v)
	}
}
