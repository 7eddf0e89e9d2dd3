// Package crdt implements the replicated sequence behind a shared structural
// document. The sequence holds block markers and single-rune text items ordered
// with RGA: every item remembers the item to its left at creation time and
// concurrent siblings are ordered by their Lamport identifiers. Deleted items
// stay in the sequence as tombstones so structure-relative positions can still
// be resolved after concurrent edits.
//
// A Doc is not safe for concurrent use; callers serialize access.
package crdt

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is returned when an index falls outside the visible sequence.
	ErrOutOfRange = errors.New("crdt: index out of range")
	// ErrMalformedItem is returned when a remote item cannot be integrated.
	ErrMalformedItem = errors.New("crdt: malformed item")
)

// ID identifies an item. Clock is a Lamport timestamp, Client breaks ties.
type ID struct {
	Client uint64 `json:"client"`
	Clock  uint64 `json:"clock"`
}

// Less orders ids by clock, then client.
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Client < other.Client
}

func (id ID) String() string {
	return fmt.Sprintf("%d@%d", id.Clock, id.Client)
}

// Kind distinguishes block markers from text items.
type Kind string

const (
	KindBlock Kind = "block"
	KindText  Kind = "text"
)

// Item is one element of the sequence. A block item opens a block that runs
// until the next visible block item; a text item carries exactly one rune.
type Item struct {
	ID      ID             `json:"id"`
	Origin  *ID            `json:"origin,omitempty"`
	Kind    Kind           `json:"kind"`
	Text    string         `json:"text,omitempty"`
	Node    string         `json:"node,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Marks   []string       `json:"marks,omitempty"`
	Deleted bool           `json:"-"`
}

// StateVector maps each client to the highest clock integrated from it.
type StateVector map[uint64]uint64

// Update is the unit of replication: new items plus deleted ids.
type Update struct {
	Items   []Item `json:"items,omitempty"`
	Deletes []ID   `json:"deletes,omitempty"`
}

// Empty reports whether the update carries no changes.
func (u Update) Empty() bool {
	return len(u.Items) == 0 && len(u.Deletes) == 0
}

// Merge appends other's changes to u.
func (u *Update) Merge(other Update) {
	u.Items = append(u.Items, other.Items...)
	u.Deletes = append(u.Deletes, other.Deletes...)
}

type observer func(Update, any)

// Doc is one replica of the shared sequence.
type Doc struct {
	client         uint64
	clock          uint64
	items          []*Item
	byID           map[ID]*Item
	sv             StateVector
	pending        []Item
	pendingDeletes map[ID]struct{}
	observers      map[int]observer
	nextObserver   int
}

// NewDoc creates an empty replica owned by client.
func NewDoc(client uint64) *Doc {
	return &Doc{
		client:         client,
		byID:           make(map[ID]*Item),
		sv:             make(StateVector),
		pendingDeletes: make(map[ID]struct{}),
		observers:      make(map[int]observer),
	}
}

// ClientID returns the id used for locally created items.
func (d *Doc) ClientID() uint64 {
	return d.client
}

// OnUpdate registers fn to receive every applied update with its origin.
// The returned func removes the observer.
func (d *Doc) OnUpdate(fn func(Update, any)) func() {
	id := d.nextObserver
	d.nextObserver++
	d.observers[id] = fn
	return func() {
		delete(d.observers, id)
	}
}

func (d *Doc) emit(u Update, origin any) {
	for _, fn := range d.observers {
		fn(u, origin)
	}
}

// Len returns the number of visible items.
func (d *Doc) Len() int {
	n := 0
	for _, it := range d.items {
		if !it.Deleted {
			n++
		}
	}
	return n
}

// Visible returns copies of the visible items in sequence order.
func (d *Doc) Visible() []Item {
	out := make([]Item, 0, len(d.items))
	for _, it := range d.items {
		if !it.Deleted {
			out = append(out, *it)
		}
	}
	return out
}

// All returns copies of every item, tombstones included, in sequence order.
func (d *Doc) All() []Item {
	out := make([]Item, len(d.items))
	for i, it := range d.items {
		out[i] = *it
	}
	return out
}

// StateVector returns a copy of the replica's state vector.
func (d *Doc) StateVector() StateVector {
	sv := make(StateVector, len(d.sv))
	for client, clock := range d.sv {
		sv[client] = clock
	}
	return sv
}

// Pending reports how many remote items wait for a missing origin.
func (d *Doc) Pending() int {
	return len(d.pending)
}

// EncodeStateAsUpdate returns the items the holder of sv has not seen, plus
// every known deletion. A nil sv yields the full state.
func (d *Doc) EncodeStateAsUpdate(sv StateVector) Update {
	var u Update
	for _, it := range d.items {
		if it.ID.Clock > sv[it.ID.Client] {
			cp := *it
			cp.Deleted = false
			u.Items = append(u.Items, cp)
		}
		if it.Deleted {
			u.Deletes = append(u.Deletes, it.ID)
		}
	}
	return u
}

// Apply integrates a remote update. Items whose origin is unknown are kept
// pending until it arrives; known items are skipped, so Apply is idempotent.
func (d *Doc) Apply(u Update, origin any) error {
	for _, it := range u.Items {
		if err := validateItem(it); err != nil {
			return err
		}
	}

	var applied Update
	queue := append(d.pending, u.Items...)
	d.pending = nil
	for progress := true; progress; {
		progress = false
		var rest []Item
		for _, it := range queue {
			if _, ok := d.byID[it.ID]; ok {
				continue
			}
			if it.Origin != nil {
				if _, ok := d.byID[*it.Origin]; !ok {
					rest = append(rest, it)
					continue
				}
			}
			cp := it
			cp.Deleted = false
			d.integrate(&cp)
			applied.Items = append(applied.Items, it)
			progress = true
		}
		queue = rest
	}
	d.pending = queue

	for _, id := range u.Deletes {
		d.pendingDeletes[id] = struct{}{}
	}
	for id := range d.pendingDeletes {
		it, ok := d.byID[id]
		if !ok {
			continue
		}
		delete(d.pendingDeletes, id)
		if !it.Deleted {
			it.Deleted = true
			applied.Deletes = append(applied.Deletes, id)
		}
	}

	if !applied.Empty() {
		d.emit(applied, origin)
	}
	return nil
}

func validateItem(it Item) error {
	switch it.Kind {
	case KindBlock:
		if it.Node == "" {
			return fmt.Errorf("%w: block %s without node type", ErrMalformedItem, it.ID)
		}
	case KindText:
		if len([]rune(it.Text)) != 1 {
			return fmt.Errorf("%w: text item %s must hold one rune", ErrMalformedItem, it.ID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedItem, it.Kind)
	}
	if it.ID.Clock == 0 {
		return fmt.Errorf("%w: zero clock", ErrMalformedItem)
	}
	return nil
}

// integrate places it after its origin, skipping siblings with greater ids.
// Descendants of a greater sibling carry even greater clocks, so they are
// skipped as well.
func (d *Doc) integrate(it *Item) {
	pos := 0
	if it.Origin != nil {
		pos = d.seqIndex(*it.Origin) + 1
	}
	for pos < len(d.items) && it.ID.Less(d.items[pos].ID) {
		pos++
	}
	d.items = append(d.items, nil)
	copy(d.items[pos+1:], d.items[pos:])
	d.items[pos] = it
	d.byID[it.ID] = it

	if it.ID.Clock > d.sv[it.ID.Client] {
		d.sv[it.ID.Client] = it.ID.Clock
	}
	if it.ID.Clock > d.clock {
		d.clock = it.ID.Clock
	}
}

func (d *Doc) seqIndex(id ID) int {
	for i, it := range d.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func (d *Doc) visibleAt(index int) *Item {
	n := 0
	for _, it := range d.items {
		if it.Deleted {
			continue
		}
		if n == index {
			return it
		}
		n++
	}
	return nil
}

func (d *Doc) originAt(index int) (*ID, error) {
	if index < 0 || index > d.Len() {
		return nil, fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	if index == 0 {
		return nil, nil
	}
	id := d.visibleAt(index - 1).ID
	return &id, nil
}

func (d *Doc) localInsert(it *Item) {
	d.clock++
	it.ID = ID{Client: d.client, Clock: d.clock}
	d.integrate(it)
}

// Transact runs fn against the doc and emits the collected changes to the
// observers once, tagged with origin. Changes made before fn fails are kept
// and still emitted so replicas stay convergent.
func (d *Doc) Transact(origin any, fn func(tx *Txn) error) (Update, error) {
	tx := &Txn{doc: d}
	err := fn(tx)
	if !tx.update.Empty() {
		d.emit(tx.update, origin)
	}
	return tx.update, err
}

// Txn collects local changes inside Transact.
type Txn struct {
	doc    *Doc
	update Update
}

// InsertBlock inserts a block marker at visible index.
func (tx *Txn) InsertBlock(index int, node string, attrs map[string]any) (ID, error) {
	origin, err := tx.doc.originAt(index)
	if err != nil {
		return ID{}, err
	}
	it := &Item{Origin: origin, Kind: KindBlock, Node: node, Attrs: cloneAttrs(attrs)}
	tx.doc.localInsert(it)
	tx.update.Items = append(tx.update.Items, *it)
	return it.ID, nil
}

// InsertText inserts text rune by rune starting at visible index.
func (tx *Txn) InsertText(index int, text string, marks []string) error {
	origin, err := tx.doc.originAt(index)
	if err != nil {
		return err
	}
	for _, r := range text {
		it := &Item{Origin: origin, Kind: KindText, Text: string(r), Marks: cloneMarks(marks)}
		tx.doc.localInsert(it)
		tx.update.Items = append(tx.update.Items, *it)
		id := it.ID
		origin = &id
	}
	return nil
}

// Delete tombstones length visible items starting at index.
func (tx *Txn) Delete(index, length int) error {
	if length == 0 {
		return nil
	}
	if index < 0 || length < 0 || index+length > tx.doc.Len() {
		return fmt.Errorf("%w: delete %d+%d", ErrOutOfRange, index, length)
	}
	targets := make([]*Item, 0, length)
	n := 0
	for _, it := range tx.doc.items {
		if it.Deleted {
			continue
		}
		if n >= index && n < index+length {
			targets = append(targets, it)
		}
		n++
	}
	for _, it := range targets {
		it.Deleted = true
		tx.update.Deletes = append(tx.update.Deletes, it.ID)
	}
	return nil
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

func cloneMarks(marks []string) []string {
	if len(marks) == 0 {
		return nil
	}
	return append([]string(nil), marks...)
}
