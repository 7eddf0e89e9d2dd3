package crdt

// RelativePosition anchors a location to an item instead of an offset, so it
// survives concurrent edits. A nil Item refers to the document boundary. Assoc
// selects which neighbour the position sticks to: >= 0 the item itself
// (position before it), < 0 the item's right edge (position after it).
type RelativePosition struct {
	Item  *ID `json:"item,omitempty"`
	Assoc int `json:"assoc"`
}

// NewRelativePosition anchors to id with the given association.
func NewRelativePosition(id ID, assoc int) RelativePosition {
	return RelativePosition{Item: &id, Assoc: assoc}
}

// Equal compares positions structurally.
func (p RelativePosition) Equal(other RelativePosition) bool {
	if p.Assoc != other.Assoc {
		return false
	}
	if p.Item == nil || other.Item == nil {
		return p.Item == nil && other.Item == nil
	}
	return *p.Item == *other.Item
}
