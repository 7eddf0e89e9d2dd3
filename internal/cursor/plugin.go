// Package cursor projects the local selection into awareness so other
// participants can render the agent's cursor.
package cursor

import (
	"go.uber.org/zap"

	"docagent/api/internal/awareness"
	"docagent/api/internal/crdt"
	"docagent/api/internal/prosemirror"
)

// Awareness fields published by the agent.
const (
	FieldCursor = "cursor"
	FieldUser   = "user"
)

// User is the identity shown next to the cursor.
type User struct {
	Name     string `json:"name"`
	Color    string `json:"color"`
	ClientID uint64 `json:"clientId,omitempty"`
}

// Marker is the published cursor, anchored to replicated content.
type Marker struct {
	Anchor crdt.RelativePosition `json:"anchor"`
	Head   crdt.RelativePosition `json:"head"`
}

func (m Marker) Equal(other Marker) bool {
	return m.Anchor.Equal(other.Anchor) && m.Head.Equal(other.Head)
}

// Projector converts view positions to relative positions.
type Projector interface {
	RelativePosition(pos int) (crdt.RelativePosition, error)
}

// Presence is the part of awareness the plugin writes to.
type Presence interface {
	LocalState() awareness.State
	SetLocalStateField(field string, value any)
}

// Plugin is a prosemirror.Plugin publishing the cursor marker.
type Plugin struct {
	presence  Presence
	projector Projector
	logger    *zap.Logger
}

func New(presence Presence, projector Projector, logger *zap.Logger) *Plugin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plugin{presence: presence, projector: projector, logger: logger}
}

// Update publishes the selection unless it is the whole-document placeholder
// or already published.
func (p *Plugin) Update(v *prosemirror.View, _ prosemirror.State) {
	sel := v.State().Selection
	if sel.All {
		return
	}
	anchor, err := p.projector.RelativePosition(sel.Anchor)
	if err != nil {
		p.logger.Debug("cursor anchor not projectable", zap.Int("pos", sel.Anchor), zap.Error(err))
		return
	}
	head, err := p.projector.RelativePosition(sel.Head)
	if err != nil {
		p.logger.Debug("cursor head not projectable", zap.Int("pos", sel.Head), zap.Error(err))
		return
	}
	next := Marker{Anchor: anchor, Head: head}
	if cur, ok := p.presence.LocalState()[FieldCursor].(Marker); ok && cur.Equal(next) {
		return
	}
	p.presence.SetLocalStateField(FieldCursor, next)
}

// Destroy retracts the cursor.
func (p *Plugin) Destroy(*prosemirror.View) {
	p.presence.SetLocalStateField(FieldCursor, nil)
}

var _ prosemirror.Plugin = (*Plugin)(nil)
