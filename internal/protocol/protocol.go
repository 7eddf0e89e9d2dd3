// Package protocol defines the messages exchanged with the collaboration
// endpoint. Messages are JSON text frames.
//
// A connection starts with both sides sending sync-step1 with their state
// vector; each answers with sync-step2 carrying what the other is missing.
// Afterwards document changes travel as update messages and presence as
// awareness messages.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"docagent/api/internal/awareness"
	"docagent/api/internal/crdt"
)

type MessageType string

const (
	TypeSyncStep1      MessageType = "sync-step1"
	TypeSyncStep2      MessageType = "sync-step2"
	TypeUpdate         MessageType = "update"
	TypeAwareness      MessageType = "awareness"
	TypeQueryAwareness MessageType = "query-awareness"
)

var ErrUnknownMessage = errors.New("unknown message type")

// Message is the envelope of every frame. Origin identifies the relaying
// endpoint instance for cross-instance fan-out and is empty on client links.
type Message struct {
	Type        MessageType       `json:"type"`
	StateVector crdt.StateVector  `json:"stateVector,omitempty"`
	Update      *crdt.Update      `json:"update,omitempty"`
	Awareness   *awareness.Update `json:"awareness,omitempty"`
	Origin      string            `json:"origin,omitempty"`
}

func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return b, nil
}

func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	switch m.Type {
	case TypeSyncStep1, TypeQueryAwareness:
	case TypeSyncStep2, TypeUpdate:
		if m.Update == nil {
			return Message{}, fmt.Errorf("decode %s message: missing update", m.Type)
		}
	case TypeAwareness:
		if m.Awareness == nil {
			return Message{}, fmt.Errorf("decode awareness message: missing states")
		}
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
	return m, nil
}

func SyncStep1(doc *crdt.Doc) Message {
	return Message{Type: TypeSyncStep1, StateVector: doc.StateVector()}
}

func SyncStep2(doc *crdt.Doc, sv crdt.StateVector) Message {
	u := doc.EncodeStateAsUpdate(sv)
	return Message{Type: TypeSyncStep2, Update: &u}
}

func UpdateMessage(u crdt.Update) Message {
	return Message{Type: TypeUpdate, Update: &u}
}

func AwarenessMessage(u awareness.Update) Message {
	return Message{Type: TypeAwareness, Awareness: &u}
}

func QueryAwareness() Message {
	return Message{Type: TypeQueryAwareness}
}

// HandleSync applies a sync or update message to doc and returns the reply to
// send back, if any.
func HandleSync(doc *crdt.Doc, m Message, origin any) (*Message, error) {
	switch m.Type {
	case TypeSyncStep1:
		reply := SyncStep2(doc, m.StateVector)
		return &reply, nil
	case TypeSyncStep2, TypeUpdate:
		if err := doc.Apply(*m.Update, origin); err != nil {
			return nil, fmt.Errorf("apply %s: %w", m.Type, err)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %q is not a sync message", ErrUnknownMessage, m.Type)
}
