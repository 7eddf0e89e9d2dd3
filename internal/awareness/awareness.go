// Package awareness shares ephemeral per-client presence (identity, cursor)
// between the participants of a document. Every client owns one state and a
// clock; a state update wins when its clock is newer. Missing renewals let
// remote states expire.
package awareness

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// OutdatedTimeout is how long a remote state lives without renewal. The local
// state is renewed after half of it.
const OutdatedTimeout = 30 * time.Second

// OriginLocal tags changes made through the local setters.
const OriginLocal = "local"

// State is one client's presence record.
type State map[string]any

// ClientState is a state on the wire. A JSON null State marks removal.
type ClientState struct {
	ClientID uint64          `json:"clientId"`
	Clock    uint64          `json:"clock"`
	State    json.RawMessage `json:"state"`
}

// Update carries one or more client states.
type Update struct {
	Clients []ClientState `json:"clients"`
}

// Change lists the clients touched by one update.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// All returns every client id in the change.
func (c Change) All() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

type Listener func(change Change, origin any)

// Awareness holds the known states of all clients in a room.
type Awareness struct {
	mu           sync.Mutex
	clientID     uint64
	states       map[uint64]State
	meta         map[uint64]meta
	listeners    map[int]Listener
	nextListener int
	now          func() time.Time
}

// New creates an awareness instance whose local client starts with an empty state.
func New(clientID uint64) *Awareness {
	a := &Awareness{
		clientID:  clientID,
		states:    make(map[uint64]State),
		meta:      make(map[uint64]meta),
		listeners: make(map[int]Listener),
		now:       time.Now,
	}
	a.states[clientID] = State{}
	a.meta[clientID] = meta{lastUpdated: a.now()}
	return a
}

func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

// OnChange registers fn for every change with its origin. Listeners run
// outside the internal lock. The returned func unregisters fn.
func (a *Awareness) OnChange(fn Listener) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextListener
	a.nextListener++
	a.listeners[id] = fn
	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// LocalState returns a copy of the local state, nil once removed.
func (a *Awareness) LocalState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[a.clientID].clone()
}

// States returns a snapshot of every known state.
func (a *Awareness) States() map[uint64]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]State, len(a.states))
	for id, s := range a.states {
		out[id] = s.clone()
	}
	return out
}

// SetLocalState replaces the local state. A nil state marks the local client
// offline for everyone else.
func (a *Awareness) SetLocalState(s State) {
	a.mu.Lock()
	change := a.setLocalLocked(s.clone())
	listeners := a.snapshotListeners()
	a.mu.Unlock()
	notify(listeners, change, OriginLocal)
}

// SetLocalStateField sets one field of the local state. It is a no-op once
// the local state was removed.
func (a *Awareness) SetLocalStateField(field string, value any) {
	a.mu.Lock()
	cur, ok := a.states[a.clientID]
	if !ok {
		a.mu.Unlock()
		return
	}
	next := cur.clone()
	next[field] = value
	change := a.setLocalLocked(next)
	listeners := a.snapshotListeners()
	a.mu.Unlock()
	notify(listeners, change, OriginLocal)
}

func (a *Awareness) setLocalLocked(next State) Change {
	id := a.clientID
	prev, existed := a.states[id]
	m := a.meta[id]
	m.clock++
	m.lastUpdated = a.now()
	a.meta[id] = m

	var change Change
	switch {
	case next == nil:
		delete(a.states, id)
		if existed {
			change.Removed = []uint64{id}
		}
	case !existed:
		a.states[id] = next
		change.Added = []uint64{id}
	default:
		a.states[id] = next
		if !reflect.DeepEqual(prev, next) {
			change.Updated = []uint64{id}
		}
	}
	return change
}

// Encode serializes the states of clients. Unknown or removed clients are
// encoded as removals with their last clock.
func (a *Awareness) Encode(clients []uint64) (Update, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u := Update{Clients: make([]ClientState, 0, len(clients))}
	for _, id := range clients {
		raw := json.RawMessage("null")
		if s, ok := a.states[id]; ok {
			b, err := json.Marshal(s)
			if err != nil {
				return Update{}, fmt.Errorf("encode awareness state %d: %w", id, err)
			}
			raw = b
		}
		u.Clients = append(u.Clients, ClientState{ClientID: id, Clock: a.meta[id].clock, State: raw})
	}
	return u, nil
}

// EncodeAll serializes every known state.
func (a *Awareness) EncodeAll() (Update, error) {
	a.mu.Lock()
	ids := make([]uint64, 0, len(a.states))
	for id := range a.states {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	return a.Encode(ids)
}

// Apply merges a remote update. States with an older clock are ignored. A
// remote claim that the local client went offline is answered by renewing the
// local state.
func (a *Awareness) Apply(u Update, origin any) error {
	decoded := make([]State, len(u.Clients))
	for i, cs := range u.Clients {
		if len(cs.State) == 0 || string(cs.State) == "null" {
			continue
		}
		var s State
		if err := json.Unmarshal(cs.State, &s); err != nil {
			return fmt.Errorf("decode awareness state %d: %w", cs.ClientID, err)
		}
		decoded[i] = s
	}

	a.mu.Lock()
	var change Change
	renew := false
	var claimed uint64
	now := a.now()
	for i, cs := range u.Clients {
		next := decoded[i]
		id := cs.ClientID
		m, known := a.meta[id]
		prev, existed := a.states[id]
		newer := !known || m.clock < cs.Clock || (m.clock == cs.Clock && next == nil && existed)
		if !newer {
			continue
		}
		if id == a.clientID {
			if next == nil && existed {
				renew = true
				claimed = cs.Clock
			}
			continue
		}
		a.meta[id] = meta{clock: cs.Clock, lastUpdated: now}
		switch {
		case next == nil:
			if existed {
				delete(a.states, id)
				change.Removed = append(change.Removed, id)
			}
		case !existed:
			a.states[id] = next
			change.Added = append(change.Added, id)
		default:
			a.states[id] = next
			if !reflect.DeepEqual(prev, next) {
				change.Updated = append(change.Updated, id)
			}
		}
	}
	if renew {
		m := a.meta[a.clientID]
		m.clock = max(m.clock, claimed)
		a.meta[a.clientID] = m
		a.setLocalLocked(a.states[a.clientID].clone())
	}
	listeners := a.snapshotListeners()
	a.mu.Unlock()

	notify(listeners, change, origin)
	if renew {
		notify(listeners, Change{Updated: []uint64{a.clientID}}, OriginLocal)
	}
	return nil
}

// Remove drops the states of clients, e.g. when their connection closed.
func (a *Awareness) Remove(clients []uint64, origin any) {
	a.mu.Lock()
	var change Change
	for _, id := range clients {
		if _, ok := a.states[id]; !ok {
			continue
		}
		delete(a.states, id)
		if id == a.clientID {
			m := a.meta[id]
			m.clock++
			a.meta[id] = m
		}
		change.Removed = append(change.Removed, id)
	}
	listeners := a.snapshotListeners()
	a.mu.Unlock()
	notify(listeners, change, origin)
}

// CheckOutdated renews the local state after half the timeout and expires
// remote states that were not renewed within it.
func (a *Awareness) CheckOutdated() {
	a.mu.Lock()
	now := a.now()
	var local Change
	if s, ok := a.states[a.clientID]; ok && now.Sub(a.meta[a.clientID].lastUpdated) >= OutdatedTimeout/2 {
		a.setLocalLocked(s)
		local.Updated = []uint64{a.clientID}
	}
	var expired Change
	for id := range a.states {
		if id == a.clientID {
			continue
		}
		if now.Sub(a.meta[id].lastUpdated) >= OutdatedTimeout {
			delete(a.states, id)
			expired.Removed = append(expired.Removed, id)
		}
	}
	listeners := a.snapshotListeners()
	a.mu.Unlock()

	notify(listeners, local, OriginLocal)
	notify(listeners, expired, "timeout")
}

// Destroy marks the local client offline.
func (a *Awareness) Destroy() {
	a.SetLocalState(nil)
}

func (a *Awareness) snapshotListeners() []Listener {
	out := make([]Listener, 0, len(a.listeners))
	for _, fn := range a.listeners {
		out = append(out, fn)
	}
	return out
}

func notify(listeners []Listener, change Change, origin any) {
	if change.empty() {
		return
	}
	for _, fn := range listeners {
		fn(change, origin)
	}
}

func (s State) clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
