package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"docagent/api/internal/awareness"
	"docagent/api/internal/binding"
	"docagent/api/internal/crdt"
	"docagent/api/internal/prosemirror"
	"docagent/api/internal/protocol"
	"docagent/api/internal/store"
)

const persistBuffer = 256

// fanoutOrigin marks changes that arrived from another endpoint instance.
type fanoutOrigin struct{}

// room is one shared document and the connections editing it. mu guards the
// doc, the connection set and the awareness bookkeeping.
type room struct {
	name   string
	server *Server
	logger *zap.Logger

	ready   chan struct{}
	loadErr error
	refs    int // guarded by server.mu

	mu    sync.Mutex
	doc   *crdt.Doc
	aw    *awareness.Awareness
	conns map[*conn]struct{}

	persist     chan crdt.Update
	persistDone chan struct{}
}

func newRoom(s *Server, name string) *room {
	// the endpoint itself is not a participant
	aw := awareness.New(0)
	aw.SetLocalState(nil)
	return &room{
		name:        name,
		server:      s,
		logger:      s.logger.With(zap.String("room", name)),
		ready:       make(chan struct{}),
		doc:         crdt.NewDoc(0),
		aw:          aw,
		conns:       make(map[*conn]struct{}),
		persist:     make(chan crdt.Update, persistBuffer),
		persistDone: make(chan struct{}),
	}
}

// load replays the stored log and starts following the doc.
func (r *room) load(ctx context.Context) error {
	if p := r.server.opts.Persistence; p != nil {
		updates, err := p.LoadUpdates(ctx, r.name)
		if err != nil {
			return fmt.Errorf("load room %s: %w", r.name, err)
		}
		merged := crdt.Update{}
		for _, u := range updates {
			merged.Merge(u)
		}
		if !merged.Empty() {
			if err := r.doc.Apply(merged, r); err != nil {
				return fmt.Errorf("replay room %s: %w", r.name, err)
			}
		}
		r.logger.Debug("room loaded", zap.Int("updates", len(updates)))
	}
	r.doc.OnUpdate(r.onDocUpdate)
	r.aw.OnChange(r.onAwarenessChange)
	go r.persistLoop()
	return nil
}

// onDocUpdate runs under r.mu. It relays the change to every connection but
// the one it came from and queues it for persistence.
func (r *room) onDocUpdate(u crdt.Update, origin any) {
	msg, err := protocol.Encode(protocol.UpdateMessage(u))
	if err != nil {
		r.logger.Error("encode update", zap.Error(err))
		return
	}
	for c := range r.conns {
		if c != origin {
			c.enqueue(msg)
		}
	}
	r.server.opts.Metrics.Relayed(string(protocol.TypeUpdate))

	if _, remote := origin.(fanoutOrigin); remote {
		return
	}
	r.server.publish(r.name, protocol.UpdateMessage(u))
	if r.server.opts.Persistence != nil {
		select {
		case r.persist <- u:
		default:
			r.logger.Warn("persist queue full, update kept in memory only")
		}
	}
}

// onAwarenessChange relays presence changes to every connection but the
// originating one.
func (r *room) onAwarenessChange(change awareness.Change, origin any) {
	ids := change.All()
	if len(ids) == 0 {
		return
	}
	u, err := r.aw.Encode(ids)
	if err != nil {
		r.logger.Warn("encode awareness", zap.Error(err))
		return
	}
	msg, err := protocol.Encode(protocol.AwarenessMessage(u))
	if err != nil {
		return
	}
	r.mu.Lock()
	for c := range r.conns {
		if c != origin {
			c.enqueue(msg)
		}
	}
	r.mu.Unlock()
	r.server.opts.Metrics.Relayed(string(protocol.TypeAwareness))
	if _, remote := origin.(fanoutOrigin); !remote {
		r.server.publish(r.name, protocol.AwarenessMessage(u))
	}
}

func (r *room) persistLoop() {
	defer close(r.persistDone)
	for u := range r.persist {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.server.opts.Persistence.AppendUpdate(ctx, r.name, u); err != nil {
			r.logger.Error("append update", zap.Error(err))
		}
		cancel()
	}
}

func (r *room) add(c *conn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

// remove drops c and the presence of every client it announced.
func (r *room) remove(c *conn) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
	if ids := c.awarenessClients(); len(ids) > 0 {
		r.aw.Remove(ids, c)
	}
}

// handle processes one message received on c.
func (r *room) handle(c *conn, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeSyncStep1, protocol.TypeSyncStep2, protocol.TypeUpdate:
		r.mu.Lock()
		reply, err := protocol.HandleSync(r.doc, msg, c)
		r.mu.Unlock()
		if err != nil {
			c.logger.Warn("sync message rejected", zap.String("type", string(msg.Type)), zap.Error(err))
			return
		}
		if reply != nil {
			c.send(*reply)
		}
	case protocol.TypeAwareness:
		for _, cs := range msg.Awareness.Clients {
			c.trackAwareness(cs.ClientID, string(cs.State) != "null")
		}
		if err := r.aw.Apply(*msg.Awareness, c); err != nil {
			c.logger.Warn("awareness update rejected", zap.Error(err))
		}
	case protocol.TypeQueryAwareness:
		if u, err := r.aw.EncodeAll(); err == nil {
			c.send(protocol.AwarenessMessage(u))
		}
	}
}

// applyRemote applies a message relayed by another endpoint instance.
func (r *room) applyRemote(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeUpdate, protocol.TypeSyncStep2:
		r.mu.Lock()
		_, err := protocol.HandleSync(r.doc, msg, fanoutOrigin{})
		r.mu.Unlock()
		if err != nil {
			r.logger.Warn("relayed update rejected", zap.Error(err))
		}
	case protocol.TypeAwareness:
		if err := r.aw.Apply(*msg.Awareness, fanoutOrigin{}); err != nil {
			r.logger.Warn("relayed awareness rejected", zap.Error(err))
		}
	}
}

// Snapshot renders the current state of the room.
func (r *room) snapshot() (store.Snapshot, error) {
	r.mu.Lock()
	tree := binding.Render(r.doc)
	state := r.doc.EncodeStateAsUpdate(nil)
	r.mu.Unlock()
	return buildSnapshot(r.name, tree, state)
}

// unload stops persistence and hands the final state to the snapshot sinks.
func (r *room) unload(ctx context.Context) {
	close(r.persist)
	<-r.persistDone

	snap, err := r.snapshot()
	if err != nil {
		r.logger.Error("build snapshot", zap.Error(err))
		return
	}
	for _, sink := range r.server.opts.Sinks {
		if err := sink.SaveSnapshot(ctx, snap); err != nil {
			r.logger.Error("save snapshot", zap.String("sink", fmt.Sprintf("%T", sink)), zap.Error(err))
		}
	}
	r.logger.Info("room unloaded", zap.Int("chars", len(snap.Content)))
}

func buildSnapshot(name string, tree *prosemirror.Node, state crdt.Update) (store.Snapshot, error) {
	doc, err := json.Marshal(tree)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("encode doc: %w", err)
	}
	rawState, err := json.Marshal(state)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("encode state: %w", err)
	}
	return store.Snapshot{
		Room:      name,
		Doc:       doc,
		Content:   PlainText(tree),
		State:     rawState,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// PlainText is the text of doc, one line per block.
func PlainText(doc *prosemirror.Node) string {
	lines := make([]string, 0, doc.ChildCount())
	for _, block := range doc.Content {
		lines = append(lines, block.TextContent())
	}
	return strings.Join(lines, "\n")
}
