// Package collab is a collaboration endpoint: websocket rooms that hold the
// shared document, relay updates and presence between participants, persist
// the update log and hand snapshots to the history and search backends when a
// room empties.
package collab

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"docagent/api/internal/awareness"
	"docagent/api/internal/crdt"
	"docagent/api/internal/metrics"
	"docagent/api/internal/protocol"
	"docagent/api/internal/search"
	"docagent/api/internal/store"
	"docagent/api/internal/util"
)

var ErrServerClosed = errors.New("collaboration server closed")

// Persistence is the durable update log of rooms.
type Persistence interface {
	LoadUpdates(ctx context.Context, room string) ([]crdt.Update, error)
	AppendUpdate(ctx context.Context, room string, u crdt.Update) error
}

// SnapshotSink receives the final state of a room when it unloads.
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, snap store.Snapshot) error
}

type SnapshotReader interface {
	GetSnapshot(ctx context.Context, room string) (store.Snapshot, error)
	ListSnapshots(ctx context.Context, limit int) ([]store.SnapshotSummary, error)
}

type HistoryReader interface {
	History(room string, limit int) ([]store.CommitInfo, error)
}

type Searcher interface {
	Search(q search.Query) search.Response
}

type Options struct {
	Persistence Persistence
	Sinks       []SnapshotSink
	Snapshots   SnapshotReader
	History     HistoryReader
	Search      Searcher
	// Redis enables fan-out between endpoint instances sharing rooms.
	Redis       *redis.Client
	InstanceID  string
	CORSOrigin  string
	CheckOrigin func(r *http.Request) bool
	Metrics     *metrics.Metrics

	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

type Server struct {
	opts     Options
	logger   *zap.Logger
	upgrader websocket.Upgrader
	fanout   *fanout

	mu        sync.Mutex
	rooms     map[string]*room
	unloading map[string]chan struct{}
	closed    bool

	conns sync.WaitGroup
	stop  chan struct{}
	bg    sync.WaitGroup
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.InstanceID == "" {
		opts.InstanceID = util.NewID("collab")
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	s := &Server{
		opts:   opts,
		logger: opts.Logger.Named("collab"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		rooms:     make(map[string]*room),
		unloading: make(map[string]chan struct{}),
		stop:      make(chan struct{}),
	}
	if opts.Redis != nil {
		s.fanout = newFanout(s, opts.Redis)
	}
	s.bg.Add(1)
	go s.expireLoop()
	return s
}

// Start subscribes to the fan-out channel when Redis is configured.
func (s *Server) Start(ctx context.Context) error {
	if s.fanout == nil {
		return nil
	}
	return s.fanout.start(ctx)
}

func (s *Server) InstanceID() string {
	return s.opts.InstanceID
}

// ServeRoom upgrades the request and joins the connection to room.
func (s *Server) ServeRoom(w http.ResponseWriter, r *http.Request, name string) {
	rm, err := s.acquire(r.Context(), name)
	if err != nil {
		s.logger.Error("open room", zap.String("room", name), zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, ErrServerClosed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "ROOM_UNAVAILABLE", "Room unavailable", nil)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		s.release(rm)
		return
	}

	c := newConn(ws, rm)
	rm.add(c)
	s.opts.Metrics.ConnectionOpened()

	rm.mu.Lock()
	step1 := protocol.SyncStep1(rm.doc)
	rm.mu.Unlock()
	c.send(step1)
	if u, err := rm.aw.EncodeAll(); err == nil && len(u.Clients) > 0 {
		c.send(protocol.AwarenessMessage(u))
	}

	s.conns.Add(1)
	go c.writePump()
	go func() {
		defer s.conns.Done()
		c.readPump()
		rm.remove(c)
		c.shutdown()
		s.opts.Metrics.ConnectionClosed()
		s.release(rm)
	}()
}

// acquire returns the loaded room, loading it on first use. Every successful
// call must be paired with release.
func (s *Server) acquire(ctx context.Context, name string) (*room, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrServerClosed
		}
		if r, ok := s.rooms[name]; ok {
			r.refs++
			s.mu.Unlock()
			<-r.ready
			if r.loadErr != nil {
				return nil, r.loadErr
			}
			return r, nil
		}
		if wait, ok := s.unloading[name]; ok {
			s.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		r := newRoom(s, name)
		r.refs = 1
		s.rooms[name] = r
		s.mu.Unlock()

		if err := r.load(ctx); err != nil {
			s.mu.Lock()
			delete(s.rooms, name)
			s.mu.Unlock()
			r.loadErr = err
			close(r.ready)
			return nil, err
		}
		s.opts.Metrics.RoomLoaded()
		close(r.ready)
		return r, nil
	}
}

// release drops one reference. The last one unloads the room; a concurrent
// acquire of the same name waits for the unload to finish.
func (s *Server) release(r *room) {
	s.mu.Lock()
	r.refs--
	if r.refs > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.rooms, r.name)
	done := make(chan struct{})
	s.unloading[r.name] = done
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	r.unload(ctx)
	cancel()
	s.opts.Metrics.RoomUnloaded()

	s.mu.Lock()
	delete(s.unloading, r.name)
	s.mu.Unlock()
	close(done)
}

// loaded returns the room if it is currently loaded on this instance.
func (s *Server) loaded(name string) (*room, bool) {
	s.mu.Lock()
	r, ok := s.rooms[name]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-r.ready:
		return r, r.loadErr == nil
	default:
		return nil, false
	}
}

// Rooms lists the loaded room names.
func (s *Server) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		names = append(names, name)
	}
	return names
}

// Snapshot renders a loaded room, or reads the last stored snapshot.
func (s *Server) Snapshot(ctx context.Context, name string) (store.Snapshot, error) {
	if r, ok := s.loaded(name); ok {
		return r.snapshot()
	}
	if s.opts.Snapshots == nil {
		return store.Snapshot{}, store.ErrNotFound
	}
	return s.opts.Snapshots.GetSnapshot(ctx, name)
}

func (s *Server) publish(room string, msg protocol.Message) {
	if s.fanout != nil {
		s.fanout.publish(room, msg)
	}
}

// expireLoop drops presence of clients that stopped renewing it.
func (s *Server) expireLoop() {
	defer s.bg.Done()
	ticker := time.NewTicker(awareness.OutdatedTimeout / 10)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			rooms := make([]*room, 0, len(s.rooms))
			for _, r := range s.rooms {
				rooms = append(rooms, r)
			}
			s.mu.Unlock()
			for _, r := range rooms {
				select {
				case <-r.ready:
					r.aw.CheckOutdated()
				default:
				}
			}
		}
	}
}

// Shutdown closes every connection and waits until all rooms are unloaded
// and their snapshots saved, or ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var conns []*conn
	for _, r := range s.rooms {
		r.mu.Lock()
		for c := range r.conns {
			conns = append(conns, c)
		}
		r.mu.Unlock()
	}
	s.mu.Unlock()
	close(s.stop)

	for _, c := range conns {
		_ = c.ws.Close()
	}
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		s.bg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if s.fanout != nil {
		s.fanout.close()
	}
	return err
}
