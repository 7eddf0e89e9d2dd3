package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"docagent/api/internal/awareness"
	"docagent/api/internal/binding"
	"docagent/api/internal/crdt"
	"docagent/api/internal/cursor"
	"docagent/api/internal/metrics"
	"docagent/api/internal/prosemirror"
	"docagent/api/internal/provider"
	"docagent/api/internal/util"
)

var (
	ErrSyncTimeout   = errors.New("initial sync timed out")
	ErrConnectFailed = errors.New("connect to collaboration endpoint failed")
	ErrManagerClosed = errors.New("session manager closed")
)

const (
	DefaultSyncTimeout = 10 * time.Second
	DefaultMaxSessions = 256
	DefaultAgentName   = "AI Agent"
	DefaultAgentColor  = "#6b5bd6"
)

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	SyncTimeout time.Duration
	// IdleTimeout tears down sessions unused for that long; 0 disables it.
	IdleTimeout time.Duration
	MaxSessions int
	AgentName   string
	AgentColor  string
	InstanceID  string
	Schema      *prosemirror.Schema
	Directory   Directory
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	Dialer      *websocket.Dialer
}

// Manager is the registry of live sessions.
type Manager struct {
	opts     Options
	logger   *zap.Logger
	sessions *lru.Cache[string, *Session]
	group    singleflight.Group

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

func NewManager(opts Options) (*Manager, error) {
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = DefaultSyncTimeout
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.AgentName == "" {
		opts.AgentName = DefaultAgentName
	}
	if opts.AgentColor == "" {
		opts.AgentColor = DefaultAgentColor
	}
	if opts.Schema == nil {
		opts.Schema = prosemirror.DefaultSchema()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.InstanceID == "" {
		opts.InstanceID = util.NewID("engine")
	}

	m := &Manager{
		opts:   opts,
		logger: opts.Logger.Named("session"),
		stop:   make(chan struct{}),
	}
	cache, err := lru.NewWithEvict[string, *Session](opts.MaxSessions, m.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create session registry: %w", err)
	}
	m.sessions = cache

	if opts.IdleTimeout > 0 || opts.Directory != nil {
		m.wg.Add(1)
		go m.sweepLoop()
	}
	return m, nil
}

// Connect returns the synced session for id, creating it on first use.
// Concurrent calls for one identity share a single connection attempt.
func (m *Manager) Connect(ctx context.Context, id Identity) (*Session, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if m.isClosed() {
		return nil, ErrManagerClosed
	}
	key := id.Key()
	if s, ok := m.sessions.Get(key); ok {
		return s, nil
	}

	ch := m.group.DoChan(key, func() (any, error) {
		if s, ok := m.sessions.Get(key); ok {
			return s, nil
		}
		// the attempt outlives any single caller; it is shared
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.SyncTimeout)
		defer cancel()
		return m.open(cctx, id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect tears down the session of id. Unknown identities are a no-op.
func (m *Manager) Disconnect(_ context.Context, id Identity) {
	key := id.Key()
	s, ok := m.sessions.Peek(key)
	if !ok {
		return
	}
	s.setReason(reasonDisconnect)
	m.sessions.Remove(key)
}

// Get returns the live session of id without connecting.
func (m *Manager) Get(id Identity) (*Session, bool) {
	return m.sessions.Peek(id.Key())
}

// List describes the live sessions, least recently used first.
func (m *Manager) List() []Info {
	values := m.sessions.Values()
	out := make([]Info, 0, len(values))
	for _, s := range values {
		out = append(out, s.Info())
	}
	return out
}

func (m *Manager) Len() int {
	return m.sessions.Len()
}

// Close tears down every session and stops the sweeper.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	m.wg.Wait()
	for _, s := range m.sessions.Values() {
		s.setReason(reasonShutdown)
	}
	m.sessions.Purge()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) open(ctx context.Context, id Identity) (*Session, error) {
	started := time.Now()
	room := id.Room()
	logger := m.logger.With(zap.String("document", id.DocumentURL), zap.String("room", room))

	doc := crdt.NewDoc(util.NewClientID())
	aw := awareness.New(doc.ClientID())
	aw.SetLocalStateField(cursor.FieldUser, cursor.User{
		Name:     m.opts.AgentName,
		Color:    m.opts.AgentColor,
		ClientID: doc.ClientID(),
	})

	s := &Session{
		ID:       util.NewID("ses"),
		Identity: id,
		state:    StateConnecting,
		doc:      doc,
		aw:       aw,
	}
	s.logger = logger.With(zap.String("session", s.ID))

	prov, err := provider.New(id.CollabURL, room, doc, aw, &s.mu, provider.Options{
		Dialer: m.opts.Dialer,
		Logger: s.logger,
	})
	if err != nil {
		m.opts.Metrics.ConnectFailed("invalid_url")
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	s.provider = prov

	fail := func(err error) (*Session, error) {
		s.setReason("connect_failed")
		s.close()
		if ctx.Err() != nil {
			m.opts.Metrics.ConnectFailed("sync_timeout")
			logger.Warn("initial sync timed out", zap.Duration("timeout", m.opts.SyncTimeout), zap.Error(err))
			return nil, fmt.Errorf("%w after %s", ErrSyncTimeout, m.opts.SyncTimeout)
		}
		m.opts.Metrics.ConnectFailed("connect")
		logger.Warn("connect failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	if err := prov.Connect(ctx); err != nil {
		return fail(err)
	}
	if err := prov.WaitSynced(ctx); err != nil {
		return fail(err)
	}

	s.mu.Lock()
	b := binding.New(doc, m.opts.Schema)
	b.View().AddPlugin(cursor.New(aw, b, s.logger))
	s.binding = b
	s.state = StateSynced
	s.ConnectedAt = time.Now().UTC()
	s.touch()
	s.mu.Unlock()

	// Close marks the manager closed under mu before it purges, so the check
	// and the Add must share the lock.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.setReason(reasonShutdown)
		s.close()
		return nil, ErrManagerClosed
	}
	m.sessions.Add(id.Key(), s)
	m.mu.Unlock()
	m.opts.Metrics.SessionOpened(time.Since(started))
	if m.opts.Directory != nil {
		entry := Entry{
			SessionID:   s.ID,
			InstanceID:  m.opts.InstanceID,
			DocumentURL: id.DocumentURL,
			CollabURL:   id.CollabURL,
			ConnectedAt: s.ConnectedAt,
		}
		if err := m.opts.Directory.Register(ctx, id, entry); err != nil {
			logger.Warn("register session in directory", zap.Error(err))
		}
	}
	s.logger.Info("session synced", zap.Duration("took", time.Since(started)))
	return s, nil
}

// onEvict runs after the registry dropped s, outside the registry lock.
func (m *Manager) onEvict(_ string, s *Session) {
	reason := s.closeReason()
	s.close()
	m.opts.Metrics.SessionClosed(reason == reasonEvicted || reason == reasonIdle)
	if m.opts.Directory != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.opts.Directory.Unregister(ctx, s.Identity, s.ID); err != nil {
			m.logger.Warn("unregister session", zap.String("session", s.ID), zap.Error(err))
		}
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	interval := time.Minute
	if m.opts.IdleTimeout > 0 {
		interval = min(interval, max(m.opts.IdleTimeout/2, 10*time.Millisecond))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep evicts idle sessions and refreshes the directory for the rest.
func (m *Manager) sweep(now time.Time) {
	for _, key := range m.sessions.Keys() {
		s, ok := m.sessions.Peek(key)
		if !ok {
			continue
		}
		if m.opts.IdleTimeout > 0 && now.Sub(s.LastUsed()) >= m.opts.IdleTimeout {
			s.setReason(reasonIdle)
			m.sessions.Remove(key)
			continue
		}
		if m.opts.Directory != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := m.opts.Directory.Refresh(ctx, s.Identity)
			cancel()
			if errors.Is(err, ErrNotRegistered) {
				err = m.opts.Directory.Register(context.Background(), s.Identity, Entry{
					SessionID:   s.ID,
					InstanceID:  m.opts.InstanceID,
					DocumentURL: s.Identity.DocumentURL,
					CollabURL:   s.Identity.CollabURL,
					ConnectedAt: s.ConnectedAt,
				})
			}
			if err != nil {
				m.logger.Debug("refresh session directory", zap.String("session", s.ID), zap.Error(err))
			}
		}
	}
}
