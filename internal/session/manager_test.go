package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docagent/api/internal/awareness"
	"docagent/api/internal/binding"
	"docagent/api/internal/collab"
	"docagent/api/internal/crdt"
	"docagent/api/internal/cursor"
	"docagent/api/internal/provider"
	"docagent/api/internal/store"
)

const waitFor = 3 * time.Second

// startCollab runs a collaboration endpoint whose plan room holds text.
func startCollab(t *testing.T, text string) string {
	t.Helper()
	mem := store.NewMemoryStore()
	seed := crdt.NewDoc(99)
	u, err := seed.Transact(nil, func(tx *crdt.Txn) error {
		if _, err := tx.InsertBlock(0, "paragraph", nil); err != nil {
			return err
		}
		return tx.InsertText(1, text, nil)
	})
	require.NoError(t, err)
	require.NoError(t, mem.AppendUpdate(context.Background(), identity("").Room(), u))

	srv := collab.NewServer(collab.Options{Persistence: mem, Logger: zaptest.NewLogger(t)})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return ts.URL
}

func newManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	m, err := NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func identity(collabURL string) Identity {
	return Identity{DocumentURL: "https://docs.example.com/d/plan", CollabURL: collabURL}
}

func text(t *testing.T, s *Session) string {
	t.Helper()
	var out string
	require.NoError(t, s.Do(func(b *binding.Binding) error {
		out = collab.PlainText(b.State().Doc)
		return nil
	}))
	return out
}

func TestConnectSyncsDocument(t *testing.T) {
	url := startCollab(t, "Intro")
	m := newManager(t, Options{})

	s, err := m.Connect(context.Background(), identity(url))
	require.NoError(t, err)
	assert.Equal(t, StateSynced, s.State())
	assert.Equal(t, "Intro", text(t, s))

	info := s.Info()
	assert.Equal(t, "https://docs.example.com/d/plan", info.Room)
	assert.Equal(t, provider.StatusConnected, info.Transport)
	assert.NotZero(t, info.ClientID)
}

func TestConcurrentConnectSharesSession(t *testing.T) {
	url := startCollab(t, "Intro")
	m := newManager(t, Options{})

	const callers = 8
	sessions := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Connect(context.Background(), identity(url))
			assert.NoError(t, err)
			sessions[i] = s
		}()
	}
	wg.Wait()

	for _, s := range sessions[1:] {
		assert.Same(t, sessions[0], s)
	}
	assert.Equal(t, 1, m.Len())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	url := startCollab(t, "Intro")
	m := newManager(t, Options{})
	id := identity(url)

	first, err := m.Connect(context.Background(), id)
	require.NoError(t, err)

	m.Disconnect(context.Background(), id)
	m.Disconnect(context.Background(), id)
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, StateDisconnected, first.State())
	assert.ErrorIs(t, first.Do(func(*binding.Binding) error { return nil }), ErrClosed)

	second, err := m.Connect(context.Background(), id)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestSyncTimeout(t *testing.T) {
	// accepts the websocket but never answers the handshake
	upgrader := websocket.Upgrader{}
	silent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(silent.Close)

	m := newManager(t, Options{SyncTimeout: 200 * time.Millisecond})
	started := time.Now()
	_, err := m.Connect(context.Background(), identity(silent.URL))
	require.ErrorIs(t, err, ErrSyncTimeout)
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Equal(t, 0, m.Len())
}

func TestConnectRejectedHandshake(t *testing.T) {
	missing := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(missing.Close)

	m := newManager(t, Options{SyncTimeout: 2 * time.Second})
	_, err := m.Connect(context.Background(), identity(missing.URL))
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, 0, m.Len())
}

func TestConnectRejectsInvalidIdentity(t *testing.T) {
	m := newManager(t, Options{})
	_, err := m.Connect(context.Background(), Identity{DocumentURL: "https://d/x"})
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	url := startCollab(t, "Intro")
	m := newManager(t, Options{MaxSessions: 1})

	a, err := m.Connect(context.Background(), Identity{DocumentURL: "https://d/plan", CollabURL: url})
	require.NoError(t, err)
	b, err := m.Connect(context.Background(), Identity{DocumentURL: "https://d/other", CollabURL: url})
	require.NoError(t, err)

	assert.Equal(t, 1, m.Len())
	assert.Equal(t, StateDisconnected, a.State())
	assert.Equal(t, StateSynced, b.State())
}

func TestIdleSweep(t *testing.T) {
	url := startCollab(t, "Intro")
	m := newManager(t, Options{IdleTimeout: time.Hour})

	s, err := m.Connect(context.Background(), identity(url))
	require.NoError(t, err)

	m.sweep(time.Now())
	assert.Equal(t, 1, m.Len())

	m.sweep(time.Now().Add(2 * time.Hour))
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, reasonIdle, s.closeReason())
}

func TestConnectAfterCloseFails(t *testing.T) {
	m := newManager(t, Options{})
	m.Close()
	_, err := m.Connect(context.Background(), identity("ws://localhost:1"))
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestCloseDuringConnectLeavesNoLiveSession(t *testing.T) {
	url := startCollab(t, "Intro")
	for i := 0; i < 20; i++ {
		m := newManager(t, Options{})
		var (
			wg  sync.WaitGroup
			s   *Session
			err error
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err = m.Connect(context.Background(), identity(url))
		}()
		m.Close()
		wg.Wait()

		assert.Equal(t, 0, m.Len(), "round %d", i)
		if err == nil {
			assert.Equal(t, StateDisconnected, s.State(), "round %d", i)
		} else {
			assert.ErrorIs(t, err, ErrManagerClosed, "round %d", i)
		}
	}
}

func TestAgentPresenceVisibleToPeers(t *testing.T) {
	url := startCollab(t, "Intro")

	var mu sync.Mutex
	doc := crdt.NewDoc(7)
	aw := awareness.New(7)
	p, err := provider.New(url, identity(url).Room(), doc, aw, &mu, provider.Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, p.Connect(ctx))
	require.NoError(t, p.WaitSynced(ctx))
	t.Cleanup(p.Destroy)

	m := newManager(t, Options{AgentName: "Helper", AgentColor: "#ff0000"})
	s, err := m.Connect(context.Background(), identity(url))
	require.NoError(t, err)
	agent := s.Info().ClientID

	require.Eventually(t, func() bool {
		st, ok := aw.States()[agent]
		if !ok {
			return false
		}
		user, ok := st[cursor.FieldUser].(map[string]any)
		return ok && user["name"] == "Helper" && user["color"] == "#ff0000"
	}, waitFor, 10*time.Millisecond)

	m.Disconnect(context.Background(), identity(url))
	require.Eventually(t, func() bool {
		_, ok := aw.States()[agent]
		return !ok
	}, waitFor, 10*time.Millisecond)
}

func TestDirectoryTracksSessions(t *testing.T) {
	url := startCollab(t, "Intro")
	mr := miniredis.RunT(t)
	dir, err := NewRedisDirectory("redis://"+mr.Addr(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dir.Close() })

	m := newManager(t, Options{Directory: dir, InstanceID: "engine-a"})
	id := identity(url)
	s, err := m.Connect(context.Background(), id)
	require.NoError(t, err)

	entry, err := dir.Lookup(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, s.ID, entry.SessionID)
	assert.Equal(t, "engine-a", entry.InstanceID)

	m.Disconnect(context.Background(), id)
	_, err = dir.Lookup(context.Background(), id)
	assert.True(t, errors.Is(err, ErrNotRegistered))
}
