package collab

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docagent/api/internal/awareness"
	"docagent/api/internal/binding"
	"docagent/api/internal/crdt"
	"docagent/api/internal/metrics"
	"docagent/api/internal/prosemirror"
	"docagent/api/internal/provider"
	"docagent/api/internal/search"
	"docagent/api/internal/store"
)

const waitFor = 3 * time.Second

func startServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	srv := NewServer(opts)
	require.NoError(t, srv.Start(context.Background()))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, ts.URL
}

type peer struct {
	mu  sync.Mutex
	doc *crdt.Doc
	aw  *awareness.Awareness
	p   *provider.Provider
}

func join(t *testing.T, endpoint, room string, clientID uint64) *peer {
	t.Helper()
	c := &peer{doc: crdt.NewDoc(clientID), aw: awareness.New(clientID)}
	p, err := provider.New(endpoint, room, c.doc, c.aw, &c.mu, provider.Options{})
	require.NoError(t, err)
	c.p = p

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, p.Connect(ctx))
	require.NoError(t, p.WaitSynced(ctx))
	t.Cleanup(p.Destroy)
	return c
}

func (c *peer) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return PlainText(binding.Render(c.doc))
}

func (c *peer) edit(t *testing.T, fn func(tx *crdt.Txn) error) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.doc.Transact(c, fn)
	require.NoError(t, err)
}

func paragraph(text string) func(tx *crdt.Txn) error {
	return func(tx *crdt.Txn) error {
		if _, err := tx.InsertBlock(0, "paragraph", nil); err != nil {
			return err
		}
		return tx.InsertText(1, text, nil)
	}
}

type recordingSink struct {
	mu    sync.Mutex
	snaps []store.Snapshot
}

func (r *recordingSink) SaveSnapshot(_ context.Context, snap store.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return nil
}

func (r *recordingSink) last() (store.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return store.Snapshot{}, false
	}
	return r.snaps[len(r.snaps)-1], true
}

func TestPeersConverge(t *testing.T) {
	_, url := startServer(t, Options{Persistence: store.NewMemoryStore()})

	a := join(t, url, "notes", 11)
	a.edit(t, paragraph("hello"))

	b := join(t, url, "notes", 22)
	require.Eventually(t, func() bool { return b.text() == "hello" }, waitFor, 10*time.Millisecond)

	b.edit(t, func(tx *crdt.Txn) error { return tx.InsertText(6, " world", nil) })
	require.Eventually(t, func() bool { return a.text() == "hello world" }, waitFor, 10*time.Millisecond)
	assert.Equal(t, a.text(), b.text())
}

func TestAwarenessRemovedWhenConnectionCloses(t *testing.T) {
	_, url := startServer(t, Options{})

	a := join(t, url, "presence", 11)
	a.aw.SetLocalStateField("user", map[string]any{"name": "Ada"})
	b := join(t, url, "presence", 22)

	require.Eventually(t, func() bool {
		_, ok := b.aw.States()[11]
		return ok
	}, waitFor, 10*time.Millisecond)

	a.p.Destroy()
	require.Eventually(t, func() bool {
		_, ok := b.aw.States()[11]
		return !ok
	}, waitFor, 10*time.Millisecond)
}

func TestLastLeaveSavesSnapshot(t *testing.T) {
	mem := store.NewMemoryStore()
	sink := &recordingSink{}
	srv, url := startServer(t, Options{
		Persistence: mem,
		Snapshots:   mem,
		Sinks:       []SnapshotSink{mem, sink},
	})

	a := join(t, url, "draft", 11)
	a.edit(t, paragraph("persist me"))
	require.Eventually(t, func() bool {
		snap, err := srv.Snapshot(context.Background(), "draft")
		return err == nil && snap.Content == "persist me"
	}, waitFor, 10*time.Millisecond)
	a.p.Destroy()

	require.Eventually(t, func() bool {
		snap, ok := sink.last()
		return ok && snap.Content == "persist me"
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(srv.Rooms()) == 0 }, waitFor, 10*time.Millisecond)

	stored, err := mem.GetSnapshot(context.Background(), "draft")
	require.NoError(t, err)
	var doc prosemirror.Node
	require.NoError(t, json.Unmarshal(stored.Doc, &doc))
	assert.Equal(t, "persist me", doc.TextContent())

	// reloading replays the compacted log
	c := join(t, url, "draft", 33)
	require.Eventually(t, func() bool { return c.text() == "persist me" }, waitFor, 10*time.Millisecond)
}

func TestFanoutAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rc.Close() })
		return rc
	}
	_, url1 := startServer(t, Options{Redis: newClient(), InstanceID: "one"})
	_, url2 := startServer(t, Options{Redis: newClient(), InstanceID: "two"})

	a := join(t, url1, "shared", 11)
	b := join(t, url2, "shared", 22)

	a.edit(t, paragraph("across instances"))
	require.Eventually(t, func() bool { return b.text() == "across instances" }, waitFor, 10*time.Millisecond)

	a.aw.SetLocalStateField("user", map[string]any{"name": "Ada"})
	require.Eventually(t, func() bool {
		_, ok := b.aw.States()[11]
		return ok
	}, waitFor, 10*time.Millisecond)
}

type fakeHistory struct {
	commits []store.CommitInfo
}

func (f fakeHistory) History(string, int) ([]store.CommitInfo, error) {
	return f.commits, nil
}

type fakeSearch struct {
	got search.Query
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.got = q
	return search.Response{Results: []search.Result{{Room: "notes", Title: "hello"}}, Total: 1, Query: q.Text}
}

func TestHTTPReadAPI(t *testing.T) {
	searcher := &fakeSearch{}
	_, url := startServer(t, Options{
		Snapshots: store.NewMemoryStore(),
		History:   fakeHistory{commits: []store.CommitInfo{{Hash: "abc1234", Message: "Snapshot notes"}}},
		Search:    searcher,
	})

	get := func(path string) (*http.Response, map[string]any) {
		t.Helper()
		resp, err := http.Get(url + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp, body
	}

	resp, body := get("/api/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, body = get("/api/rooms/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "ROOM_NOT_FOUND", body["code"])

	resp, body = get("/api/rooms/notes/history")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	commits := body["commits"].([]any)
	require.Len(t, commits, 1)
	assert.Equal(t, "abc1234", commits[0].(map[string]any)["hash"])

	resp, body = get("/api/search")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_QUERY", body["code"])

	resp, body = get("/api/search?q=hello&room=notes&limit=5")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])
	assert.Equal(t, search.Query{Text: "hello", Room: "notes", Limit: 5}, searcher.got)
}

func TestLiveRoomIsReadable(t *testing.T) {
	_, url := startServer(t, Options{})
	a := join(t, url, "live", 11)
	a.edit(t, paragraph("visible"))

	require.Eventually(t, func() bool {
		resp, err := http.Get(url + "/api/rooms/live")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body struct {
			Content string `json:"content"`
			Live    bool   `json:"live"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false
		}
		return body.Live && body.Content == "visible"
	}, waitFor, 20*time.Millisecond)
}

func TestPlainText(t *testing.T) {
	doc := prosemirror.Doc(
		prosemirror.Heading(1, "Title"),
		prosemirror.Paragraph("Body"),
	)
	assert.Equal(t, "Title\nBody", PlainText(doc))
	assert.Equal(t, "", PlainText(prosemirror.Doc()))
}

type unreachableLog struct {
	*store.MemoryStore
}

func (unreachableLog) Ping(context.Context) error {
	return errors.New("connection refused")
}

func TestReadyReportsDependencies(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	_, healthy := startServer(t, Options{Redis: rc})
	resp, err := http.Get(healthy + "/api/ready")
	require.NoError(t, err)
	var body struct {
		OK     bool                      `json:"ok"`
		Checks map[string]map[string]any `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, body.OK)
	assert.Equal(t, "ok", body.Checks["redis"]["status"])

	_, failing := startServer(t, Options{Persistence: unreachableLog{store.NewMemoryStore()}})
	resp, err = http.Get(failing + "/api/ready")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.False(t, body.OK)
	assert.Equal(t, "connection refused", body.Checks["database"]["error"])
}

func TestMetricsEndpointServesRoomGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv, url := startServer(t, Options{
		Metrics:        metrics.New(reg),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	room := "https://docs.example.com/teamA/notes"
	join(t, url, room, 1)
	assert.Equal(t, []string{room}, srv.Rooms())

	resp, err := http.Get(url + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "docagent_collab_rooms_active 1")
	assert.Contains(t, string(body), "docagent_collab_connections 1")
}
