package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap/zaptest"

	"docagent/api/internal/collab"
	"docagent/api/internal/crdt"
	"docagent/api/internal/engine"
	"docagent/api/internal/export"
	"docagent/api/internal/metrics"
	"docagent/api/internal/session"
	"docagent/api/internal/store"
)

type fakeOps struct {
	lastID   session.Identity
	lastArgs []string
	result   engine.Result
	export   *export.Result
}

func (f *fakeOps) record(id session.Identity, args ...string) engine.Result {
	f.lastID = id
	f.lastArgs = args
	return f.result
}

func (f *fakeOps) PositionCursor(_ context.Context, id session.Identity, searchText string) engine.Result {
	return f.record(id, searchText)
}

func (f *fakeOps) DeleteBlock(_ context.Context, id session.Identity) engine.Result {
	return f.record(id)
}

func (f *fakeOps) InsertAtCursor(_ context.Context, id session.Identity, text, nodeType string) engine.Result {
	return f.record(id, text, nodeType)
}

func (f *fakeOps) ReplaceText(_ context.Context, id session.Identity, findText, replaceText string) engine.Result {
	return f.record(id, findText, replaceText)
}

func (f *fakeOps) Disconnect(_ context.Context, id session.Identity) engine.Result {
	return f.record(id)
}

func (f *fakeOps) Content(_ context.Context, id session.Identity) engine.Content {
	return engine.Content{Result: f.record(id)}
}

func (f *fakeOps) Export(_ context.Context, id session.Identity, format string) (*export.Result, engine.Result) {
	res := f.record(id, format)
	if !res.Success {
		return nil, res
	}
	return f.export, res
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResult(t *testing.T, rr *httptest.ResponseRecorder) engine.Result {
	t.Helper()
	var res engine.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return res
}

func TestOperationRoutesPassArguments(t *testing.T) {
	ops := &fakeOps{result: engine.Result{Success: true, Message: "done"}}
	h := NewHTTPServer(ops, &fakeSessions{}, Options{}).Handler()

	tests := []struct {
		path   string
		fields map[string]string
		want   []string
	}{
		{"/api/operations/position-cursor", map[string]string{"searchText": "Intro"}, []string{"Intro"}},
		{"/api/operations/delete-block", nil, nil},
		{"/api/operations/insert-at-cursor", map[string]string{"text": "Next", "nodeType": "heading2"}, []string{"Next", "heading2"}},
		{"/api/operations/replace-text", map[string]string{"findText": "a", "replaceText": "b"}, []string{"a", "b"}},
		{"/api/operations/disconnect", nil, nil},
	}
	for _, tc := range tests {
		fields := map[string]string{"documentUrl": "https://d/x", "collabUrl": "ws://c"}
		for k, v := range tc.fields {
			fields[k] = v
		}
		body, err := json.Marshal(fields)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		ops.lastID, ops.lastArgs = session.Identity{}, []string{"not called"}

		rr := post(t, h, tc.path, string(body))
		if rr.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d: %s", tc.path, rr.Code, rr.Body.String())
		}
		if ops.lastID.DocumentURL != "https://d/x" || ops.lastID.CollabURL != "ws://c" {
			t.Errorf("%s: unexpected identity %+v", tc.path, ops.lastID)
		}
		if strings.Join(ops.lastArgs, "|") != strings.Join(tc.want, "|") {
			t.Errorf("%s: expected args %v, got %v", tc.path, tc.want, ops.lastArgs)
		}
	}
}

func TestDocumentIDAlias(t *testing.T) {
	ops := &fakeOps{result: engine.Result{Success: true}}
	h := NewHTTPServer(ops, &fakeSessions{}, Options{}).Handler()

	post(t, h, "/api/operations/delete-block", `{"documentId":"doc-1","collabUrl":"ws://c"}`)
	if ops.lastID.DocumentURL != "doc-1" {
		t.Errorf("expected documentId to fill the identity, got %+v", ops.lastID)
	}
}

func TestResultCodesMapToStatus(t *testing.T) {
	tests := []struct {
		code engine.Code
		want int
	}{
		{engine.CodeNotFound, http.StatusNotFound},
		{engine.CodeInvalidSelection, http.StatusUnprocessableEntity},
		{engine.CodeInvalidArgument, http.StatusUnprocessableEntity},
		{engine.CodeTransformFailure, http.StatusConflict},
		{engine.CodeSyncTimeout, http.StatusGatewayTimeout},
		{engine.CodeConnectFailed, http.StatusBadGateway},
		{engine.CodeExportUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		ops := &fakeOps{result: engine.Result{Success: false, Message: "nope", Code: tc.code}}
		h := NewHTTPServer(ops, &fakeSessions{}, Options{}).Handler()
		rr := post(t, h, "/api/operations/position-cursor", `{"searchText":"x"}`)
		if rr.Code != tc.want {
			t.Errorf("%s: expected status %d, got %d", tc.code, tc.want, rr.Code)
		}
		res := decodeResult(t, rr)
		if res.Success || res.Code != tc.code || res.Message != "nope" {
			t.Errorf("%s: unexpected body %+v", tc.code, res)
		}
	}
}

func TestMalformedBody(t *testing.T) {
	h := NewHTTPServer(&fakeOps{}, &fakeSessions{}, Options{}).Handler()
	rr := post(t, h, "/api/operations/replace-text", `{"findText":`)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["code"] != "INVALID_BODY" {
		t.Errorf("expected code INVALID_BODY, got %v", body["code"])
	}
}

func TestUnknownOperationAndMethod(t *testing.T) {
	h := NewHTTPServer(&fakeOps{}, &fakeSessions{}, Options{}).Handler()

	rr := post(t, h, "/api/operations/teleport", `{}`)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for unknown operation, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/operations/content", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", rr.Code)
	}
}

func TestExportWritesAttachment(t *testing.T) {
	ops := &fakeOps{
		result: engine.Result{Success: true},
		export: &export.Result{Data: []byte("<html></html>"), Filename: "plan.html", MimeType: "text/html; charset=utf-8"},
	}
	h := NewHTTPServer(ops, &fakeSessions{}, Options{}).Handler()

	rr := post(t, h, "/api/operations/export", `{"documentUrl":"https://d/x","collabUrl":"ws://c","format":"html"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("unexpected content type %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); cd != `attachment; filename="plan.html"` {
		t.Errorf("unexpected content disposition %q", cd)
	}
	if rr.Body.String() != "<html></html>" {
		t.Errorf("unexpected body %q", rr.Body.String())
	}
}

func TestSessionsListing(t *testing.T) {
	sessions := &fakeSessions{infos: []session.Info{{ID: "sess_1", Room: "plan", State: session.StateSynced}}}
	h := NewHTTPServer(&fakeOps{}, sessions, Options{}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var body struct {
		Sessions []session.Info `json:"sessions"`
		Count    int            `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Count != 1 || body.Sessions[0].Room != "plan" {
		t.Errorf("unexpected listing %+v", body)
	}
}

// TestOperationsAgainstLiveRoom drives the HTTP surface through a real engine
// connected to an in-process collaboration endpoint.
func TestOperationsAgainstLiveRoom(t *testing.T) {
	mem := store.NewMemoryStore()
	seed := crdt.NewDoc(99)
	u, err := seed.Transact(nil, func(tx *crdt.Txn) error {
		if _, err := tx.InsertBlock(0, "paragraph", nil); err != nil {
			return err
		}
		return tx.InsertText(1, "Project overview", nil)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := mem.AppendUpdate(context.Background(), "https://docs.example.com/d/plan", u); err != nil {
		t.Fatalf("seed: %v", err)
	}

	logger := zaptest.NewLogger(t)
	collabSrv := collab.NewServer(collab.Options{Persistence: mem, Logger: logger})
	collabTS := httptest.NewServer(collabSrv.Handler())
	manager, err := session.NewManager(session.Options{Logger: logger})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(func() {
		manager.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = collabSrv.Shutdown(ctx)
		collabTS.Close()
	})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	eng := engine.New(manager, engine.Options{Metrics: m, Logger: logger})
	h := NewHTTPServer(eng, manager, Options{
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:  logger,
	}).Handler()

	ident := `"documentUrl":"https://docs.example.com/d/plan","collabUrl":"` + collabTS.URL + `"`

	rr := post(t, h, "/api/operations/position-cursor", `{`+ident+`,"searchText":"overview"}`)
	res := decodeResult(t, rr)
	if rr.Code != http.StatusOK || !res.Success {
		t.Fatalf("position-cursor failed: %d %+v", rr.Code, res)
	}
	if res.Position == nil || res.Position.From != 9 || res.Position.To != 17 {
		t.Errorf("unexpected position %+v", res.Position)
	}

	rr = post(t, h, "/api/operations/replace-text", `{`+ident+`,"findText":"missing","replaceText":"x"}`)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for missing text, got %d", rr.Code)
	}

	rr = post(t, h, "/api/operations/content", `{`+ident+`}`)
	var content engine.Content
	if err := json.Unmarshal(rr.Body.Bytes(), &content); err != nil {
		t.Fatalf("failed to parse content: %v", err)
	}
	if len(content.Blocks) != 1 || content.Blocks[0].Text != "Project overview" {
		t.Errorf("unexpected content %+v", content.Blocks)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	listing := httptest.NewRecorder()
	h.ServeHTTP(listing, req)
	if !strings.Contains(listing.Body.String(), `"room":"https://docs.example.com/d/plan"`) {
		t.Errorf("expected session listing to include the plan room, got %s", listing.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	scrape := httptest.NewRecorder()
	h.ServeHTTP(scrape, req)
	if !strings.Contains(scrape.Body.String(), "position_cursor") {
		t.Errorf("expected operation metrics in scrape")
	}

	rr = post(t, h, "/api/operations/disconnect", `{`+ident+`}`)
	if rr.Code != http.StatusOK || manager.Len() != 0 {
		t.Errorf("expected disconnect to drop the session, got %d with %d sessions", rr.Code, manager.Len())
	}
}
