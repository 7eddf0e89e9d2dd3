package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"docagent/api/internal/engine"
	"docagent/api/internal/export"
	"docagent/api/internal/session"
)

const maxBodyBytes = 1 << 20

// Operations is the document operation surface served over HTTP.
type Operations interface {
	PositionCursor(ctx context.Context, id session.Identity, searchText string) engine.Result
	DeleteBlock(ctx context.Context, id session.Identity) engine.Result
	InsertAtCursor(ctx context.Context, id session.Identity, text, nodeType string) engine.Result
	ReplaceText(ctx context.Context, id session.Identity, findText, replaceText string) engine.Result
	Disconnect(ctx context.Context, id session.Identity) engine.Result
	Content(ctx context.Context, id session.Identity) engine.Content
	Export(ctx context.Context, id session.Identity, format string) (*export.Result, engine.Result)
}

// SessionLister reports the sessions held by this instance.
type SessionLister interface {
	List() []session.Info
	Len() int
}

// Pinger is a dependency checked by /api/ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	CORSOrigin string
	// ReadyChecks are keyed by the name reported in the readiness body.
	ReadyChecks map[string]Pinger
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

type HTTPServer struct {
	ops        Operations
	sessions   SessionLister
	checks     map[string]Pinger
	metrics    http.Handler
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(ops Operations, sessions SessionLister, opts Options) *HTTPServer {
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &HTTPServer{
		ops:        ops,
		sessions:   sessions,
		checks:     opts.ReadyChecks,
		metrics:    opts.Metrics,
		corsOrigin: opts.CORSOrigin,
		logger:     opts.Logger.Named("http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/sessions" {
		var sessions []session.Info
		if s.sessions != nil {
			sessions = s.sessions.List()
		}
		if sessions == nil {
			sessions = []session.Info{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 3 && parts[0] == "api" && parts[1] == "operations" {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Use POST", nil)
			return
		}
		s.handleOperation(w, r, parts[2])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	if s.sessions != nil {
		checks["sessions"] = map[string]any{"status": "ok", "count": s.sessions.Len()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// operationRequest is the union of all operation bodies. documentId is
// accepted as an alias of documentUrl.
type operationRequest struct {
	DocumentURL string `json:"documentUrl"`
	DocumentID  string `json:"documentId"`
	CollabURL   string `json:"collabUrl"`
	SearchText  string `json:"searchText"`
	Text        string `json:"text"`
	NodeType    string `json:"nodeType"`
	FindText    string `json:"findText"`
	ReplaceText string `json:"replaceText"`
	Format      string `json:"format"`
}

func (b operationRequest) identity() session.Identity {
	doc := b.DocumentURL
	if doc == "" {
		doc = b.DocumentID
	}
	return session.Identity{DocumentURL: strings.TrimSpace(doc), CollabURL: strings.TrimSpace(b.CollabURL)}
}

func (s *HTTPServer) handleOperation(w http.ResponseWriter, r *http.Request, name string) {
	var body operationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := decodeBody(r, &body); err != nil {
		status, code, message, details := mapError(domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil))
		writeError(w, status, code, message, details)
		return
	}
	id := body.identity()
	ctx := r.Context()

	switch name {
	case "position-cursor":
		writeResult(w, s.ops.PositionCursor(ctx, id, body.SearchText))
	case "delete-block":
		writeResult(w, s.ops.DeleteBlock(ctx, id))
	case "insert-at-cursor":
		writeResult(w, s.ops.InsertAtCursor(ctx, id, body.Text, body.NodeType))
	case "replace-text":
		writeResult(w, s.ops.ReplaceText(ctx, id, body.FindText, body.ReplaceText))
	case "disconnect":
		writeResult(w, s.ops.Disconnect(ctx, id))
	case "content":
		content := s.ops.Content(ctx, id)
		writeJSON(w, statusForResult(content.Result), content)
	case "export":
		s.handleExport(w, r, id, body.Format)
	default:
		writeError(w, http.StatusNotFound, "UNKNOWN_OPERATION", fmt.Sprintf("Unknown operation %q", name), nil)
	}
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, id session.Identity, format string) {
	if format == "" {
		format = r.URL.Query().Get("format")
	}
	out, res := s.ops.Export(r.Context(), id, format)
	if !res.Success {
		writeResult(w, res)
		return
	}
	w.Header().Set("Content-Type", out.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", out.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Data)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(out.Data)
	}
}

func writeResult(w http.ResponseWriter, res engine.Result) {
	writeJSON(w, statusForResult(res), res)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request carrying ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
