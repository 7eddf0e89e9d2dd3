package collab

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"docagent/api/internal/search"
	"docagent/api/internal/store"
)

// Handler serves the room websockets at /<room> and the read API under /api.
func (s *Server) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":       true,
			"instance": s.InstanceID(),
			"rooms":    len(s.Rooms()),
		})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.opts.MetricsHandler != nil {
		s.opts.MetricsHandler.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/rooms" {
		s.handleListRooms(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	parts := splitPath(r.URL.EscapedPath())
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "rooms" && r.Method == http.MethodGet {
		room, err := url.PathUnescape(parts[2])
		if err != nil || room == "" {
			writeError(w, http.StatusBadRequest, "INVALID_ROOM", "Invalid room name", nil)
			return
		}
		switch {
		case len(parts) == 3:
			s.handleGetRoom(w, r, room)
			return
		case len(parts) == 4 && parts[3] == "history":
			s.handleHistory(w, r, room)
			return
		}
	}

	if r.Method == http.MethodGet && len(parts) == 1 && parts[0] != "api" {
		room, err := url.PathUnescape(parts[0])
		if err != nil || room == "" {
			writeError(w, http.StatusBadRequest, "INVALID_ROOM", "Invalid room name", nil)
			return
		}
		s.ServeRoom(w, r, room)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// handleReady checks the update log database and the fan-out Redis.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]func(context.Context) error{}
	if db, ok := s.opts.Persistence.(pinger); ok {
		checks["database"] = db.Ping
	}
	if s.opts.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return s.opts.Redis.Ping(ctx).Err() }
	}

	status := "ready"
	statusCode := http.StatusOK
	results := map[string]any{}
	for name, check := range checks {
		if err := check(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			results[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		results[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": results,
	})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{"live": s.Rooms()}
	if s.opts.Snapshots != nil {
		stored, err := s.opts.Snapshots.ListSnapshots(r.Context(), queryInt(r, "limit", 50))
		if err != nil {
			s.logger.Error("list snapshots", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
			return
		}
		response["stored"] = stored
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request, room string) {
	_, live := s.loaded(room)
	snap, err := s.Snapshot(r.Context(), room)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "ROOM_NOT_FOUND", "Room not found", map[string]any{"room": room})
		return
	}
	if err != nil {
		s.logger.Error("read room", zap.String("room", room), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"room":      snap.Room,
		"doc":       snap.Doc,
		"content":   snap.Content,
		"updatedAt": snap.UpdatedAt,
		"live":      live,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, room string) {
	if s.opts.History == nil {
		writeError(w, http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "History is not configured", nil)
		return
	}
	commits, err := s.opts.History.History(room, queryInt(r, "limit", 50))
	if err != nil {
		s.logger.Error("read history", zap.String("room", room), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
		return
	}
	if commits == nil {
		commits = []store.CommitInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": room, "commits": commits})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := search.Query{
		Text:   strings.TrimSpace(r.URL.Query().Get("q")),
		Room:   r.URL.Query().Get("room"),
		Limit:  queryInt(r, "limit", 20),
		Offset: queryInt(r, "offset", 0),
	}
	if q.Text == "" {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "Query parameter q is required", nil)
		return
	}
	if s.opts.Search == nil {
		writeJSON(w, http.StatusOK, search.Response{Results: []search.Result{}, Query: q.Text})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Search.Search(q))
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.opts.CORSOrigin)
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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,OPTIONS")
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
