// Package server is the HTTP edge: it streams turns to clients over SSE or
// a websocket and serves session history and status.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"

	"github.com/becomeliminal/duckpond/core"
	"github.com/becomeliminal/duckpond/session"
	"github.com/becomeliminal/duckpond/transcript"
)

// maxBodyBytes bounds chat request bodies.
const maxBodyBytes = 1 << 20

// Turner runs turns. *engine.Engine implements it.
type Turner interface {
	Turn(ctx context.Context, sessionID, content string) <-chan core.Event
	Interrupt(ctx context.Context) error
}

// Status reports the live session. *session.Manager implements it.
type Status interface {
	SessionID() string
	Connected() bool
	Usage() (core.TokenUsage, bool)
}

// Server holds the HTTP handlers.
type Server struct {
	turns       Turner
	status      Status
	transcripts *transcript.Store
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	hostname    string
	now         func() time.Time
}

// New creates a Server. transcripts may be nil, which disables the
// sessions routes.
func New(turns Turner, status Status, transcripts *transcript.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	hostname, _ := os.Hostname()
	return &Server{
		turns:       turns,
		status:      status,
		transcripts: transcripts,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		hostname: hostname,
		now:      time.Now,
	}
}

// Handler returns the route table. JSON routes are gzip-compressed;
// streaming routes are not.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /ws", s.handleWebsocket)

	mux.Handle("POST /api/chat/interrupt", gzhttp.GzipHandler(http.HandlerFunc(s.handleInterrupt)))
	mux.Handle("GET /api/sessions", gzhttp.GzipHandler(http.HandlerFunc(s.handleListSessions)))
	mux.Handle("GET /api/sessions/{id}", gzhttp.GzipHandler(http.HandlerFunc(s.handleSession)))
	mux.Handle("GET /api/context", gzhttp.GzipHandler(http.HandlerFunc(s.handleContext)))
	mux.Handle("GET /api/context/{id}", gzhttp.GzipHandler(http.HandlerFunc(s.handleSessionContext)))
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("server: request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if err := s.turns.Interrupt(r.Context()); err != nil {
		s.logger.Warn("server: interrupt failed", "err", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "interrupted"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.transcripts == nil {
		writeJSON(w, http.StatusOK, []transcript.Summary{})
		return
	}
	limit := transcript.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > transcript.MaxListLimit {
			writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 100")
			return
		}
		limit = n
	}
	sessions, err := s.transcripts.List(limit)
	if err != nil {
		s.logger.Error("server: list sessions", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.transcripts == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	detail, err := s.transcripts.Session(id)
	switch {
	case errors.Is(err, transcript.ErrNotFound), errors.Is(err, transcript.ErrInvalidID):
		writeError(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		s.logger.Error("server: load session", "session", session.Short(id), "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type contextResponse struct {
	Hostname     string `json:"hostname"`
	Date         string `json:"date"`
	Time         string `json:"time"`
	Datetime     string `json:"datetime"`
	SessionID    string `json:"sessionId,omitempty"`
	Connected    bool   `json:"connected"`
	InputTokens  *int   `json:"input_tokens"`
	OutputTokens *int   `json:"output_tokens"`
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	resp := contextResponse{
		Hostname:  s.hostname,
		Date:      now.Format("Mon Jan 2 2006"),
		Time:      now.Format("3:04 PM"),
		Datetime:  now.Format("Mon Jan 2 2006, 3:04 PM"),
		SessionID: s.status.SessionID(),
		Connected: s.status.Connected(),
	}
	if usage, ok := s.status.Usage(); ok {
		resp.InputTokens = &usage.InputTokens
		resp.OutputTokens = &usage.OutputTokens
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSessionContext reports token usage for id when it is the live session.
func (s *Server) handleSessionContext(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"input_tokens": nil, "output_tokens": nil}
	if id := r.PathValue("id"); id != "" && id == s.status.SessionID() {
		if usage, ok := s.status.Usage(); ok {
			resp["input_tokens"] = usage.InputTokens
			resp["output_tokens"] = usage.OutputTokens
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":           "healthy",
		"client_connected": s.status.Connected(),
		"current_session":  nil,
	}
	if id := s.status.SessionID(); id != "" {
		resp["current_session"] = session.Short(id)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
