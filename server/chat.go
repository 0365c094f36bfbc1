package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/becomeliminal/duckpond/core"
	"github.com/becomeliminal/duckpond/session"
)

// ChatRequest is the body of POST /api/chat and of websocket chat messages.
type ChatRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Content   string `json:"content"`
}

func (r ChatRequest) validate() error {
	if strings.TrimSpace(r.Content) == "" {
		return errors.New("content is required")
	}
	return nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	s.logger.Info("server: chat", "session", session.Short(req.SessionID), "chars", len(req.Content))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range s.turns.Turn(r.Context(), req.SessionID, req.Content) {
		if err := writeSSE(w, ev); err != nil {
			s.logger.Warn("server: sse write failed", "err", err)
			// Keep draining so the producer can finish.
			continue
		}
		flusher.Flush()
	}
}

// writeSSE writes one event frame. The done sentinel is the bare [DONE] marker.
func writeSSE(w http.ResponseWriter, ev core.Event) error {
	if ev.Type == core.EventDone {
		_, err := fmt.Fprint(w, "data: [DONE]\n\n")
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
