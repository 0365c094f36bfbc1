package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/becomeliminal/duckpond/core"
)

// wsInbound is a client message on the websocket.
type wsInbound struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Content   string `json:"content"`
}

// wsConn serializes writes to one websocket.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("server: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ws := &wsConn{conn: conn}
	var turns sync.WaitGroup
	defer turns.Wait()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("server: websocket read ended", "err", err)
			}
			cancel()
			return
		}

		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			ws.writeJSON(core.Event{Type: core.EventError, Err: "invalid message"})
			continue
		}

		switch msg.Type {
		case "chat":
			req := ChatRequest{SessionID: msg.SessionID, Content: msg.Content}
			if err := req.validate(); err != nil {
				ws.writeJSON(core.ErrorEvent(err))
				continue
			}
			events := s.turns.Turn(ctx, req.SessionID, req.Content)
			turns.Add(1)
			go func() {
				defer turns.Done()
				for ev := range events {
					if err := ws.writeJSON(ev); err != nil {
						cancel()
					}
				}
			}()

		case "interrupt":
			if err := s.turns.Interrupt(ctx); err != nil {
				ws.writeJSON(core.ErrorEvent(err))
			}

		default:
			ws.writeJSON(core.Event{Type: core.EventError, Err: "unknown message type " + msg.Type})
		}
	}
}
