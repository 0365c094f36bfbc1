// Package session owns the single live agent connection and its identity.
//
// One process, one conversation at a time: the Manager holds zero or one
// connection. Requesting a different session tears the current connection
// down before a new one is created, so two connections never coexist.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/becomeliminal/duckpond/core"
)

// Manager creates, reuses and replaces the agent connection.
// It is safe for concurrent use; callers serialize turns themselves.
type Manager struct {
	runtime core.Runtime
	logger  *slog.Logger

	// lifecycle serializes Ensure and Shutdown. mu guards the fields below
	// and is never held across runtime I/O.
	lifecycle sync.Mutex

	mu        sync.Mutex
	conn      core.Connection
	sessionID string
	usage     *core.TokenUsage
}

// NewManager creates a Manager. No connection is made until Ensure.
func NewManager(runtime core.Runtime, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{runtime: runtime, logger: logger}
}

// Ensure makes sure a connection bound to sessionID exists. An empty
// sessionID means a new session. A connection for a different identity is
// torn down first; a matching connection is reused.
func (m *Manager) Ensure(ctx context.Context, sessionID string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	conn, current := m.conn, m.sessionID
	m.mu.Unlock()

	if conn != nil {
		if sessionID == current {
			return nil
		}
		m.logger.Info("session: switching", "from", Short(current), "to", Short(sessionID))
		if err := m.teardown(ctx, conn, current); err != nil {
			return err
		}
	}

	conn, err := m.runtime.Connect(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.sessionID = sessionID
	m.usage = nil
	m.mu.Unlock()

	if sessionID == "" {
		m.logger.Info("session: connected", "session", "new")
	} else {
		m.logger.Info("session: connected", "session", Short(sessionID), "resume", true)
	}
	return nil
}

// SessionID returns the current identity, or "" when none is recorded.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Connected reports whether a connection is live.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// AdoptSessionID records the identity the runtime assigned to a new
// session. First write wins: an already recorded identity is kept.
func (m *Manager) AdoptSessionID(sessionID string) {
	if sessionID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionID != "" {
		return
	}
	m.sessionID = sessionID
	m.logger.Info("session: adopted new identity", "session", Short(sessionID))
}

// RecordUsage stores the token usage reported by the last completed turn.
func (m *Manager) RecordUsage(usage core.TokenUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = &usage
}

// Usage returns the last reported token usage, if any.
func (m *Manager) Usage() (core.TokenUsage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usage == nil {
		return core.TokenUsage{}, false
	}
	return *m.usage, true
}

// Send passes content to the live connection.
func (m *Manager) Send(ctx context.Context, content string) error {
	conn := m.current()
	if conn == nil {
		return core.ErrNotConnected
	}
	return conn.Send(ctx, content)
}

// Stream passes through the live connection's event sequence. Without a
// connection the sequence yields core.ErrNotConnected once.
func (m *Manager) Stream(ctx context.Context) iter.Seq2[core.RuntimeEvent, error] {
	conn := m.current()
	if conn == nil {
		return func(yield func(core.RuntimeEvent, error) bool) {
			yield(core.RuntimeEvent{}, core.ErrNotConnected)
		}
	}
	return conn.Stream(ctx)
}

// Interrupt forwards a stop request to the runtime. No-op when not connected.
func (m *Manager) Interrupt(ctx context.Context) error {
	conn := m.current()
	if conn == nil {
		return nil
	}
	if err := conn.Interrupt(ctx); err != nil {
		return fmt.Errorf("session: interrupt: %w", err)
	}
	m.logger.Info("session: interrupted")
	return nil
}

// Shutdown tears down any live connection. Calling it again is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	conn, current := m.conn, m.sessionID
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	return m.teardown(ctx, conn, current)
}

func (m *Manager) current() core.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// teardown disconnects conn. A benign teardown race is swallowed; any
// other failure is returned and the connection is kept so that a second
// live connection is never created next to it. The caller holds lifecycle.
func (m *Manager) teardown(ctx context.Context, conn core.Connection, sessionID string) error {
	if err := conn.Disconnect(ctx); err != nil {
		if !IsBenignTeardown(err) {
			m.logger.Error("session: disconnect failed", "session", Short(sessionID), "err", err)
			return fmt.Errorf("session: disconnect: %w", err)
		}
		m.logger.Debug("session: ignoring teardown race", "err", err)
	}
	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
	m.logger.Info("session: disconnected", "session", Short(sessionID))
	return nil
}

// IsBenignTeardown reports whether a disconnect failure was caused by
// cancellation crossing task boundaries during shutdown.
func IsBenignTeardown(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return strings.Contains(err.Error(), "cancel scope")
}

// Short abbreviates a session identity for logs.
func Short(sessionID string) string {
	if sessionID == "" {
		return "new"
	}
	if len(sessionID) <= 8 {
		return sessionID
	}
	return sessionID[:8]
}
