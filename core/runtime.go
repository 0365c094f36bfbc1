package core

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
)

// ErrNotConnected is returned when an operation needs a live agent
// connection and none has been established.
var ErrNotConnected = errors.New("agent connection not established")

// Runtime is the conversational-agent runtime. It hands out connections
// bound to a session identity. An empty sessionID asks for a new session.
type Runtime interface {
	Connect(ctx context.Context, sessionID string) (Connection, error)
}

// Connection is a live, stateful link to one agent session.
type Connection interface {
	// Send queues user content for the next Stream call.
	Send(ctx context.Context, content string) error

	// Stream runs the agent on the queued content and yields its events
	// lazily. The sequence ends after a RuntimeResult event or an error.
	Stream(ctx context.Context) iter.Seq2[RuntimeEvent, error]

	// Interrupt asks the agent to stop the current generation.
	Interrupt(ctx context.Context) error

	// Disconnect releases the connection. Safe to call more than once.
	Disconnect(ctx context.Context) error
}

// RuntimeEventKind discriminates runtime events.
type RuntimeEventKind int

const (
	// RuntimeTextDelta is a partial text chunk from the model.
	RuntimeTextDelta RuntimeEventKind = iota

	// RuntimeToolUse is a tool invocation request.
	RuntimeToolUse

	// RuntimeToolResult is the outcome of a tool invocation.
	RuntimeToolResult

	// RuntimeResult marks turn completion and carries the final session identity.
	RuntimeResult
)

func (k RuntimeEventKind) String() string {
	switch k {
	case RuntimeTextDelta:
		return "text_delta"
	case RuntimeToolUse:
		return "tool_use"
	case RuntimeToolResult:
		return "tool_result"
	case RuntimeResult:
		return "result"
	default:
		return "unknown"
	}
}

// RuntimeEvent is one event emitted by an agent connection while streaming.
type RuntimeEvent struct {
	Kind RuntimeEventKind

	// Text is set for RuntimeTextDelta.
	Text string

	// ToolCallID links RuntimeToolUse and RuntimeToolResult events.
	ToolCallID string
	ToolName   string
	ToolInput  json.RawMessage

	// ToolOutput and IsError are set for RuntimeToolResult.
	ToolOutput string
	IsError    bool

	// SessionID and Usage are set for RuntimeResult.
	SessionID string
	Usage     *TokenUsage
}

// TokenUsage tracks model token consumption for one turn.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
