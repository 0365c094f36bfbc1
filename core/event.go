package core

import (
	"encoding/json"
	"fmt"
)

// EventType is the external event vocabulary streamed to clients.
type EventType string

const (
	EventTextDelta    EventType = "text-delta"
	EventToolCall     EventType = "tool-call"
	EventToolResult   EventType = "tool-result"
	EventSessionID    EventType = "session-id"
	EventError        EventType = "error"
	EventArchiveError EventType = "archive-error"
	EventDone         EventType = "done"
)

// Event is a normalized event for one turn. Exactly one payload field is
// meaningful for a given Type.
type Event struct {
	Type EventType

	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResult
	SessionID  string
	Err        string
}

// ToolCall describes a tool invocation requested by the agent.
type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
	ArgsText   string          `json:"argsText"`
}

// ToolResult is the outcome of a tool invocation, matched by ToolCallID.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Result     string `json:"result"`
	IsError    bool   `json:"isError"`
}

// TextDelta returns a text-delta event.
func TextDelta(text string) Event {
	return Event{Type: EventTextDelta, Text: text}
}

// ErrorEvent returns an error event carrying err's message.
func ErrorEvent(err error) Event {
	return Event{Type: EventError, Err: err.Error()}
}

// Done returns the end-of-turn sentinel.
func Done() Event {
	return Event{Type: EventDone}
}

type wireEvent struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// MarshalJSON encodes the event as {"type": ..., "data": ...}.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{Type: e.Type}
	switch e.Type {
	case EventTextDelta:
		w.Data = e.Text
	case EventToolCall:
		w.Data = e.ToolCall
	case EventToolResult:
		w.Data = e.ToolResult
	case EventSessionID:
		w.Data = e.SessionID
	case EventError, EventArchiveError:
		w.Data = e.Err
	case EventDone:
		w.Data = "[DONE]"
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	return json.Marshal(w)
}
