package transcript

import (
	"encoding/json"
	"time"
)

// DisplayMessage is a message shaped for the chat UI.
type DisplayMessage struct {
	Role      string        `json:"role"`
	Content   []DisplayPart `json:"content"`
	UUID      string        `json:"uuid,omitempty"`
	Timestamp *time.Time    `json:"timestamp,omitempty"`
}

// DisplayPart is text or a tool call with its result attached.
type DisplayPart struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	ArgsText   string          `json:"argsText,omitempty"`
	Result     *string         `json:"result,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
}

type toolOutcome struct {
	content string
	isError bool
}

// DisplayMessages converts records to display messages. Tool results are
// attached to the tool call with the same id; user messages carrying only
// tool results are dropped, as are messages with no visible content.
// Envelope-wrapped user text is shown as its prompt.
func DisplayMessages(records []Record) []DisplayMessage {
	results := make(map[string]toolOutcome)
	for _, r := range records {
		for _, b := range r.Message.Content {
			if b.Type == BlockToolResult && b.ToolUseID != "" {
				results[b.ToolUseID] = toolOutcome{content: b.Content, isError: b.IsError}
			}
		}
	}

	var messages []DisplayMessage
	for _, r := range records {
		var parts []DisplayPart
		for _, b := range r.Message.Content {
			switch b.Type {
			case BlockText:
				text := b.Text
				if r.Type == TypeUser {
					text = PromptText(text)
				}
				if text != "" {
					parts = append(parts, DisplayPart{Type: "text", Text: text})
				}
			case BlockToolUse:
				part := DisplayPart{
					Type:       "tool-call",
					ToolCallID: b.ID,
					ToolName:   b.Name,
					Args:       b.Input,
					ArgsText:   string(b.Input),
				}
				if res, ok := results[b.ID]; ok {
					content := res.content
					part.Result = &content
					part.IsError = res.isError
				}
				parts = append(parts, part)
			}
		}
		if len(parts) == 0 {
			continue
		}
		m := DisplayMessage{Role: r.Message.Role, Content: parts, UUID: r.UUID}
		if !r.Timestamp.IsZero() {
			ts := r.Timestamp
			m.Timestamp = &ts
		}
		messages = append(messages, m)
	}
	return messages
}
