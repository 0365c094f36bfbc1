package core

// BaseInput provides common fields for all tool inputs.
// Tools embed this struct to automatically include ReAct thought support.
type BaseInput struct {
	// Thought contains the agent's reasoning about why it's using this tool.
	// Required for tools that write to the memory store, optional otherwise.
	Thought string `json:"thought,omitempty"`
}
