// Package tools defines the tools the agent runtime offers the model.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
)

// Handler executes a tool call. The returned value is JSON-encoded for the
// model; a returned error is reported to the model as a failed call.
type Handler func(ctx context.Context, input json.RawMessage) (any, error)

// Tool is a named capability with a JSON Schema for its input.
type Tool struct {
	ToolName        string
	ToolDescription string
	InputSchema     Schema
	Handler         Handler
}

// Registry holds tools in registration order. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...*Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]*Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.ToolName == "" || t.Handler == nil {
		return fmt.Errorf("tools: register: tool needs a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.ToolName]; exists {
		return fmt.Errorf("tools: register: duplicate tool %q", t.ToolName)
	}
	r.tools[t.ToolName] = t
	r.order = append(r.order, t.ToolName)
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// ToAPITools converts the registry to Messages API tool definitions.
func (r *Registry) ToAPITools() []anthropic.ToolUnionParam {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]anthropic.ToolUnionParam, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		param := anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
			Properties: PropertiesOf(t.InputSchema),
			Required:   RequiredOf(t.InputSchema),
		}, t.ToolName)
		param.OfTool.Description = anthropic.String(t.ToolDescription)
		out = append(out, param)
	}
	return out
}

// Execute runs the named tool and renders its outcome as text for the
// model. isError reports an unknown tool, a handler error or panic, or an
// unencodable result.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (output string, isError bool) {
	t, ok := r.Get(name)
	if !ok {
		return fmt.Sprintf("unknown tool: %s", name), true
	}
	defer func() {
		if p := recover(); p != nil {
			output, isError = fmt.Sprintf("tool %s panicked: %v", name, p), true
		}
	}()
	result, err := t.Handler(ctx, input)
	if err != nil {
		return err.Error(), true
	}
	if s, ok := result.(string); ok {
		return s, false
	}
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("encode result: %v", err), true
	}
	return string(b), false
}
