package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/becomeliminal/duckpond/core"
	"github.com/becomeliminal/duckpond/memory"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 20
)

// MemoryStore is what the memory tools need from the vector store.
type MemoryStore interface {
	memory.Searcher
	Add(ctx context.Context, content string) (core.Memory, error)
}

type searchMemoriesInput struct {
	core.BaseInput
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type storeMemoryInput struct {
	core.BaseInput
	Memory string `json:"memory"`
}

// MemoryTools returns search_memories and store_memory over store.
// Explicit searches ignore the per-session seen-set and the recall threshold.
func MemoryTools(store MemoryStore) []*Tool {
	return []*Tool{
		{
			ToolName:        "search_memories",
			ToolDescription: "Search long-term memory with a natural-language query. Returns the closest memories with their ids, age and similarity.",
			InputSchema: BuildSchemaWithThought(Schema{
				"query": StringProperty("What to look for. Longer, descriptive queries match better."),
				"limit": IntegerProperty(fmt.Sprintf("Maximum memories to return (default %d)", defaultSearchLimit), 1, maxSearchLimit),
			}, false, "query"),
			Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var in searchMemoriesInput
				if err := json.Unmarshal(raw, &in); err != nil {
					return nil, fmt.Errorf("invalid input: %w", err)
				}
				in.Query = strings.TrimSpace(in.Query)
				if in.Query == "" {
					return nil, fmt.Errorf("query is required")
				}
				limit := in.Limit
				if limit <= 0 {
					limit = defaultSearchLimit
				}
				limit = min(limit, maxSearchLimit)

				found, err := store.Search(ctx, in.Query, limit, nil, 0)
				if err != nil {
					return nil, fmt.Errorf("search memories: %w", err)
				}
				if found == nil {
					found = []core.Memory{}
				}
				return map[string]any{"memories": found}, nil
			},
		},
		{
			ToolName:        "store_memory",
			ToolDescription: "Store something worth remembering in long-term memory. Write it as a self-contained note.",
			InputSchema: BuildSchemaWithThought(Schema{
				"memory": StringProperty("The memory to store, written so it makes sense on its own later."),
			}, true, "memory"),
			Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var in storeMemoryInput
				if err := json.Unmarshal(raw, &in); err != nil {
					return nil, fmt.Errorf("invalid input: %w", err)
				}
				if strings.TrimSpace(in.Memory) == "" {
					return nil, fmt.Errorf("memory is required")
				}
				if strings.TrimSpace(in.Thought) == "" {
					return nil, fmt.Errorf(`missing or empty "thought": explain why this is worth remembering`)
				}
				stored, err := store.Add(ctx, in.Memory)
				if err != nil {
					return nil, fmt.Errorf("store memory: %w", err)
				}
				return map[string]any{"id": stored.ID, "created_at": stored.CreatedAt}, nil
			},
		},
	}
}
