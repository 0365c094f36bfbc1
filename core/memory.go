package core

import "time"

// Memory is a single stored recollection surfaced by recall.
// Memories are read-only once retrieved.
type Memory struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`

	// Score is the similarity score. Zero when the memory did not come
	// from a similarity search.
	Score float64 `json:"score,omitempty"`

	// Query is the extracted search phrase that surfaced this memory.
	// Empty for memories found by searching with the full utterance.
	Query string `json:"query,omitempty"`
}

// MemoryIDs returns the ids of memories in order.
func MemoryIDs(memories []Memory) []int64 {
	ids := make([]int64, len(memories))
	for i, m := range memories {
		ids[i] = m.ID
	}
	return ids
}
