package memory

import (
	"context"
	"time"

	"github.com/becomeliminal/duckpond/core"
)

// Searcher is the vector search backend.
type Searcher interface {
	// Search returns memories similar to query, highest score first. Ids in
	// exclude are never returned and hits scoring below minScore are dropped
	// before the limit is applied.
	Search(ctx context.Context, query string, limit int, exclude IDSet, minScore float64) ([]core.Memory, error)
}

// QueryProposer is the auxiliary reasoning call behind the extraction
// strategy. It returns short search phrases ordered by significance.
// Malformed model output yields zero phrases, not an error.
type QueryProposer interface {
	ProposeQueries(ctx context.Context, utterance string) ([]string, error)
}

// KV is the key-value set store backing the seen-set.
type KV interface {
	// SetMembers returns the members of the set at key. A missing key is an
	// empty set.
	SetMembers(ctx context.Context, key string) ([]int64, error)

	// AddSetMembers inserts ids into the set at key, creating it if needed.
	AddSetMembers(ctx context.Context, key string, ids ...int64) error

	// Expire sets the time-to-live of key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Embedder converts text to embedding vectors.
// Implementations: hash (offline, deterministic), openai (API-based).
type Embedder interface {
	// Embed converts a single text to embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}

// IDSet is a set of memory ids.
type IDSet map[int64]struct{}

// NewIDSet returns a set holding ids.
func NewIDSet(ids ...int64) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set.
func (s IDSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

// Add inserts ids into the set.
func (s IDSet) Add(ids ...int64) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

// Clone returns an independent copy of the set.
func (s IDSet) Clone() IDSet {
	c := make(IDSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}
