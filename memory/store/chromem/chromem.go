// Package chromem implements memory.Searcher on chromem-go, a pure Go
// embedded vector database.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/duckpond/core"
	"github.com/becomeliminal/duckpond/memory"
)

// CollectionName is the single collection holding all memories.
const CollectionName = "memories"

const metaCreatedAt = "created_at"

// ErrEmptyContent is returned when storing a blank memory.
var ErrEmptyContent = errors.New("chromem: empty memory content")

// Store wraps a chromem-go collection. Ids are assigned sequentially from 1
// and memories are never removed, so the collection size is also the
// highest id in use.
type Store struct {
	db       *chromem.DB
	col      *chromem.Collection
	embedder memory.Embedder
	logger   *slog.Logger

	mu  sync.Mutex // serializes id assignment
	now func() time.Time
}

// New creates an in-memory store.
func New(embedder memory.Embedder, logger *slog.Logger) (*Store, error) {
	return open(chromem.NewDB(), embedder, logger)
}

// NewPersistent creates a store backed by files under path. Existing
// memories are loaded on open.
func NewPersistent(path string, compress bool, embedder memory.Embedder, logger *slog.Logger) (*Store, error) {
	db, err := chromem.NewPersistentDB(path, compress)
	if err != nil {
		return nil, fmt.Errorf("open persistent db: %w", err)
	}
	return open(db, embedder, logger)
}

func open(db *chromem.DB, embedder memory.Embedder, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	embed := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	col, err := db.GetOrCreateCollection(CollectionName, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Store{
		db:       db,
		col:      col,
		embedder: embedder,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Add embeds and stores content as a new memory.
func (s *Store) Add(ctx context.Context, content string) (core.Memory, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return core.Memory{}, ErrEmptyContent
	}

	embedding, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return core.Memory{}, fmt.Errorf("embed memory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mem := core.Memory{
		ID:        int64(s.col.Count()) + 1,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	doc := chromem.Document{
		ID:        strconv.FormatInt(mem.ID, 10),
		Content:   content,
		Embedding: embedding,
		Metadata: map[string]string{
			metaCreatedAt: mem.CreatedAt.Format(time.RFC3339Nano),
		},
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return core.Memory{}, fmt.Errorf("add document: %w", err)
	}

	s.logger.Debug("chromem: stored memory", "id", mem.ID)
	return mem, nil
}

// Search implements memory.Searcher.
func (s *Store) Search(ctx context.Context, query string, limit int, exclude memory.IDSet, minScore float64) ([]core.Memory, error) {
	if limit <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	// chromem-go requires nResults <= collection size, and exclusion
	// happens after the query, so over-fetch by the excluded count.
	n := min(s.col.Count(), limit+len(exclude))
	if n == 0 {
		return nil, nil
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := s.col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	var memories []core.Memory
	for _, result := range results {
		if len(memories) >= limit {
			break
		}
		mem, err := fromResult(result)
		if err != nil {
			s.logger.Warn("chromem: skipping result", "id", result.ID, "error", err)
			continue
		}
		if exclude.Has(mem.ID) || mem.Score < minScore {
			continue
		}
		memories = append(memories, mem)
	}
	return memories, nil
}

// Count returns the number of stored memories.
func (s *Store) Count() int {
	return s.col.Count()
}

func fromResult(result chromem.Result) (core.Memory, error) {
	id, err := strconv.ParseInt(result.ID, 10, 64)
	if err != nil {
		return core.Memory{}, fmt.Errorf("parse id: %w", err)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, result.Metadata[metaCreatedAt])
	return core.Memory{
		ID:        id,
		Content:   result.Content,
		CreatedAt: createdAt,
		Score:     float64(result.Similarity),
	}, nil
}
