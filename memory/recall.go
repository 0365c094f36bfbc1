package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/becomeliminal/duckpond/core"
)

var tracer = otel.Tracer("github.com/becomeliminal/duckpond/memory")

// Config holds Recaller configuration.
type Config struct {
	// Enabled toggles recall on/off.
	// Default: true
	Enabled bool

	// Limit is the maximum number of hits from the direct strategy.
	// Default: 3
	Limit int

	// MinScore is the minimum similarity for a hit to surface [0.0-1.0].
	// Default: 0.4
	MinScore float64

	// MaxQueries caps the phrases taken from the proposer.
	// Default: 4
	MaxQueries int

	// SeenTTL is the rolling expiry of a session's seen-set.
	// Default: 24h
	SeenTTL time.Duration
}

// DefaultConfig returns the defaults used by the agent.
var DefaultConfig = &Config{
	Enabled:    true,
	Limit:      3,
	MinScore:   0.4,
	MaxQueries: 4,
	SeenTTL:    DefaultSeenTTL,
}

// Recaller runs the direct and extraction strategies for one utterance and
// merges their results.
type Recaller struct {
	searcher Searcher
	proposer QueryProposer // nil disables extraction
	seen     *SeenCache    // nil disables seen-set tracking
	config   *Config
	logger   *slog.Logger
}

// NewRecaller creates a new Recaller.
func NewRecaller(searcher Searcher, proposer QueryProposer, seen *SeenCache, config *Config, logger *slog.Logger) *Recaller {
	if config == nil {
		config = DefaultConfig
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recaller{
		searcher: searcher,
		proposer: proposer,
		seen:     seen,
		config:   config,
		logger:   logger,
	}
}

// Recall returns memories relevant to utterance that the session has not
// seen yet. Direct hits come first, then extraction hits in proposal order,
// with no id repeated. Everything returned is added to the seen-set.
//
// Recall never fails; a failing collaborator only removes its contribution.
func (r *Recaller) Recall(ctx context.Context, utterance, sessionID string) []core.Memory {
	if !r.config.Enabled || sessionID == "" || strings.TrimSpace(utterance) == "" {
		return nil
	}

	ctx, span := tracer.Start(ctx, "memory.recall")
	defer span.End()

	seen := r.loadSeen(ctx, sessionID)

	directCh := make(chan []core.Memory, 1)
	go func() {
		var hits []core.Memory
		defer func() { directCh <- hits }()
		defer r.contain("direct")
		hits = r.direct(ctx, utterance, seen)
	}()

	// The proposer call overlaps the direct search.
	queries := r.propose(ctx, utterance)
	direct := <-directCh

	var extracted []core.Memory
	if len(queries) > 0 {
		exclude := seen.Clone()
		exclude.Add(core.MemoryIDs(direct)...)
		extracted = r.extract(ctx, queries, exclude)
	}

	merged := Merge(direct, extracted)
	span.SetAttributes(
		attribute.Int("recall.seen", len(seen)),
		attribute.Int("recall.direct", len(direct)),
		attribute.Int("recall.extracted", len(extracted)),
		attribute.Int("recall.merged", len(merged)),
	)

	if len(merged) > 0 && r.seen != nil {
		if err := r.seen.Mark(ctx, sessionID, core.MemoryIDs(merged)); err != nil {
			r.degraded("seen-write", err)
		}
	}

	r.logger.Debug("memory: recalled",
		"session", sessionID,
		"direct", len(direct),
		"extracted", len(extracted),
		"queries", len(queries),
	)
	return merged
}

func (r *Recaller) loadSeen(ctx context.Context, sessionID string) IDSet {
	if r.seen == nil {
		return IDSet{}
	}
	seen, err := r.seen.Load(ctx, sessionID)
	if err != nil {
		r.degraded("seen-read", err)
		return IDSet{}
	}
	return seen
}

func (r *Recaller) direct(ctx context.Context, utterance string, seen IDSet) []core.Memory {
	hits, err := r.searcher.Search(ctx, utterance, r.config.Limit, seen, r.config.MinScore)
	if err != nil {
		r.degraded("direct", err)
		return nil
	}
	return Filter(hits, seen, r.config.MinScore, r.config.Limit)
}

func (r *Recaller) propose(ctx context.Context, utterance string) (out []string) {
	if r.proposer == nil {
		return nil
	}
	defer r.contain("propose")
	queries, err := r.proposer.ProposeQueries(ctx, utterance)
	if err != nil {
		r.degraded("propose", err)
		return nil
	}
	out = make([]string, 0, len(queries))
	for _, q := range queries {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	if n := r.config.MaxQueries; n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// extract searches every query concurrently for its best hit. Results keep
// proposal order regardless of completion order.
func (r *Recaller) extract(ctx context.Context, queries []string, exclude IDSet) []core.Memory {
	results := make([]*core.Memory, len(queries))

	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.contain("extract")
			hits, err := r.searcher.Search(ctx, q, 1, exclude, r.config.MinScore)
			if err != nil {
				r.degraded("extract", err)
				return
			}
			hits = Filter(hits, exclude, r.config.MinScore, 1)
			if len(hits) == 0 {
				return
			}
			hit := hits[0]
			hit.Query = q
			results[i] = &hit
		}()
	}
	wg.Wait()

	var out []core.Memory
	for _, m := range results {
		if m != nil {
			out = append(out, *m)
		}
	}
	return out
}

// contain recovers a panicking collaborator call as a degraded stage. It
// must be deferred directly.
func (r *Recaller) contain(stage string) {
	if p := recover(); p != nil {
		r.degraded(stage, fmt.Errorf("panic: %v", p))
	}
}

func (r *Recaller) degraded(stage string, err error) {
	r.logger.Warn("memory: recall degraded", "stage", stage, "error", err)
}

// Filter drops excluded ids and hits below minScore, then caps the result
// at limit. Order is preserved.
func Filter(hits []core.Memory, exclude IDSet, minScore float64, limit int) []core.Memory {
	var out []core.Memory
	for _, m := range hits {
		if limit > 0 && len(out) >= limit {
			break
		}
		if exclude.Has(m.ID) || m.Score < minScore {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Merge concatenates direct and extracted, keeping the first occurrence of
// each id.
func Merge(direct, extracted []core.Memory) []core.Memory {
	if len(direct)+len(extracted) == 0 {
		return nil
	}
	seen := make(IDSet, len(direct)+len(extracted))
	out := make([]core.Memory, 0, len(direct)+len(extracted))
	for _, group := range [][]core.Memory{direct, extracted} {
		for _, m := range group {
			if seen.Has(m.ID) {
				continue
			}
			seen.Add(m.ID)
			out = append(out, m)
		}
	}
	return out
}
