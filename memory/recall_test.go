package memory_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/becomeliminal/duckpond/core"
	"github.com/becomeliminal/duckpond/memory"
)

type searchCall struct {
	query    string
	limit    int
	exclude  memory.IDSet
	minScore float64
}

// fakeSearcher returns canned hits per query and ignores exclude and
// minScore, so the Recaller's own filtering is exercised.
type fakeSearcher struct {
	mu    sync.Mutex
	hits  map[string][]core.Memory
	errs   map[string]error
	panics map[string]bool
	calls  []searchCall
}

func (s *fakeSearcher) Search(ctx context.Context, query string, limit int, exclude memory.IDSet, minScore float64) ([]core.Memory, error) {
	s.mu.Lock()
	s.calls = append(s.calls, searchCall{query: query, limit: limit, exclude: exclude.Clone(), minScore: minScore})
	s.mu.Unlock()
	if s.panics[query] {
		panic("search index corrupted")
	}
	if err := s.errs[query]; err != nil {
		return nil, err
	}
	return append([]core.Memory(nil), s.hits[query]...), nil
}

func (s *fakeSearcher) call(query string) (searchCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.query == query {
			return c, true
		}
	}
	return searchCall{}, false
}

type fakeProposer struct {
	queries []string
	err     error
}

func (p *fakeProposer) ProposeQueries(ctx context.Context, utterance string) ([]string, error) {
	return p.queries, p.err
}

type panickingProposer struct{}

func (panickingProposer) ProposeQueries(ctx context.Context, utterance string) ([]string, error) {
	panic("proposer blew up")
}

type fakeKV struct {
	mu      sync.Mutex
	sets    map[string]memory.IDSet
	ttls    map[string]time.Duration
	readErr error
	addErr  error
	adds    int
}

func newFakeKV() *fakeKV {
	return &fakeKV{sets: map[string]memory.IDSet{}, ttls: map[string]time.Duration{}}
}

func (k *fakeKV) SetMembers(ctx context.Context, key string) ([]int64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.readErr != nil {
		return nil, k.readErr
	}
	var ids []int64
	for id := range k.sets[key] {
		ids = append(ids, id)
	}
	return ids, nil
}

func (k *fakeKV) AddSetMembers(ctx context.Context, key string, ids ...int64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.adds++
	if k.addErr != nil {
		return k.addErr
	}
	if k.sets[key] == nil {
		k.sets[key] = memory.IDSet{}
	}
	k.sets[key].Add(ids...)
	return nil
}

func (k *fakeKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ttls[key] = ttl
	return nil
}

func mem(id int64, score float64) core.Memory {
	return core.Memory{ID: id, Content: "memory", Score: score}
}

func ids(ms []core.Memory) []int64 {
	if len(ms) == 0 {
		return nil
	}
	return core.MemoryIDs(ms)
}

func newRecaller(s memory.Searcher, p memory.QueryProposer, kv memory.KV) *memory.Recaller {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var seen *memory.SeenCache
	if kv != nil {
		seen = memory.NewSeenCache(kv, 0)
	}
	return memory.NewRecaller(s, p, seen, nil, logger)
}

func TestRecall_DirectExcludesSeenAndMarksSurfaced(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	kv.sets[memory.SeenKey("s1")] = memory.NewIDSet(1)

	searcher := &fakeSearcher{hits: map[string][]core.Memory{
		"tell me about the lake": {mem(1, 0.9), mem(2, 0.8), mem(3, 0.7), mem(4, 0.6)},
	}}
	r := newRecaller(searcher, nil, kv)

	got := r.Recall(ctx, "tell me about the lake", "s1")
	if want := []int64{2, 3, 4}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("Recall() ids = %v, want %v", ids(got), want)
	}

	call, ok := searcher.call("tell me about the lake")
	if !ok {
		t.Fatal("direct search not issued")
	}
	if call.limit != 3 || call.minScore != 0.4 || !call.exclude.Has(1) {
		t.Errorf("direct search = %+v, want limit 3, min score 0.4, exclude {1}", call)
	}

	seen := kv.sets[memory.SeenKey("s1")]
	for _, id := range []int64{1, 2, 3, 4} {
		if !seen.Has(id) {
			t.Errorf("seen-set missing %d", id)
		}
	}
	if ttl := kv.ttls[memory.SeenKey("s1")]; ttl != 24*time.Hour {
		t.Errorf("seen-set ttl = %v, want 24h", ttl)
	}
}

func TestRecall_MergeOrder(t *testing.T) {
	searcher := &fakeSearcher{hits: map[string][]core.Memory{
		"utterance": {mem(10, 0.9), mem(11, 0.8)},
		"q1":        {mem(20, 0.7)},
		"q2":        {},
	}}
	r := newRecaller(searcher, &fakeProposer{queries: []string{"q1", "q2"}}, newFakeKV())

	got := r.Recall(context.Background(), "utterance", "s1")
	if want := []int64{10, 11, 20}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("Recall() ids = %v, want %v", ids(got), want)
	}
	if got[2].Query != "q1" {
		t.Errorf("extraction hit query = %q, want q1", got[2].Query)
	}
	if got[0].Query != "" {
		t.Errorf("direct hit query = %q, want empty", got[0].Query)
	}
}

func TestRecall_ExtractionExcludesSeenAndDirect(t *testing.T) {
	kv := newFakeKV()
	kv.sets[memory.SeenKey("s1")] = memory.NewIDSet(5)

	searcher := &fakeSearcher{hits: map[string][]core.Memory{
		"utterance": {mem(10, 0.9)},
		"q1":        {mem(10, 0.9), mem(21, 0.5)},
		"q2":        {mem(5, 0.9)},
	}}
	r := newRecaller(searcher, &fakeProposer{queries: []string{"q1", "q2"}}, kv)

	got := r.Recall(context.Background(), "utterance", "s1")
	if want := []int64{10, 21}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("Recall() ids = %v, want %v", ids(got), want)
	}

	for _, q := range []string{"q1", "q2"} {
		call, ok := searcher.call(q)
		if !ok {
			t.Fatalf("extraction search %q not issued", q)
		}
		if call.limit != 1 {
			t.Errorf("%s limit = %d, want 1", q, call.limit)
		}
		if !call.exclude.Has(5) || !call.exclude.Has(10) {
			t.Errorf("%s exclude = %v, want seen and direct ids", q, call.exclude)
		}
	}
}

func TestRecall_DuplicateExtractionHitsFirstWins(t *testing.T) {
	searcher := &fakeSearcher{hits: map[string][]core.Memory{
		"q1": {mem(30, 0.6)},
		"q2": {mem(30, 0.6)},
	}}
	r := newRecaller(searcher, &fakeProposer{queries: []string{"q1", "q2"}}, newFakeKV())

	got := r.Recall(context.Background(), "utterance", "s1")
	if want := []int64{30}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("Recall() ids = %v, want %v", ids(got), want)
	}
	if got[0].Query != "q1" {
		t.Errorf("query = %q, want q1", got[0].Query)
	}
}

func TestRecall_ThresholdAndLimit(t *testing.T) {
	searcher := &fakeSearcher{hits: map[string][]core.Memory{
		"utterance": {mem(1, 0.39), mem(2, 0.4), mem(3, 0.9), mem(4, 0.8), mem(5, 0.7)},
	}}
	r := newRecaller(searcher, nil, newFakeKV())

	got := r.Recall(context.Background(), "utterance", "s1")
	if want := []int64{2, 3, 4}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("Recall() ids = %v, want %v", ids(got), want)
	}
}

func TestRecall_ProposerCapped(t *testing.T) {
	searcher := &fakeSearcher{hits: map[string][]core.Memory{}}
	proposer := &fakeProposer{queries: []string{"a", " ", "b", "c", "d", "e"}}
	r := newRecaller(searcher, proposer, newFakeKV())

	r.Recall(context.Background(), "utterance", "s1")

	if _, ok := searcher.call("e"); ok {
		t.Error("fifth phrase searched, want at most 4")
	}
	if _, ok := searcher.call(" "); ok {
		t.Error("blank phrase searched")
	}
	if _, ok := searcher.call("d"); !ok {
		t.Error("fourth phrase not searched")
	}
}

func TestRecall_Degradation(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name     string
		searcher *fakeSearcher
		proposer *fakeProposer
		kv       func() *fakeKV
		want     []int64
	}{
		{
			name: "direct search fails",
			searcher: &fakeSearcher{
				hits: map[string][]core.Memory{"q1": {mem(20, 0.9)}},
				errs: map[string]error{"utterance": boom},
			},
			proposer: &fakeProposer{queries: []string{"q1"}},
			kv:       newFakeKV,
			want:     []int64{20},
		},
		{
			name:     "proposer fails",
			searcher: &fakeSearcher{hits: map[string][]core.Memory{"utterance": {mem(10, 0.9)}}},
			proposer: &fakeProposer{err: boom},
			kv:       newFakeKV,
			want:     []int64{10},
		},
		{
			name: "one extraction search fails",
			searcher: &fakeSearcher{
				hits: map[string][]core.Memory{"q2": {mem(22, 0.9)}},
				errs: map[string]error{"q1": boom},
			},
			proposer: &fakeProposer{queries: []string{"q1", "q2"}},
			kv:       newFakeKV,
			want:     []int64{22},
		},
		{
			name:     "seen read fails",
			searcher: &fakeSearcher{hits: map[string][]core.Memory{"utterance": {mem(10, 0.9)}}},
			proposer: &fakeProposer{},
			kv: func() *fakeKV {
				kv := newFakeKV()
				kv.readErr = boom
				return kv
			},
			want: []int64{10},
		},
		{
			name:     "seen write fails",
			searcher: &fakeSearcher{hits: map[string][]core.Memory{"utterance": {mem(10, 0.9)}}},
			proposer: &fakeProposer{},
			kv: func() *fakeKV {
				kv := newFakeKV()
				kv.addErr = boom
				return kv
			},
			want: []int64{10},
		},
		{
			name:     "everything fails",
			searcher: &fakeSearcher{errs: map[string]error{"utterance": boom}},
			proposer: &fakeProposer{err: boom},
			kv: func() *fakeKV {
				kv := newFakeKV()
				kv.readErr = boom
				return kv
			},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRecaller(tt.searcher, tt.proposer, tt.kv())
			got := r.Recall(context.Background(), "utterance", "s1")
			if !reflect.DeepEqual(ids(got), tt.want) {
				t.Errorf("Recall() ids = %v, want %v", ids(got), tt.want)
			}
		})
	}
}

func TestRecall_NoWriteWhenNothingSurfaced(t *testing.T) {
	kv := newFakeKV()
	r := newRecaller(&fakeSearcher{}, &fakeProposer{}, kv)

	if got := r.Recall(context.Background(), "utterance", "s1"); len(got) != 0 {
		t.Fatalf("Recall() = %v, want empty", got)
	}
	if kv.adds != 0 {
		t.Errorf("seen-set written %d times, want 0", kv.adds)
	}
}

func TestRecall_Skipped(t *testing.T) {
	searcher := &fakeSearcher{hits: map[string][]core.Memory{"utterance": {mem(1, 0.9)}}}

	r := newRecaller(searcher, nil, newFakeKV())
	if got := r.Recall(context.Background(), "utterance", ""); got != nil {
		t.Errorf("Recall() without session = %v, want nil", got)
	}
	if got := r.Recall(context.Background(), "   ", "s1"); got != nil {
		t.Errorf("Recall() blank utterance = %v, want nil", got)
	}

	disabled := memory.NewRecaller(searcher, nil, nil, &memory.Config{Enabled: false}, nil)
	if got := disabled.Recall(context.Background(), "utterance", "s1"); got != nil {
		t.Errorf("Recall() disabled = %v, want nil", got)
	}
	if len(searcher.calls) != 0 {
		t.Errorf("search issued %d times, want 0", len(searcher.calls))
	}
}

func TestRecall_RepeatedTurnsDoNotResurface(t *testing.T) {
	kv := newFakeKV()
	searcher := &fakeSearcher{hits: map[string][]core.Memory{
		"utterance": {mem(1, 0.9), mem(2, 0.8), mem(3, 0.7), mem(4, 0.6)},
	}}
	r := newRecaller(searcher, nil, kv)

	first := r.Recall(context.Background(), "utterance", "s1")
	second := r.Recall(context.Background(), "utterance", "s1")
	if want := []int64{1, 2, 3}; !reflect.DeepEqual(ids(first), want) {
		t.Fatalf("first Recall() ids = %v, want %v", ids(first), want)
	}
	if want := []int64{4}; !reflect.DeepEqual(ids(second), want) {
		t.Fatalf("second Recall() ids = %v, want %v", ids(second), want)
	}

	other := r.Recall(context.Background(), "utterance", "s2")
	if want := []int64{1, 2, 3}; !reflect.DeepEqual(ids(other), want) {
		t.Errorf("other session ids = %v, want %v", ids(other), want)
	}
}

func TestMerge(t *testing.T) {
	got := memory.Merge(
		[]core.Memory{mem(1, 1), mem(2, 1)},
		[]core.Memory{mem(2, 1), mem(3, 1), mem(1, 1)},
	)
	if want := []int64{1, 2, 3}; !reflect.DeepEqual(ids(got), want) {
		t.Errorf("Merge() ids = %v, want %v", ids(got), want)
	}
	if got := memory.Merge(nil, nil); got != nil {
		t.Errorf("Merge(nil, nil) = %v, want nil", got)
	}
}

func TestRecall_PanicsAreContained(t *testing.T) {
	tests := []struct {
		name     string
		panics   map[string]bool
		proposer memory.QueryProposer
		want     []int64
	}{
		{
			name:     "direct search",
			panics:   map[string]bool{"utterance": true},
			proposer: &fakeProposer{queries: []string{"q1", "q2"}},
			want:     []int64{20, 30},
		},
		{
			name:     "one extracted search",
			panics:   map[string]bool{"q1": true},
			proposer: &fakeProposer{queries: []string{"q1", "q2"}},
			want:     []int64{10, 30},
		},
		{
			name:     "every search",
			panics:   map[string]bool{"utterance": true, "q1": true, "q2": true},
			proposer: &fakeProposer{queries: []string{"q1", "q2"}},
		},
		{
			name:     "proposer",
			proposer: panickingProposer{},
			want:     []int64{10},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			searcher := &fakeSearcher{
				hits: map[string][]core.Memory{
					"utterance": {mem(10, 0.9)},
					"q1":        {mem(20, 0.8)},
					"q2":        {mem(30, 0.7)},
				},
				panics: tt.panics,
			}
			kv := newFakeKV()
			r := newRecaller(searcher, tt.proposer, kv)

			got := r.Recall(context.Background(), "utterance", "s1")
			if !reflect.DeepEqual(ids(got), tt.want) {
				t.Fatalf("Recall() ids = %v, want %v", ids(got), tt.want)
			}
			seen := kv.sets[memory.SeenKey("s1")]
			for _, id := range tt.want {
				if !seen.Has(id) {
					t.Errorf("seen-set missing %d", id)
				}
			}
		})
	}
}
