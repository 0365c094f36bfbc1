package transcript

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "sessions"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

// clock returns a now func advancing one second per call from base.
func clock(base time.Time) func() time.Time {
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestAppendAndLoad(t *testing.T) {
	s := newStore(t)
	id := "0b7c5a2e-3f4d-4f1e-9a55-1d2f3e4a5b6c"

	err := s.Append(id,
		s.NewRecord(id, TypeUser, TextBlock("hello pond")),
		s.NewRecord(id, TypeAssistant,
			TextBlock("let me look"),
			ToolUseBlock("toolu_1", "search_memories", json.RawMessage(`{"query":"pond"}`)),
		),
		s.NewRecord(id, TypeUser, ToolResultBlock("toolu_1", `{"memories":[]}`, false)),
	)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	records, err := s.Load(id)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Load() returned %d records, want 3", len(records))
	}
	use := records[1].Message.Content[1]
	if use.Type != BlockToolUse || use.ID != "toolu_1" || string(use.Input) != `{"query":"pond"}` {
		t.Errorf("tool_use block = %+v", use)
	}
	if res := records[2].Message.Content[0]; res.ToolUseID != "toolu_1" || res.Content != `{"memories":[]}` {
		t.Errorf("tool_result block = %+v", res)
	}
	if !s.Exists(id) || s.Exists("other") {
		t.Error("Exists() mismatch")
	}
}

func TestLoad_Errors(t *testing.T) {
	s := newStore(t)
	if _, err := s.Load("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := s.Load("../etc/passwd"); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Load(traversal) error = %v, want ErrInvalidID", err)
	}
	if err := s.Append("a/b", s.NewRecord("a/b", TypeUser)); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Append(invalid) error = %v, want ErrInvalidID", err)
	}
}

func TestLoad_LenientLines(t *testing.T) {
	s := newStore(t)
	lines := strings.Join([]string{
		`{"type":"summary","summary":"ignored"}`,
		`not json at all`,
		`{"type":"user","uuid":"u1","timestamp":"2024-06-01T10:00:00Z","message":{"role":"user","content":"plain string content"}}`,
		`{"type":"user","uuid":"u2","timestamp":"2024-06-01T10:00:01Z","message":{"role":"user","content":["bare string", {"type":"image","source":{}}]}}`,
		`{"type":"user","uuid":"u3","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}]}}`,
		``,
	}, "\n")
	if err := os.WriteFile(filepath.Join(s.Dir(), "legacy.jsonl"), []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}

	records, err := s.Load("legacy")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Load() returned %d records, want 3", len(records))
	}
	if got := records[0].Message.Content[0].Text; got != "plain string content" {
		t.Errorf("string content = %q", got)
	}
	if got := records[1].Message.Content; len(got) != 1 || got[0].Text != "bare string" {
		t.Errorf("mixed content = %+v", got)
	}
	if got := records[2].Message.Content[0].Content; got != "a\nb" {
		t.Errorf("tool result text = %q, want a\\nb", got)
	}
}

func TestList(t *testing.T) {
	s := newStore(t)
	s.now = clock(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))

	long := strings.Repeat("d", 60)
	envelope := `{"prompt":"what did the duck say?","memories":[],"meta":{"session_id":"x"}}`

	s.Append("older", s.NewRecord("older", TypeUser, TextBlock(long)))
	s.Append("newer", s.NewRecord("newer", TypeUser, TextBlock(envelope)))
	s.Append("abcdefghijkl", s.NewRecord("abcdefghijkl", TypeAssistant, TextBlock("no user text")))
	os.WriteFile(filepath.Join(s.Dir(), "empty.jsonl"), nil, 0o644)

	got, err := s.List(0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("List() returned %d sessions, want 3: %+v", len(got), got)
	}
	if got[0].ID != "abcdefghijkl" || got[1].ID != "newer" || got[2].ID != "older" {
		t.Errorf("List() order = %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
	}
	if got[0].Title != "abcdefgh" {
		t.Errorf("fallback title = %q, want abcdefgh", got[0].Title)
	}
	if got[1].Title != "what did the duck say?" {
		t.Errorf("envelope title = %q", got[1].Title)
	}
	if len([]rune(got[2].Title)) != 50 {
		t.Errorf("long title length = %d, want 50", len([]rune(got[2].Title)))
	}

	limited, err := s.List(1)
	if err != nil || len(limited) != 1 {
		t.Errorf("List(1) = %d sessions, %v", len(limited), err)
	}
}

func TestSession_AttachesToolResults(t *testing.T) {
	s := newStore(t)
	id := "sess1"
	s.Append(id,
		s.NewRecord(id, TypeUser, TextBlock(`{"prompt":"find the duck","memories":[]}`)),
		s.NewRecord(id, TypeAssistant, ToolUseBlock("t1", "search_memories", json.RawMessage(`{"query":"duck"}`))),
		s.NewRecord(id, TypeUser, ToolResultBlock("t1", "nothing found", true)),
		s.NewRecord(id, TypeAssistant, TextBlock("No ducks."), ToolUseBlock("t2", "store_memory", json.RawMessage(`{}`))),
	)

	d, err := s.Session(id)
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if len(d.Messages) != 3 {
		t.Fatalf("messages = %d, want 3 (tool-result-only message dropped)", len(d.Messages))
	}
	if got := d.Messages[0].Content[0].Text; got != "find the duck" {
		t.Errorf("user text = %q, want prompt unwrapped", got)
	}
	call := d.Messages[1].Content[0]
	if call.Type != "tool-call" || call.Result == nil || *call.Result != "nothing found" || !call.IsError {
		t.Errorf("tool call = %+v", call)
	}
	if pending := d.Messages[2].Content[1]; pending.Result != nil {
		t.Errorf("unanswered tool call has result %q", *pending.Result)
	}
	if d.CreatedAt == nil || d.UpdatedAt == nil || d.UpdatedAt.Before(*d.CreatedAt) {
		t.Errorf("timestamps = %v, %v", d.CreatedAt, d.UpdatedAt)
	}

	if _, err := s.Session("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Session(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPromptText(t *testing.T) {
	tests := map[string]string{
		`{"prompt":"hi"}`:      "hi",
		`plain`:                "plain",
		`{"other":"x"}`:        `{"other":"x"}`,
		`{"prompt":`:           `{"prompt":`,
		`{"prompt": {"a": 1}}`: `{"prompt": {"a": 1}}`,
	}
	for in, want := range tests {
		if got := PromptText(in); got != want {
			t.Errorf("PromptText(%q) = %q, want %q", in, got, want)
		}
	}
}
