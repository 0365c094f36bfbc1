package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
	titleLength      = 50
)

var (
	// ErrNotFound is returned for a session with no transcript.
	ErrNotFound = errors.New("transcript: session not found")

	// ErrInvalidID is returned for a session id that cannot name a file.
	ErrInvalidID = errors.New("transcript: invalid session id")
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// Store is a directory of transcripts. Safe for concurrent use.
type Store struct {
	dir string
	mu  sync.Mutex // serializes appends
	now func() time.Time
}

// NewStore opens dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("transcript: create dir: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the store's directory.
func (s *Store) Dir() string {
	return s.dir
}

// NewRecord builds a record for sessionID with a fresh uuid and timestamp.
func (s *Store) NewRecord(sessionID, role string, blocks ...Block) Record {
	return Record{
		Type:      role,
		UUID:      uuid.NewString(),
		SessionID: sessionID,
		Timestamp: s.now().UTC(),
		Message:   Message{Role: role, Content: blocks},
	}
}

// Append writes records to the session's transcript.
func (s *Store) Append(sessionID string, records ...Record) error {
	path, err := s.path(sessionID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("transcript: encode record: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("transcript: open: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("transcript: write: %w", err)
	}
	return f.Close()
}

// Load returns the session's records in order.
func (s *Store) Load(sessionID string) ([]Record, error) {
	lines, err := s.lines(sessionID)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(lines))
	for _, line := range lines {
		if r, ok := parseRecord(line); ok {
			records = append(records, r)
		}
	}
	return records, nil
}

// Exists reports whether the session has a transcript.
func (s *Store) Exists(sessionID string) bool {
	path, err := s.path(sessionID)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Summary describes a session for listing.
type Summary struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// List returns up to limit sessions, most recently updated first. A limit
// outside 1..MaxListLimit is clamped; zero means DefaultListLimit.
func (s *Store) List(limit int) ([]Summary, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	paths, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("transcript: list: %w", err)
	}

	sessions := make([]Summary, 0, len(paths))
	for _, p := range paths {
		id := strings.TrimSuffix(filepath.Base(p), ".jsonl")
		records, err := s.Load(id)
		if err != nil || len(records) == 0 {
			continue
		}
		sessions = append(sessions, Summary{
			ID:        id,
			Title:     title(id, records),
			CreatedAt: &records[0].Timestamp,
			UpdatedAt: &records[len(records)-1].Timestamp,
		})
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(*sessions[j].UpdatedAt)
	})
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// Detail is a session's display history.
type Detail struct {
	SessionID string           `json:"session_id"`
	Messages  []DisplayMessage `json:"messages"`
	CreatedAt *time.Time       `json:"created_at"`
	UpdatedAt *time.Time       `json:"updated_at"`
}

// Session returns the session's display history.
func (s *Store) Session(sessionID string) (*Detail, error) {
	records, err := s.Load(sessionID)
	if err != nil {
		return nil, err
	}
	d := &Detail{
		SessionID: sessionID,
		Messages:  DisplayMessages(records),
	}
	if len(records) > 0 {
		d.CreatedAt = &records[0].Timestamp
		d.UpdatedAt = &records[len(records)-1].Timestamp
	}
	return d, nil
}

func (s *Store) path(sessionID string) (string, error) {
	if !validID.MatchString(sessionID) {
		return "", ErrInvalidID
	}
	return filepath.Join(s.dir, sessionID+".jsonl"), nil
}

func (s *Store) lines(sessionID string) ([]string, error) {
	path, err := s.path(sessionID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("transcript: open: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("transcript: read: %w", err)
	}
	return lines, nil
}

// parseRecord reads a user or assistant line. Content may be a plain
// string, an array of blocks, or an array mixing strings and blocks.
func parseRecord(line string) (Record, bool) {
	if !gjson.Valid(line) {
		return Record{}, false
	}
	root := gjson.Parse(line)
	typ := root.Get("type").String()
	if typ != TypeUser && typ != TypeAssistant {
		return Record{}, false
	}

	r := Record{
		Type:      typ,
		UUID:      root.Get("uuid").String(),
		SessionID: root.Get("sessionId").String(),
		Message:   Message{Role: root.Get("message.role").String()},
	}
	if r.Message.Role == "" {
		r.Message.Role = typ
	}
	if ts, err := time.Parse(time.RFC3339Nano, root.Get("timestamp").String()); err == nil {
		r.Timestamp = ts
	}

	content := root.Get("message.content")
	switch {
	case content.Type == gjson.String:
		if content.String() != "" {
			r.Message.Content = append(r.Message.Content, TextBlock(content.String()))
		}
	case content.IsArray():
		content.ForEach(func(_, b gjson.Result) bool {
			if b.Type == gjson.String {
				if b.String() != "" {
					r.Message.Content = append(r.Message.Content, TextBlock(b.String()))
				}
				return true
			}
			if blk, ok := parseBlock(b); ok {
				r.Message.Content = append(r.Message.Content, blk)
			}
			return true
		})
	}
	return r, true
}

func parseBlock(b gjson.Result) (Block, bool) {
	switch typ := b.Get("type").String(); typ {
	case BlockText:
		return TextBlock(b.Get("text").String()), true
	case BlockToolUse:
		input := json.RawMessage(`{}`)
		if in := b.Get("input"); in.Exists() {
			input = json.RawMessage(in.Raw)
		}
		return ToolUseBlock(b.Get("id").String(), b.Get("name").String(), input), true
	case BlockToolResult:
		return ToolResultBlock(b.Get("tool_use_id").String(), resultText(b.Get("content")), b.Get("is_error").Bool()), true
	default:
		return Block{}, false
	}
}

// resultText flattens tool result content, which may be a string or an
// array of text blocks.
func resultText(content gjson.Result) string {
	if !content.IsArray() {
		return content.String()
	}
	var parts []string
	content.ForEach(func(_, r gjson.Result) bool {
		switch {
		case r.Type == gjson.String:
			parts = append(parts, r.String())
		case r.Get("type").String() == BlockText:
			parts = append(parts, r.Get("text").String())
		}
		return true
	})
	return strings.Join(parts, "\n")
}

// title is the first user text, unwrapped from its envelope and cut to
// titleLength runes, or the shortened id.
func title(id string, records []Record) string {
	for _, r := range records {
		if r.Type != TypeUser {
			continue
		}
		for _, b := range r.Message.Content {
			if b.Type != BlockText {
				continue
			}
			if t := []rune(strings.TrimSpace(PromptText(b.Text))); len(t) > 0 {
				if len(t) > titleLength {
					t = t[:titleLength]
				}
				return string(t)
			}
		}
		break
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// PromptText returns the user prompt inside a JSON envelope, or text itself
// when it is not an envelope.
func PromptText(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") || !gjson.Valid(trimmed) {
		return text
	}
	if prompt := gjson.Get(trimmed, "prompt"); prompt.Type == gjson.String {
		return prompt.String()
	}
	return text
}
