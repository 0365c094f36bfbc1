// Package archive records completed turns in a SQLite database.
//
// Each turn becomes up to two rows: the user text and the assistant text,
// the latter stamped one microsecond later to keep ordering. Rows are
// deduplicated on (timestamp, role, content hash), so replaying a turn is
// harmless.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/becomeliminal/duckpond/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Roles stored in the archive.
const (
	RoleHuman     = "human"
	RoleAssistant = "assistant"
)

// timestampLayout keeps microsecond precision and sorts lexically.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

// Turn is one completed exchange.
type Turn struct {
	UserText      string
	AssistantText string
	SessionID     string
	Timestamp     time.Time
}

// Message is one archived row.
type Message struct {
	Timestamp time.Time
	Role      string
	Content   string
	SessionID string
}

// Store is the SQLite archive.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the archive at path and applies migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// InsertTurn archives a turn and returns the number of rows written. Blank
// sides are skipped; a turn with nothing to archive writes zero rows.
func (s *Store) InsertTurn(ctx context.Context, turn Turn) (int, error) {
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC().Truncate(time.Microsecond)

	type row struct {
		ts      time.Time
		role    string
		content string
	}
	var rows []row
	if strings.TrimSpace(turn.UserText) != "" {
		rows = append(rows, row{ts, RoleHuman, turn.UserText})
	}
	if strings.TrimSpace(turn.AssistantText) != "" {
		rows = append(rows, row{ts.Add(time.Microsecond), RoleAssistant, turn.AssistantText})
	}
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("archive: begin: %w", err)
	}
	defer tx.Rollback()

	var sessionID any
	if turn.SessionID != "" {
		sessionID = turn.SessionID
	}

	inserted := 0
	for _, r := range rows {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (timestamp, role, content, content_hash, session_id)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (timestamp, role, content_hash) DO NOTHING`,
			r.ts.Format(timestampLayout), r.role, r.content, contentHash(r.content), sessionID,
		)
		if err != nil {
			return 0, fmt.Errorf("archive: insert %s: %w", r.role, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("archive: commit: %w", err)
	}

	s.logger.Debug("archive: turn archived", "rows", inserted, "session", session.Short(turn.SessionID))
	return inserted, nil
}

// Messages returns the archived rows of a session in order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, role, content, COALESCE(session_id, '')
		FROM messages WHERE session_id = ?
		ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: query: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts string
		if err := rows.Scan(&ts, &m.Role, &m.Content, &m.SessionID); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		m.Timestamp, _ = time.Parse(timestampLayout, ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

func contentHash(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// migrate applies any SQL files not yet recorded in schema_migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	_ = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		version, err := strconv.Atoi(strings.SplitN(e.Name(), "_", 2)[0])
		if err != nil || version <= current {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read %s: %w", e.Name(), err)
		}
		if _, err := s.db.Exec(string(body)); err != nil {
			return fmt.Errorf("apply %s: %w", e.Name(), err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("record %s: %w", e.Name(), err)
		}
	}
	return nil
}
