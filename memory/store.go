// Package memory stores past answers in SQLite with full-text search so agents
// can recall them, and captures new ones as detached tasks.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/relay/internal/idgen"
)

// Categories used by capture.
const (
	CategoryGeneral = "general"
	CategoryAnswer  = "answer"
)

// Entry is a single remembered piece of content.
type Entry struct {
	ID        string    `json:"id"`
	AgentName string    `json:"agent_name"`
	SessionID string    `json:"session_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists memory entries using SQLite FTS5 for ranked search.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a Store backed by db. Call InitTables before use.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// InitTables creates the memory_entries table and its FTS5 index.
func (s *Store) InitTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS memory_entries (
    id TEXT PRIMARY KEY,
    agent_name TEXT NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    task_id TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT 'general',
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_entries_agent ON memory_entries(agent_name, created_at);`)
	if err != nil {
		return fmt.Errorf("memory_entries table: %w", err)
	}

	// Populated explicitly in Save rather than by triggers.
	_, err = s.db.ExecContext(ctx, `
CREATE VIRTUAL TABLE IF NOT EXISTS memory_entries_fts USING fts5(
    id UNINDEXED,
    agent_name UNINDEXED,
    content,
    category
);`)
	if err != nil {
		return fmt.Errorf("memory_entries_fts table: %w", err)
	}
	return nil
}

// Save persists e and returns it with ID, category and timestamp filled in.
func (s *Store) Save(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = idgen.New()
	}
	if e.Category == "" {
		e.Category = CategoryGeneral
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return e, fmt.Errorf("memory save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memory_entries (id, agent_name, session_id, task_id, content, category, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AgentName, e.SessionID, e.TaskID, e.Content, e.Category, e.CreatedAt,
	)
	if err != nil {
		return e, fmt.Errorf("memory save: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO memory_entries_fts (id, agent_name, content, category) VALUES (?, ?, ?, ?)`,
		e.ID, e.AgentName, e.Content, e.Category,
	)
	if err != nil {
		return e, fmt.Errorf("memory save FTS: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return e, fmt.Errorf("memory save commit: %w", err)
	}
	return e, nil
}

// Search ranks an agent's entries against query with BM25, best first.
func (s *Store) Search(ctx context.Context, agentName, query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 5
	}
	ftsQuery := sanitizeFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, m.agent_name, m.session_id, m.task_id, m.content, m.category, m.created_at
FROM memory_entries_fts
JOIN memory_entries m ON m.id = memory_entries_fts.id
WHERE memory_entries_fts MATCH ? AND memory_entries_fts.agent_name = ?
ORDER BY bm25(memory_entries_fts) ASC
LIMIT ?`,
		ftsQuery, agentName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("memory search: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// Recent returns an agent's newest entries, newest first.
func (s *Store) Recent(ctx context.Context, agentName string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, agent_name, session_id, task_id, content, category, created_at
FROM memory_entries WHERE agent_name = ?
ORDER BY created_at DESC, id DESC LIMIT ?`,
		agentName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("memory recent: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.AgentName, &e.SessionID, &e.TaskID, &e.Content, &e.Category, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// sanitizeFTSQuery turns free text into FTS5 tokens matched with OR. Characters
// other than letters, digits, hyphen and underscore are stripped, and each
// token is quoted so a hyphen is never read as an operator.
func sanitizeFTSQuery(q string) string {
	words := strings.Fields(q)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		cleaned := strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
				(r >= '0' && r <= '9') || r == '-' || r == '_' {
				return r
			}
			return -1
		}, w)
		if cleaned != "" {
			tokens = append(tokens, `"`+cleaned+`"`)
		}
	}
	return strings.Join(tokens, " OR ")
}
