package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/relay/event"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'active',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at);

CREATE TABLE IF NOT EXISTS session_messages (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role       TEXT NOT NULL,
	kind       TEXT NOT NULL DEFAULT 'text',
	content    TEXT NOT NULL DEFAULT '',
	task_id    TEXT NOT NULL DEFAULT '',
	agent_name TEXT NOT NULL DEFAULT '',
	sources    TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id, seq);

CREATE TABLE IF NOT EXISTS session_tasks (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	task_id    TEXT NOT NULL,
	UNIQUE(session_id, task_id)
);
`

// SQLitePersister stores sessions in the sessions, session_messages and
// session_tasks tables. Insertion order is kept by autoincrement keys.
type SQLitePersister struct {
	db *sql.DB
}

// NewSQLitePersister ensures the session tables exist in db. The caller owns db.
func NewSQLitePersister(db *sql.DB) (*SQLitePersister, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("create session schema: %w", err)
	}
	return &SQLitePersister{db: db}, nil
}

func (p *SQLitePersister) CreateSession(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, title, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.Title, string(s.Status), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (p *SQLitePersister) UpdateSession(ctx context.Context, s *Session) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE sessions SET title=?, status=?, updated_at=? WHERE id=?`,
		s.Title, string(s.Status), s.UpdatedAt, s.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(s.ID)
	}
	return nil
}

func (p *SQLitePersister) LoadSession(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, status, created_at, updated_at FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, role, kind, content, task_id, agent_name, sources, created_at
		FROM session_messages WHERE session_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m Message
		var role, kind, sources string
		if err := rows.Scan(&m.ID, &role, &kind, &m.Content, &m.TaskID, &m.AgentName, &sources, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role, m.Kind = Role(role), Kind(kind)
		if err := json.Unmarshal([]byte(sources), &m.Sources); err != nil {
			return nil, fmt.Errorf("decode sources of message %s: %w", m.ID, err)
		}
		s.Messages = append(s.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	taskRows, err := p.db.QueryContext(ctx,
		`SELECT task_id FROM session_tasks WHERE session_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load session tasks: %w", err)
	}
	defer taskRows.Close()
	for taskRows.Next() {
		var taskID string
		if err := taskRows.Scan(&taskID); err != nil {
			return nil, err
		}
		s.TaskIDs = append(s.TaskIDs, taskID)
	}
	return s, taskRows.Err()
}

func (p *SQLitePersister) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	q := `SELECT id, user_id, title, status, created_at, updated_at FROM sessions`
	var args []any
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY updated_at DESC, id DESC`

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *SQLitePersister) AppendMessage(ctx context.Context, sessionID string, m Message) error {
	sources := m.Sources
	if sources == nil {
		sources = []event.Source{}
	}
	b, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO session_messages (id, session_id, role, kind, content, task_id, agent_name, sources, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, sessionID, string(m.Role), string(m.Kind), m.Content, m.TaskID, m.AgentName, string(b), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (p *SQLitePersister) AddTask(ctx context.Context, sessionID, taskID string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO session_tasks (session_id, task_id) VALUES (?, ?)`, sessionID, taskID)
	if err != nil {
		return fmt.Errorf("insert session task: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*Session, error) {
	var s Session
	var status string
	if err := r.Scan(&s.ID, &s.UserID, &s.Title, &status, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Status = Status(status)
	s.TaskIDs = []string{}
	return &s, nil
}
