package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/GoCodeAlone/relay/event"
)

// Store persists task records. The registry writes through to it; it is never
// read on the hot path.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Update(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, f Filter) ([]*Task, error)
}

// InterruptedError is recorded on tasks that a previous process left unfinished.
const InterruptedError = "interrupted by server restart"

const schema = `
CREATE TABLE IF NOT EXISTS task_records (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL DEFAULT '',
	agent_name       TEXT NOT NULL DEFAULT '',
	task_type        TEXT NOT NULL,
	input            TEXT NOT NULL DEFAULT '{}',
	status           TEXT NOT NULL,
	result           TEXT NOT NULL DEFAULT '',
	error            TEXT NOT NULL DEFAULT '',
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	detached         INTEGER NOT NULL DEFAULT 0,
	parent_id        TEXT NOT NULL DEFAULT '',
	steps            TEXT NOT NULL DEFAULT '[]',
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	started_at       DATETIME,
	completed_at     DATETIME
);
CREATE INDEX IF NOT EXISTS idx_task_records_session ON task_records(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_task_records_status ON task_records(status);
`

const columns = `id, session_id, agent_name, task_type, input, status, result, error,
	cancel_requested, detached, parent_id, steps, created_at, updated_at, started_at, completed_at`

// SQLiteStore persists task records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore ensures the task_records table exists in db. The caller owns db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create task schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Create inserts a new task record.
func (s *SQLiteStore) Create(ctx context.Context, t *Task) error {
	row, err := encodeRow(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO task_records (`+columns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.SessionID, t.AgentName, t.Type, row.input, string(t.Status),
		row.result, t.Error, t.CancelRequested, t.Detached, t.ParentID, row.steps,
		t.CreatedAt, t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Update overwrites the mutable columns of an existing task record.
func (s *SQLiteStore) Update(ctx context.Context, t *Task) error {
	row, err := encodeRow(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_records SET
			status=?, result=?, error=?, cancel_requested=?, steps=?,
			updated_at=?, started_at=?, completed_at=?
		WHERE id=?`,
		string(t.Status), row.result, t.Error, t.CancelRequested, row.steps,
		t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound(t.ID)
	}
	return nil
}

// Get retrieves a task record by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM task_records WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	return t, err
}

// List returns task records matching the filter, oldest first.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT ` + columns + ` FROM task_records WHERE 1=1`)
	args := []any{}

	if f.SessionID != "" {
		q.WriteString(" AND session_id=?")
		args = append(args, f.SessionID)
	}
	if f.AgentName != "" {
		q.WriteString(" AND agent_name=?")
		args = append(args, f.AgentName)
	}
	if !f.IncludeDetached {
		q.WriteString(" AND detached=0")
	}
	if len(f.Statuses) > 0 {
		q.WriteString(" AND status IN (" + strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",") + ")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	q.WriteString(" ORDER BY created_at ASC, id ASC")
	if f.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", f.Limit))
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// MarkInterrupted fails every non-terminal record left behind by a previous
// process and returns the records it changed.
func MarkInterrupted(ctx context.Context, store Store, logger *slog.Logger) ([]Task, error) {
	if logger == nil {
		logger = slog.Default()
	}
	orphans, err := store.List(ctx, Filter{
		Statuses:        []Status{StatusPending, StatusQueued, StatusRunning},
		IncludeDetached: true,
	})
	if err != nil {
		return nil, fmt.Errorf("list orphaned tasks: %w", err)
	}
	now := time.Now().UTC()
	var marked []Task
	for _, t := range orphans {
		t.Status = StatusFailed
		t.Error = InterruptedError
		t.UpdatedAt = now
		t.CompletedAt = &now
		if err := store.Update(ctx, t); err != nil {
			return marked, fmt.Errorf("mark task %s interrupted: %w", t.ID, err)
		}
		logger.Info("task interrupted by restart", slog.String("task_id", t.ID), slog.String("session_id", t.SessionID))
		marked = append(marked, *t)
	}
	return marked, nil
}

type encoded struct {
	input, result, steps string
}

func encodeRow(t *Task) (encoded, error) {
	var e encoded
	b, err := json.Marshal(t.Input)
	if err != nil {
		return e, fmt.Errorf("encode input: %w", err)
	}
	e.input = string(b)
	if t.Result != nil {
		b, err = json.Marshal(t.Result)
		if err != nil {
			return e, fmt.Errorf("encode result: %w", err)
		}
		e.result = string(b)
	}
	steps := t.Steps
	if steps == nil {
		steps = []event.Event{}
	}
	b, err = json.Marshal(steps)
	if err != nil {
		return e, fmt.Errorf("encode steps: %w", err)
	}
	e.steps = string(b)
	return e, nil
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status, inputJSON, resultJSON, stepsJSON string
	var startedAt, completedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.SessionID, &t.AgentName, &t.Type, &inputJSON, &status,
		&resultJSON, &t.Error, &t.CancelRequested, &t.Detached, &t.ParentID,
		&stepsJSON, &t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)

	if err := json.Unmarshal([]byte(inputJSON), &t.Input); err != nil {
		return nil, fmt.Errorf("decode input of %s: %w", t.ID, err)
	}
	if resultJSON != "" {
		t.Result = &Result{}
		if err := json.Unmarshal([]byte(resultJSON), t.Result); err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", t.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(stepsJSON), &t.Steps); err != nil {
		return nil, fmt.Errorf("decode steps of %s: %w", t.ID, err)
	}

	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
