// Package task defines the task model, its lifecycle rules, the in-memory
// registry that owns live task state, and SQLite persistence for task records.
package task

import (
	"time"

	"github.com/GoCodeAlone/relay/event"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusQueued, StatusRunning,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether s is queued or running.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusQueued:
		return 1
	case StatusRunning:
		return 2
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 3
	}
	return -1
}

// CanTransition reports whether a task may move from one status to another.
// Moves only go forward; queued may be skipped; completed is reachable only
// from running; failed and cancelled are reachable from any non-terminal state.
func CanTransition(from, to Status) bool {
	if from.rank() < 0 || to.rank() < 0 || from.Terminal() {
		return false
	}
	if to.rank() <= from.rank() {
		return false
	}
	if to == StatusCompleted {
		return from == StatusRunning
	}
	return true
}

// Known task types.
const (
	TypeChat          = "chat"
	TypeMemoryCapture = "memory_capture"
)

// Input is the opaque request payload a task was created with.
type Input struct {
	Query   string            `json:"query"`
	Options map[string]string `json:"options,omitempty"`
}

// Result is the payload of a successfully completed task.
type Result struct {
	Answer     string         `json:"answer"`
	Sources    []event.Source `json:"sources,omitempty"`
	Partial    bool           `json:"partial,omitempty"`
	Iterations int            `json:"iterations"`
}

// Task is a unit of work for an agent.
type Task struct {
	ID              string        `json:"task_id"`
	SessionID       string        `json:"session_id"`
	AgentName       string        `json:"agent_name"`
	Type            string        `json:"task_type"`
	Input           Input         `json:"input"`
	Status          Status        `json:"status"`
	Result          *Result       `json:"result,omitempty"`
	Error           string        `json:"error,omitempty"`
	CancelRequested bool          `json:"cancel_requested"`
	Detached        bool          `json:"detached,omitempty"` // best-effort side task
	ParentID        string        `json:"parent_id,omitempty"`
	Steps           []event.Event `json:"steps"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of t that shares no mutable state with it.
func (t *Task) Clone() Task {
	c := *t
	if t.Input.Options != nil {
		c.Input.Options = make(map[string]string, len(t.Input.Options))
		for k, v := range t.Input.Options {
			c.Input.Options[k] = v
		}
	}
	if t.Result != nil {
		r := *t.Result
		r.Sources = event.CopySources(t.Result.Sources)
		c.Result = &r
	}
	c.Steps = make([]event.Event, len(t.Steps))
	copy(c.Steps, t.Steps)
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		s := *t.CompletedAt
		c.CompletedAt = &s
	}
	return c
}

// Summary is the lightweight view of a task returned by polling endpoints.
type Summary struct {
	ID              string     `json:"task_id"`
	AgentName       string     `json:"agent_name"`
	Type            string     `json:"task_type"`
	Status          Status     `json:"status"`
	Query           string     `json:"query"`
	Steps           int        `json:"steps"`
	CancelRequested bool       `json:"cancel_requested"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
}

// Summary returns the polling view of t.
func (t *Task) Summary() Summary {
	return Summary{
		ID:              t.ID,
		AgentName:       t.AgentName,
		Type:            t.Type,
		Status:          t.Status,
		Query:           t.Input.Query,
		Steps:           len(t.Steps),
		CancelRequested: t.CancelRequested,
		CreatedAt:       t.CreatedAt,
		StartedAt:       t.StartedAt,
	}
}

// NewTask describes a task to create.
type NewTask struct {
	SessionID string
	AgentName string
	Type      string
	Input     Input
	Detached  bool
	ParentID  string
}

// Outcome is how a runner reports the end of a task. Error is the internal
// failure reason; the scheduler logs it and stores FailureMessage instead.
type Outcome struct {
	Status Status
	Result *Result
	Error  string
}

// FailureMessage is the apology shown to users for a failed task. It never
// carries internal error text, only the task ID for support correlation.
func FailureMessage(taskID string) string {
	return "Sorry, I couldn't finish this request. Reference: " + taskID
}

// Filter controls which tasks are returned by List.
type Filter struct {
	SessionID       string   `json:"session_id,omitempty"`
	AgentName       string   `json:"agent_name,omitempty"`
	Statuses        []Status `json:"statuses,omitempty"`
	IncludeDetached bool     `json:"include_detached,omitempty"`
	Limit           int      `json:"limit,omitempty"`
}

func (f Filter) match(t *Task) bool {
	if f.SessionID != "" && t.SessionID != f.SessionID {
		return false
	}
	if f.AgentName != "" && t.AgentName != f.AgentName {
		return false
	}
	if t.Detached && !f.IncludeDetached {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if t.Status == s {
				return true
			}
		}
		return false
	}
	return true
}
