// Package session owns conversation aggregates: the ordered transcript of a
// session and the set of tasks created in it. It consumes task events so the
// transcript stays complete even when no client saw them live.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/relay/event"
	"github.com/GoCodeAlone/relay/task"
)

var (
	// ErrSessionNotFound is returned when a session ID is unknown.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionArchived is returned when new work targets an archived session.
	ErrSessionArchived = errors.New("session archived")
)

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Role identifies who wrote a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind tells plain text apart from the messages synthesized when a task ends.
type Kind string

const (
	KindText      Kind = "text"
	KindAnswer    Kind = "answer"
	KindError     Kind = "error"
	KindCancelled Kind = "cancelled"
)

// CancelledNotice is the transcript text recorded for a cancelled task.
const CancelledNotice = "This request was cancelled before it finished."

const titleMax = 60

// Message is one transcript entry.
type Message struct {
	ID        string         `json:"message_id"`
	Role      Role           `json:"role"`
	Kind      Kind           `json:"kind"`
	Content   string         `json:"content"`
	TaskID    string         `json:"task_id,omitempty"`
	AgentName string         `json:"agent_name,omitempty"`
	Sources   []event.Source `json:"sources,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// terminal reports whether m is the message that closed a task.
func (m Message) terminal() bool {
	return m.Role == RoleAssistant && m.TaskID != "" &&
		(m.Kind == KindAnswer || m.Kind == KindError || m.Kind == KindCancelled)
}

// Session is a conversation aggregate.
type Session struct {
	ID        string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Status    Status    `json:"status"`
	Messages  []Message `json:"messages,omitempty"`
	TaskIDs   []string  `json:"task_ids"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// closed holds the tasks that already have a terminal message.
	closed map[string]struct{}
	tasks  map[string]struct{}
}

// index rebuilds the lookup sets from Messages and TaskIDs.
func (s *Session) index() {
	s.closed = make(map[string]struct{})
	s.tasks = make(map[string]struct{}, len(s.TaskIDs))
	for _, id := range s.TaskIDs {
		s.tasks[id] = struct{}{}
	}
	for _, m := range s.Messages {
		if m.terminal() {
			s.closed[m.TaskID] = struct{}{}
		}
	}
}

func (s *Session) hasTask(id string) bool {
	_, ok := s.tasks[id]
	return ok
}

func (s *Session) isClosed(taskID string) bool {
	_, ok := s.closed[taskID]
	return ok
}

func (s *Session) addTask(id string) bool {
	if s.hasTask(id) {
		return false
	}
	s.tasks[id] = struct{}{}
	s.TaskIDs = append(s.TaskIDs, id)
	return true
}

func (s *Session) addMessage(m Message) {
	s.Messages = append(s.Messages, m)
	if m.terminal() {
		s.closed[m.TaskID] = struct{}{}
	}
}

// Clone returns a deep copy of s.
func (s *Session) Clone() Session {
	c := Session{
		ID:        s.ID,
		UserID:    s.UserID,
		Title:     s.Title,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	c.TaskIDs = append([]string{}, s.TaskIDs...)
	if s.Messages != nil {
		c.Messages = make([]Message, len(s.Messages))
		for i, m := range s.Messages {
			m.Sources = event.CopySources(m.Sources)
			c.Messages[i] = m
		}
	}
	return c
}

// Header returns a copy of s without its messages.
func (s *Session) Header() Session {
	c := s.Clone()
	c.Messages = nil
	return c
}

// RunningSummary is the polling view of a session's unfinished tasks.
type RunningSummary struct {
	Count int            `json:"count"`
	Tasks []task.Summary `json:"tasks"`
}

// State is everything a reconnecting client needs to rebuild its view.
type State struct {
	Session        Session             `json:"session"`
	Messages       []Message           `json:"messages"`
	RunningTasks   RunningSummary      `json:"running_tasks"`
	TaskStats      map[task.Status]int `json:"task_stats"`
	AgentsInvolved []string            `json:"agents_involved"`
}

// DeriveTitle builds a session title from the first user message: whitespace
// is collapsed and the result is cut to 60 runes with an ellipsis.
func DeriveTitle(content string) string {
	t := strings.Join(strings.Fields(content), " ")
	r := []rune(t)
	if len(r) <= titleMax {
		return t
	}
	return strings.TrimSpace(string(r[:titleMax-1])) + "…"
}
