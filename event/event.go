// Package event defines the immutable progress records that flow from task
// execution to the task registry, session store and connected clients.
package event

import (
	"fmt"
	"time"

	"github.com/GoCodeAlone/relay/internal/idgen"
)

// Type identifies the kind of event. The set is closed.
type Type string

const (
	TypeTaskAssigned       Type = "task_assigned"
	TypeThinking           Type = "thinking"
	TypeToolCall           Type = "tool_call"
	TypeToolResult         Type = "tool_result"
	TypeStep               Type = "step"
	TypeSources            Type = "sources"
	TypeTaskCompleted      Type = "task_completed"
	TypeError              Type = "error"
	TypeHeartbeat          Type = "heartbeat"
	TypeAgentStatusChanged Type = "agent_status_changed"
	TypeSessionSubscribed  Type = "session_subscribed"
	TypePong               Type = "pong"
)

// Types lists every event type in declaration order.
var Types = []Type{
	TypeTaskAssigned, TypeThinking, TypeToolCall, TypeToolResult, TypeStep,
	TypeSources, TypeTaskCompleted, TypeError, TypeHeartbeat,
	TypeAgentStatusChanged, TypeSessionSubscribed, TypePong,
}

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Event is one moment of progress. Events are values: once created they are
// never mutated, only copied.
type Event struct {
	ID        string    `json:"event_id"`
	Type      Type      `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	AgentName string    `json:"agent_name,omitempty"`
	Sequence  uint64    `json:"sequence,omitempty"` // per task, assigned by the registry
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload,omitempty"`
}

// New creates an event of the payload's type with a fresh ID and timestamp.
func New(p Payload) Event {
	return Event{
		ID:        idgen.EventID(),
		Type:      p.Kind(),
		Timestamp: time.Now().UTC(),
		Payload:   p,
	}
}

// ForTask returns a copy of e bound to the given task, session and agent.
func (e Event) ForTask(taskID, sessionID, agentName string) Event {
	e.TaskID = taskID
	e.SessionID = sessionID
	e.AgentName = agentName
	return e
}

// WithSequence returns a copy of e carrying the given per-task sequence.
func (e Event) WithSequence(seq uint64) Event {
	e.Sequence = seq
	return e
}

// Terminal reports whether e ends a task.
func (e Event) Terminal() bool {
	return e.Type == TypeTaskCompleted || e.Type == TypeError
}

// Global reports whether e has no session affinity and goes to every client.
func (e Event) Global() bool { return e.SessionID == "" }

// Validate checks that the type is known and matches the payload.
func (e Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Payload == nil {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	if e.Payload.Kind() != e.Type {
		return fmt.Errorf("event type %s carries %s payload", e.Type, e.Payload.Kind())
	}
	return nil
}
