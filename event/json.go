package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// newPayload returns a pointer to the zero payload for t.
func newPayload(t Type) (Payload, error) {
	switch t {
	case TypeTaskAssigned:
		return &TaskAssigned{}, nil
	case TypeThinking:
		return &Thinking{}, nil
	case TypeToolCall:
		return &ToolCall{}, nil
	case TypeToolResult:
		return &ToolResult{}, nil
	case TypeStep:
		return &Step{}, nil
	case TypeSources:
		return &Sources{}, nil
	case TypeTaskCompleted:
		return &TaskCompleted{}, nil
	case TypeError:
		return &Error{}, nil
	case TypeHeartbeat:
		return &Heartbeat{}, nil
	case TypeAgentStatusChanged:
		return &AgentStatusChanged{}, nil
	case TypeSessionSubscribed:
		return &SessionSubscribed{}, nil
	case TypePong:
		return &Pong{}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", t)
}

// deref turns the pointer produced by newPayload back into a value payload.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *TaskAssigned:
		return *v
	case *Thinking:
		return *v
	case *ToolCall:
		return *v
	case *ToolResult:
		return *v
	case *Step:
		return *v
	case *Sources:
		return *v
	case *TaskCompleted:
		return *v
	case *Error:
		return *v
	case *Heartbeat:
		return *v
	case *AgentStatusChanged:
		return *v
	case *SessionSubscribed:
		return *v
	case *Pong:
		return *v
	}
	return p
}

// UnmarshalJSON decodes the payload into the concrete struct for the event type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        string          `json:"event_id"`
		Type      Type            `json:"type"`
		TaskID    string          `json:"task_id"`
		SessionID string          `json:"session_id"`
		AgentName string          `json:"agent_name"`
		Sequence  uint64          `json:"sequence"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p, err := newPayload(raw.Type)
	if err != nil {
		return err
	}
	if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		if err := json.Unmarshal(raw.Payload, p); err != nil {
			return fmt.Errorf("decode %s payload: %w", raw.Type, err)
		}
	}
	*e = Event{
		ID:        raw.ID,
		Type:      raw.Type,
		TaskID:    raw.TaskID,
		SessionID: raw.SessionID,
		AgentName: raw.AgentName,
		Sequence:  raw.Sequence,
		Timestamp: raw.Timestamp,
		Payload:   deref(p),
	}
	return nil
}
