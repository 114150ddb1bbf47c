package event

import "time"

// Payload is the type-specific body of an event. Each event type has exactly
// one concrete payload struct, so consumers switch on the concrete type.
type Payload interface {
	Kind() Type
}

// TaskAssigned is emitted once when a runner starts a task.
type TaskAssigned struct {
	Query    string `json:"query"`
	TaskType string `json:"task_type"`
	Queued   bool   `json:"queued"` // the task waited for a slot before starting
}

// Thinking carries an intermediate thought from the reasoning backend.
type Thinking struct {
	Iteration     int    `json:"iteration"`
	MaxIterations int    `json:"max_iterations"`
	Thought       string `json:"thought"`
}

// ToolCall announces a tool invocation requested by the backend.
type ToolCall struct {
	Iteration int            `json:"iteration"`
	CallID    string         `json:"call_id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult carries the output of a tool invocation.
type ToolResult struct {
	Iteration int    `json:"iteration"`
	CallID    string `json:"call_id"`
	Tool      string `json:"tool"`
	Output    string `json:"output"`
	Failed    bool   `json:"failed,omitempty"`
}

// Step marks the boundary after one reasoning step.
type Step struct {
	Iteration     int    `json:"iteration"`
	MaxIterations int    `json:"max_iterations"`
	Summary       string `json:"summary,omitempty"`
}

// Source is a reference the answer was grounded on.
type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Sources lists references gathered during a step.
type Sources struct {
	Sources []Source `json:"sources"`
}

// CompletionStatus tells a finished answer apart from a cancellation notice.
type CompletionStatus string

const (
	CompletionCompleted CompletionStatus = "completed"
	CompletionCancelled CompletionStatus = "cancelled"
)

// TaskCompleted ends a task that produced an answer or was cancelled.
type TaskCompleted struct {
	Status     CompletionStatus `json:"status"`
	Answer     string           `json:"answer,omitempty"`
	Sources    []Source         `json:"sources,omitempty"`
	Partial    bool             `json:"partial,omitempty"` // iteration cap reached without a final answer
	Iterations int              `json:"iterations"`
}

// Error ends a failed task. Message is safe to show to end users.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// AgentState is the coarse state of a named agent.
type AgentState string

const (
	AgentIdle     AgentState = "idle"
	AgentWorking  AgentState = "working"
	AgentThinking AgentState = "thinking"
	AgentError    AgentState = "error"
)

// AgentStatus is the last known state of one agent, derived from events.
type AgentStatus struct {
	AgentName     string     `json:"agent_name"`
	State         AgentState `json:"state"`
	CurrentTaskID string     `json:"current_task_id,omitempty"`
	Message       string     `json:"message,omitempty"`
	Progress      *int       `json:"progress,omitempty"` // 0..100
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Heartbeat is the periodic liveness signal carrying every agent's status.
type Heartbeat struct {
	Agents      []AgentStatus `json:"agents"`
	Connections int           `json:"connections"`
}

// AgentStatusChanged reports a new AgentStatus for one agent.
type AgentStatusChanged struct {
	Status AgentStatus `json:"status"`
}

// SessionSubscribed acknowledges a session subscription.
type SessionSubscribed struct {
	SessionID string `json:"session_id"`
}

// Pong answers a client ping.
type Pong struct{}

func (TaskAssigned) Kind() Type       { return TypeTaskAssigned }
func (Thinking) Kind() Type           { return TypeThinking }
func (ToolCall) Kind() Type           { return TypeToolCall }
func (ToolResult) Kind() Type         { return TypeToolResult }
func (Step) Kind() Type               { return TypeStep }
func (Sources) Kind() Type            { return TypeSources }
func (TaskCompleted) Kind() Type      { return TypeTaskCompleted }
func (Error) Kind() Type              { return TypeError }
func (Heartbeat) Kind() Type          { return TypeHeartbeat }
func (AgentStatusChanged) Kind() Type { return TypeAgentStatusChanged }
func (SessionSubscribed) Kind() Type  { return TypeSessionSubscribed }
func (Pong) Kind() Type               { return TypePong }

// CopySources returns an independent copy of src.
func CopySources(src []Source) []Source {
	if len(src) == 0 {
		return nil
	}
	out := make([]Source, len(src))
	copy(out, src)
	return out
}
