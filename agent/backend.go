package agent

import (
	"context"

	"github.com/GoCodeAlone/relay/event"
	"github.com/GoCodeAlone/relay/provider"
)

// Request is what a backend reasons about.
type Request struct {
	TaskID    string
	SessionID string
	Query     string
	Options   map[string]string
	History   []provider.Message // earlier conversation turns, oldest first
	Agent     Personality
}

// ToolExchange is one tool invocation and its outcome within a step.
type ToolExchange struct {
	ID        string
	Name      string
	Arguments map[string]any
	Output    string
	Failed    bool
}

// Chunk is one reasoning step. Any field may be empty.
type Chunk struct {
	Thought     string
	ToolCalls   []ToolExchange
	FinalAnswer string
	Sources     []event.Source
}

// Stream yields reasoning steps. Next returns io.EOF when the backend has
// nothing more to say. Each call is trusted to return in bounded time.
type Stream interface {
	Next(ctx context.Context) (Chunk, error)
}

// Backend starts a reasoning stream for a request.
type Backend interface {
	Reason(ctx context.Context, req Request) (Stream, error)
}

// HistorySource supplies prior conversation turns for a session.
type HistorySource interface {
	History(ctx context.Context, sessionID string, limit int) ([]provider.Message, error)
}
