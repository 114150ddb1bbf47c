// Package api defines the REST API handlers and the chat service shared by
// the HTTP and WebSocket surfaces.
package api

import (
	"github.com/GoCodeAlone/relay/agent"
)

// AgentLister is the interface the API uses to describe agents.
// Implemented by AgentDirectory.
type AgentLister interface {
	ListAgents() []agent.Info
	GetAgent(name string) (agent.Info, bool)
}

// StatusReporter supplies the live counters shown by GET /api/status.
type StatusReporter interface {
	Running() int
	Queued() int
	MaxConcurrent() int
}

// ConnectionCounter reports how many push clients are connected.
type ConnectionCounter interface {
	Count() int
}
