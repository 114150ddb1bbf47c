// Package agent runs tasks for named agents: it drives a reasoning backend
// step by step, translates its progress into events, and keeps the derived
// per-agent status board.
package agent

import "github.com/GoCodeAlone/relay/event"

// Personality defines the agent's behavior, tone and role.
type Personality struct {
	Name         string `json:"name" yaml:"name"`
	Role         string `json:"role" yaml:"role"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
	Provider     string `json:"provider,omitempty" yaml:"provider"`
}

// Info provides read-only metadata about an agent for listings.
type Info struct {
	Name    string            `json:"name"`
	Role    string            `json:"role"`
	Default bool              `json:"default"`
	Status  event.AgentStatus `json:"status"`
}
