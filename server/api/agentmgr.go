package api

import (
	"github.com/GoCodeAlone/relay/agent"
	"github.com/GoCodeAlone/relay/event"
)

// StatusLookup reads the derived status of one agent.
type StatusLookup interface {
	Get(name string) (event.AgentStatus, bool)
}

// AgentDirectory implements AgentLister from the roster and the status board.
type AgentDirectory struct {
	roster *agent.Roster
	status StatusLookup
}

// NewAgentDirectory creates a directory. status may be nil, in which case
// every agent reports idle.
func NewAgentDirectory(roster *agent.Roster, status StatusLookup) *AgentDirectory {
	return &AgentDirectory{roster: roster, status: status}
}

// ListAgents returns every agent in registration order.
func (d *AgentDirectory) ListAgents() []agent.Info {
	def := d.roster.Default()
	ps := d.roster.Personalities()
	infos := make([]agent.Info, 0, len(ps))
	for _, p := range ps {
		infos = append(infos, d.info(p, def))
	}
	return infos
}

// GetAgent returns one agent by exact name.
func (d *AgentDirectory) GetAgent(name string) (agent.Info, bool) {
	def := d.roster.Default()
	for _, p := range d.roster.Personalities() {
		if p.Name == name {
			return d.info(p, def), true
		}
	}
	return agent.Info{}, false
}

func (d *AgentDirectory) info(p agent.Personality, def string) agent.Info {
	st := event.AgentStatus{AgentName: p.Name, State: event.AgentIdle}
	if d.status != nil {
		if s, ok := d.status.Get(p.Name); ok {
			st = s
		}
	}
	return agent.Info{
		Name:    p.Name,
		Role:    p.Role,
		Default: p.Name == def,
		Status:  st,
	}
}
