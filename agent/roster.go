package agent

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoAgents is returned when resolving against an empty roster.
var ErrNoAgents = errors.New("no agents configured")

// Profile binds an agent personality to the backend that reasons for it.
type Profile struct {
	Personality Personality
	Backend     Backend
}

// Roster groups the named agents under a default.
type Roster struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	order    []string
	def      string
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{profiles: make(map[string]Profile)}
}

// Add registers a profile. The first profile added, or one added with
// makeDefault, becomes the default.
func (r *Roster) Add(p Profile, makeDefault bool) error {
	name := p.Personality.Name
	if name == "" {
		return errors.New("agent profile has no name")
	}
	if p.Backend == nil {
		return fmt.Errorf("agent %s: no backend", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.profiles[name]; exists {
		return fmt.Errorf("agent %q already registered", name)
	}
	r.profiles[name] = p
	r.order = append(r.order, name)
	if makeDefault || r.def == "" {
		r.def = name
	}
	return nil
}

// Resolve returns the requested agent, falling back to the default when the
// name is empty or unknown.
func (r *Roster) Resolve(name string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.profiles[name]; ok {
		return p, nil
	}
	if p, ok := r.profiles[r.def]; ok {
		return p, nil
	}
	return Profile{}, ErrNoAgents
}

// Default returns the name of the default agent.
func (r *Roster) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// Names returns agent names in registration order.
func (r *Roster) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Personalities returns every agent personality in registration order.
func (r *Roster) Personalities() []Personality {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Personality, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.profiles[n].Personality)
	}
	return out
}
