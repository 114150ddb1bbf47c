package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/relay/event"
)

const statusMessageMax = 80

// Publisher delivers events to connected clients.
type Publisher interface {
	Publish(ev event.Event)
}

// StatusBoard is a last-write-wins projection of events onto one AgentStatus
// per agent. It keeps no history and can be rebuilt from events alone.
type StatusBoard struct {
	mu       sync.RWMutex
	statuses map[string]event.AgentStatus
	seeded   []string
	pub      Publisher
}

// NewStatusBoard creates a board with every named agent idle. pub may be nil.
func NewStatusBoard(names []string, pub Publisher) *StatusBoard {
	b := &StatusBoard{statuses: make(map[string]event.AgentStatus), seeded: names, pub: pub}
	b.seed()
	return b
}

func (b *StatusBoard) seed() {
	now := time.Now().UTC()
	for _, n := range b.seeded {
		b.statuses[n] = event.AgentStatus{AgentName: n, State: event.AgentIdle, UpdatedAt: now}
	}
}

// Handle is a bus handler: it applies ev and announces a changed status.
func (b *StatusBoard) Handle(_ context.Context, ev event.Event) error {
	st, changed := b.Apply(ev)
	if changed && b.pub != nil {
		b.pub.Publish(event.New(event.AgentStatusChanged{Status: st}))
	}
	return nil
}

// Apply projects ev onto its agent's status. It reports the new status and
// whether anything visible changed.
func (b *StatusBoard) Apply(ev event.Event) (event.AgentStatus, bool) {
	next, ok := project(ev)
	if !ok {
		return event.AgentStatus{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, had := b.statuses[next.AgentName]
	b.statuses[next.AgentName] = next
	return next, !had || !sameStatus(prev, next)
}

// Snapshot returns every agent's status sorted by name.
func (b *StatusBoard) Snapshot() []event.AgentStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]event.AgentStatus, 0, len(b.statuses))
	for _, s := range b.statuses {
		out = append(out, copyStatus(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentName < out[j].AgentName })
	return out
}

// Get returns one agent's status.
func (b *StatusBoard) Get(name string) (event.AgentStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.statuses[name]
	return copyStatus(s), ok
}

// Rebuild discards the board and replays events in order without publishing.
func (b *StatusBoard) Rebuild(events []event.Event) {
	b.mu.Lock()
	b.statuses = make(map[string]event.AgentStatus)
	b.seed()
	b.mu.Unlock()
	for _, ev := range events {
		b.Apply(ev)
	}
}

// project maps one event to the status it implies for its agent.
func project(ev event.Event) (event.AgentStatus, bool) {
	if ev.AgentName == "" {
		return event.AgentStatus{}, false
	}
	st := event.AgentStatus{
		AgentName:     ev.AgentName,
		CurrentTaskID: ev.TaskID,
		UpdatedAt:     ev.Timestamp,
	}
	switch p := ev.Payload.(type) {
	case event.TaskAssigned:
		st.State = event.AgentWorking
		st.Message = "starting"
		st.Progress = percent(0)
	case event.Thinking:
		st.State = event.AgentThinking
		st.Message = truncate(p.Thought, statusMessageMax)
		if p.MaxIterations > 0 {
			st.Progress = percent(p.Iteration * 100 / p.MaxIterations)
		}
	case event.ToolCall:
		st.State = event.AgentWorking
		st.Message = "calling " + p.Tool
	case event.ToolResult:
		st.State = event.AgentWorking
		st.Message = p.Tool + " returned"
	case event.Step:
		st.State = event.AgentWorking
		st.Message = p.Summary
		if p.MaxIterations > 0 {
			st.Progress = percent(p.Iteration * 100 / p.MaxIterations)
		}
	case event.Sources:
		st.State = event.AgentWorking
		st.Message = "reading sources"
	case event.TaskCompleted:
		st.State = event.AgentIdle
		st.CurrentTaskID = ""
		if p.Status == event.CompletionCancelled {
			st.Message = "cancelled"
		}
	case event.Error:
		st.State = event.AgentError
		st.Message = p.Message
	default:
		return event.AgentStatus{}, false
	}
	return st, true
}

func sameStatus(a, b event.AgentStatus) bool {
	if a.State != b.State || a.CurrentTaskID != b.CurrentTaskID || a.Message != b.Message {
		return false
	}
	if (a.Progress == nil) != (b.Progress == nil) {
		return false
	}
	return a.Progress == nil || *a.Progress == *b.Progress
}

func copyStatus(s event.AgentStatus) event.AgentStatus {
	if s.Progress != nil {
		p := *s.Progress
		s.Progress = &p
	}
	return s
}

func percent(n int) *int {
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	return &n
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
