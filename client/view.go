package client

import (
	"sort"

	"github.com/GoCodeAlone/relay/event"
	"github.com/GoCodeAlone/relay/session"
	"github.com/GoCodeAlone/relay/task"
)

// TaskView is the client's picture of one unfinished task.
type TaskView struct {
	task.Summary
	LastEvent event.Type `json:"last_event,omitempty"`
	Thought   string     `json:"thought,omitempty"`
}

// View is everything the client renders for one session.
type View struct {
	SessionID string
	Title     string
	Messages  []session.Message
	Running   map[string]TaskView

	// seen holds the highest sequence applied per task.
	seen map[string]uint64
	// closed holds tasks that already have a terminal message.
	closed map[string]struct{}
}

// Reconcile builds the view from an authoritative session state. It is the
// only way a view is rebuilt, on reconnect and after polling alike.
func Reconcile(st session.State) View {
	v := View{
		SessionID: st.Session.ID,
		Title:     st.Session.Title,
		Messages:  append([]session.Message{}, st.Messages...),
		Running:   make(map[string]TaskView, len(st.RunningTasks.Tasks)),
		seen:      make(map[string]uint64),
		closed:    make(map[string]struct{}),
	}
	for _, m := range v.Messages {
		if closesTask(m) {
			v.closed[m.TaskID] = struct{}{}
		}
	}
	for _, t := range st.RunningTasks.Tasks {
		v.Running[t.ID] = TaskView{Summary: t}
		// Steps counts the events the registry stamped, which is the
		// sequence of the last one.
		v.seen[t.ID] = uint64(t.Steps)
	}
	return v
}

func closesTask(m session.Message) bool {
	return m.Role == session.RoleAssistant && m.TaskID != "" &&
		(m.Kind == session.KindAnswer || m.Kind == session.KindError || m.Kind == session.KindCancelled)
}

// RunningIDs returns the unfinished task IDs in creation order.
func (v View) RunningIDs() []string {
	ids := make([]string, 0, len(v.Running))
	for id := range v.Running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := v.Running[ids[i]], v.Running[ids[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return ids[i] < ids[j]
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return ids
}

// Apply folds a live event into the view. Events for other sessions, for
// closed tasks, and events whose sequence is not past the last one applied
// for their task are ignored. It reports whether the view changed.
func (v *View) Apply(ev event.Event) bool {
	if ev.TaskID == "" || ev.SessionID != v.SessionID {
		return false
	}
	if v.seen == nil {
		v.seen = make(map[string]uint64)
		v.closed = make(map[string]struct{})
		v.Running = make(map[string]TaskView)
	}
	if _, done := v.closed[ev.TaskID]; done {
		return false
	}
	if ev.Sequence <= v.seen[ev.TaskID] {
		return false
	}
	v.seen[ev.TaskID] = ev.Sequence

	tv, ok := v.Running[ev.TaskID]
	if !ok {
		tv = TaskView{Summary: task.Summary{
			ID:        ev.TaskID,
			AgentName: ev.AgentName,
			Status:    task.StatusRunning,
			CreatedAt: ev.Timestamp,
		}}
	}
	tv.LastEvent = ev.Type
	tv.Steps = int(ev.Sequence)

	switch p := ev.Payload.(type) {
	case event.TaskAssigned:
		tv.Query = p.Query
		tv.Type = p.TaskType
	case event.Thinking:
		tv.Thought = p.Thought
	case event.TaskCompleted, event.Error:
		delete(v.Running, ev.TaskID)
		v.closed[ev.TaskID] = struct{}{}
		v.Messages = append(v.Messages, closingMessage(ev))
		return true
	}
	v.Running[ev.TaskID] = tv
	return true
}

// closingMessage mirrors the transcript entry the server records for a
// terminal event, so the live view matches the next full state.
func closingMessage(ev event.Event) session.Message {
	m := session.Message{
		Role:      session.RoleAssistant,
		TaskID:    ev.TaskID,
		AgentName: ev.AgentName,
		CreatedAt: ev.Timestamp,
	}
	switch p := ev.Payload.(type) {
	case event.TaskCompleted:
		if p.Status == event.CompletionCancelled {
			m.Kind = session.KindCancelled
			m.Content = session.CancelledNotice
			break
		}
		m.Kind = session.KindAnswer
		m.Content = p.Answer
		m.Sources = event.CopySources(p.Sources)
	case event.Error:
		m.Kind = session.KindError
		m.Content = p.Message
		if m.Content == "" {
			m.Content = task.FailureMessage(ev.TaskID)
		}
	}
	return m
}

// Clone returns a deep copy of v.
func (v View) Clone() View {
	c := View{SessionID: v.SessionID, Title: v.Title}
	c.Messages = append([]session.Message(nil), v.Messages...)
	c.Running = make(map[string]TaskView, len(v.Running))
	for k, t := range v.Running {
		c.Running[k] = t
	}
	c.seen = make(map[string]uint64, len(v.seen))
	for k, s := range v.seen {
		c.seen[k] = s
	}
	c.closed = make(map[string]struct{}, len(v.closed))
	for k := range v.closed {
		c.closed[k] = struct{}{}
	}
	return c
}
