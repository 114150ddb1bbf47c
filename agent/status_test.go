package agent

import (
	"context"
	"sync"
	"testing"

	"github.com/GoCodeAlone/relay/event"
)

type capturePublisher struct {
	mu  sync.Mutex
	evs []event.Event
}

func (c *capturePublisher) Publish(ev event.Event) {
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
}

func agentEvent(p event.Payload, agent, taskID string) event.Event {
	return event.New(p).ForTask(taskID, "s-1", agent)
}

func TestStatusBoard_Projection(t *testing.T) {
	b := NewStatusBoard([]string{"researcher", "coder"}, nil)

	cases := []struct {
		p     event.Payload
		state event.AgentState
		task  string
	}{
		{event.TaskAssigned{Query: "q"}, event.AgentWorking, "t1"},
		{event.Thinking{Iteration: 2, MaxIterations: 4, Thought: "hmm"}, event.AgentThinking, "t1"},
		{event.ToolCall{Tool: "lookup"}, event.AgentWorking, "t1"},
		{event.TaskCompleted{Status: event.CompletionCompleted}, event.AgentIdle, ""},
		{event.Error{Message: "sorry"}, event.AgentError, "t1"},
	}
	for _, c := range cases {
		st, _ := b.Apply(agentEvent(c.p, "researcher", "t1"))
		if st.State != c.state || st.CurrentTaskID != c.task {
			t.Errorf("%s -> state=%s task=%q, want %s %q", c.p.Kind(), st.State, st.CurrentTaskID, c.state, c.task)
		}
	}

	st, _ := b.Apply(agentEvent(event.Thinking{Iteration: 2, MaxIterations: 4}, "researcher", "t2"))
	if st.Progress == nil || *st.Progress != 50 {
		t.Errorf("progress = %v, want 50", st.Progress)
	}

	snap := b.Snapshot()
	if len(snap) != 2 || snap[0].AgentName != "coder" || snap[1].AgentName != "researcher" {
		t.Errorf("Snapshot = %+v", snap)
	}
	if snap[0].State != event.AgentIdle {
		t.Errorf("coder = %s, want idle", snap[0].State)
	}
}

func TestStatusBoard_IgnoresNonAgentEvents(t *testing.T) {
	b := NewStatusBoard(nil, nil)
	for _, ev := range []event.Event{
		event.New(event.Pong{}),
		event.New(event.Heartbeat{}),
		agentEvent(event.SessionSubscribed{}, "x", ""),
	} {
		if _, changed := b.Apply(ev); changed {
			t.Errorf("%s changed the board", ev.Type)
		}
	}
	if len(b.Snapshot()) != 0 {
		t.Error("board not empty")
	}
}

func TestStatusBoard_HandlePublishesOnlyOnChange(t *testing.T) {
	pub := &capturePublisher{}
	b := NewStatusBoard([]string{"researcher"}, pub)
	ctx := context.Background()

	b.Handle(ctx, agentEvent(event.ToolCall{Tool: "lookup"}, "researcher", "t1"))
	b.Handle(ctx, agentEvent(event.ToolCall{Tool: "lookup"}, "researcher", "t1"))
	b.Handle(ctx, agentEvent(event.TaskCompleted{Status: event.CompletionCompleted}, "researcher", "t1"))

	if len(pub.evs) != 2 {
		t.Fatalf("published %d, want 2", len(pub.evs))
	}
	ev := pub.evs[1]
	if ev.Type != event.TypeAgentStatusChanged || !ev.Global() {
		t.Errorf("event = %+v, want global agent_status_changed", ev)
	}
	if p := ev.Payload.(event.AgentStatusChanged); p.Status.State != event.AgentIdle {
		t.Errorf("status = %s", p.Status.State)
	}
}

func TestStatusBoard_RebuildMatchesLiveProjection(t *testing.T) {
	events := []event.Event{
		agentEvent(event.TaskAssigned{}, "researcher", "t1"),
		agentEvent(event.Thinking{Iteration: 1, MaxIterations: 5, Thought: "a"}, "researcher", "t1"),
		agentEvent(event.TaskAssigned{}, "coder", "t2"),
		agentEvent(event.Error{Message: "sorry"}, "coder", "t2"),
	}
	live := NewStatusBoard([]string{"researcher", "coder"}, nil)
	for _, ev := range events {
		live.Apply(ev)
	}
	rebuilt := NewStatusBoard([]string{"researcher", "coder"}, nil)
	rebuilt.Apply(agentEvent(event.TaskAssigned{}, "researcher", "stale"))
	rebuilt.Rebuild(events)

	a, b := live.Snapshot(), rebuilt.Snapshot()
	for i := range a {
		if !sameStatus(a[i], b[i]) {
			t.Errorf("agent %s: live %+v != rebuilt %+v", a[i].AgentName, a[i], b[i])
		}
	}
}

func TestStatusBoard_SnapshotIsCopy(t *testing.T) {
	b := NewStatusBoard(nil, nil)
	b.Apply(agentEvent(event.Thinking{Iteration: 1, MaxIterations: 2}, "r", "t"))
	snap := b.Snapshot()
	*snap[0].Progress = 99
	again, _ := b.Get("r")
	if *again.Progress != 50 {
		t.Errorf("progress = %d after mutating snapshot", *again.Progress)
	}
}
