package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/GoCodeAlone/relay/event"
	"github.com/GoCodeAlone/relay/internal/sqlitedb"
	"github.com/GoCodeAlone/relay/provider"
	"github.com/GoCodeAlone/relay/task"
)

func newTestStore(t *testing.T, tasks Tasks) *Store {
	t.Helper()
	s, err := NewStore(NewMemoryPersister(), tasks, 0, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func taskEvent(sid, tid string, seq uint64, p event.Payload) event.Event {
	return event.New(p).ForTask(tid, sid, "researcher").WithSequence(seq)
}

func TestStore_Titles(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	named, err := s.Create(ctx, "u1", "  quarterly   numbers ")
	if err != nil {
		t.Fatal(err)
	}
	if named.Title != "quarterly numbers" {
		t.Fatalf("title = %q", named.Title)
	}

	untitled, err := s.Create(ctx, "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	long := strings.Repeat("word ", 30)
	if _, err := s.RecordUserMessage(ctx, untitled.ID, long); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordUserMessage(ctx, untitled.ID, "second message"); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, untitled.ID)
	if err != nil {
		t.Fatal(err)
	}
	if r := []rune(got.Title); len(r) != titleMax || r[len(r)-1] != '…' {
		t.Fatalf("title = %q (%d runes)", got.Title, len(r))
	}
}

func TestStore_TerminalEventClosesTaskOnce(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	sess, _ := s.Create(ctx, "", "")

	if err := s.OnTaskEvent(ctx, taskEvent(sess.ID, "t1", 1, event.TaskAssigned{Query: "q"})); err != nil {
		t.Fatal(err)
	}
	done := taskEvent(sess.ID, "t1", 2, event.TaskCompleted{Status: event.CompletionCompleted, Answer: "42"})
	for i := 0; i < 2; i++ {
		if err := s.OnTaskEvent(ctx, done); err != nil {
			t.Fatal(err)
		}
	}
	// A late failure for the same task must not add a second closing message.
	if err := s.OnTaskEvent(ctx, taskEvent(sess.ID, "t1", 3, event.Error{Message: "late"})); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(ctx, sess.ID)
	if len(got.Messages) != 1 {
		t.Fatalf("messages = %+v", got.Messages)
	}
	m := got.Messages[0]
	if m.Kind != KindAnswer || m.Content != "42" || m.TaskID != "t1" || m.AgentName != "researcher" {
		t.Fatalf("message = %+v", m)
	}
	if len(got.TaskIDs) != 1 || got.TaskIDs[0] != "t1" {
		t.Fatalf("task ids = %v", got.TaskIDs)
	}
}

func TestStore_ClosingMessageKinds(t *testing.T) {
	tests := []struct {
		name    string
		payload event.Payload
		kind    Kind
		content string
	}{
		{"cancelled", event.TaskCompleted{Status: event.CompletionCancelled}, KindCancelled, CancelledNotice},
		{"failed", event.Error{Message: "Sorry."}, KindError, "Sorry."},
		{"failed without message", event.Error{}, KindError, task.FailureMessage("t1")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(t, nil)
			ctx := context.Background()
			sess, _ := s.Create(ctx, "", "")
			if err := s.OnTaskEvent(ctx, taskEvent(sess.ID, "t1", 1, tc.payload)); err != nil {
				t.Fatal(err)
			}
			got, _ := s.Get(ctx, sess.ID)
			if len(got.Messages) != 1 || got.Messages[0].Kind != tc.kind || got.Messages[0].Content != tc.content {
				t.Fatalf("messages = %+v", got.Messages)
			}
		})
	}
}

func TestStore_EventForUnknownSessionCreatesIt(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	if err := s.OnTaskEvent(ctx, taskEvent("s-new", "t1", 1, event.TaskAssigned{})); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "s-new")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.TaskIDs) != 1 {
		t.Fatalf("task ids = %v", got.TaskIDs)
	}
}

func TestStore_FullState(t *testing.T) {
	reg := task.NewRegistry(nil, nil)
	s := newTestStore(t, reg)
	ctx := context.Background()
	sess, _ := s.Create(ctx, "u1", "")

	tk, err := reg.Create(ctx, task.NewTask{SessionID: sess.ID, AgentName: "planner", Input: task.Input{Query: "plan it"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Transition(ctx, tk.ID, task.StatusRunning); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordUserMessage(ctx, sess.ID, "plan it"); err != nil {
		t.Fatal(err)
	}

	st, err := s.GetFullState(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.RunningTasks.Count != 1 || st.RunningTasks.Tasks[0].ID != tk.ID {
		t.Fatalf("running = %+v", st.RunningTasks)
	}
	if st.TaskStats[task.StatusRunning] != 1 {
		t.Fatalf("stats = %v", st.TaskStats)
	}
	if len(st.AgentsInvolved) != 1 || st.AgentsInvolved[0] != "planner" {
		t.Fatalf("agents = %v", st.AgentsInvolved)
	}
	if st.Session.Title != "plan it" || st.Session.Messages != nil {
		t.Fatalf("header = %+v", st.Session)
	}

	// Once the closing message is recorded the task no longer counts as
	// running, even before the registry finishes it.
	if err := s.OnTaskEvent(ctx, taskEvent(sess.ID, tk.ID, 1, event.TaskCompleted{Status: event.CompletionCompleted, Answer: "done"})); err != nil {
		t.Fatal(err)
	}
	sum, err := s.RunningTasks(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Count != 0 || len(sum.Tasks) != 0 {
		t.Fatalf("running after close = %+v", sum)
	}
}

func TestStore_NotFound(t *testing.T) {
	s := newTestStore(t, nil)
	if _, err := s.GetFullState(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestStore_ArchiveIsIdempotent(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	sess, _ := s.Create(ctx, "u1", "")
	for i := 0; i < 2; i++ {
		got, err := s.Archive(ctx, sess.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != StatusArchived {
			t.Fatalf("status = %s", got.Status)
		}
	}
	list, err := s.List(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Status != StatusArchived {
		t.Fatalf("list = %+v", list)
	}
}

func TestStore_History(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	sess, _ := s.Create(ctx, "", "")

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	_, err := s.RecordUserMessage(ctx, sess.ID, "first")
	must(err)
	must(s.OnTaskEvent(ctx, taskEvent(sess.ID, "t1", 1, event.TaskCompleted{Status: event.CompletionCompleted, Answer: "one"})))
	_, err = s.RecordUserMessage(ctx, sess.ID, "second")
	must(err)
	must(s.OnTaskEvent(ctx, taskEvent(sess.ID, "t2", 1, event.Error{Message: "Sorry."})))
	_, err = s.RecordUserMessage(ctx, sess.ID, "third, still being answered")
	must(err)

	h, err := s.History(ctx, sess.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []provider.Message{
		{Role: provider.RoleUser, Content: "first"},
		{Role: provider.RoleAssistant, Content: "one"},
		{Role: provider.RoleUser, Content: "second"},
	}
	if len(h) != len(want) {
		t.Fatalf("history = %+v", h)
	}
	for i := range want {
		if h[i].Role != want[i].Role || h[i].Content != want[i].Content {
			t.Fatalf("history[%d] = %+v, want %+v", i, h[i], want[i])
		}
	}
}

func TestStore_SQLiteReloadAfterEviction(t *testing.T) {
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	p, err := NewSQLitePersister(db)
	if err != nil {
		t.Fatal(err)
	}
	// Room for one aggregate, so creating a second evicts the first.
	s, err := NewStore(p, nil, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	first, _ := s.Create(ctx, "u1", "")
	if _, err := s.RecordUserMessage(ctx, first.ID, "hello"); err != nil {
		t.Fatal(err)
	}
	closing := taskEvent(first.ID, "t1", 2, event.TaskCompleted{
		Status:  event.CompletionCompleted,
		Answer:  "hi",
		Sources: []event.Source{{Title: "doc", URL: "https://example.com/doc"}},
	})
	if err := s.OnTaskEvent(ctx, closing); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(ctx, "u1", "other"); err != nil {
		t.Fatal(err)
	}

	// Reloaded from SQLite: the transcript survives and the task is still
	// known to be closed.
	if err := s.OnTaskEvent(ctx, closing); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "hello" || len(got.Messages) != 2 {
		t.Fatalf("reloaded = %+v", got)
	}
	ans := got.Messages[1]
	if ans.Kind != KindAnswer || len(ans.Sources) != 1 || ans.Sources[0].URL != "https://example.com/doc" {
		t.Fatalf("answer = %+v", ans)
	}
	if len(got.TaskIDs) != 1 || got.TaskIDs[0] != "t1" {
		t.Fatalf("task ids = %v", got.TaskIDs)
	}

	list, err := s.List(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("list = %+v", list)
	}
}
