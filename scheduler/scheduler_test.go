package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/relay/comms"
	"github.com/GoCodeAlone/relay/event"
	"github.com/GoCodeAlone/relay/internal/telemetry"
	"github.com/GoCodeAlone/relay/task"
)

// gatedRunner blocks each task until the test releases it.
type gatedRunner struct {
	mu      sync.Mutex
	release map[string]chan struct{}
	started chan string
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{release: make(map[string]chan struct{}), started: make(chan string, 64)}
}

func (g *gatedRunner) ch(id string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.release[id]
	if !ok {
		c = make(chan struct{})
		g.release[id] = c
	}
	return c
}

func (g *gatedRunner) Execute(ctx context.Context, t task.Task, ctl Control) task.Outcome {
	ctl.Emit(event.TaskAssigned{Query: t.Input.Query, TaskType: t.Type, Queued: ctl.Queued()})
	g.started <- t.ID
	release := g.ch(t.ID)
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-release:
			return task.Outcome{Status: task.StatusCompleted, Result: &task.Result{Answer: "done " + t.ID}}
		case <-tick.C:
			if ctl.Cancelled() {
				return task.Outcome{Status: task.StatusCancelled}
			}
		case <-ctx.Done():
			return task.Outcome{Status: task.StatusCancelled}
		}
	}
}

func (g *gatedRunner) finish(id string) { close(g.ch(id)) }

type harness struct {
	reg    *task.Registry
	bus    *comms.InMemoryBus
	ctl    *Controller
	events *eventLog
}

type eventLog struct {
	mu  sync.Mutex
	evs []event.Event
}

func (l *eventLog) handle(_ context.Context, ev event.Event) error {
	l.mu.Lock()
	l.evs = append(l.evs, ev)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) forTask(id string) []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []event.Event
	for _, e := range l.evs {
		if e.TaskID == id {
			out = append(out, e)
		}
	}
	return out
}

func newHarness(t *testing.T, cfg Config, runner Runner) *harness {
	t.Helper()
	reg := task.NewRegistry(nil, nil)
	bus := comms.NewInMemoryBus(nil)
	log := &eventLog{}
	bus.Subscribe("log", log.handle)
	ctl := New(cfg, reg, bus, runner, telemetry.New(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ctl.Shutdown(ctx)
	})
	return &harness{reg: reg, bus: bus, ctl: ctl, events: log}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) status(t *testing.T, id string) task.Status {
	t.Helper()
	tk, err := h.reg.Get(id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return tk.Status
}

func submit(t *testing.T, h *harness, session string) task.Task {
	t.Helper()
	tk, err := h.ctl.Submit(context.Background(), task.NewTask{SessionID: session, AgentName: "researcher", Input: task.Input{Query: "q"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return tk
}

func TestController_BurstAdmitsUpToCap(t *testing.T) {
	runner := newGatedRunner()
	h := newHarness(t, Config{MaxConcurrent: 5}, runner)

	var tasks []task.Task
	for i := 0; i < 7; i++ {
		tasks = append(tasks, submit(t, h, "s-1"))
	}
	for i, tk := range tasks {
		want := task.StatusRunning
		if i >= 5 {
			want = task.StatusQueued
		}
		if tk.Status != want {
			t.Errorf("task %d submitted as %s, want %s", i, tk.Status, want)
		}
	}
	if h.ctl.Running() != 5 || h.ctl.Queued() != 2 {
		t.Fatalf("running=%d queued=%d", h.ctl.Running(), h.ctl.Queued())
	}

	runner.finish(tasks[0].ID)
	waitFor(t, "first queued task to start", func() bool { return h.status(t, tasks[5].ID) == task.StatusRunning })
	if got := h.status(t, tasks[6].ID); got != task.StatusQueued {
		t.Errorf("later queued task is %s, want queued", got)
	}
	if got := h.status(t, tasks[0].ID); got != task.StatusCompleted {
		t.Errorf("first task is %s, want completed", got)
	}
	if h.ctl.Running() != 5 || h.ctl.Queued() != 1 {
		t.Errorf("after handover running=%d queued=%d", h.ctl.Running(), h.ctl.Queued())
	}

	assigned := h.events.forTask(tasks[5].ID)
	if len(assigned) == 0 {
		t.Fatal("no events for admitted task")
	}
	if p, ok := assigned[0].Payload.(event.TaskAssigned); !ok || !p.Queued {
		t.Errorf("first event = %#v, want task_assigned with queued=true", assigned[0].Payload)
	}
}

func TestController_CancelQueuedSkipsRunning(t *testing.T) {
	runner := newGatedRunner()
	h := newHarness(t, Config{MaxConcurrent: 1}, runner)

	first := submit(t, h, "s-1")
	queued := submit(t, h, "s-1")
	if queued.Status != task.StatusQueued {
		t.Fatalf("second task = %s, want queued", queued.Status)
	}

	res, err := h.ctl.Cancel(context.Background(), queued.ID)
	if err != nil || res != Cancelled {
		t.Fatalf("Cancel = %s, %v", res, err)
	}
	got, _ := h.reg.Get(queued.ID)
	if got.Status != task.StatusCancelled || got.StartedAt != nil {
		t.Errorf("cancelled queued task: status=%s started=%v", got.Status, got.StartedAt)
	}
	if h.ctl.Running() != 1 || h.ctl.Queued() != 0 {
		t.Errorf("running=%d queued=%d", h.ctl.Running(), h.ctl.Queued())
	}

	evs := h.events.forTask(queued.ID)
	if len(evs) != 1 {
		t.Fatalf("events for cancelled task = %d, want 1", len(evs))
	}
	if p, ok := evs[0].Payload.(event.TaskCompleted); !ok || p.Status != event.CompletionCancelled {
		t.Errorf("notice = %#v", evs[0].Payload)
	}

	// the slot stays with the first task and frees normally
	runner.finish(first.ID)
	waitFor(t, "slot release", func() bool { return h.ctl.Running() == 0 })
	third := submit(t, h, "s-1")
	if third.Status != task.StatusRunning {
		t.Errorf("task after release = %s, want running", third.Status)
	}
	runner.finish(third.ID)
}

// steppedRunner runs one step per release and honours cancellation between steps.
type steppedRunner struct {
	step     chan struct{}
	inStep   atomic.Bool
	observed chan bool
}

func (s *steppedRunner) Execute(ctx context.Context, t task.Task, ctl Control) task.Outcome {
	ctl.Emit(event.TaskAssigned{Query: t.Input.Query})
	for i := 1; i <= 10; i++ {
		if ctl.Cancelled() {
			ctl.Emit(event.TaskCompleted{Status: event.CompletionCancelled, Iterations: i - 1})
			return task.Outcome{Status: task.StatusCancelled}
		}
		s.inStep.Store(true)
		<-s.step
		ctl.Emit(event.Step{Iteration: i})
		s.inStep.Store(false)
		s.observed <- true
	}
	return task.Outcome{Status: task.StatusCompleted, Result: &task.Result{Answer: "ok"}}
}

func TestController_CancelRunningStopsAtStepBoundary(t *testing.T) {
	runner := &steppedRunner{step: make(chan struct{}), observed: make(chan bool, 10)}
	h := newHarness(t, Config{MaxConcurrent: 2}, runner)

	tk := submit(t, h, "s-1")
	waitFor(t, "runner mid-step", runner.inStep.Load)

	res, err := h.ctl.Cancel(context.Background(), tk.ID)
	if err != nil || res != CancelRequested {
		t.Fatalf("Cancel = %s, %v", res, err)
	}
	got, _ := h.reg.Get(tk.ID)
	if !got.CancelRequested {
		t.Error("cancel_requested not set immediately")
	}
	if got.Status != task.StatusRunning {
		t.Errorf("status mid-step = %s, want running", got.Status)
	}

	runner.step <- struct{}{}
	<-runner.observed
	waitFor(t, "cancelled", func() bool { return h.status(t, tk.ID) == task.StatusCancelled })

	final, _ := h.reg.Get(tk.ID)
	last := final.Steps[len(final.Steps)-1]
	if p, ok := last.Payload.(event.TaskCompleted); !ok || p.Status != event.CompletionCancelled {
		t.Errorf("last step = %#v", last.Payload)
	}
	// the in-flight step finished before the cancellation took effect
	if final.Steps[1].Type != event.TypeStep {
		t.Errorf("step 2 = %s, want step", final.Steps[1].Type)
	}

	again, err := h.ctl.Cancel(context.Background(), tk.ID)
	if err != nil || again != AlreadyFinished {
		t.Errorf("second Cancel = %s, %v", again, err)
	}
}

func TestController_CancelUnknown(t *testing.T) {
	h := newHarness(t, Config{}, newGatedRunner())
	res, err := h.ctl.Cancel(context.Background(), "missing")
	if res != NotFound || !errors.Is(err, task.ErrTaskNotFound) {
		t.Errorf("Cancel unknown = %s, %v", res, err)
	}
}

func TestController_NeverExceedsCap(t *testing.T) {
	var active, peak atomic.Int32
	runner := RunnerFunc(func(_ context.Context, _ task.Task, ctl Control) task.Outcome {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		ctl.Emit(event.Step{Iteration: 1})
		active.Add(-1)
		return task.Outcome{Status: task.StatusCompleted, Result: &task.Result{}}
	})
	h := newHarness(t, Config{MaxConcurrent: 3}, runner)

	var wg sync.WaitGroup
	ids := make(chan string, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := h.ctl.Submit(context.Background(), task.NewTask{SessionID: "s"})
			if err == nil {
				ids <- tk.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	for id := range ids {
		waitFor(t, "task "+id, func() bool { return h.status(t, id).Terminal() })
	}
	if p := peak.Load(); p > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", p)
	}
	if h.ctl.Running() != 0 || h.ctl.Queued() != 0 {
		t.Errorf("leftover running=%d queued=%d", h.ctl.Running(), h.ctl.Queued())
	}
}

func TestController_StatusSequencesAreForward(t *testing.T) {
	runner := RunnerFunc(func(_ context.Context, _ task.Task, ctl Control) task.Outcome {
		time.Sleep(time.Millisecond)
		ctl.Emit(event.Step{Iteration: 1})
		return task.Outcome{Status: task.StatusCompleted, Result: &task.Result{}}
	})
	h := newHarness(t, Config{MaxConcurrent: 2}, runner)

	seen := map[string][]task.Status{}
	stop := make(chan struct{})
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		for {
			for _, tk := range h.reg.List(task.Filter{IncludeDetached: true}) {
				st := seen[tk.ID]
				if len(st) == 0 || st[len(st)-1] != tk.Status {
					seen[tk.ID] = append(st, tk.Status)
				}
			}
			select {
			case <-stop:
				return
			default:
			}
		}
	}()

	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, submit(t, h, "s").ID)
	}
	for _, id := range ids {
		waitFor(t, "task "+id, func() bool { return h.status(t, id).Terminal() })
	}
	close(stop)
	<-polled

	for id, st := range seen {
		for i := 1; i < len(st); i++ {
			if !task.CanTransition(st[i-1], st[i]) {
				t.Errorf("task %s observed %v", id, st)
			}
		}
	}
}

func TestController_FailureIsSanitised(t *testing.T) {
	runner := RunnerFunc(func(context.Context, task.Task, Control) task.Outcome {
		panic("secret internal detail")
	})
	h := newHarness(t, Config{}, runner)
	tk := submit(t, h, "s-1")
	waitFor(t, "failure", func() bool { return h.status(t, tk.ID) == task.StatusFailed })

	got, _ := h.reg.Get(tk.ID)
	if got.Error != task.FailureMessage(tk.ID) {
		t.Errorf("Error = %q", got.Error)
	}
	evs := h.events.forTask(tk.ID)
	if len(evs) != 1 {
		t.Fatalf("events = %d, want exactly one terminal", len(evs))
	}
	p, ok := evs[0].Payload.(event.Error)
	if !ok || p.Message != task.FailureMessage(tk.ID) {
		t.Errorf("terminal = %#v", evs[0].Payload)
	}
	if h.ctl.Running() != 0 {
		t.Error("slot not released after panic")
	}
}

func TestController_SequencesIncreasePerTask(t *testing.T) {
	runner := RunnerFunc(func(_ context.Context, _ task.Task, ctl Control) task.Outcome {
		for i := 1; i <= 5; i++ {
			ctl.Emit(event.Step{Iteration: i})
		}
		return task.Outcome{Status: task.StatusCompleted, Result: &task.Result{Answer: "x"}}
	})
	h := newHarness(t, Config{MaxConcurrent: 4}, runner)
	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, submit(t, h, "s").ID)
	}
	for _, id := range ids {
		waitFor(t, "task "+id, func() bool { return h.status(t, id).Terminal() })
		evs := h.events.forTask(id)
		if len(evs) != 6 {
			t.Errorf("task %s: %d events, want 6", id, len(evs))
		}
		for i, ev := range evs {
			if ev.Sequence != uint64(i+1) {
				t.Errorf("task %s event %d has sequence %d", id, i, ev.Sequence)
			}
		}
	}
}

func TestController_DetachedNeverQueues(t *testing.T) {
	runner := newGatedRunner()
	h := newHarness(t, Config{MaxConcurrent: 1}, runner)

	main := submit(t, h, "s-1")
	side, err := h.ctl.SubmitDetached(context.Background(), task.NewTask{SessionID: "s-1", Type: task.TypeMemoryCapture, ParentID: main.ID})
	if err != nil {
		t.Fatalf("SubmitDetached: %v", err)
	}
	if side.Status != task.StatusCancelled || !side.Detached {
		t.Errorf("detached with no slot = %s detached=%v", side.Status, side.Detached)
	}
	if h.ctl.Queued() != 0 {
		t.Error("detached task was queued")
	}

	runner.finish(main.ID)
	waitFor(t, "slot free", func() bool { return h.ctl.Running() == 0 })

	side, err = h.ctl.SubmitDetached(context.Background(), task.NewTask{SessionID: "s-1", Type: task.TypeMemoryCapture})
	if err != nil || side.Status != task.StatusRunning {
		t.Fatalf("detached with free slot = %s, %v", side.Status, err)
	}
	<-runner.started
	<-runner.started
	runner.finish(side.ID)
	waitFor(t, "detached done", func() bool { return h.status(t, side.ID) == task.StatusCompleted })
	if evs := h.events.forTask(side.ID); len(evs) != 0 {
		t.Errorf("detached task published %d events", len(evs))
	}
	got, _ := h.reg.Get(side.ID)
	if len(got.Steps) == 0 {
		t.Error("detached task steps not recorded in registry")
	}
}

func TestController_RoundRobinAcrossSessions(t *testing.T) {
	runner := newGatedRunner()
	h := newHarness(t, Config{MaxConcurrent: 1, Policy: PolicyRoundRobin}, runner)

	blocker := submit(t, h, "a")
	a1 := submit(t, h, "a")
	a2 := submit(t, h, "a")
	b1 := submit(t, h, "b")

	runner.finish(blocker.ID)
	waitFor(t, "a1 running", func() bool { return h.status(t, a1.ID) == task.StatusRunning })
	runner.finish(a1.ID)
	waitFor(t, "b1 running", func() bool { return h.status(t, b1.ID) == task.StatusRunning })
	if got := h.status(t, a2.ID); got != task.StatusQueued {
		t.Errorf("a2 = %s, want queued behind b1", got)
	}
	runner.finish(b1.ID)
	waitFor(t, "a2 running", func() bool { return h.status(t, a2.ID) == task.StatusRunning })
	runner.finish(a2.ID)
}

func TestController_ShutdownCancelsQueued(t *testing.T) {
	runner := newGatedRunner()
	h := newHarness(t, Config{MaxConcurrent: 1}, runner)
	running := submit(t, h, "s")
	queued := submit(t, h, "s")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.ctl.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := h.status(t, queued.ID); got != task.StatusCancelled {
		t.Errorf("queued after shutdown = %s", got)
	}
	if got := h.status(t, running.ID); got != task.StatusCancelled {
		t.Errorf("running after shutdown = %s", got)
	}
	if _, err := h.ctl.Submit(context.Background(), task.NewTask{SessionID: "s"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after shutdown err = %v", err)
	}
}

func TestController_CancelBeforeAdmissionTakesNoSlot(t *testing.T) {
	runner := newGatedRunner()
	h := newHarness(t, Config{MaxConcurrent: 1}, runner)

	// Hold the controller so Submit stops between Create and admission,
	// the window in which Cancel can only flag the pending task.
	h.ctl.mu.Lock()
	type result struct {
		tk  task.Task
		err error
	}
	done := make(chan result, 1)
	go func() {
		tk, err := h.ctl.Submit(context.Background(), task.NewTask{SessionID: "s-1", AgentName: "researcher"})
		done <- result{tk, err}
	}()
	var id string
	waitFor(t, "pending task", func() bool {
		list := h.reg.List(task.Filter{})
		if len(list) == 1 {
			id = list[0].ID
		}
		return id != ""
	})
	if ok, err := h.reg.RequestCancel(context.Background(), id); err != nil || !ok {
		t.Fatalf("RequestCancel = %v, %v", ok, err)
	}
	h.ctl.mu.Unlock()

	r := <-done
	if r.err != nil || r.tk.Status != task.StatusCancelled || r.tk.StartedAt != nil {
		t.Fatalf("Submit = %+v, %v", r.tk, r.err)
	}
	select {
	case started := <-runner.started:
		t.Fatalf("runner started %s", started)
	default:
	}
	evs := h.events.forTask(id)
	if len(evs) != 1 {
		t.Fatalf("events = %d, want the cancel notice only", len(evs))
	}
	if p, ok := evs[0].Payload.(event.TaskCompleted); !ok || p.Status != event.CompletionCancelled {
		t.Errorf("notice = %#v", evs[0].Payload)
	}

	next := submit(t, h, "s-1")
	if next.Status != task.StatusRunning {
		t.Fatalf("next task = %s, want running on the untouched slot", next.Status)
	}
	runner.finish(next.ID)
}

func TestController_FlaggedQueuedTaskIsSkippedAtAdmission(t *testing.T) {
	runner := newGatedRunner()
	h := newHarness(t, Config{MaxConcurrent: 1}, runner)

	first := submit(t, h, "s-1")
	flagged := submit(t, h, "s-1")
	third := submit(t, h, "s-1")
	<-runner.started

	// The flag lands after Cancel looked at the wait list.
	if ok, err := h.reg.RequestCancel(context.Background(), flagged.ID); err != nil || !ok {
		t.Fatalf("RequestCancel = %v, %v", ok, err)
	}
	runner.finish(first.ID)

	if got := <-runner.started; got != third.ID {
		t.Fatalf("admitted %s, want %s", got, third.ID)
	}
	waitFor(t, "flagged task cancelled", func() bool { return h.status(t, flagged.ID) == task.StatusCancelled })
	got, _ := h.reg.Get(flagged.ID)
	if got.StartedAt != nil {
		t.Errorf("flagged task started at %v", got.StartedAt)
	}
	if h.ctl.Running() != 1 || h.ctl.Queued() != 0 {
		t.Errorf("running=%d queued=%d", h.ctl.Running(), h.ctl.Queued())
	}
	runner.finish(third.ID)
}
