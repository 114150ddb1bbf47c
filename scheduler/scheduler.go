// Package scheduler admits tasks into execution under a process-wide
// concurrency cap, queues the excess and routes every task event through a
// single emission path.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/GoCodeAlone/relay/comms"
	"github.com/GoCodeAlone/relay/event"
	"github.com/GoCodeAlone/relay/internal/telemetry"
	"github.com/GoCodeAlone/relay/task"
)

// DefaultMaxConcurrent is the running-task cap used when none is configured.
const DefaultMaxConcurrent = 5

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("scheduler closed")

// Runner executes one admitted task and reports how it ended.
type Runner interface {
	Execute(ctx context.Context, t task.Task, ctl Control) task.Outcome
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, t task.Task, ctl Control) task.Outcome

// Execute implements Runner.
func (f RunnerFunc) Execute(ctx context.Context, t task.Task, ctl Control) task.Outcome {
	return f(ctx, t, ctl)
}

// Control is the runner's handle on its task.
type Control interface {
	// Cancelled reports whether the task should stop at this step boundary.
	Cancelled() bool
	// Emit records a progress event for the task and publishes it.
	Emit(p event.Payload)
	// Queued reports whether the task waited for a slot before it started.
	Queued() bool
}

// CancelResult describes what a cancel request did.
type CancelResult string

const (
	CancelRequested CancelResult = "cancel_requested" // running; stops at the next step boundary
	Cancelled       CancelResult = "cancelled"        // removed from the wait list
	AlreadyFinished CancelResult = "already_finished"
	NotFound        CancelResult = "not_found"
)

// Config controls admission.
type Config struct {
	MaxConcurrent int
	Policy        Policy
}

// Controller is the only component that moves tasks into running.
type Controller struct {
	reg     *task.Registry
	bus     comms.Bus
	runner  Runner
	metrics *telemetry.Metrics
	logger  *slog.Logger

	max  int
	gate *semaphore.Weighted

	mu      sync.Mutex
	wait    waitQueue
	running int
	closed  bool
	hooks   []func(task.Task)

	wg     sync.WaitGroup
	ctx    context.Context // parent of every runner context
	cancel context.CancelFunc
}

// New creates a Controller. metrics may be nil.
func New(cfg Config, reg *task.Registry, bus comms.Bus, runner Runner, metrics *telemetry.Metrics, logger *slog.Logger) *Controller {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		reg:     reg,
		bus:     bus,
		runner:  runner,
		metrics: metrics,
		logger:  logger,
		max:     cfg.MaxConcurrent,
		gate:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		wait:    newWaitQueue(cfg.Policy),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnFinish registers a hook called with the snapshot of every task that
// reaches a terminal state through the controller.
func (c *Controller) OnFinish(fn func(task.Task)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// MaxConcurrent returns the admission cap.
func (c *Controller) MaxConcurrent() int { return c.max }

// Running returns the number of tasks holding a slot.
func (c *Controller) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Queued returns the number of tasks on the wait list.
func (c *Controller) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wait.len()
}

// Submit creates a task and either starts it or queues it. It never blocks on
// running work.
func (c *Controller) Submit(ctx context.Context, nt task.NewTask) (task.Task, error) {
	nt.Detached = false
	t, err := c.reg.Create(ctx, nt)
	if err != nil {
		return task.Task{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.reg.Finish(ctx, t.ID, task.Outcome{Status: task.StatusCancelled})
		return task.Task{}, ErrClosed
	}
	// A cancel that raced Create finds the task pending; it never takes a slot.
	if c.reg.CancelRequested(t.ID) {
		c.mu.Unlock()
		return c.abandon(ctx, t)
	}
	// An empty wait list keeps arrivals from overtaking queued tasks.
	if c.wait.len() == 0 && c.gate.TryAcquire(1) {
		running, err := c.reg.Transition(ctx, t.ID, task.StatusRunning)
		if err != nil {
			c.gate.Release(1)
			c.mu.Unlock()
			return task.Task{}, fmt.Errorf("admit %s: %w", t.ID, err)
		}
		t = running
		c.running++
		c.start(t, false)
		c.mu.Unlock()
		c.recordDepth()
		c.logger.Debug("task admitted", slog.String("task_id", t.ID), slog.String("session_id", t.SessionID))
		return t, nil
	}

	queued, err := c.reg.Transition(ctx, t.ID, task.StatusQueued)
	if err != nil {
		c.mu.Unlock()
		return task.Task{}, fmt.Errorf("queue %s: %w", t.ID, err)
	}
	t = queued
	c.wait.push(t)
	depth := c.wait.len()
	c.mu.Unlock()
	c.recordDepth()
	c.logger.Debug("task queued", slog.String("task_id", t.ID), slog.Int("depth", depth))
	return t, nil
}

// SubmitDetached starts a best-effort side task if a slot is free right now.
// It never queues: without a free slot the task is recorded as cancelled.
func (c *Controller) SubmitDetached(ctx context.Context, nt task.NewTask) (task.Task, error) {
	nt.Detached = true
	t, err := c.reg.Create(ctx, nt)
	if err != nil {
		return task.Task{}, err
	}

	c.mu.Lock()
	if c.closed || c.wait.len() > 0 || !c.gate.TryAcquire(1) {
		c.mu.Unlock()
		c.logger.Debug("detached task dropped", slog.String("task_id", t.ID), slog.String("task_type", t.Type))
		return c.reg.Finish(ctx, t.ID, task.Outcome{Status: task.StatusCancelled})
	}
	running, err := c.reg.Transition(ctx, t.ID, task.StatusRunning)
	if err != nil {
		c.gate.Release(1)
		c.mu.Unlock()
		return task.Task{}, fmt.Errorf("admit detached %s: %w", t.ID, err)
	}
	t = running
	c.running++
	c.start(t, false)
	c.mu.Unlock()
	c.recordDepth()
	return t, nil
}

// Cancel cancels a queued task outright or asks a running one to stop.
func (c *Controller) Cancel(ctx context.Context, id string) (CancelResult, error) {
	if res, ok, err := c.cancelQueued(ctx, id); ok {
		return res, err
	}

	ok, err := c.reg.RequestCancel(ctx, id)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			return NotFound, err
		}
		return "", err
	}
	if !ok {
		return AlreadyFinished, nil
	}
	// Submit may have queued the task since the first look.
	if res, ok, err := c.cancelQueued(ctx, id); ok {
		return res, err
	}
	c.logger.Info("cancel requested", slog.String("task_id", id))
	return CancelRequested, nil
}

// cancelQueued finishes id if it is on the wait list. ok reports whether it was.
func (c *Controller) cancelQueued(ctx context.Context, id string) (CancelResult, bool, error) {
	c.mu.Lock()
	removed := c.wait.remove(id)
	c.mu.Unlock()
	if !removed {
		return "", false, nil
	}
	t, err := c.reg.Get(id)
	if err != nil {
		return NotFound, true, err
	}
	if _, err := c.abandon(ctx, t); err != nil {
		return "", true, err
	}
	c.recordDepth()
	return Cancelled, true, nil
}

// abandon finishes a task that was cancelled before it ever held a slot.
// Callers must not hold c.mu.
func (c *Controller) abandon(ctx context.Context, t task.Task) (task.Task, error) {
	c.emit(t, event.TaskCompleted{Status: event.CompletionCancelled})
	done, err := c.reg.Finish(ctx, t.ID, task.Outcome{Status: task.StatusCancelled})
	if err != nil {
		return task.Task{}, err
	}
	c.metrics.TaskFinished(string(task.StatusCancelled))
	c.logger.Info("task cancelled before admission", slog.String("task_id", t.ID))
	c.runHooks(done)
	return done, nil
}

// Shutdown stops admission, cancels queued tasks, asks running tasks to stop
// and waits for their runners until ctx is done.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	queued := c.wait.drain()
	c.mu.Unlock()

	for _, t := range queued {
		c.emit(t, event.TaskCompleted{Status: event.CompletionCancelled})
		if _, err := c.reg.Finish(ctx, t.ID, task.Outcome{Status: task.StatusCancelled}); err != nil {
			c.logger.Warn("cancel queued task on shutdown", slog.String("task_id", t.ID), slog.Any("err", err))
		}
	}
	for _, t := range c.reg.List(task.Filter{Statuses: []task.Status{task.StatusRunning}, IncludeDetached: true}) {
		c.reg.RequestCancel(ctx, t.ID)
	}
	c.recordDepth()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

// start launches the runner for an admitted task. Callers hold c.mu.
func (c *Controller) start(t task.Task, queued bool) {
	c.wg.Add(1)
	go c.run(t, queued)
}

func (c *Controller) run(t task.Task, queued bool) {
	defer c.wg.Done()
	ctl := &control{c: c, t: t, queued: queued}
	out := c.execute(t, ctl)
	c.complete(t, ctl, out)
}

// execute runs the runner and converts a panic into a failed outcome.
func (c *Controller) execute(t task.Task, ctl *control) (out task.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = task.Outcome{Status: task.StatusFailed, Error: fmt.Sprintf("runner panic: %v", r)}
		}
	}()
	return c.runner.Execute(c.ctx, t, ctl)
}

// complete makes sure exactly one terminal event exists, finishes the task in
// the registry and hands its slot to the head of the wait list.
func (c *Controller) complete(t task.Task, ctl *control, out task.Outcome) {
	ctx := context.WithoutCancel(c.ctx)
	if !out.Status.Terminal() {
		out = task.Outcome{Status: task.StatusFailed, Error: fmt.Sprintf("runner returned non-terminal status %q", out.Status)}
	}
	if out.Status == task.StatusFailed {
		c.logger.Error("task failed",
			slog.String("task_id", t.ID),
			slog.String("agent", t.AgentName),
			slog.String("task_type", t.Type),
			slog.String("err", out.Error))
		out.Error = task.FailureMessage(t.ID)
	}
	if !ctl.finished() {
		c.emit(t, terminalPayload(t, out))
	}

	done, err := c.reg.Finish(ctx, t.ID, out)
	if err != nil {
		c.logger.Error("finish task", slog.String("task_id", t.ID), slog.Any("err", err))
	}
	c.metrics.TaskFinished(string(out.Status))

	c.mu.Lock()
	c.running--
	skipped := c.admitNext(ctx)
	c.mu.Unlock()
	for _, q := range skipped {
		if _, err := c.abandon(ctx, q); err != nil {
			c.logger.Warn("cancel queued task", slog.String("task_id", q.ID), slog.Any("err", err))
		}
	}
	c.recordDepth()

	if err == nil {
		c.runHooks(done)
	}
}

// admitNext passes the freed slot straight to the next queued task, or
// releases it when nothing waits. Queued tasks with a pending cancel are
// popped without the slot and returned for the caller to finish once it has
// released c.mu. Callers hold c.mu.
func (c *Controller) admitNext(ctx context.Context) (skipped []task.Task) {
	for {
		next, ok := c.wait.pop()
		if !ok {
			c.gate.Release(1)
			return skipped
		}
		if c.reg.CancelRequested(next.ID) {
			skipped = append(skipped, next)
			continue
		}
		running, err := c.reg.Transition(ctx, next.ID, task.StatusRunning)
		if err != nil {
			// Finished out from under the queue; try the next one.
			c.logger.Warn("admit queued task", slog.String("task_id", next.ID), slog.Any("err", err))
			continue
		}
		c.running++
		c.start(running, true)
		c.logger.Debug("queued task admitted", slog.String("task_id", running.ID))
		return skipped
	}
}

func (c *Controller) runHooks(t task.Task) {
	c.mu.Lock()
	hooks := make([]func(task.Task), len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.Unlock()
	for _, h := range hooks {
		h(t)
	}
}

// emit is the single emission path: registry first for the sequence number,
// then the bus. Detached tasks stay in the registry.
func (c *Controller) emit(t task.Task, p event.Payload) {
	ev, err := c.reg.AppendStep(t.ID, event.New(p))
	if err != nil {
		if errors.Is(err, task.ErrTaskTerminal) {
			c.logger.Debug("late event dropped", slog.String("task_id", t.ID), slog.String("type", string(p.Kind())))
			return
		}
		c.logger.Warn("append step", slog.String("task_id", t.ID), slog.Any("err", err))
		return
	}
	if t.Detached || c.bus == nil {
		return
	}
	c.metrics.EventPublished(string(ev.Type))
	// The bus logs handler failures itself.
	_ = c.bus.Publish(context.WithoutCancel(c.ctx), ev)
}

func (c *Controller) recordDepth() {
	c.mu.Lock()
	running, queued := c.running, c.wait.len()
	c.mu.Unlock()
	c.metrics.SetQueueDepth(running, queued)
}

func terminalPayload(t task.Task, out task.Outcome) event.Payload {
	switch out.Status {
	case task.StatusCompleted:
		p := event.TaskCompleted{Status: event.CompletionCompleted}
		if out.Result != nil {
			p.Answer = out.Result.Answer
			p.Sources = event.CopySources(out.Result.Sources)
			p.Partial = out.Result.Partial
			p.Iterations = out.Result.Iterations
		}
		return p
	case task.StatusCancelled:
		return event.TaskCompleted{Status: event.CompletionCancelled}
	default:
		return event.Error{Message: task.FailureMessage(t.ID), Code: "task_failed"}
	}
}

// control is the Control handed to a runner. A runner goroutine is its only user.
type control struct {
	c        *Controller
	t        task.Task
	queued   bool
	terminal bool
}

func (x *control) Cancelled() bool {
	return x.c.reg.CancelRequested(x.t.ID) || x.c.ctx.Err() != nil
}

func (x *control) Emit(p event.Payload) {
	if x.terminal {
		x.c.logger.Debug("event after terminal dropped", slog.String("task_id", x.t.ID), slog.String("type", string(p.Kind())))
		return
	}
	if k := p.Kind(); k == event.TypeTaskCompleted || k == event.TypeError {
		x.terminal = true
	}
	x.c.emit(x.t, p)
}

func (x *control) Queued() bool { return x.queued }

func (x *control) finished() bool { return x.terminal }
