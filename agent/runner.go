package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"

	"github.com/GoCodeAlone/relay/event"
	"github.com/GoCodeAlone/relay/scheduler"
	"github.com/GoCodeAlone/relay/task"
)

// DefaultMaxIterations caps reasoning steps per task.
const DefaultMaxIterations = 5

const (
	historyLimit    = 20
	noAnswerMessage = "I ran out of steps before reaching a final answer."
)

// Runner executes chat tasks against the roster's backends.
type Runner struct {
	roster    *Roster
	history   HistorySource
	maxIter   int
	loopLimit int
	logger    *slog.Logger
}

// NewRunner creates a Runner. history may be nil.
func NewRunner(roster *Roster, history HistorySource, maxIter int, logger *slog.Logger) *Runner {
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{roster: roster, history: history, maxIter: maxIter, logger: logger}
}

// SetLoopLimit makes the runner end a task early, with its best partial
// answer, once the backend repeats the same tool call n times in a row or
// alternates between two calls n times. Zero disables the check.
func (r *Runner) SetLoopLimit(n int) { r.loopLimit = n }

// MaxIterations returns the per-task step cap.
func (r *Runner) MaxIterations() int { return r.maxIter }

// Execute implements scheduler.Runner. It never panics and always emits
// exactly one terminal event.
func (r *Runner) Execute(ctx context.Context, t task.Task, ctl scheduler.Control) (out task.Outcome) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("reasoning panic",
				slog.String("task_id", t.ID),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())))
			out = r.fail(t, ctl, fmt.Errorf("panic: %v", p))
		}
	}()

	ctl.Emit(event.TaskAssigned{Query: t.Input.Query, TaskType: t.Type, Queued: ctl.Queued()})

	profile, err := r.roster.Resolve(t.AgentName)
	if err != nil {
		return r.fail(t, ctl, err)
	}
	req := Request{
		TaskID:    t.ID,
		SessionID: t.SessionID,
		Query:     t.Input.Query,
		Options:   t.Input.Options,
		Agent:     profile.Personality,
	}
	if r.history != nil && t.SessionID != "" {
		h, err := r.history.History(ctx, t.SessionID, historyLimit)
		if err != nil {
			r.logger.Warn("load history", slog.String("session_id", t.SessionID), slog.Any("err", err))
		}
		req.History = h
	}

	stream, err := profile.Backend.Reason(ctx, req)
	if err != nil {
		return r.fail(t, ctl, err)
	}

	var (
		sources  []event.Source
		fallback string // best partial answer so far
		steps    int
		guard    = newLoopGuard(r.loopLimit)
	)
	for i := 1; i <= r.maxIter; i++ {
		if ctl.Cancelled() {
			return r.cancel(ctl, steps)
		}

		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctl.Cancelled() {
				return r.cancel(ctl, steps)
			}
			return r.fail(t, ctl, err)
		}
		steps = i

		if chunk.Thought != "" {
			ctl.Emit(event.Thinking{Iteration: i, MaxIterations: r.maxIter, Thought: chunk.Thought})
			fallback = chunk.Thought
		}
		for _, tc := range chunk.ToolCalls {
			ctl.Emit(event.ToolCall{Iteration: i, CallID: tc.ID, Tool: tc.Name, Arguments: tc.Arguments})
			ctl.Emit(event.ToolResult{Iteration: i, CallID: tc.ID, Tool: tc.Name, Output: tc.Output, Failed: tc.Failed})
			if !tc.Failed && tc.Output != "" {
				fallback = tc.Output
			}
		}
		if len(chunk.Sources) > 0 {
			ctl.Emit(event.Sources{Sources: event.CopySources(chunk.Sources)})
			sources = append(sources, chunk.Sources...)
		}
		ctl.Emit(event.Step{Iteration: i, MaxIterations: r.maxIter, Summary: stepSummary(chunk)})

		if chunk.FinalAnswer != "" {
			return r.complete(ctl, task.Result{Answer: chunk.FinalAnswer, Sources: sources, Iterations: i})
		}
		if why, stop := guard.observe(chunk.ToolCalls); stop {
			r.logger.Warn("reasoning loop stopped",
				slog.String("task_id", t.ID),
				slog.String("agent", t.AgentName),
				slog.String("reason", why))
			break
		}
	}

	// The step that ran last is a boundary too: a cancel requested during it
	// wins over the best-effort answer.
	if ctl.Cancelled() {
		return r.cancel(ctl, steps)
	}

	// Cap reached or the stream ended without a conclusive answer.
	if fallback == "" {
		fallback = noAnswerMessage
	}
	r.logger.Info("task ended without final answer",
		slog.String("task_id", t.ID),
		slog.Int("iterations", steps))
	return r.complete(ctl, task.Result{Answer: fallback, Sources: sources, Partial: true, Iterations: steps})
}

func (r *Runner) complete(ctl scheduler.Control, res task.Result) task.Outcome {
	ctl.Emit(event.TaskCompleted{
		Status:     event.CompletionCompleted,
		Answer:     res.Answer,
		Sources:    event.CopySources(res.Sources),
		Partial:    res.Partial,
		Iterations: res.Iterations,
	})
	return task.Outcome{Status: task.StatusCompleted, Result: &res}
}

func (r *Runner) cancel(ctl scheduler.Control, steps int) task.Outcome {
	ctl.Emit(event.TaskCompleted{Status: event.CompletionCancelled, Iterations: steps})
	return task.Outcome{Status: task.StatusCancelled}
}

// fail emits the user-facing apology; the raw error travels only in the outcome.
func (r *Runner) fail(t task.Task, ctl scheduler.Control, err error) task.Outcome {
	ctl.Emit(event.Error{Message: task.FailureMessage(t.ID), Code: "reasoning_failed"})
	return task.Outcome{Status: task.StatusFailed, Error: err.Error()}
}

func stepSummary(c Chunk) string {
	switch {
	case c.FinalAnswer != "":
		return "answer ready"
	case len(c.ToolCalls) == 1:
		return "used " + c.ToolCalls[0].Name
	case len(c.ToolCalls) > 1:
		return fmt.Sprintf("used %d tools", len(c.ToolCalls))
	case len(c.Sources) > 0:
		return fmt.Sprintf("found %d sources", len(c.Sources))
	}
	return "thought"
}
