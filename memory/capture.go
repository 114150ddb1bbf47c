package memory

import (
	"context"
	"log/slog"
	"strings"

	"github.com/GoCodeAlone/relay/scheduler"
	"github.com/GoCodeAlone/relay/task"
)

// AnswerOption is the input option carrying the answer to remember.
const AnswerOption = "answer"

// CaptureRunner executes memory_capture tasks by saving the parent's query and
// answer as one entry.
type CaptureRunner struct {
	store  *Store
	logger *slog.Logger
}

// NewCaptureRunner creates a runner that writes to store.
func NewCaptureRunner(store *Store, logger *slog.Logger) *CaptureRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CaptureRunner{store: store, logger: logger}
}

// Execute implements scheduler.Runner.
func (r *CaptureRunner) Execute(ctx context.Context, t task.Task, ctl scheduler.Control) task.Outcome {
	if ctl.Cancelled() {
		return task.Outcome{Status: task.StatusCancelled}
	}
	answer := strings.TrimSpace(t.Input.Options[AnswerOption])
	query := strings.TrimSpace(t.Input.Query)
	if answer == "" {
		return task.Outcome{Status: task.StatusCompleted, Result: &task.Result{}}
	}

	e, err := r.store.Save(ctx, Entry{
		AgentName: t.AgentName,
		SessionID: t.SessionID,
		TaskID:    t.ParentID,
		Content:   "Q: " + query + "\nA: " + answer,
		Category:  CategoryAnswer,
	})
	if err != nil {
		return task.Outcome{Status: task.StatusFailed, Error: err.Error()}
	}
	r.logger.Debug("memory captured",
		slog.String("entry_id", e.ID),
		slog.String("parent_id", t.ParentID),
		slog.String("agent", t.AgentName),
	)
	return task.Outcome{Status: task.StatusCompleted, Result: &task.Result{Answer: e.ID}}
}

// Submitter starts best-effort side tasks.
type Submitter interface {
	SubmitDetached(ctx context.Context, nt task.NewTask) (task.Task, error)
}

// CaptureHook returns a completion hook that spawns a memory_capture task for
// every fully completed chat task. A dropped or failed capture is only logged.
func CaptureHook(sub Submitter, logger *slog.Logger) func(task.Task) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(t task.Task) {
		if !shouldCapture(t) {
			return
		}
		child, err := sub.SubmitDetached(context.Background(), task.NewTask{
			SessionID: t.SessionID,
			AgentName: t.AgentName,
			Type:      task.TypeMemoryCapture,
			Input: task.Input{
				Query:   t.Input.Query,
				Options: map[string]string{AnswerOption: t.Result.Answer},
			},
			Detached: true,
			ParentID: t.ID,
		})
		if err != nil {
			logger.Warn("memory capture not started", slog.String("parent_id", t.ID), slog.Any("err", err))
			return
		}
		if child.Status == task.StatusCancelled {
			logger.Debug("memory capture dropped, no free slot", slog.String("parent_id", t.ID))
		}
	}
}

func shouldCapture(t task.Task) bool {
	return t.Type == task.TypeChat &&
		!t.Detached &&
		t.Status == task.StatusCompleted &&
		t.Result != nil &&
		!t.Result.Partial &&
		strings.TrimSpace(t.Result.Answer) != ""
}
