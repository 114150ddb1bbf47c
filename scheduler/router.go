package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/GoCodeAlone/relay/task"
)

// Router dispatches tasks to a Runner by task type.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Runner
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Runner)}
}

// Handle registers the runner for a task type, replacing any previous one.
func (r *Router) Handle(taskType string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[taskType] = runner
}

// Types returns the registered task types.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for k := range r.routes {
		out = append(out, k)
	}
	return out
}

// Execute implements Runner.
func (r *Router) Execute(ctx context.Context, t task.Task, ctl Control) task.Outcome {
	r.mu.RLock()
	runner, ok := r.routes[t.Type]
	r.mu.RUnlock()
	if !ok {
		return task.Outcome{Status: task.StatusFailed, Error: fmt.Sprintf("no runner for task type %q", t.Type)}
	}
	return runner.Execute(ctx, t, ctl)
}
