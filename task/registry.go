package task

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/relay/event"
	"github.com/GoCodeAlone/relay/internal/idgen"
)

// Registry is the sole owner of live task state. Every read returns a copy.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	bySession map[string][]string // sessionID -> task IDs in creation order

	store  Store // optional write-through persistence
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates an empty registry. store may be nil.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tasks:     make(map[string]*Task),
		bySession: make(map[string][]string),
		store:     store,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a new pending task.
func (r *Registry) Create(ctx context.Context, nt NewTask) (Task, error) {
	now := r.now()
	t := &Task{
		ID:        idgen.New(),
		SessionID: nt.SessionID,
		AgentName: nt.AgentName,
		Type:      nt.Type,
		Input:     nt.Input,
		Status:    StatusPending,
		Detached:  nt.Detached,
		ParentID:  nt.ParentID,
		Steps:     []event.Event{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if t.Type == "" {
		t.Type = TypeChat
	}

	r.mu.Lock()
	r.tasks[t.ID] = t
	if t.SessionID != "" {
		r.bySession[t.SessionID] = append(r.bySession[t.SessionID], t.ID)
	}
	snap := t.Clone()
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Create(ctx, &snap); err != nil {
			r.logger.Warn("persist task create", slog.String("task_id", snap.ID), slog.Any("err", err))
		}
	}
	return snap, nil
}

// Transition moves a task to a new status.
func (r *Registry) Transition(ctx context.Context, id string, to Status) (Task, error) {
	return r.apply(ctx, id, Outcome{Status: to})
}

// Finish moves a task to a terminal status and records its result or error.
func (r *Registry) Finish(ctx context.Context, id string, out Outcome) (Task, error) {
	if !out.Status.Terminal() {
		r.mu.RLock()
		from := StatusPending
		if t, ok := r.tasks[id]; ok {
			from = t.Status
		}
		r.mu.RUnlock()
		return Task{}, &TransitionError{TaskID: id, From: from, To: out.Status}
	}
	return r.apply(ctx, id, out)
}

func (r *Registry) apply(ctx context.Context, id string, out Outcome) (Task, error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return Task{}, notFound(id)
	}
	if !CanTransition(t.Status, out.Status) {
		from := t.Status
		r.mu.Unlock()
		return Task{}, &TransitionError{TaskID: id, From: from, To: out.Status}
	}

	now := r.now()
	t.Status = out.Status
	t.UpdatedAt = now
	switch {
	case out.Status == StatusRunning:
		t.StartedAt = &now
	case out.Status.Terminal():
		t.CompletedAt = &now
		if out.Status == StatusCompleted && out.Result != nil {
			res := *out.Result
			res.Sources = event.CopySources(out.Result.Sources)
			t.Result = &res
		}
		if out.Status == StatusFailed {
			t.Error = out.Error
		}
	}
	snap := t.Clone()
	r.mu.Unlock()

	r.persist(ctx, &snap)
	return snap, nil
}

// AppendStep records an event emitted by the task's runner and stamps it with
// the next per-task sequence number. The stamped event is returned.
func (r *Registry) AppendStep(id string, ev event.Event) (event.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return event.Event{}, notFound(id)
	}
	if t.Status.Terminal() {
		return event.Event{}, ErrTaskTerminal
	}
	stamped := ev.ForTask(t.ID, t.SessionID, t.AgentName).WithSequence(uint64(len(t.Steps) + 1))
	t.Steps = append(t.Steps, stamped)
	t.UpdatedAt = r.now()
	return stamped, nil
}

// RequestCancel flags a non-terminal task for cooperative cancellation.
// It returns false without error when the task already finished.
func (r *Registry) RequestCancel(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return false, notFound(id)
	}
	if t.Status.Terminal() {
		r.mu.Unlock()
		return false, nil
	}
	changed := !t.CancelRequested
	t.CancelRequested = true
	snap := t.Clone()
	r.mu.Unlock()

	if changed {
		r.persist(ctx, &snap)
	}
	return true, nil
}

// CancelRequested reports whether cancellation was requested for the task.
func (r *Registry) CancelRequested(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return ok && t.CancelRequested
}

// Get returns a snapshot of the task.
func (r *Registry) Get(id string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, notFound(id)
	}
	return t.Clone(), nil
}

// Lookup returns the live task or, when it is not in memory, the stored
// record left by an earlier process.
func (r *Registry) Lookup(ctx context.Context, id string) (Task, error) {
	if t, err := r.Get(id); err == nil || r.store == nil {
		return t, err
	}
	t, err := r.store.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	return *t, nil
}

// ListRunning returns the queued and running tasks of a session in creation order.
func (r *Registry) ListRunning(sessionID string) []Task {
	return r.List(Filter{SessionID: sessionID, Statuses: []Status{StatusQueued, StatusRunning}})
}

// List returns snapshots of tasks matching the filter in creation order.
func (r *Registry) List(f Filter) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	if f.SessionID != "" {
		ids = r.bySession[f.SessionID]
	} else {
		ids = make([]string, 0, len(r.tasks))
		for id := range r.tasks {
			ids = append(ids, id)
		}
		sortByCreation(ids, r.tasks)
	}

	out := []Task{}
	for _, id := range ids {
		t := r.tasks[id]
		if !f.match(t) {
			continue
		}
		out = append(out, t.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Stats counts a session's non-detached tasks by status.
func (r *Registry) Stats(sessionID string) map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		stats[s] = 0
	}
	for _, id := range r.bySession[sessionID] {
		t := r.tasks[id]
		if t.Detached {
			continue
		}
		stats[t.Status]++
	}
	return stats
}

// Counts returns the number of queued and running tasks process-wide.
func (r *Registry) Counts() (running, queued int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tasks {
		switch t.Status {
		case StatusRunning:
			running++
		case StatusQueued:
			queued++
		}
	}
	return running, queued
}

func (r *Registry) persist(ctx context.Context, t *Task) {
	if r.store == nil {
		return
	}
	if err := r.store.Update(ctx, t); err != nil {
		r.logger.Warn("persist task", slog.String("task_id", t.ID), slog.String("status", string(t.Status)), slog.Any("err", err))
	}
}

func sortByCreation(ids []string, tasks map[string]*Task) {
	// insertion sort keeps this allocation-free; IDs are UUIDv7 so ties are rare
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0; j-- {
			a, b := tasks[ids[j-1]], tasks[ids[j]]
			if a.CreatedAt.Before(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.ID < b.ID) {
				break
			}
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}
