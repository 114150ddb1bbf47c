package comms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoCodeAlone/relay/event"
)

// InMemoryBus is a thread-safe in-process event bus.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers []handlerEntry
	nextID   int
	history  []event.Event
	maxHist  int
	logger   *slog.Logger
}

type handlerEntry struct {
	id      int
	name    string
	handler Handler
}

// NewInMemoryBus creates an InMemoryBus with a 1000-event history cap.
func NewInMemoryBus(logger *slog.Logger) *InMemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		maxHist: 1000,
		logger:  logger,
	}
}

// Publish hands ev to every subscriber in the order they subscribed. A failing
// handler does not stop delivery to the others; the errors are joined.
func (b *InMemoryBus) Publish(ctx context.Context, ev event.Event) error {
	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}
	// Collect handlers to invoke outside the lock
	targets := make([]handlerEntry, len(b.handlers))
	copy(targets, b.handlers)
	b.mu.Unlock()

	var errs []error
	for _, e := range targets {
		if err := e.handler(ctx, ev); err != nil {
			b.logger.Warn("event handler failed",
				slog.String("handler", e.name),
				slog.String("type", string(ev.Type)),
				slog.String("task_id", ev.TaskID),
				slog.Any("err", err))
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers a handler under name. The returned function unsubscribes it.
func (b *InMemoryBus) Subscribe(name string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, handlerEntry{id: id, name: name, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		filtered := make([]handlerEntry, 0, len(b.handlers))
		for _, e := range b.handlers {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		b.handlers = filtered
	}
}

// History returns the most recent limit events in publish order.
func (b *InMemoryBus) History(limit int) []event.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := 0
	if limit > 0 && len(b.history) > limit {
		start = len(b.history) - limit
	}
	out := make([]event.Event, len(b.history)-start)
	copy(out, b.history[start:])
	return out
}
