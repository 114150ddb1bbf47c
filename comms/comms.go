// Package comms provides the in-process event bus that carries task progress
// from the scheduler to the session store, the agent status board and the hub.
package comms

import (
	"context"

	"github.com/GoCodeAlone/relay/event"
)

// Handler consumes one event. Handlers run on the publisher's goroutine, in
// subscription order, and must not block for long.
type Handler func(ctx context.Context, ev event.Event) error

// Bus is the event backbone. Consumers subscribe by name and the emitter of a
// task publishes each of its events exactly once.
type Bus interface {
	// Publish delivers ev to every subscriber in subscription order.
	Publish(ctx context.Context, ev event.Event) error

	// Subscribe registers a named handler. Returns an unsubscribe function.
	Subscribe(name string, handler Handler) (unsubscribe func())

	// History returns the most recent limit events, oldest first (0 = all retained).
	History(limit int) []event.Event
}
