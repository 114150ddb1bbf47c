package task

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is a protocol error: an illegal status change was attempted.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTaskTerminal reports a write to a task that already finished.
	ErrTaskTerminal = errors.New("task already terminal")
	// ErrTaskNotFound reports an unknown task id.
	ErrTaskNotFound = errors.New("task not found")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: %s -> %s: %v", e.TaskID, e.From, e.To, ErrInvalidTransition)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func notFound(id string) error {
	return fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
}
