package task

import (
	"fmt"
)

// Status represents the lifecycle state of a task or one of its subitems.
type Status string

const (
	// StatusPending indicates the task is recorded but its worker has not started.
	StatusPending Status = "PENDING"

	// StatusRunning indicates a worker is executing the task.
	StatusRunning Status = "RUNNING"

	// StatusCompleted indicates the task finished successfully.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed indicates the task ended with an error recorded in ErrorMessage.
	StatusFailed Status = "FAILED"

	// StatusCancelled indicates a caller asked for the task to stop. Work already
	// in flight is allowed to finish; its results are discarded.
	StatusCancelled Status = "CANCELLED"
)

// String returns the string representation of the Status.
func (s Status) String() string { return string(s) }

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("unknown task status %q", s)
	}
}

// validateTransition checks if a task-level status transition is valid.
func (s Status) validateTransition(target Status) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid task status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition enforces the task lifecycle. Transitions never reverse and
// terminal states are final.
func (s Status) isValidTransition(target Status) bool {
	switch s {
	case StatusPending:
		// A task may fail or be cancelled before its worker starts.
		return target == StatusRunning || target == StatusFailed || target == StatusCancelled
	case StatusRunning:
		return target == StatusCompleted || target == StatusFailed || target == StatusCancelled
	case StatusCompleted, StatusFailed, StatusCancelled:
		return false
	default:
		return false
	}
}

// validateItemTransition checks if a subitem status transition is valid.
// Subitems move Pending -> Running -> {Completed|Failed}; a Pending subitem is
// Cancelled when its task is.
func (s Status) validateItemTransition(target Status) error {
	ok := false
	switch s {
	case StatusPending:
		ok = target == StatusRunning || target == StatusCancelled
	case StatusRunning:
		ok = target == StatusCompleted || target == StatusFailed
	}
	if !ok {
		return fmt.Errorf("invalid subitem status transition from %s to %s", s, target)
	}
	return nil
}
