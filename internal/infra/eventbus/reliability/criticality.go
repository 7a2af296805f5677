// Package reliability decides how hard the task event stream tries to deliver
// an event. Terminal status changes are never superseded by a later event for
// the same task, so losing one leaves downstream consumers with a task that
// appears to run forever.
package reliability

import "github.com/ahrav/fleet-armada/internal/domain/task"

// IsCriticalEvent reports whether evt must be retried until delivered.
func IsCriticalEvent(evt task.Event) bool {
	switch evt.Status {
	case task.StatusCompleted, task.StatusFailed, task.StatusCancelled:
		return true
	default:
		return false
	}
}
