package upload

import "fmt"

// Status is the lifecycle state of an upload session.
type Status string

const (
	// StatusInit indicates the session exists but no chunk has been recorded.
	StatusInit Status = "INIT"

	// StatusUploading indicates at least one chunk has been recorded.
	StatusUploading Status = "UPLOADING"

	// StatusMerging indicates every chunk arrived and the artifact is being assembled.
	StatusMerging Status = "MERGING"

	// StatusCompleted indicates the artifact was assembled and its digest matched.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed indicates assembly or verification failed.
	StatusFailed Status = "FAILED"
)

// String returns the string representation of the Status.
func (s Status) String() string { return string(s) }

// IsClosed reports whether the session no longer accepts chunks.
func (s Status) IsClosed() bool {
	return s == StatusMerging || s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusInit:
		return 0
	case StatusUploading:
		return 1
	case StatusMerging:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return -1
	}
}

// validateTransition rejects any move that would reverse the lifecycle or
// leave a terminal state. Uploading -> Uploading is allowed.
func (s Status) validateTransition(target Status) error {
	if s == StatusCompleted || s == StatusFailed {
		return fmt.Errorf("%w: session is %s", ErrSessionClosed, s)
	}
	if target.rank() < s.rank() || target.rank() < 0 {
		return fmt.Errorf("invalid upload status transition from %s to %s", s, target)
	}
	// Merging is only reachable from a session that recorded chunks.
	if target == StatusMerging && s != StatusUploading {
		return fmt.Errorf("invalid upload status transition from %s to %s", s, target)
	}
	if (target == StatusCompleted || target == StatusFailed) && s != StatusMerging {
		return fmt.Errorf("invalid upload status transition from %s to %s", s, target)
	}
	return nil
}
