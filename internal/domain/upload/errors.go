package upload

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned for a file hash with no upload session.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrSessionClosed is returned when chunks arrive for a session that is
	// merging or finished.
	ErrSessionClosed = errors.New("upload session closed")
)

// IntegrityError reports a merged artifact whose SHA-256 does not match the
// declared file hash.
type IntegrityError struct {
	Expected string
	Computed string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed: expected %s, computed %s", e.Expected, e.Computed)
}

// ChunkNameError rejects a chunk whose name is not "<index>.part" or whose
// index falls outside the session.
type ChunkNameError struct {
	Name   string
	Reason string
}

func (e *ChunkNameError) Error() string {
	return fmt.Sprintf("invalid chunk name %q: %s", e.Name, e.Reason)
}
