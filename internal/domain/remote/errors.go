package remote

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a remote failure.
type ErrorKind string

// Connection failure kinds, derived from raw transport text.
const (
	KindAuth             ErrorKind = "auth"
	KindTimeout          ErrorKind = "timeout"
	KindHostUnreachable  ErrorKind = "host_unreachable"
	KindInvalidConfig    ErrorKind = "invalid_config"
	KindPortInUse        ErrorKind = "port_in_use"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindFileNotExist     ErrorKind = "file_not_exist"
	KindProtocol         ErrorKind = "protocol"
	KindConnectionFailed ErrorKind = "connection_failed"
)

// Command failure kinds.
const (
	KindNonZeroExit    ErrorKind = "nonzero_exit"
	KindCommandTimeout ErrorKind = "command_timeout"
	KindTransport      ErrorKind = "transport"
)

// String returns the string representation of the ErrorKind.
func (k ErrorKind) String() string { return string(k) }

// Retryable reports whether a connection attempt failing with this kind may
// succeed if simply tried again.
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindHostUnreachable || k == KindConnectionFailed
}

type classificationRule struct {
	kind     ErrorKind
	patterns []string
}

// Order matters: an auth failure reported during a slow handshake must not be
// mistaken for a timeout.
var classificationRules = []classificationRule{
	{KindAuth, []string{"auth fail", "authentication failure", "unable to authenticate"}},
	{KindTimeout, []string{"timeout", "timed out"}},
	{KindHostUnreachable, []string{"connection refused", "host unreachable", "no route to host", "network is unreachable", "host is unreachable"}},
	{KindInvalidConfig, []string{"invalid configuration"}},
	{KindPortInUse, []string{"port in use", "address already in use"}},
	{KindPermissionDenied, []string{"permission denied"}},
	{KindFileNotExist, []string{"no such file"}},
	{KindProtocol, []string{"handshake failed", "protocol", "ssh:"}},
}

// ClassifyTransportError maps the raw failure text of a transport error to an
// ErrorKind. Unrecognized text is KindConnectionFailed.
func ClassifyTransportError(msg string) ErrorKind {
	lower := strings.ToLower(msg)
	for _, rule := range classificationRules {
		for _, p := range rule.patterns {
			if strings.Contains(lower, p) {
				return rule.kind
			}
		}
	}
	return KindConnectionFailed
}

// ConnectionError reports a failure to establish a channel.
type ConnectionError struct {
	Kind      ErrorKind
	MachineID string
	Endpoint  string
	Err       error
}

// NewConnectionError classifies err and wraps it with the target identity.
func NewConnectionError(target Target, err error) *ConnectionError {
	return &ConnectionError{
		Kind:      ClassifyTransportError(err.Error()),
		MachineID: target.MachineID,
		Endpoint:  target.Address(),
		Err:       err,
	}
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to %s (machine %s) failed [%s]: %v", e.Endpoint, e.MachineID, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandError reports a failed remote command. KindNonZeroExit is
// recoverable: the channel remains usable and Stderr carries the output.
type CommandError struct {
	Kind     ErrorKind
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	switch e.Kind {
	case KindNonZeroExit:
		stderr := strings.TrimSpace(e.Stderr)
		if stderr == "" {
			return fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
		}
		return fmt.Sprintf("command %q exited with status %d: %s", e.Command, e.ExitCode, stderr)
	case KindCommandTimeout:
		return fmt.Sprintf("command %q timed out: %v", e.Command, e.Err)
	default:
		return fmt.Sprintf("command %q transport error: %v", e.Command, e.Err)
	}
}

func (e *CommandError) Unwrap() error { return e.Err }

// BreaksChannel reports whether the failure leaves the channel unusable.
func (e *CommandError) BreaksChannel() bool { return e.Kind == KindTransport }

// TransferError reports a failed file or directory transfer, including
// post-write verification mismatches.
type TransferError struct {
	MachineID  string
	LocalPath  string
	RemotePath string
	Err        error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transferring %s to %s on machine %s: %v", e.LocalPath, e.RemotePath, e.MachineID, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
