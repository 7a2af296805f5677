package remote

import (
	"context"
	"errors"
	"time"
)

// ErrChannelClosed is returned by operations on a closed channel.
var ErrChannelClosed = errors.New("channel closed")

// Result holds the captured output of one remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Channel is one authenticated session to one machine. Commands run over a
// channel execute sequentially; a channel must not be shared by concurrent
// independent callers without the pool serializing access.
type Channel interface {
	// Execute runs command and waits at most timeout for it to finish. A zero
	// timeout uses DefaultCommandTimeout. A non-zero exit status yields a
	// *CommandError of kind KindNonZeroExit alongside the captured Result.
	Execute(ctx context.Context, command string, timeout time.Duration) (Result, error)

	// TransferFile copies a local file to remotePath.
	TransferFile(ctx context.Context, localPath, remotePath string) error

	// TransferDirectory copies the contents of localDir into remoteDir.
	TransferDirectory(ctx context.Context, localDir, remoteDir string) error

	// IsOpen reports whether Close has not yet been called and the underlying
	// transport has not been observed to fail.
	IsOpen() bool

	// Close releases the channel. It is safe to call more than once.
	Close() error

	// Target returns the target this channel was opened against.
	Target() Target
}
