package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/ssh"

	"github.com/ahrav/fleet-armada/internal/domain/remote"
	"github.com/ahrav/fleet-armada/pkg/common/logger"
)

var _ remote.Channel = (*Channel)(nil)

// Channel is an open ssh connection to one machine. Each command runs in its
// own short-lived ssh session; the sftp subsystem is started on first use and
// reused until Close.
type Channel struct {
	target remote.Target
	client *ssh.Client
	cfg    Config

	log    *logger.Logger
	tracer trace.Tracer

	sftpMu     sync.Mutex
	sftpClient *sftp.Client

	closed        atomic.Bool
	closeOnce     sync.Once
	closeErr      error
	stopKeepalive context.CancelFunc
	keepaliveDone chan struct{}
}

func newChannel(target remote.Target, client *ssh.Client, cfg Config, log *logger.Logger, tracer trace.Tracer) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		target:        target,
		client:        client,
		cfg:           cfg,
		log:           log.With("machine_id", target.MachineID, "endpoint", target.Address()),
		tracer:        tracer,
		stopKeepalive: cancel,
		keepaliveDone: make(chan struct{}),
	}
	go ch.keepalive(ctx)
	return ch
}

// Target returns the target this channel was opened against.
func (c *Channel) Target() remote.Target { return c.target }

// IsOpen reports whether Close has not been called.
func (c *Channel) IsOpen() bool { return !c.closed.Load() }

// Execute runs command in a new session, capturing stdout and stderr.
func (c *Channel) Execute(ctx context.Context, command string, timeout time.Duration) (remote.Result, error) {
	ctx, span := c.tracer.Start(ctx, "ssh.channel.execute",
		trace.WithAttributes(
			attribute.String("machine_id", c.target.MachineID),
			attribute.String("command", command),
		))
	defer span.End()

	res, err := c.run(ctx, command, timeout)
	span.SetAttributes(attribute.Int("exit_code", res.ExitCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "command failed")
	}
	return res, err
}

func (c *Channel) run(ctx context.Context, command string, timeout time.Duration) (remote.Result, error) {
	if timeout <= 0 {
		timeout = c.cfg.CommandTimeout
	}
	if !c.IsOpen() {
		return remote.Result{}, &remote.CommandError{Kind: remote.KindTransport, Command: command, Err: remote.ErrChannelClosed}
	}

	session, err := c.client.NewSession()
	if err != nil {
		return remote.Result{}, &remote.CommandError{Kind: remote.KindTransport, Command: command, Err: fmt.Errorf("opening session: %w", err)}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return remote.Result{ExitCode: -1}, &remote.CommandError{
			Kind:     remote.KindCommandTimeout,
			Command:  command,
			ExitCode: -1,
			Err:      fmt.Errorf("no exit status after %s", timeout),
		}
	case <-ctx.Done():
		_ = session.Close()
		return remote.Result{ExitCode: -1}, &remote.CommandError{
			Kind:     remote.KindCommandTimeout,
			Command:  command,
			ExitCode: -1,
			Err:      ctx.Err(),
		}
	}

	res := remote.Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, &remote.CommandError{
			Kind:     remote.KindNonZeroExit,
			Command:  command,
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
			Err:      err,
		}
	}

	res.ExitCode = -1
	return res, &remote.CommandError{Kind: remote.KindTransport, Command: command, ExitCode: -1, Err: err}
}

func (c *Channel) sftp(ctx context.Context) (*sftp.Client, error) {
	c.sftpMu.Lock()
	defer c.sftpMu.Unlock()

	if c.sftpClient != nil {
		return c.sftpClient, nil
	}
	if !c.IsOpen() {
		return nil, remote.ErrChannelClosed
	}

	client, err := startWithTimeout(ctx, c.cfg.SFTPTimeout, func() (*sftp.Client, error) {
		return sftp.NewClient(c.client)
	})
	if err != nil {
		return nil, fmt.Errorf("starting sftp subsystem: %w", err)
	}
	c.sftpClient = client
	return client, nil
}

// startWithTimeout runs start in the background and waits for it up to
// timeout. A value that arrives after the caller gave up is closed.
func startWithTimeout[T io.Closer](ctx context.Context, timeout time.Duration, start func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		v, err := start()
		resCh <- result{v, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	abandon := func() {
		go func() {
			if res := <-resCh; res.err == nil {
				_ = res.v.Close()
			}
		}()
	}

	select {
	case res := <-resCh:
		return res.v, res.err
	case <-timer.C:
		abandon()
		return zero, fmt.Errorf("timeout after %s", timeout)
	case <-ctx.Done():
		abandon()
		return zero, ctx.Err()
	}
}

// Close stops the keepalive loop and disconnects. Subsequent calls return the
// result of the first.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.stopKeepalive()

		c.sftpMu.Lock()
		if c.sftpClient != nil {
			_ = c.sftpClient.Close()
			c.sftpClient = nil
		}
		c.sftpMu.Unlock()

		if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = fmt.Errorf("closing ssh client: %w", err)
		}
		<-c.keepaliveDone
		c.log.Debug(context.Background(), "channel closed")
	})
	return c.closeErr
}
