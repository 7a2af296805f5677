// Package remotetest provides scripted remote.Channel doubles and helpers for
// tests of code that drives machines.
package remotetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ahrav/fleet-armada/internal/domain/remote"
)

// Response is the scripted outcome of one command.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Err, when set, is returned as is instead of synthesizing an exit error.
	Err error
}

// Transfer records one TransferFile or TransferDirectory call.
type Transfer struct {
	Local  string
	Remote string
	Dir    bool
}

// Channel is a remote.Channel whose commands are answered from a table.
// Commands missing from the table succeed with empty output unless Strict is
// set, in which case they exit 127.
type Channel struct {
	T         remote.Target
	Responses map[string]Response
	Strict    bool
	// TransferErr is returned by both transfer methods when set.
	TransferErr error

	mu        sync.Mutex
	commands  []string
	transfers []Transfer
	closed    bool
}

var _ remote.Channel = (*Channel)(nil)

// NewChannel creates a Channel for target answering from responses.
func NewChannel(target remote.Target, responses map[string]Response) *Channel {
	return &Channel{T: target, Responses: responses}
}

// Execute answers command from the table.
func (c *Channel) Execute(_ context.Context, command string, _ time.Duration) (remote.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, command)

	if c.closed {
		return remote.Result{}, &remote.CommandError{Kind: remote.KindTransport, Command: command, Err: remote.ErrChannelClosed}
	}

	resp, ok := c.Responses[command]
	if !ok && c.Strict {
		resp = Response{Stderr: "command not found", ExitCode: 127}
	}
	res := remote.Result{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}
	if resp.Err != nil {
		return res, resp.Err
	}
	if resp.ExitCode != 0 {
		return res, &remote.CommandError{
			Kind:     remote.KindNonZeroExit,
			Command:  command,
			ExitCode: resp.ExitCode,
			Stderr:   resp.Stderr,
			Err:      fmt.Errorf("exit status %d", resp.ExitCode),
		}
	}
	return res, nil
}

// TransferFile records the transfer.
func (c *Channel) TransferFile(_ context.Context, local, remotePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers = append(c.transfers, Transfer{Local: local, Remote: remotePath})
	return c.TransferErr
}

// TransferDirectory records the transfer.
func (c *Channel) TransferDirectory(_ context.Context, local, remoteDir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers = append(c.transfers, Transfer{Local: local, Remote: remoteDir, Dir: true})
	return c.TransferErr
}

// IsOpen reports whether Close has not been called.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close marks the channel closed.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Target returns the channel's target.
func (c *Channel) Target() remote.Target { return c.T }

// Commands returns every command executed so far, in order.
func (c *Channel) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

// Transfers returns every transfer made so far, in order.
func (c *Channel) Transfers() []Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transfer(nil), c.transfers...)
}

// Credentials is a map-backed remote.CredentialLookup.
type Credentials map[string]remote.Target

// Lookup returns the target for machineID.
func (c Credentials) Lookup(_ context.Context, machineID string) (remote.Target, error) {
	t, ok := c[machineID]
	if !ok {
		return remote.Target{}, fmt.Errorf("%w: %s", remote.ErrMachineNotFound, machineID)
	}
	return t, nil
}

// Target returns a password target for machineID on 127.0.0.1.
func Target(machineID string) remote.Target {
	return remote.Target{
		MachineID:  machineID,
		Host:       "127.0.0.1",
		Port:       22,
		Username:   "ops",
		AuthMethod: remote.AuthMethodPassword,
		Secret:     "secret",
	}
}

// Source lends the same Channel per machine and counts returns.
type Source struct {
	mu          sync.Mutex
	Channels    map[string]*Channel
	BorrowErr   error
	returned    int
	invalidated int
}

// Borrow returns the channel registered for target's machine.
func (s *Source) Borrow(_ context.Context, target remote.Target) (remote.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.BorrowErr != nil {
		return nil, s.BorrowErr
	}
	ch, ok := s.Channels[target.MachineID]
	if !ok {
		return nil, fmt.Errorf("no channel scripted for %s", target.MachineID)
	}
	return ch, nil
}

// Return counts a return.
func (s *Source) Return(remote.Target, remote.Channel) {
	s.mu.Lock()
	s.returned++
	s.mu.Unlock()
}

// Invalidate counts an invalidation.
func (s *Source) Invalidate(_ remote.Target, ch remote.Channel) {
	_ = ch.Close()
	s.mu.Lock()
	s.invalidated++
	s.mu.Unlock()
}

// Counts returns how many channels were returned and invalidated.
func (s *Source) Counts() (returned, invalidated int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.returned, s.invalidated
}

// UbuntuResponses scripts a 22.04 machine.
func UbuntuResponses() map[string]Response {
	return map[string]Response{
		"uname -s || ver": {Stdout: "Linux\n"},
		"cat /etc/os-release 2>/dev/null || cat /etc/*-release": {Stdout: "PRETTY_NAME=\"Ubuntu 22.04.3 LTS\"\nNAME=\"Ubuntu\"\nVERSION_ID=\"22.04\"\nVERSION=\"22.04.3 LTS (Jammy Jellyfish)\"\nID=ubuntu\nID_LIKE=debian\n"},
	}
}
