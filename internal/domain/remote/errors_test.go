package remote

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyTransportError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  string
		want ErrorKind
	}{
		{"go ssh auth", "ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]", KindAuth},
		{"jsch style auth", "Auth fail", KindAuth},
		{"dial timeout", "dial tcp 10.0.0.4:22: i/o timeout", KindTimeout},
		{"refused", "dial tcp 10.0.0.4:22: connect: connection refused", KindHostUnreachable},
		{"no route", "dial tcp 10.0.0.4:22: connect: no route to host", KindHostUnreachable},
		{"invalid config", "invalid configuration: missing user", KindInvalidConfig},
		{"port in use", "listen tcp :2222: bind: address already in use", KindPortInUse},
		{"permission denied", "open /etc/shadow: permission denied", KindPermissionDenied},
		{"missing file", "open /tmp/x: no such file or directory", KindFileNotExist},
		{"protocol", "ssh: handshake failed: EOF", KindProtocol},
		{"unknown", "something odd happened", KindConnectionFailed},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ClassifyTransportError(tt.msg))
		})
	}
}

func TestConnectionError_UnwrapsAndClassifies(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp 10.0.0.4:22: i/o timeout")
	err := NewConnectionError(Target{MachineID: "m-1", Host: "10.0.0.4", Port: 22}, cause)

	assert.Equal(t, KindTimeout, err.Kind)
	assert.True(t, err.Kind.Retryable())
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "10.0.0.4:22")

	var connErr *ConnectionError
	assert.True(t, errors.As(error(err), &connErr))
}

func TestCommandError_Message(t *testing.T) {
	t.Parallel()

	err := &CommandError{Kind: KindNonZeroExit, Command: "systemctl start docker", ExitCode: 5, Stderr: "unit not found\n"}
	assert.Equal(t, `command "systemctl start docker" exited with status 5: unit not found`, err.Error())
	assert.False(t, err.BreaksChannel())

	transport := &CommandError{Kind: KindTransport, Command: "true", Err: errors.New("EOF")}
	assert.True(t, transport.BreaksChannel())
}

func TestTarget_PoolKey(t *testing.T) {
	t.Parallel()

	a := Target{MachineID: "a", Host: "10.0.0.4", Port: 22, Username: "root"}
	b := Target{MachineID: "b", Host: "10.0.0.4", Port: 22, Username: "root"}
	c := Target{MachineID: "a", Host: "10.0.0.4", Port: 22, Username: "deploy"}

	assert.Equal(t, PoolKey("10.0.0.4:22@root"), a.PoolKey())
	assert.Equal(t, a.PoolKey(), b.PoolKey())
	assert.NotEqual(t, a.PoolKey(), c.PoolKey())
	assert.Equal(t, "10.0.0.4:22", a.Address())
}
