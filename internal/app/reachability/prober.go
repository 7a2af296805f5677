package reachability

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// DefaultProbeTimeout bounds one TCP connect attempt.
const DefaultProbeTimeout = 10 * time.Second

// ProbeState is the outcome of one TCP connect attempt.
type ProbeState int

const (
	// StateFiltered means the attempt timed out or failed in a way that
	// suggests a firewall dropped it.
	StateFiltered ProbeState = iota
	// StateRefused means the host answered with a reset: the port is
	// reachable but nothing listens on it.
	StateRefused
	// StateOpen means the connection was accepted.
	StateOpen
)

func (s ProbeState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateRefused:
		return "refused"
	default:
		return "filtered"
	}
}

// Reachable reports whether traffic to the port gets through.
func (s ProbeState) Reachable() bool { return s == StateOpen || s == StateRefused }

// Prober checks a single port.
type Prober interface {
	Probe(ctx context.Context, host string, port int) ProbeState
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, host string, port int) ProbeState

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, host string, port int) ProbeState {
	return f(ctx, host, port)
}

// TCPProber probes with a plain TCP connect.
type TCPProber struct {
	Timeout time.Duration
}

var _ Prober = TCPProber{}

// Probe dials host:port and classifies the result.
func (p TCPProber) Probe(ctx context.Context, host string, port int) ProbeState {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return classifyDialError(err)
	}
	_ = conn.Close()
	return StateOpen
}

func classifyDialError(err error) ProbeState {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return StateFiltered
	case errors.Is(err, syscall.ECONNREFUSED), strings.Contains(err.Error(), "refused"):
		return StateRefused
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StateFiltered
	default:
		return StateFiltered
	}
}
