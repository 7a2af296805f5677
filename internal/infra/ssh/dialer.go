package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ahrav/fleet-armada/internal/domain/remote"
	"github.com/ahrav/fleet-armada/pkg/common"
	"github.com/ahrav/fleet-armada/pkg/common/logger"
)

var _ remote.Opener = (*Dialer)(nil)

// Dialer opens authenticated channels. Transient network failures are retried
// with exponential backoff; authentication and configuration failures are not.
type Dialer struct {
	cfg    Config
	log    *logger.Logger
	tracer trace.Tracer
}

// NewDialer creates a Dialer with cfg, filling unset fields with defaults.
func NewDialer(cfg Config, log *logger.Logger, tracer trace.Tracer) *Dialer {
	return &Dialer{cfg: cfg.withDefaults(), log: log, tracer: tracer}
}

// Open connects to target and starts the channel's keepalive loop. Failures
// are returned as *remote.ConnectionError.
func (d *Dialer) Open(ctx context.Context, target remote.Target) (remote.Channel, error) {
	ctx, span := d.tracer.Start(ctx, "ssh.dialer.open",
		trace.WithAttributes(
			attribute.String("machine_id", target.MachineID),
			attribute.String("endpoint", target.Address()),
			attribute.String("auth_method", target.AuthMethod.String()),
		))
	defer span.End()

	clientCfg, err := d.clientConfig(target)
	if err != nil {
		connErr := &remote.ConnectionError{
			Kind:      remote.KindInvalidConfig,
			MachineID: target.MachineID,
			Endpoint:  target.Address(),
			Err:       err,
		}
		span.RecordError(connErr)
		span.SetStatus(codes.Error, "invalid client configuration")
		return nil, connErr
	}

	var client *ssh.Client
	dial := func(ctx context.Context) error {
		c, err := d.dial(ctx, target, clientCfg)
		if err != nil {
			connErr := remote.NewConnectionError(target, err)
			if !connErr.Kind.Retryable() {
				return common.Permanent(connErr)
			}
			return connErr
		}
		client = c
		return nil
	}

	if err := common.RetryWithBackoff(ctx, d.log, "ssh dial "+target.Address(), d.cfg.DialRetry, dial); err != nil {
		var connErr *remote.ConnectionError
		if !errors.As(err, &connErr) {
			connErr = remote.NewConnectionError(target, err)
		}
		span.RecordError(connErr)
		span.SetStatus(codes.Error, "dial failed")
		return nil, connErr
	}

	ch := newChannel(target, client, d.cfg, d.log, d.tracer)
	d.log.Info(ctx, "channel opened", "machine_id", target.MachineID, "endpoint", target.Address())
	return ch, nil
}

func (d *Dialer) dial(ctx context.Context, target remote.Target, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	netDialer := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	conn, err := netDialer.DialContext(ctx, "tcp", target.Address())
	if err != nil {
		return nil, err
	}

	// The handshake has no context; bound it with a deadline instead.
	_ = conn.SetDeadline(time.Now().Add(d.cfg.ConnectTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, target.Address(), cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (d *Dialer) clientConfig(target remote.Target) (*ssh.ClientConfig, error) {
	auth, err := authMethods(target)
	if err != nil {
		return nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if d.cfg.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(d.cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: loading known hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            target.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.cfg.ConnectTimeout,
	}, nil
}

func authMethods(target remote.Target) ([]ssh.AuthMethod, error) {
	switch target.AuthMethod {
	case remote.AuthMethodPassword:
		password := target.Secret
		// Many hosts only enable keyboard-interactive for password logins.
		interactive := ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		})
		return []ssh.AuthMethod{ssh.Password(password), interactive}, nil

	case remote.AuthMethodKeypair:
		var (
			signer ssh.Signer
			err    error
		)
		if target.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(target.Secret), []byte(target.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(target.Secret))
		}
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: parsing private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	default:
		return nil, fmt.Errorf("invalid configuration: unsupported auth method %q", target.AuthMethod)
	}
}
