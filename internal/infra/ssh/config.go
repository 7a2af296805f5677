// Package ssh implements remote.Channel over golang.org/x/crypto/ssh, with
// file transfer through sftp and a per-channel keepalive loop.
package ssh

import (
	"time"

	"github.com/ahrav/fleet-armada/internal/domain/remote"
	"github.com/ahrav/fleet-armada/pkg/common"
)

// Config holds the timeouts and host key policy shared by every channel a
// Dialer opens.
type Config struct {
	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	SFTPTimeout       time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	// KnownHostsPath enables host key verification against an OpenSSH
	// known_hosts file. Empty accepts any host key.
	KnownHostsPath string
	// RemoteTempDir receives directory archives before extraction.
	RemoteTempDir string
	DialRetry     common.RetryConfig
}

// DefaultConfig returns the production timeouts.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    remote.DefaultConnectTimeout,
		CommandTimeout:    remote.DefaultCommandTimeout,
		SFTPTimeout:       remote.DefaultSFTPTimeout,
		KeepaliveInterval: remote.DefaultKeepaliveInterval,
		KeepaliveTimeout:  5 * time.Second,
		RemoteTempDir:     "/tmp",
		DialRetry:         common.RetryConfig{InitialInterval: time.Second, MaxElapsedTime: 15 * time.Second},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	if c.SFTPTimeout <= 0 {
		c.SFTPTimeout = def.SFTPTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = def.KeepaliveInterval
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = def.KeepaliveTimeout
	}
	if c.RemoteTempDir == "" {
		c.RemoteTempDir = def.RemoteTempDir
	}
	if c.DialRetry.InitialInterval <= 0 {
		c.DialRetry = def.DialRetry
	}
	return c
}
