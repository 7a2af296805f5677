// Package remote defines the domain model for authenticated remote execution
// against fleet machines: connection targets, the channel abstraction used to
// run commands and move files, and the failure taxonomy surfaced to callers.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// AuthMethod selects how a channel authenticates to a machine.
type AuthMethod string

const (
	// AuthMethodPassword authenticates with Target.Secret as the account password.
	AuthMethodPassword AuthMethod = "password"
	// AuthMethodKeypair authenticates with Target.Secret as a PEM private key,
	// optionally protected by Target.Passphrase.
	AuthMethodKeypair AuthMethod = "keypair"
)

// String returns the string representation of the AuthMethod.
func (a AuthMethod) String() string { return string(a) }

// Target identifies one machine and the credential used to reach it. A Target
// must not be modified once a channel has been opened from it.
type Target struct {
	MachineID  string     `json:"machine_id" yaml:"machine_id" validate:"required"`
	Host       string     `json:"host" yaml:"host" validate:"required,hostname|ip"`
	Port       int        `json:"port" yaml:"port" validate:"required,min=1,max=65535"`
	Username   string     `json:"username" yaml:"username" validate:"required"`
	AuthMethod AuthMethod `json:"auth_method" yaml:"auth_method" validate:"required,oneof=password keypair"`
	Secret     string     `json:"-" yaml:"secret" validate:"required"`
	Passphrase string     `json:"-" yaml:"passphrase,omitempty"`
}

// Address returns host:port suitable for dialing.
func (t Target) Address() string { return net.JoinHostPort(t.Host, strconv.Itoa(t.Port)) }

// PoolKey identifies the reusable channel group for this target. Two targets
// with the same host, port and username share pooled channels.
func (t Target) PoolKey() PoolKey {
	return PoolKey(fmt.Sprintf("%s:%d@%s", t.Host, t.Port, t.Username))
}

// PoolKey is the (host, port, username) identity of a channel group.
type PoolKey string

// String returns the string representation of the PoolKey.
func (k PoolKey) String() string { return string(k) }

// ErrMachineNotFound is returned by a CredentialLookup for an unknown machine id.
var ErrMachineNotFound = errors.New("machine not found")

// CredentialLookup resolves a machine id to the target used to reach it.
// Implementations are read-only; credential persistence lives elsewhere.
type CredentialLookup interface {
	Lookup(ctx context.Context, machineID string) (Target, error)
}

// Opener opens a fresh, unpooled channel to a target.
type Opener interface {
	Open(ctx context.Context, target Target) (Channel, error)
}

// Default timeouts for remote operations.
const (
	DefaultConnectTimeout    = 5 * time.Second
	DefaultCommandTimeout    = 35 * time.Second
	DefaultSFTPTimeout       = 30 * time.Second
	DefaultValidationTimeout = 5 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
)
