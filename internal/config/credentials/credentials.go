// Package credentials resolves fleet machine ids to the targets used to reach
// them. Stores are read-only from the control plane's point of view.
package credentials

import (
	"context"

	"github.com/ahrav/fleet-armada/internal/domain/remote"
)

// Store is a credential lookup that can also enumerate its machines.
type Store interface {
	remote.CredentialLookup
	// Machines returns the known machine ids in ascending order.
	Machines(ctx context.Context) ([]string, error)
}
