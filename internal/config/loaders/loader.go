// Package loaders declares how the machine inventory is sourced.
package loaders

import (
	"context"

	"github.com/ahrav/fleet-armada/internal/config"
)

// Loader provides inventory loading capabilities. It abstracts the source of
// the machine list so credential stores can be seeded from files or other
// systems.
type Loader interface {
	// Load retrieves and parses the inventory from the underlying source.
	Load(ctx context.Context) (*config.Inventory, error)
}
