package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/ahrav/fleet-armada/internal/config"
	"github.com/ahrav/fleet-armada/internal/config/credentials"
	"github.com/ahrav/fleet-armada/internal/config/loaders"
	"github.com/ahrav/fleet-armada/internal/domain/remote"
)

var _ credentials.Store = (*CredentialStore)(nil)

// CredentialStore serves targets from an inventory held in memory.
type CredentialStore struct {
	targets map[string]remote.Target
}

// NewCredentialStore indexes the inventory by machine id. Duplicate ids are
// rejected.
func NewCredentialStore(inv *config.Inventory) (*CredentialStore, error) {
	store := &CredentialStore{targets: make(map[string]remote.Target, len(inv.Machines))}
	for _, m := range inv.Machines {
		if _, dup := store.targets[m.MachineID]; dup {
			return nil, fmt.Errorf("duplicate machine id in inventory: %s", m.MachineID)
		}
		store.targets[m.MachineID] = m
	}
	return store, nil
}

// NewFromLoader loads an inventory and indexes it.
func NewFromLoader(ctx context.Context, l loaders.Loader) (*CredentialStore, error) {
	inv, err := l.Load(ctx)
	if err != nil {
		return nil, err
	}
	return NewCredentialStore(inv)
}

// Lookup returns the target for machineID.
func (s *CredentialStore) Lookup(_ context.Context, machineID string) (remote.Target, error) {
	t, ok := s.targets[machineID]
	if !ok {
		return remote.Target{}, fmt.Errorf("%w: %s", remote.ErrMachineNotFound, machineID)
	}
	return t, nil
}

func (s *CredentialStore) Machines(context.Context) ([]string, error) {
	ids := make([]string, 0, len(s.targets))
	for id := range s.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
