package fileloader

import (
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/fleet-armada/internal/config"
	"github.com/ahrav/fleet-armada/internal/config/loaders"
	"github.com/ahrav/fleet-armada/internal/domain/remote"
)

const defaultSSHPort = 22

var _ loaders.Loader = (*FileLoader)(nil)

// FileLoader loads the machine inventory from a YAML file on disk.
type FileLoader struct {
	// path is the filesystem path to the inventory file.
	path string
}

// NewFileLoader creates a new FileLoader that reads the inventory at path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads and parses the inventory file. Machines without a port default
// to 22 and without an auth method to password. Every machine is validated.
func (l *FileLoader) Load(ctx context.Context) (*config.Inventory, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory file: %w", err)
	}

	var inv config.Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	for i := range inv.Machines {
		m := &inv.Machines[i]
		if m.Port == 0 {
			m.Port = defaultSSHPort
		}
		if m.AuthMethod == "" {
			m.AuthMethod = remote.AuthMethodPassword
		}
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(inv); err != nil {
		return nil, fmt.Errorf("invalid inventory: %w", err)
	}
	return &inv, nil
}
