package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, StoreDriverMemory, cfg.Store.Driver)
	assert.Equal(t, time.Minute, cfg.Store.SweepInterval)
	assert.Equal(t, InventoryDriverFile, cfg.Inventory.Driver)
	assert.Equal(t, int64(256), cfg.Engine.MaxConcurrent)
	assert.Equal(t, "fleet.task.events", cfg.Kafka.Topic)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: postgres
  dsn: postgres://fleet@localhost/fleet
inventory:
  driver: sqlite
  path: /var/lib/fleet/inventory.db
upload:
  temp_dir: /data/tmp
  project_dir: /data/projects
`), 0o600))

	t.Setenv("FLEET_ENGINE_MAX_CONCURRENT", "8")
	t.Setenv("FLEET_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, StoreDriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://fleet@localhost/fleet", cfg.Store.DSN)
	assert.Equal(t, InventoryDriverSQLite, cfg.Inventory.Driver)
	assert.Equal(t, "/data/projects", cfg.Upload.ProjectDir)
	assert.Equal(t, int64(8), cfg.Engine.MaxConcurrent)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "postgres without dsn", yaml: "store:\n  driver: postgres\n"},
		{name: "unknown store driver", yaml: "store:\n  driver: redis\n"},
		{name: "unknown log level", yaml: "log:\n  level: loud\n"},
		{name: "unknown inventory driver", yaml: "inventory:\n  driver: ldap\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "fleet.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}
