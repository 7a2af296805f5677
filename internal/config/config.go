// Package config holds the runtime configuration of the control plane and the
// machine inventory format.
package config

import (
	"time"

	"github.com/ahrav/fleet-armada/internal/domain/remote"
)

// StoreDriver selects the record store backend.
type StoreDriver string

const (
	StoreDriverMemory   StoreDriver = "memory"
	StoreDriverPostgres StoreDriver = "postgres"
)

// InventoryDriver selects where machine credentials are read from.
type InventoryDriver string

const (
	InventoryDriverFile   InventoryDriver = "file"
	InventoryDriverSQLite InventoryDriver = "sqlite"
)

// Config represents the top-level configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Store     StoreConfig     `mapstructure:"store" validate:"required"`
	Inventory InventoryConfig `mapstructure:"inventory" validate:"required"`
	Upload    UploadConfig    `mapstructure:"upload" validate:"required"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	SSH       SSHConfig       `mapstructure:"ssh"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// TelemetryConfig enables otlp export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	Probability float64 `mapstructure:"probability" validate:"gte=0,lte=1"`
}

// StoreConfig configures the record store holding tasks and upload sessions.
type StoreConfig struct {
	Driver StoreDriver `mapstructure:"driver" validate:"required,oneof=memory postgres"`
	// DSN is the postgres connection string.
	DSN           string        `mapstructure:"dsn" validate:"required_if=Driver postgres"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

// InventoryConfig locates the machine inventory.
type InventoryConfig struct {
	Driver InventoryDriver `mapstructure:"driver" validate:"required,oneof=file sqlite"`
	// Path is a YAML file for the file driver and a database path or DSN for sqlite.
	Path string `mapstructure:"path" validate:"required"`
}

// UploadConfig configures chunk staging and artifact output.
type UploadConfig struct {
	TempDir           string `mapstructure:"temp_dir" validate:"required"`
	ProjectDir        string `mapstructure:"project_dir" validate:"required"`
	MaxParallelWrites int64  `mapstructure:"max_parallel_writes" validate:"gte=0"`
}

// EngineConfig bounds each task engine.
type EngineConfig struct {
	MaxConcurrent int64 `mapstructure:"max_concurrent" validate:"gte=0"`
}

// ScannerConfig paces reachability probes.
type ScannerConfig struct {
	MaxInFlight     int     `mapstructure:"max_in_flight" validate:"gte=0"`
	ProbesPerSecond float64 `mapstructure:"probes_per_second" validate:"gte=0"`
	Burst           int     `mapstructure:"burst" validate:"gte=0"`
}

// KafkaConfig enables the task event stream when Brokers is non-empty.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

// SSHConfig controls host key verification for remote channels.
type SSHConfig struct {
	// KnownHostsPath is an OpenSSH known_hosts file. Empty accepts any host key.
	KnownHostsPath string `mapstructure:"known_hosts_path"`
}

// Inventory is the on-disk list of machines and the credential used for each.
type Inventory struct {
	Machines []remote.Target `yaml:"machines" validate:"dive"`
}
