package taskengine

import (
	"time"

	"github.com/ahrav/fleet-armada/internal/domain/task"
)

// DefaultMaxConcurrent bounds in-flight workers per engine. Workers spend
// almost all their time waiting on remote commands.
const DefaultMaxConcurrent = 256

// Config describes one engine use site.
type Config struct {
	// Kind prefixes every task id the engine issues.
	Kind task.Kind
	// Retention is how long a record survives after its last update.
	Retention time.Duration
	// MaxConcurrent caps concurrently executing workers.
	MaxConcurrent int64
}

// InitConfig is the environment-initialisation use site.
func InitConfig() Config {
	return Config{Kind: task.KindInit, Retention: 72 * time.Hour, MaxConcurrent: DefaultMaxConcurrent}
}

// PortCheckConfig is the port reachability use site.
func PortCheckConfig() Config {
	return Config{Kind: task.KindPortCheck, Retention: time.Hour, MaxConcurrent: DefaultMaxConcurrent}
}

// DeployConfig is the artifact deployment use site.
func DeployConfig() Config {
	return Config{Kind: task.KindDeploy, Retention: 72 * time.Hour, MaxConcurrent: DefaultMaxConcurrent}
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	return c
}
