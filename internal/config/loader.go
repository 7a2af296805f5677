package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FLEET_STORE_DSN.
const EnvPrefix = "FLEET"

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.probability", 1.0)
	v.SetDefault("store.driver", string(StoreDriverMemory))
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.sweep_interval", "1m")
	v.SetDefault("inventory.driver", string(InventoryDriverFile))
	v.SetDefault("inventory.path", "machines.yaml")
	v.SetDefault("upload.temp_dir", "/tmp/fleet/uploads")
	v.SetDefault("upload.project_dir", "/tmp/fleet/projects")
	v.SetDefault("upload.max_parallel_writes", 16)
	v.SetDefault("engine.max_concurrent", 256)
	v.SetDefault("scanner.max_in_flight", 128)
	v.SetDefault("scanner.probes_per_second", 1000)
	v.SetDefault("scanner.burst", 128)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "fleet.task.events")
	v.SetDefault("kafka.client_id", "fleetctl")
	v.SetDefault("ssh.known_hosts_path", "")
}

// Load reads the optional YAML file at path, applies FLEET_ environment
// overrides and validates the result. An empty path uses defaults and the
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
