// Package config loads and validates the orchestrator's runtime
// configuration, the recognised options of spec.md §6: replica count,
// stale replica timeout, soft anti-affinity, engine image, frontend,
// namespace and default size. It layers github.com/spf13/viper over a
// validated struct, the way the teacher layers cobra/pflag over its own
// startOpts, but with one typed struct instead of ad-hoc package globals.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the orchestrator's validated runtime configuration.
type Config struct {
	Namespace               string        `mapstructure:"namespace" validate:"required"`
	EngineImage             string        `mapstructure:"engineImage" validate:"required"`
	Frontend                string        `mapstructure:"frontend" validate:"required,oneof=tgt-blockdev tcmu"`
	DefaultSizeGiB          int64         `mapstructure:"defaultSize" validate:"required,min=1"`
	ReplicaCount            int           `mapstructure:"replicaCount" validate:"required,min=1,max=7"`
	ReplicaSoftAntiAffinity bool          `mapstructure:"replicaSoftAntiAffinity"`
	StaleReplicaTimeout     time.Duration `mapstructure:"staleReplicaTimeout" validate:"required,min=60000000000,max=86400000000000"`
	ListenAddress           string        `mapstructure:"listenAddress" validate:"required"`
	MetricsAddress          string        `mapstructure:"metricsAddress" validate:"required"`
	DatabaseDSN             string        `mapstructure:"databaseDSN"`
	LeaderElectionNamespace string        `mapstructure:"leaderElectionNamespace" validate:"required"`
}

var defaults = map[string]interface{}{
	"namespace":               "storage",
	"engineImage":             "longhornio/longhorn-engine:latest",
	"frontend":                "tgt-blockdev",
	"defaultSize":             10,
	"replicaCount":            3,
	"replicaSoftAntiAffinity": true,
	"staleReplicaTimeout":     "8h",
	"listenAddress":           ":8500",
	"metricsAddress":          ":8501",
	"databaseDSN":             "",
	"leaderElectionNamespace": "storage",
}

// BindFlags registers the recognised options as persistent flags on cmd
// and wires them into v, the spf13/viper instance the caller will later
// call Load against — mirroring the teacher's pattern of hanging start
// options off the cobra start command's PersistentFlags.
func BindFlags(flags *pflag.FlagSet, v *viper.Viper) error {
	flags.String("namespace", defaults["namespace"].(string), "Namespace the orchestrator manages pods in")
	flags.String("engine-image", defaults["engineImage"].(string), "Container image running the longhorn engine binary")
	flags.String("frontend", defaults["frontend"].(string), "Block device frontend (tgt-blockdev or tcmu)")
	flags.Int64("default-size", int64(defaults["defaultSize"].(int)), "Default block size in GiB")
	flags.Int("replica-count", defaults["replicaCount"].(int), "Default replica count per block")
	flags.Bool("replica-soft-anti-affinity", defaults["replicaSoftAntiAffinity"].(bool), "Tolerate replicas co-located on the same node under disk pressure")
	flags.Duration("stale-replica-timeout", 8*time.Hour, "How long a repairing replica may stay unhealthy before removal")
	flags.String("listen-address", defaults["listenAddress"].(string), "Address the HTTP facade listens on")
	flags.String("metrics-address", defaults["metricsAddress"].(string), "Address the Prometheus metrics server listens on")
	flags.String("database-dsn", "", "Postgres DSN; empty selects the in-process memstore")
	flags.String("leader-election-namespace", defaults["leaderElectionNamespace"].(string), "Namespace holding the leader-election Lease when more than one orchestrator replica runs")

	for _, name := range []string{
		"namespace", "engine-image", "frontend", "default-size", "replica-count",
		"replica-soft-anti-affinity", "stale-replica-timeout", "listen-address",
		"metrics-address", "database-dsn", "leader-election-namespace",
	} {
		if err := v.BindPFlag(mapstructureKey(name), flags.Lookup(name)); err != nil {
			return fmt.Errorf("binding flag %s: %w", name, err)
		}
	}
	return nil
}

// mapstructureKey maps a kebab-case flag name to its camelCase config key.
func mapstructureKey(flag string) string {
	switch flag {
	case "engine-image":
		return "engineImage"
	case "default-size":
		return "defaultSize"
	case "replica-count":
		return "replicaCount"
	case "replica-soft-anti-affinity":
		return "replicaSoftAntiAffinity"
	case "stale-replica-timeout":
		return "staleReplicaTimeout"
	case "listen-address":
		return "listenAddress"
	case "metrics-address":
		return "metricsAddress"
	case "database-dsn":
		return "databaseDSN"
	case "leader-election-namespace":
		return "leaderElectionNamespace"
	default:
		return flag
	}
}

// Load reads v (already populated from flags, env, and optionally a config
// file via viper.SetConfigFile/ReadInConfig, set up by the caller), applies
// defaults for anything unset, decodes into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("BLOCK_ORCHESTRATOR")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}
