// Package config loads the supervisor's configuration with viper, the way
// the teacher's pkg/pyproc/config.go loads pool/python/socket settings.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/teiops/tei-manager/pkg/logging"
)

// Config holds every setting recognized by §6 of the specification.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Instances InstancesConfig `mapstructure:"instances"`
	Health    HealthConfig    `mapstructure:"health"`
	Pool      PoolConfig      `mapstructure:"pool"`
	State     StateConfig     `mapstructure:"state"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Arrow     ArrowConfig     `mapstructure:"arrow"`
	Logging   logging.Config  `mapstructure:"logging"`
}

// APIConfig holds the supervisor's own front-door ports.
type APIConfig struct {
	APIPort                 int           `mapstructure:"api_port"`
	GRPCPort                int           `mapstructure:"grpc_port"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// InstancesConfig bounds the registry's instance cap and port range.
type InstancesConfig struct {
	MaxInstances       int  `mapstructure:"max_instances"`
	PortStart          int  `mapstructure:"instance_port_start"`
	PortEnd            int  `mapstructure:"instance_port_end"`
	AutoRestoreOnStart bool `mapstructure:"auto_restore_on_restart"`
}

// HealthConfig tunes the health monitor's probe cadence.
type HealthConfig struct {
	InitialDelay           time.Duration `mapstructure:"initial_delay"`
	Interval               time.Duration `mapstructure:"interval"`
	MaxFailuresBeforeRestart int         `mapstructure:"max_failures_before_restart"`
}

// PoolConfig tunes the backend connection pool.
type PoolConfig struct {
	RequestTimeout    time.Duration `mapstructure:"grpc_request_timeout"`
	MaxParallelStreams int          `mapstructure:"grpc_max_parallel_streams"`
	IdleTTL           time.Duration `mapstructure:"idle_ttl"`
	PruneInterval     time.Duration `mapstructure:"prune_interval"`
}

// StateConfig locates the durable snapshot.
type StateConfig struct {
	File string `mapstructure:"state_file"`
}

// WorkerConfig describes how child worker processes are launched.
type WorkerConfig struct {
	BinaryPath      string        `mapstructure:"binary_path"`
	LogDir          string        `mapstructure:"log_dir"`
	GracefulTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
	StartupDeadline time.Duration `mapstructure:"startup_deadline"`
}

// ArrowConfig tunes the Arrow batch fast path.
type ArrowConfig struct {
	DefaultEmbeddingDim int `mapstructure:"default_embedding_dim"`
	MaxFanOut           int `mapstructure:"max_fan_out"`
}

// Load reads configuration from configPath (or discovered default locations)
// and environment variables prefixed TEIMGR_.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("tei-manager")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tei-manager")
	}

	v.SetEnvPrefix("TEIMGR")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.api_port", 8080)
	v.SetDefault("api.grpc_port", 9090)
	v.SetDefault("api.graceful_shutdown_timeout", 5*time.Second)

	v.SetDefault("instances.max_instances", 16)
	v.SetDefault("instances.instance_port_start", 20000)
	v.SetDefault("instances.instance_port_end", 21000)
	v.SetDefault("instances.auto_restore_on_restart", true)

	v.SetDefault("health.initial_delay", 5*time.Second)
	v.SetDefault("health.interval", 10*time.Second)
	v.SetDefault("health.max_failures_before_restart", 3)

	v.SetDefault("pool.grpc_request_timeout", 30*time.Second)
	v.SetDefault("pool.grpc_max_parallel_streams", 100)
	v.SetDefault("pool.idle_ttl", 10*time.Minute)
	v.SetDefault("pool.prune_interval", time.Minute)

	v.SetDefault("state.state_file", "/var/lib/tei-manager/state.toml")

	v.SetDefault("worker.binary_path", "text-embeddings-router")
	v.SetDefault("worker.log_dir", "/var/log/tei-manager")
	v.SetDefault("worker.graceful_shutdown_timeout", 5*time.Second)
	v.SetDefault("worker.startup_deadline", 60*time.Second)

	v.SetDefault("arrow.default_embedding_dim", 384)
	v.SetDefault("arrow.max_fan_out", 32)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.trace_enabled", true)
}
