// Package config loads engine-wide tunables from a YAML file and the
// environment, the way go-coffee's per-service config packages do,
// and turns the result into the functional Options the rest of this
// module already accepts (graph.Option, proxy.Options).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/flowmesh/orchestrator/graph"
	"github.com/flowmesh/orchestrator/graph/proxy"
)

// EngineConfig is the complete orchestration engine configuration:
// dispatch concurrency, agent proxy tuning, the execution store
// backend, and ambient logging. Fields mirror graph.Options and
// proxy.Options so Load's output maps onto them directly.
type EngineConfig struct {
	Engine  EngineSection  `mapstructure:"engine"`
	Proxy   ProxySection   `mapstructure:"proxy"`
	Store   StoreSection   `mapstructure:"store"`
	Logging LoggingSection `mapstructure:"logging"`
}

// EngineSection configures the Orchestrator's dispatch loop.
type EngineSection struct {
	Parallelism        int           `mapstructure:"parallelism"`
	TenantParallelism  int           `mapstructure:"tenant_parallelism"`
	DefaultNodeTimeout time.Duration `mapstructure:"default_node_timeout"`
	ExecutionDeadline  time.Duration `mapstructure:"execution_deadline"`
}

// ProxySection configures the Agent Proxy's outbound dispatch and
// circuit breaker.
type ProxySection struct {
	MaxConcurrency          int           `mapstructure:"max_concurrency"`
	QueueDepth              int           `mapstructure:"queue_depth"`
	RequestsPerSecond       float64       `mapstructure:"requests_per_second"`
	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold"`
	BreakerOpenFor          time.Duration `mapstructure:"breaker_open_for"`
}

// StoreSection selects and configures the Execution Store backend.
// Driver is "memory", "sqlite", or "mysql"; DSN is ignored for
// "memory" and is a filesystem path for "sqlite", a go-sql-driver/mysql
// DSN for "mysql".
type StoreSection struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// LoggingSection configures the zap logger built from it. Of this
// module's components only the Registry takes a logger; the
// Orchestrator and the Agent Proxy do not.
type LoggingSection struct {
	Level string `mapstructure:"level"`
	// Dev selects zap's development encoder config (console, caller
	// lines) over the production JSON encoder.
	Dev bool `mapstructure:"dev"`
}

// Load reads configuration from configPath (if non-empty) and the
// environment, in that order, then returns the merged EngineConfig.
// Environment variables are upper-cased, underscore-joined forms of
// the mapstructure path with a FLOWMESH_ prefix (e.g.
// FLOWMESH_ENGINE_PARALLELISM, FLOWMESH_STORE_DSN).
//
// Load never returns an error for a missing config file: an absent
// file simply means defaults and environment variables apply, which
// is the common case for an optional deployment-time override file.
func Load(configPath string) (*EngineConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("flowmesh")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// An explicit SetConfigFile path that does not exist surfaces
			// as an fs.ErrNotExist error, not ConfigFileNotFoundError.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	var cfg EngineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.parallelism", 8)
	v.SetDefault("engine.tenant_parallelism", 4)
	v.SetDefault("engine.default_node_timeout", "30s")
	v.SetDefault("engine.execution_deadline", "300s")

	v.SetDefault("proxy.max_concurrency", 256)
	v.SetDefault("proxy.queue_depth", 1024)
	v.SetDefault("proxy.requests_per_second", 500)
	v.SetDefault("proxy.breaker_failure_threshold", 5)
	v.SetDefault("proxy.breaker_open_for", "60s")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev", false)
}

// EngineOptions converts the Engine section into graph.Options,
// applied before any call-site WithXxx overrides — matching the
// teacher's layering of loaded config under functional options.
func (c *EngineConfig) EngineOptions() []graph.Option {
	return []graph.Option{
		graph.WithParallelism(c.Engine.Parallelism),
		graph.WithTenantParallelism(c.Engine.TenantParallelism),
		graph.WithDefaultNodeTimeout(c.Engine.DefaultNodeTimeout),
		graph.WithExecutionDeadline(c.Engine.ExecutionDeadline),
	}
}

// ProxyOptions converts the Proxy section into proxy.Options.
func (c *EngineConfig) ProxyOptions() proxy.Options {
	return proxy.Options{
		MaxConcurrency:          c.Proxy.MaxConcurrency,
		QueueDepth:              c.Proxy.QueueDepth,
		RequestsPerSecond:       c.Proxy.RequestsPerSecond,
		BreakerFailureThreshold: c.Proxy.BreakerFailureThreshold,
		BreakerOpenFor:          c.Proxy.BreakerOpenFor,
	}
}
