// Package config loads deployment configuration for an engine process from a
// YAML file with environment overrides. Every knob has a default, so an empty
// file (or none at all) yields a runnable single-node configuration apart
// from the database DSN.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the root configuration document.
	Config struct {
		Database  DatabaseConfig  `yaml:"database"`
		Cluster   ClusterConfig   `yaml:"cluster"`
		Engine    EngineConfig    `yaml:"engine"`
		Scheduler SchedulerConfig `yaml:"scheduler"`
		Log       LogConfig       `yaml:"log"`
		Metrics   MetricsConfig   `yaml:"metrics"`
	}

	// DatabaseConfig selects and tunes the Postgres connection.
	DatabaseConfig struct {
		DSN          string `yaml:"dsn"`
		MaxOpenConns int    `yaml:"maxOpenConns"`
		MaxIdleConns int    `yaml:"maxIdleConns"`
	}

	// ClusterConfig tunes membership liveness.
	ClusterConfig struct {
		HeartbeatIntervalSeconds int `yaml:"heartbeatIntervalSeconds"`
		LivenessWindowSeconds    int `yaml:"livenessWindowSeconds"`
	}

	// EngineConfig tunes workflow execution.
	EngineConfig struct {
		DefaultMaxRetries      int `yaml:"defaultMaxRetries"`
		MaxLoopIterations      int `yaml:"maxLoopIterations"`
		InstanceLockTTLSeconds int `yaml:"instanceLockTtlSeconds"`
	}

	// SchedulerConfig tunes the coordination loops.
	SchedulerConfig struct {
		SweepIntervalSeconds int `yaml:"sweepIntervalSeconds"`
		RenewIntervalSeconds int `yaml:"renewIntervalSeconds"`
		LeaderTTLSeconds     int `yaml:"leaderTtlSeconds"`
	}

	// LogConfig tunes logging output.
	LogConfig struct {
		Debug  bool   `yaml:"debug"`
		Format string `yaml:"format"`
	}

	// MetricsConfig tunes the Prometheus endpoint.
	MetricsConfig struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	}
)

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		Cluster: ClusterConfig{
			HeartbeatIntervalSeconds: 30,
			LivenessWindowSeconds:    120,
		},
		Engine: EngineConfig{
			DefaultMaxRetries:      3,
			MaxLoopIterations:      1000,
			InstanceLockTTLSeconds: 60,
		},
		Scheduler: SchedulerConfig{
			SweepIntervalSeconds: 30,
			RenewIntervalSeconds: 10,
			LeaderTTLSeconds:     60,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// Load reads the YAML file at path (skipped when empty), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FLOWMESH_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	envInt("FLOWMESH_HEARTBEAT_INTERVAL_SECONDS", &c.Cluster.HeartbeatIntervalSeconds)
	envInt("FLOWMESH_LIVENESS_WINDOW_SECONDS", &c.Cluster.LivenessWindowSeconds)
	envInt("FLOWMESH_DEFAULT_MAX_RETRIES", &c.Engine.DefaultMaxRetries)
	envInt("FLOWMESH_MAX_LOOP_ITERATIONS", &c.Engine.MaxLoopIterations)
	envInt("FLOWMESH_INSTANCE_LOCK_TTL_SECONDS", &c.Engine.InstanceLockTTLSeconds)
	envInt("FLOWMESH_SWEEP_INTERVAL_SECONDS", &c.Scheduler.SweepIntervalSeconds)
	envInt("FLOWMESH_RENEW_INTERVAL_SECONDS", &c.Scheduler.RenewIntervalSeconds)
	envInt("FLOWMESH_LEADER_TTL_SECONDS", &c.Scheduler.LeaderTTLSeconds)
	if v := os.Getenv("FLOWMESH_DEBUG"); v != "" {
		c.Log.Debug = v == "1" || v == "true"
	}
	if v := os.Getenv("FLOWMESH_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// Validate rejects configurations that would break liveness detection or
// execution limits.
func (c *Config) Validate() error {
	if c.Cluster.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("config: heartbeatIntervalSeconds must be positive")
	}
	if c.Cluster.LivenessWindowSeconds < 3*c.Cluster.HeartbeatIntervalSeconds {
		return fmt.Errorf("config: livenessWindowSeconds (%d) must be at least 3x heartbeatIntervalSeconds (%d)",
			c.Cluster.LivenessWindowSeconds, c.Cluster.HeartbeatIntervalSeconds)
	}
	if c.Engine.MaxLoopIterations <= 0 {
		return fmt.Errorf("config: maxLoopIterations must be positive")
	}
	if c.Engine.DefaultMaxRetries < 0 {
		return fmt.Errorf("config: defaultMaxRetries must not be negative")
	}
	if c.Engine.InstanceLockTTLSeconds <= 0 {
		return fmt.Errorf("config: instanceLockTtlSeconds must be positive")
	}
	if c.Scheduler.SweepIntervalSeconds <= 0 || c.Scheduler.RenewIntervalSeconds <= 0 {
		return fmt.Errorf("config: scheduler intervals must be positive")
	}
	if c.Scheduler.LeaderTTLSeconds <= c.Scheduler.SweepIntervalSeconds {
		return fmt.Errorf("config: leaderTtlSeconds (%d) must exceed sweepIntervalSeconds (%d)",
			c.Scheduler.LeaderTTLSeconds, c.Scheduler.SweepIntervalSeconds)
	}
	return nil
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c *ClusterConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// LivenessWindow returns the liveness window as a duration.
func (c *ClusterConfig) LivenessWindow() time.Duration {
	return time.Duration(c.LivenessWindowSeconds) * time.Second
}

// InstanceLockTTL returns the ownership lease TTL as a duration.
func (c *EngineConfig) InstanceLockTTL() time.Duration {
	return time.Duration(c.InstanceLockTTLSeconds) * time.Second
}

// SweepInterval returns the sweep period as a duration.
func (c *SchedulerConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// RenewInterval returns the renewal period as a duration.
func (c *SchedulerConfig) RenewInterval() time.Duration {
	return time.Duration(c.RenewIntervalSeconds) * time.Second
}

// LeaderTTL returns the leadership lease TTL as a duration.
func (c *SchedulerConfig) LeaderTTL() time.Duration {
	return time.Duration(c.LeaderTTLSeconds) * time.Second
}
