package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Cluster.HeartbeatInterval())
	assert.Equal(t, 120*time.Second, cfg.Cluster.LivenessWindow())
	assert.Equal(t, 3, cfg.Engine.DefaultMaxRetries)
	assert.Equal(t, 1000, cfg.Engine.MaxLoopIterations)
	assert.Equal(t, 60*time.Second, cfg.Engine.InstanceLockTTL())
	assert.Equal(t, 30*time.Second, cfg.Scheduler.SweepInterval())
	assert.Equal(t, 10*time.Second, cfg.Scheduler.RenewInterval())
	assert.Equal(t, 60*time.Second, cfg.Scheduler.LeaderTTL())
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, 20, cfg.Database.MaxOpenConns)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://flowmesh:secret@db:5432/flowmesh
  maxOpenConns: 50
cluster:
  heartbeatIntervalSeconds: 10
  livenessWindowSeconds: 45
engine:
  defaultMaxRetries: 5
scheduler:
  sweepIntervalSeconds: 15
  leaderTtlSeconds: 40
log:
  debug: true
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://flowmesh:secret@db:5432/flowmesh", cfg.Database.DSN)
	assert.Equal(t, 50, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5, cfg.Database.MaxIdleConns, "unset keys keep defaults")
	assert.Equal(t, 10*time.Second, cfg.Cluster.HeartbeatInterval())
	assert.Equal(t, 45*time.Second, cfg.Cluster.LivenessWindow())
	assert.Equal(t, 5, cfg.Engine.DefaultMaxRetries)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.SweepInterval())
	assert.Equal(t, 40*time.Second, cfg.Scheduler.LeaderTTL())
	assert.True(t, cfg.Log.Debug)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
cluster:
  heartbeatIntervalSeconds: 10
  livenessWindowSeconds: 60
`)
	t.Setenv("FLOWMESH_DB_DSN", "postgres://env@db/flowmesh")
	t.Setenv("FLOWMESH_HEARTBEAT_INTERVAL_SECONDS", "20")
	t.Setenv("FLOWMESH_DEFAULT_MAX_RETRIES", "7")
	t.Setenv("FLOWMESH_DEBUG", "true")
	t.Setenv("FLOWMESH_METRICS_ADDR", ":9999")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env@db/flowmesh", cfg.Database.DSN)
	assert.Equal(t, 20, cfg.Cluster.HeartbeatIntervalSeconds, "env wins over file")
	assert.Equal(t, 7, cfg.Engine.DefaultMaxRetries)
	assert.True(t, cfg.Log.Debug)
	assert.Equal(t, ":9999", cfg.Metrics.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfig(t, "cluster: [not a map")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"liveness window below 3x heartbeat", func(c *Config) {
			c.Cluster.HeartbeatIntervalSeconds = 30
			c.Cluster.LivenessWindowSeconds = 89
		}},
		{"zero heartbeat", func(c *Config) { c.Cluster.HeartbeatIntervalSeconds = 0 }},
		{"zero loop iterations", func(c *Config) { c.Engine.MaxLoopIterations = 0 }},
		{"negative retries", func(c *Config) { c.Engine.DefaultMaxRetries = -1 }},
		{"zero lock ttl", func(c *Config) { c.Engine.InstanceLockTTLSeconds = 0 }},
		{"zero sweep interval", func(c *Config) { c.Scheduler.SweepIntervalSeconds = 0 }},
		{"leader ttl not above sweep", func(c *Config) {
			c.Scheduler.SweepIntervalSeconds = 30
			c.Scheduler.LeaderTTLSeconds = 30
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	good := Default()
	assert.NoError(t, good.Validate())
}
