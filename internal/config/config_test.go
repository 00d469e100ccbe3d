package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "planner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, 60, cfg.Planning.MinScore)
	assert.Equal(t, 2.0, cfg.Planning.BufferHours)
	assert.True(t, cfg.Planning.AutoCreateWindows)
	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9000"
database:
  driver: mysql
  host: db.local
  name: planner
planning:
  minScore: 40
  bufferHours: 1.5
worker:
  count: 2
  cooldown: 30s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, "db.local", cfg.Database.Host)
	assert.Equal(t, 40, cfg.Planning.MinScore)
	assert.Equal(t, 30*time.Second, cfg.Worker.Cooldown)
	assert.Equal(t, 10*time.Second, cfg.Server.RequestTimeout)

	policy := cfg.Policy()
	assert.Equal(t, 40, policy.MinScore)
	assert.Equal(t, 1.5, policy.BufferHours)
	assert.Equal(t, 15, policy.ReassignThreshold)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "planning:\n  minScore: 40\n")
	t.Setenv("PLANNER_MIN_SCORE", "75")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("JOB_TIMEOUT_SECONDS", "3")
	t.Setenv("PLANNER_AUTO_CREATE_WINDOWS", "false")
	t.Setenv("PLANNER_LOG_FORMAT", "text")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 75, cfg.Planning.MinScore)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 3*time.Second, cfg.Worker.JobTimeout)
	assert.False(t, cfg.Planning.AutoCreateWindows)
	assert.False(t, cfg.Logging.JSON)
}

func TestLoadRejects(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "not found")

	_, err = Load(writeConfig(t, "database:\n  driver: sqlite\n"))
	assert.ErrorContains(t, err, "unsupported database driver")

	_, err = Load(writeConfig(t, "planning:\n  minScore: 120\n"))
	assert.ErrorContains(t, err, "minScore")

	_, err = Load(writeConfig(t, "worker: [1, 2"))
	assert.ErrorContains(t, err, "parse config")
}
