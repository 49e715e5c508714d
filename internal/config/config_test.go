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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadYAMLDefaults(t *testing.T) {
	path := writeConfig(t, "device:\n  host: homevolt-abc.local\n")

	cfg, err := LoadYAML(path)
	require.NoError(t, err)

	assert.Equal(t, "homevolt-abc.local", cfg.Device.Host)
	assert.Equal(t, "admin", cfg.Device.Username)
	assert.Equal(t, 10*time.Second, cfg.Device.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Poll.Interval)
	assert.Equal(t, "data/homevolt.db", cfg.Storage.DBPath)
	assert.Equal(t, 1000, cfg.Storage.MaxQueueSize)
	assert.Equal(t, ":9464", cfg.Metrics.Listen)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadYAMLExplicitValues(t *testing.T) {
	path := writeConfig(t, `
device:
  host: 192.168.1.40
  username: svc
  password: hunter2
  timeout: 5s
poll:
  interval: 30s
storage:
  enabled: true
  db_path: /tmp/hv.db
  max_queue_size: 50
metrics:
  enabled: true
  listen: ":9999"
logging:
  level: debug
  output: json
`)

	cfg, err := LoadYAML(path)
	require.NoError(t, err)

	assert.Equal(t, "svc", cfg.Device.Username)
	assert.Equal(t, 5*time.Second, cfg.Device.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Poll.Interval)
	assert.True(t, cfg.Storage.Enabled)
	assert.Equal(t, "/tmp/hv.db", cfg.Storage.DBPath)
	assert.Equal(t, 50, cfg.Storage.MaxQueueSize)
	assert.Equal(t, ":9999", cfg.Metrics.Listen)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Output)
}

func TestLoadYAMLMissingHost(t *testing.T) {
	path := writeConfig(t, "poll:\n  interval: 10s\n")

	_, err := LoadYAML(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host")
}

func TestLoadYAMLMissingFile(t *testing.T) {
	_, err := LoadYAML(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
