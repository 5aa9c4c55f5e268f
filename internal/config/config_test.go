package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/markb/frontdesk/internal/realtime"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frontdesk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefaultsMatchManager(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, realtime.DefaultBackoff, cfg.Backoff())
	assert.Equal(t, time.Minute, cfg.Manager.HealthInterval)
	assert.Equal(t, 2*time.Minute, cfg.Manager.IdleThreshold)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Empty(t, cfg.NATS.URL)
	assert.Empty(t, cfg.Journal.Path)
}

func TestLoadFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
realtime:
  url: wss://lodge.example.com/realtime/v1
  api_key: anon-key
manager:
  backoff_max: 30s
  health_interval: 0s
nats:
  url: nats://127.0.0.1:4222
  reconnect_wait: 5s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://lodge.example.com/realtime/v1", cfg.Realtime.URL)
	assert.Equal(t, "anon-key", cfg.SocketConfig().APIKey)
	assert.Equal(t, 25*time.Second, cfg.Realtime.Heartbeat)
	assert.Equal(t, 30*time.Second, cfg.Backoff().Max)
	assert.Equal(t, time.Second, cfg.Backoff().Base)
	assert.Zero(t, cfg.Manager.HealthInterval)

	rc := cfg.RelayConfig()
	assert.Equal(t, "nats://127.0.0.1:4222", rc.URL)
	assert.Equal(t, 5*time.Second, rc.ReconnectWait)
	assert.Equal(t, "frontdesk", rc.SubjectPrefix)
}

func TestEnvOverridesFile(t *testing.T) {
	cfg := Default()
	cfg.Realtime.URL = "ws://from-file/realtime/v1"

	err := cfg.ApplyEnv(envMap(map[string]string{
		"FRONTDESK_REALTIME_URL":   "ws://from-env/realtime/v1",
		"FRONTDESK_BACKOFF_FACTOR": "2",
		"FRONTDESK_PORT":           "9090",
		"FRONTDESK_LOG_LEVEL":      "debug",
		"FRONTDESK_API_KEY":        "",
	}))
	require.NoError(t, err)

	assert.Equal(t, "ws://from-env/realtime/v1", cfg.Realtime.URL)
	assert.Equal(t, 2.0, cfg.Manager.BackoffFactor)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.LogConfig().Level)
	assert.Empty(t, cfg.Realtime.APIKey)
}

func TestEnvRejectsBadValues(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{"FRONTDESK_IDLE_THRESHOLD": "two minutes"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FRONTDESK_IDLE_THRESHOLD")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Manager.BackoffFactor = 0.5
	cfg.Manager.BackoffMax = time.Millisecond
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backoff_factor")
	assert.Contains(t, err.Error(), "backoff_max")
	assert.Contains(t, err.Error(), "log.format")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "manager: [not, a, map]"))
	assert.Error(t, err)
}

func TestDerivedConfigs(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.Exporter = "stdout"

	oc := cfg.TelemetryConfig("1.2.3")
	assert.True(t, oc.ShouldEnable())
	assert.Equal(t, "1.2.3", oc.ServiceVersion)
	assert.Equal(t, "frontdesk", oc.ServiceName)

	assert.Len(t, cfg.ManagerOptions(), 2)
}

func TestDefaultsSurviveYAML(t *testing.T) {
	data, err := yaml.Marshal(Default())
	require.NoError(t, err)

	cfg, err := Load(writeConfig(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, Default().Manager, cfg.Manager)
	assert.Equal(t, Default().Journal.Retention, cfg.Journal.Retention)
}
