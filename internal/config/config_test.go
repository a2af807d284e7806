package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", c.HTTP.Addr())
	assert.Equal(t, "/driver", c.Relay.DriverPath)
	assert.Equal(t, "/map", c.Relay.ViewerPath)
	assert.Equal(t, []string{"bus_id", "vehicle_id"}, c.Relay.IDFields)
	assert.Equal(t, "./public", c.Relay.StaticDir)
	assert.Equal(t, int64(64*1024), c.Relay.ReadLimit)
	assert.Equal(t, 256, c.Relay.ViewerQueue)
	assert.Equal(t, 10*time.Second, c.Relay.WriteTimeout)
	assert.Equal(t, "info", c.Log.Level)
	assert.Empty(t, c.Tunnel.Addr)
}

func TestPortFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9090, c.HTTP.Port)
	assert.Equal(t, "0.0.0.0:9090", c.HTTP.Addr())
}

func TestNestedEnv(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("RELAY_VIEWER_QUEUE", "8")
	t.Setenv("LOG_LEVEL", "debug")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8, c.Relay.ViewerQueue)
	assert.Equal(t, "debug", c.Log.Level)
}

func TestConfigFile(t *testing.T) {
	t.Setenv("PORT", "")
	cfg := `http:
  port: 7000
relay:
  driver_path: /push
  id_fields: [vehicle_id]
  write_timeout: 3s
tunnel:
  addr: edge.example.net:5556
  token: secret
`
	path := filepath.Join(t.TempDir(), "busrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, c.HTTP.Port)
	assert.Equal(t, "/push", c.Relay.DriverPath)
	assert.Equal(t, "/map", c.Relay.ViewerPath)
	assert.Equal(t, []string{"vehicle_id"}, c.Relay.IDFields)
	assert.Equal(t, 3*time.Second, c.Relay.WriteTimeout)
	assert.Equal(t, "secret", c.Tunnel.Token)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  port: 7000\n"), 0o600))
	t.Setenv("PORT", "7001")
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7001, c.HTTP.Port)
}

func TestInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"port zero", map[string]string{"PORT": "0"}},
		{"port too large", map[string]string{"PORT": "70000"}},
		{"same paths", map[string]string{"RELAY_VIEWER_PATH": "/driver"}},
		{"relative path", map[string]string{"RELAY_DRIVER_PATH": "driver"}},
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}},
		{"tunnel without token", map[string]string{"TUNNEL_ADDR": "edge:5556"}},
		{"empty queue", map[string]string{"RELAY_VIEWER_QUEUE": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PORT", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
