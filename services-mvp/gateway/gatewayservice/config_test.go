package gatewayservice

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, ":8080", cfg.HTTP.ListenAddr)
	assert.Equal(t, int64(1<<20), cfg.HTTP.MaxBodyBytes)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 100, cfg.RateLimit.MaxMessagesPerWindow)
	assert.Equal(t, 60*time.Second, cfg.Window())
	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, "embedded", cfg.Listener.Mode)
	assert.Equal(t, 1883, cfg.Listener.Port)
	assert.Equal(t, []string{"devices/+/telemetry", "+/devices/+/telemetry"}, cfg.Listener.Topics)
	assert.Equal(t, "kafka", cfg.Broker.Kind)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Broker.Bootstrap)
	assert.Equal(t, "telemetry.raw", cfg.Broker.Topic)
}

func TestLoadConfig_FileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	yaml := `
log_level: debug
rate_limit:
  max_messages_per_window: 10
  window_seconds: 5
listener:
  port: 2883
broker:
  topic: from-file
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("GATEWAY_BROKER_TOPIC", "from-env")
	t.Setenv("GATEWAY_IDENTITY_BASE_URL", "http://registry:8080")

	cfg, err := LoadConfig([]string{"--config", path, "--listener-port", "3883"})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 10, cfg.RateLimit.MaxMessagesPerWindow)
	assert.Equal(t, 5*time.Second, cfg.Window())
	assert.Equal(t, "from-env", cfg.Broker.Topic)
	assert.Equal(t, "http://registry:8080", cfg.Identity.BaseURL)
	assert.Equal(t, 3883, cfg.Listener.Port)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")})
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig(nil)
		require.NoError(t, err)
		return cfg
	}

	testCases := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad listener mode", mutate: func(c *Config) { c.Listener.Mode = "serial" }, errMsg: "listener.mode"},
		{name: "bad broker kind", mutate: func(c *Config) { c.Broker.Kind = "nats" }, errMsg: "broker.kind"},
		{name: "pubsub without project", mutate: func(c *Config) { c.Broker.Kind = "pubsub" }, errMsg: "broker.project_id"},
		{name: "auth without registry", mutate: func(c *Config) { c.Auth.Enabled = true }, errMsg: "identity.base_url"},
		{name: "zero window", mutate: func(c *Config) { c.RateLimit.WindowSeconds = 0 }, errMsg: "window_seconds"},
		{name: "zero window when disabled", mutate: func(c *Config) {
			c.RateLimit.Enabled = false
			c.RateLimit.WindowSeconds = 0
		}},
		{name: "bad qos", mutate: func(c *Config) { c.Listener.QoS = 3 }, errMsg: "listener.qos"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}
