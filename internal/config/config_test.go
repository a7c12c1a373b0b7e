package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
[identity]
user_id = "user-x"
device_id = "dev-x"
display_name = "Xavier"

[signaling]
url = "wss://relay.example.com/ws"

[call]
auto_answer = false
connection_timeout = "15s"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "knockknock.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "user-x", cfg.Identity.UserID)
	assert.Equal(t, "Xavier", cfg.LocalIdentity().DisplayName)
	assert.False(t, cfg.Call.AutoAnswer)
	assert.Equal(t, 15*time.Second, cfg.Call.ConnectionTimeout)

	// defaults
	assert.Equal(t, time.Second, cfg.Call.AlertPollInterval)
	assert.Equal(t, 5*time.Second, cfg.Call.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, "@every 60s", cfg.Call.ExpirySweepSpec)
	assert.Equal(t, "localhost:6379", cfg.RedisClientConfig().Addr)
	assert.Equal(t, "mock", cfg.Push.Provider)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("KNOCKKNOCK_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("KNOCKKNOCK_CALL_OPTIMISTIC_RESTORE", "true")

	secret := filepath.Join(t.TempDir(), "pw")
	require.NoError(t, os.WriteFile(secret, []byte("hunter2\n"), 0o600))
	t.Setenv("KNOCKKNOCK_REDIS_PASSWORD_FILE", secret)

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.True(t, cfg.Call.OptimisticRestore)
	assert.Equal(t, "hunter2", cfg.Redis.Password)
}

func TestLoadEnvOnly(t *testing.T) {
	t.Setenv("KNOCKKNOCK_IDENTITY_USER_ID", "user-env")
	t.Setenv("KNOCKKNOCK_IDENTITY_DEVICE_ID", "dev-env")
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "user-env", cfg.Identity.UserID)
	assert.True(t, cfg.Call.AutoAnswer)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(writeConfig(t, sampleTOML))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"missing user", func(c *Config) { c.Identity.UserID = "" }, "identity.user_id"},
		{"missing device", func(c *Config) { c.Identity.DeviceID = "" }, "identity.device_id"},
		{"zero timeout", func(c *Config) { c.Call.ConnectionTimeout = 0 }, "connection_timeout"},
		{"zero ring timeout", func(c *Config) { c.Call.RingTimeout = 0 }, "ring_timeout"},
		{"fcm without project", func(c *Config) { c.Push.Provider = "fcm" }, "project_id"},
		{"apns without bundle", func(c *Config) { c.Push.Provider = "apns" }, "bundle_id"},
		{"unknown provider", func(c *Config) { c.Push.Provider = "pigeon" }, "unknown push provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestComponentConfigs(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	callCfg := cfg.CallMachineConfig()
	assert.False(t, callCfg.AutoAnswer)
	assert.Equal(t, 15*time.Second, callCfg.ConnectionTimeout)
	assert.Equal(t, 30*time.Second, callCfg.RingTimeout)
	assert.Equal(t, 3, callCfg.ReconnectRetry.Attempts)
	assert.Equal(t, time.Second, callCfg.KnockInterval)

	sig := cfg.SignalingClientConfig()
	assert.Equal(t, "wss://relay.example.com/ws", sig.URL)
	assert.Equal(t, 25*time.Second, sig.PingInterval)
}
