package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, TransportWebSocket, cfg.Stream.Transport)
	assert.Equal(t, time.Second, cfg.Stream.ReconnectBase)
	assert.Equal(t, 30*time.Second, cfg.Stream.ReconnectCap)
	assert.Equal(t, 5, cfg.Session.CountdownFrom)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "couplet.yaml")
	yml := `
user_id: u-1
stream:
  transport: sse
  url: http://example.test/events
  reconnect_base: 2s
  reconnect_cap: 20s
session:
  countdown_from: 3
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	t.Setenv("COUPLET_USER_ID", "u-2")
	t.Setenv("COUPLET_RECONNECT_CAP", "40s")
	t.Setenv("COUPLET_CONSOLE", "tui")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "u-2", cfg.UserID)
	assert.Equal(t, TransportSSE, cfg.Stream.Transport)
	assert.Equal(t, 2*time.Second, cfg.Stream.ReconnectBase)
	assert.Equal(t, 40*time.Second, cfg.Stream.ReconnectCap)
	assert.Equal(t, 3, cfg.Session.CountdownFrom)
	// untouched keys keep their defaults
	assert.Equal(t, 10, cfg.Stream.MaxAttempts)
	assert.Equal(t, ConsoleTUI, cfg.Console.Mode)
	assert.Equal(t, "couplet.log", cfg.Console.LogFile)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown transport", mutate: func(c *Config) { c.Stream.Transport = "carrier-pigeon" }},
		{name: "cap below base", mutate: func(c *Config) { c.Stream.ReconnectCap = 500 * time.Millisecond }},
		{name: "zero countdown", mutate: func(c *Config) { c.Session.CountdownFrom = 0 }},
		{name: "negative attempts", mutate: func(c *Config) { c.Stream.MaxAttempts = -1 }},
		{name: "empty url", mutate: func(c *Config) { c.Stream.URL = "" }},
		{name: "unknown console", mutate: func(c *Config) { c.Console.Mode = "gui" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestLoadRelay_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	yml := `
addr: ":9000"
jwt_secret: file-secret
users:
  - id: alice
    name: Alice
  - id: bob
    name: Bob
    avatar_url: https://example.test/bob.png
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	t.Setenv("RELAY_JWT_SECRET", "env-secret")
	t.Setenv("NATS_URL", "nats://localhost:4222")

	cfg, err := LoadRelay(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "env-secret", cfg.JWTSecret)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "PUSH_EVENTS", cfg.NATS.StreamName)
	assert.Equal(t, "push", cfg.NATS.SubjectPrefix)
	require.Len(t, cfg.Users, 2)
	assert.Equal(t, "https://example.test/bob.png", cfg.Users[1].AvatarURL)
}
