package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidatesWithSecret(t *testing.T) {
	cfg := Default()
	cfg.Webhook.Secret = "s3cret"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, 4096, cfg.Logs.RingSize)
	assert.Equal(t, 1024, cfg.Logs.SubscriberBuffer)
	assert.Equal(t, time.Hour, cfg.Jobs.OrphanTimeout)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  read_timeout: 5s
webhook:
  secret: hunter2
agents:
  stale_after: 45s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "hunter2", cfg.Webhook.Secret)
	assert.Equal(t, 45*time.Second, cfg.Agents.StaleAfter)
	// Untouched sections keep defaults.
	assert.Equal(t, 120*time.Second, cfg.Agents.OfflineAfter)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DEPLOYBOT_PORT", "7070")
	t.Setenv("DEPLOYBOT_WEBHOOK_SECRET", "env-secret")
	t.Setenv("DEPLOYBOT_DB_DSN", "postgres://localhost/deploybot")
	t.Setenv("DEPLOYBOT_AGENT_TOKEN_SECRET", "token-secret")

	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "env-secret", cfg.Webhook.Secret)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, "postgres://localhost/deploybot", cfg.Database.DSN)
	assert.True(t, cfg.Agents.RequireTokens)
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejections(t *testing.T) {
	cfg := Default()
	cfg.Webhook.Secret = "s"
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Webhook.Secret = "s"
	cfg.Database.Type = "mongodb"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	assert.Error(t, cfg.Validate(), "missing webhook secret")

	cfg = Default()
	cfg.Webhook.Secret = "s"
	cfg.Agents.RequireTokens = true
	assert.Error(t, cfg.Validate())
}
