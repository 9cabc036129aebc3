package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
oauth:
  client_id: app-key
  client_secret: app-secret
  redirect_uri: https://127.0.0.1:8182
stream:
  heartbeat_interval: 5s
  liveness_window: 20s
  max_reconnect_attempts: 4
  fields:
    equities: "0,1,2,3"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_YAMLWithDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "app-key", cfg.OAuth.ClientID)
	assert.Equal(t, 5*time.Second, cfg.Stream.HeartbeatInterval)
	assert.Equal(t, 20*time.Second, cfg.Stream.LivenessWindow)
	assert.Equal(t, 4, cfg.Stream.MaxReconnectAttempts)
	assert.Equal(t, "0,1,2,3", cfg.Stream.Fields["equities"])

	assert.Equal(t, DefaultTokenURL, cfg.OAuth.TokenURL)
	assert.Equal(t, DefaultRefreshMargin, cfg.OAuth.RefreshMargin)
	assert.Equal(t, DefaultBackoffMax, cfg.Stream.BackoffMax)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SCHWAB_CLIENT_ID", "from-env")
	t.Setenv("SCHWAB_STREAM_MAX_RECONNECT", "7")
	cfg, err := Load(writeFile(t, "config.yaml", sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.OAuth.ClientID)
	assert.Equal(t, 7, cfg.Stream.MaxReconnectAttempts)
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	_, err := Load(writeFile(t, "config.toml", "x = 1"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	assert.ErrorContains(t, cfg.Validate(), "client_id")

	cfg.OAuth.ClientID = "id"
	assert.ErrorContains(t, cfg.Validate(), "client_secret")

	cfg.OAuth.ClientSecret = "secret"
	assert.ErrorContains(t, cfg.Validate(), "redirect_uri")

	cfg.OAuth.RedirectURI = "https://127.0.0.1"
	require.NoError(t, cfg.Validate())

	cfg.Stream.LivenessWindow = cfg.Stream.HeartbeatInterval
	assert.ErrorContains(t, cfg.Validate(), "liveness_window")
}
