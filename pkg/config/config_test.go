// Copyright 2024-2026 Aiku AI

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/aiku/tagallbot/pkg/supervisor"
)

func TestConfigUnmarshalYAML(t *testing.T) {
	t.Parallel()
	input := `
backend: mattermost
command_prefix: "!"
mattermost:
  server_url: http://mm.local:8065/
  token: secret
retry:
  delay: 3s
  max_attempts: 5
`
	cfg := Default()
	if err := yaml.Unmarshal([]byte(input), cfg); err != nil {
		t.Fatalf("UnmarshalYAML: %v", err)
	}
	if cfg.Backend != BackendMattermost {
		t.Errorf("Backend: got %q", cfg.Backend)
	}
	if cfg.CommandPrefix != "!" {
		t.Errorf("CommandPrefix: got %q", cfg.CommandPrefix)
	}
	if cfg.Retry.Delay != 3*time.Second {
		t.Errorf("Retry.Delay: got %s", cfg.Retry.Delay)
	}
	// Keys missing from the document keep their defaults.
	if !cfg.Retry.TakeoverOnConflict {
		t.Error("Retry.TakeoverOnConflict should keep its default")
	}
	if cfg.AttentionMessage == "" {
		t.Error("AttentionMessage should keep its default")
	}

	require.NoError(t, cfg.PostProcess())
	assert.Equal(t, "http://mm.local:8065", cfg.Mattermost.ServerURL, "trailing slash trimmed")
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Parallel()
	cfg := Default()
	require.NoError(t, Parse([]byte(ExampleConfig), cfg))
	require.NoError(t, cfg.PostProcess())

	assert.Equal(t, BackendWhatsApp, cfg.Backend)
	assert.Equal(t, "my-bot", cfg.WhatsApp.ClientID)
	assert.Equal(t, 45*time.Second, cfg.WhatsApp.PairingTimeout)
	require.NotNil(t, cfg.Logging.MinLevel)
	assert.Equal(t, zerolog.InfoLevel, *cfg.Logging.MinLevel)
}

func TestConfigPostProcessInvalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown backend", mutate: func(c *Config) { c.Backend = "telegram" }},
		{name: "zero delay", mutate: func(c *Config) { c.Retry.Delay = 0 }},
		{name: "negative attempts", mutate: func(c *Config) { c.Retry.MaxAttempts = -1 }},
		{name: "bad strategy", mutate: func(c *Config) { c.Retry.Strategy = "fibonacci" }},
		{name: "whatsapp without client id", mutate: func(c *Config) { c.WhatsApp.ClientID = "" }},
		{name: "whatsapp client id with slash", mutate: func(c *Config) { c.WhatsApp.ClientID = "../x" }},
		{name: "mattermost without token", mutate: func(c *Config) {
			c.Backend = BackendMattermost
			c.Mattermost.ServerURL = "https://mm.example.com"
		}},
		{name: "mattermost bad url", mutate: func(c *Config) {
			c.Backend = BackendMattermost
			c.Mattermost.ServerURL = "not a url"
			c.Mattermost.Token = "x"
		}},
		{name: "matrix user id", mutate: func(c *Config) {
			c.Backend = BackendMatrix
			c.Matrix = MatrixConfig{HomeserverURL: "https://hs.example.com", UserID: "bot:example.com", AccessToken: "x"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.PostProcess())
		})
	}
}

func TestConfigPostProcessNormalizes(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Backend = " WhatsApp "
	cfg.Retry.Strategy = ""
	require.NoError(t, cfg.PostProcess())
	assert.Equal(t, BackendWhatsApp, cfg.Backend)
	assert.Equal(t, string(supervisor.StrategyConstant), cfg.Retry.Strategy)
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: whatsapp\n"), 0o600))

	t.Setenv("TAGALL_BACKEND", "matrix")
	t.Setenv("TAGALL_MATRIX_HOMESERVER_URL", "https://matrix.example.com")
	t.Setenv("TAGALL_MATRIX_USER_ID", "@bot:example.com")
	t.Setenv("TAGALL_MATRIX_ACCESS_TOKEN", "syt_token")
	t.Setenv("TAGALL_RETRY_DELAY", "250ms")
	t.Setenv("TAGALL_RETRY_TAKEOVER_ON_CONFLICT", "false")

	cfg, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, BackendMatrix, cfg.Backend)
	assert.Equal(t, "@bot:example.com", cfg.Matrix.UserID)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 250*time.Millisecond, policy.Delay)
	assert.False(t, policy.TakeoverOnConflict)
	assert.True(t, policy.RetryOnAuthFailure)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nope.yaml")

	_, err := Load(path, false)
	require.Error(t, err)

	cfg, err := Load(path, true)
	require.NoError(t, err)
	assert.Equal(t, BackendWhatsApp, cfg.Backend)
}

func TestLoadInvalidYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: [whatsapp"), 0o600))
	_, err := Load(path, false)
	require.Error(t, err)
}

func TestLogger(t *testing.T) {
	t.Parallel()
	cfg := Default()
	log, err := cfg.Logger()
	require.NoError(t, err)
	require.NotNil(t, log)
}
