package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
env: production
server:
  port: 9000
  bind_address: "127.0.0.1"
  http_port: 9001
  http_enabled: true
recording:
  recordings_root: "/var/lib/meetbot/recordings"
  enable_mixed_audio: true
  enable_per_participant_audio: false
  inactivity_timeout: 120
  pending_buffer_seconds: 10
pipeline:
  summarisation_provider: openai
  summarisation_language: vi
  summarisation_api_key: test-key
  request_timeout: 30
  max_retries: 2
  max_concurrent: 2
logging:
  level: debug
  format: text
  output: stderr
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, EnvProduction, cfg.Env)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.BindAddress)
	assert.Equal(t, "/var/lib/meetbot/recordings", cfg.Recording.RecordingsRoot)
	assert.False(t, cfg.Recording.EnablePerParticipantAudio)
	assert.Equal(t, 120*time.Second, cfg.Recording.GetInactivityTimeout())
	assert.Equal(t, ProviderOpenAI, cfg.Pipeline.SummarisationProvider)
	assert.Equal(t, "vi", cfg.Pipeline.SummarisationLanguage)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.GetRequestTimeout())
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
recording:
  recordings_root: "./rec"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, 8765, cfg.Server.Port)
	assert.Equal(t, "./rec", cfg.Recording.RecordingsRoot)
	assert.True(t, cfg.Recording.EnableMixedAudio)
	assert.Equal(t, 300, cfg.Recording.InactivityTimeout)
	assert.Equal(t, ProviderAuto, cfg.Pipeline.SummarisationProvider)
	assert.Equal(t, "en", cfg.Pipeline.SummarisationLanguage)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to parse")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad env",
			mutate:  func(c *Config) { c.Env = "staging" },
			wantErr: "env must be one of",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "port must be between",
		},
		{
			name:    "http port collides",
			mutate:  func(c *Config) { c.Server.HTTPPort = c.Server.Port },
			wantErr: "http_port must differ",
		},
		{
			name:    "empty recordings root",
			mutate:  func(c *Config) { c.Recording.RecordingsRoot = "" },
			wantErr: "recordings_root cannot be empty",
		},
		{
			name:    "zero inactivity timeout",
			mutate:  func(c *Config) { c.Recording.InactivityTimeout = 0 },
			wantErr: "inactivity_timeout",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Pipeline.SummarisationProvider = "whispercpp" },
			wantErr: "summarisation_provider must be one of",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Pipeline.MaxRetries = -1 },
			wantErr: "max_retries cannot be negative",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
