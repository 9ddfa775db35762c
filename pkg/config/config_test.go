package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Check default values
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Tracking.PollInterval.Duration)
	assert.True(t, cfg.Tracking.WaitForCompletion)
	assert.Equal(t, 100, cfg.Store.MaxHistory)
	assert.Equal(t, 24*time.Hour, cfg.Store.ActiveTTL.Duration)
	assert.Equal(t, time.Hour, cfg.Store.CompletedTTL.Duration)
	assert.Equal(t, 5*time.Minute, cfg.Store.SweepInterval.Duration)
	assert.Equal(t, 30*time.Second, cfg.Streaming.KeepAliveInterval.Duration)
	assert.False(t, cfg.RemoteLookupEnabled())
	assert.NoError(t, cfg.Validate())
}

func TestSaveAndLoadConfig(t *testing.T) {
	tempDir := t.TempDir()

	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, name)

			originalCfg := DefaultConfig()
			originalCfg.Server.Port = 9090
			originalCfg.N8n.BaseURL = "https://n8n.example.com"
			originalCfg.Tracking.PollInterval = Duration{250 * time.Millisecond}
			originalCfg.CORS.AllowedOrigins = []string{"https://chat.example.com"}

			require.NoError(t, SaveConfig(originalCfg, configPath))

			loadedCfg, err := LoadConfig(configPath)
			require.NoError(t, err)

			assert.Equal(t, 9090, loadedCfg.Server.Port)
			assert.Equal(t, "https://n8n.example.com", loadedCfg.N8n.BaseURL)
			assert.Equal(t, 250*time.Millisecond, loadedCfg.Tracking.PollInterval.Duration)
			assert.Equal(t, []string{"https://chat.example.com"}, loadedCfg.CORS.AllowedOrigins)
			assert.Equal(t, originalCfg.Store, loadedCfg.Store)
		})
	}
}

func TestLoadConfigKeepsDefaultsForMissingKeys(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "partial.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"tracking":{"poll_interval":"2s","lookup_buffer":1500}}`), 0644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Tracking.PollInterval.Duration)
	assert.Equal(t, 1500*time.Millisecond, cfg.Tracking.LookupBuffer.Duration)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadConfigError(t *testing.T) {
	// Try to load a non-existent config file
	_, err := LoadConfig("non-existent-file.json")
	assert.Error(t, err)

	configPath := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"tracking":{"poll_interval":"soon"}}`), 0644))
	_, err = LoadConfig(configPath)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Store.SweepInterval = Duration{0}
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Logging.Output = "file"
	assert.Error(t, cfg.Validate())
	cfg.Logging.FilePath = "/tmp/n8nstream.log"
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("N8NSTREAM_PORT", "7070")
	t.Setenv("N8N_BASE_URL", "https://n8n.example.com/")
	t.Setenv("N8N_API_KEY", "secret")
	t.Setenv("N8NSTREAM_WAIT_FOR_COMPLETION", "false")
	t.Setenv("N8NSTREAM_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("N8NSTREAM_POLL_INTERVAL", "1s")

	cfg := DefaultConfig()
	ApplyEnv(cfg)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "https://n8n.example.com", cfg.N8n.BaseURL)
	assert.True(t, cfg.RemoteLookupEnabled())
	assert.False(t, cfg.Tracking.WaitForCompletion)
	assert.Equal(t, time.Second, cfg.Tracking.PollInterval.Duration)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com", "https://n8n.example.com"}, cfg.AllowedOrigins())
}
