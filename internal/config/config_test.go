package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/codefionn/flowsync/internal/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)

	assert.Equal(t, "/ws/collaboration", cfg.Server.CollabPath)
	assert.Equal(t, 1024, cfg.Collab.MailboxSize)
	assert.Equal(t, 60*time.Second, cfg.PongWait())
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverridesOnlyProvidedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"addr": ":9000", "collab_path": ""},
		"collaboration": {"send_buffer_size": 16},
		"log_level": "debug"
	}`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "/ws/collaboration", cfg.Server.CollabPath, "zeroed field falls back to default")
	assert.Equal(t, 16, cfg.Collab.SendBufferSize)
	assert.Equal(t, 1024, cfg.Collab.MailboxSize)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsBrokenJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":`), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	cfg := DefaultConfig()
	cfg.Analyzer.Provider = "openai"
	cfg.Server.AllowedOrigins = []string{"https://app.example.com"}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "openai", loaded.Analyzer.Provider)
	assert.Equal(t, []string{"https://app.example.com"}, loaded.Server.AllowedOrigins)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("FLOWSYNC_ADDR", "0.0.0.0:80")
	t.Setenv("FLOWSYNC_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("FLOWSYNC_MAILBOX_SIZE", "32")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, "0.0.0.0:80", cfg.Server.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 32, cfg.Collab.MailboxSize)
}

func TestApplyEnvBadNumber(t *testing.T) {
	t.Setenv("FLOWSYNC_MAILBOX_SIZE", "lots")
	assert.Error(t, DefaultConfig().ApplyEnv())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"relative path", func(c *Config) { c.Server.CollabPath = "ws" }, true},
		{"unknown provider", func(c *Config) { c.Analyzer.Provider = "deepgram" }, true},
		{"write wait too long", func(c *Config) { c.Collab.WriteWaitSeconds = 90 }, true},
		{"zero mailbox", func(c *Config) { c.Collab.MailboxSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestOpenSecrets(t *testing.T) {
	sealed, err := secrets.Seal("key-123", "pw")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Analyzer.APIKey = sealed
	require.NoError(t, cfg.OpenSecrets("pw"))
	assert.Equal(t, "key-123", cfg.Analyzer.APIKey)

	cfg.Analyzer.APIKey = sealed
	assert.Error(t, cfg.OpenSecrets("nope"))
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, DefaultConfig().Save(path))

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { changes <- c })
	require.NoError(t, err)
	defer w.Close()

	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	require.NoError(t, cfg.Save(path))

	select {
	case got := <-changes:
		assert.Equal(t, "debug", got.LogLevel)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report the config change")
	}

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
