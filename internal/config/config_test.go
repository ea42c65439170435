package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MIXER_CONFIG", "MIXER_CLIENT_ID", "MIXER_CLIENT_SECRET", "MIXER_OAUTH",
		"MIXER_SCOPE", "MIXER_API_URL", "MIXER_TOKEN_FILE", "MIXER_SKIP_PERSIST",
		"MIXER_BOT_PREFIX", "MIXER_GREETING", "MIXER_JOIN_TIMEOUT", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("MIXER_CLIENT_ID", "client-1")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "client-1", cfg.ClientID)
	require.Equal(t, []string{"chat:connect", "chat:chat"}, cfg.Scope)
	require.Equal(t, "!", cfg.BotPrefix)
	require.Equal(t, 30*time.Second, cfg.JoinTimeout)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadRequiresClientID(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.Error(t, err)
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "mixer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
client_id: from-file
scope: [chat:connect]
bot_prefix: "?"
join_timeout: 5s
skip_persist: true
`), 0o600))
	t.Setenv("MIXER_CONFIG", path)
	t.Setenv("MIXER_SCOPE", " chat:connect , chat:whisper ,")
	t.Setenv("MIXER_OAUTH", "oauth:abc")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.ClientID)
	require.Equal(t, "?", cfg.BotPrefix)
	require.Equal(t, 5*time.Second, cfg.JoinTimeout)
	require.True(t, cfg.SkipPersist)
	require.Equal(t, []string{"chat:connect", "chat:whisper"}, cfg.Scope)
	require.Equal(t, "oauth:abc", cfg.OAuth)
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.WriteFile(".env", []byte("MIXER_CLIENT_ID=from-dotenv\nMIXER_SKIP_PERSIST=yes\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("MIXER_CLIENT_ID")
		os.Unsetenv("MIXER_SKIP_PERSIST")
	})

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "from-dotenv", cfg.ClientID)
	require.True(t, cfg.SkipPersist)
}

func TestLoadBadFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("MIXER_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("MIXER_CLIENT_ID", "x")
	_, err := Load()
	require.Error(t, err)
}
