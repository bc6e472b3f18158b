package model_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/qmail/internal/model"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := model.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	def := model.DefaultAppConfig()
	assert.Equal(t, def.Sync, cfg.Sync)
	assert.Equal(t, def.Network, cfg.Network)
	assert.Equal(t, def.Gate, cfg.Gate)
	assert.Equal(t, model.DefaultTiers(), cfg.Dispatch.Tiers)
	assert.Empty(t, cfg.Accounts)
}

func TestLoadConfig_FileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
remote:
  base_url: https://mail.example.test
sync:
  poll_interval_sec: 60
gate:
  session_scope: sideways
accounts:
  - id: work
    email: me@work.test
  - id: old
    type: imap
    enabled: false
    poll_interval_sec: 5
    imap:
      host: imap.old.test
      port: "993"
      tls: true
`), 0o600))

	t.Setenv("QMAIL_REMOTE_MAX_RETRIES", "7")

	cfg, err := model.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://mail.example.test", cfg.Remote.BaseURL)
	assert.Equal(t, 7, cfg.Remote.MaxRetries)
	assert.Equal(t, 60, cfg.Sync.PollIntervalSec)
	assert.Equal(t, 30, cfg.Sync.InitialPageSize)
	assert.Equal(t, model.SessionScopeGlobal, cfg.Gate.SessionScope, "unknown scope falls back to global")

	require.Len(t, cfg.Accounts, 2)

	work := cfg.Accounts[0]
	assert.Equal(t, model.AccountTypeHTTP, work.Type)
	assert.True(t, work.Enabled, "unset enabled means enabled")
	assert.Equal(t, time.Minute, cfg.PollInterval(work))

	old := cfg.Accounts[1]
	assert.Equal(t, model.AccountTypeIMAP, old.Type)
	assert.False(t, old.Enabled)
	assert.Equal(t, "imap.old.test", old.IMAP.Host)
	assert.True(t, old.IMAP.TLS)
	assert.Equal(t, 5*time.Second, cfg.PollInterval(old))
}

func TestLoadConfig_RejectsBrokenYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync: [unterminated"), 0o600))

	_, err := model.LoadConfig(path)
	assert.Error(t, err)
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := model.DefaultAppConfig()
	cfg.Remote.BaseURL = "https://mail.example.test"
	cfg.Gate.SessionScope = model.SessionScopeMessage
	cfg.Accounts = []model.AccountConfig{
		{ID: "work", Type: model.AccountTypeHTTP, Email: "me@work.test", Enabled: true},
	}

	require.NoError(t, model.SaveConfig(path, cfg))

	got, err := model.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Remote, got.Remote)
	assert.Equal(t, cfg.Gate, got.Gate)
	assert.Equal(t, cfg.Accounts, got.Accounts)
	assert.Equal(t, cfg.Dispatch.Tiers, got.Dispatch.Tiers)
}

func TestMessageRecord_Encrypted(t *testing.T) {
	assert.False(t, model.MessageRecord{Body: "hi"}.Encrypted())
	assert.False(t, model.MessageRecord{Tier: model.TierNone, Ciphertext: []byte("x")}.Encrypted())
	assert.True(t, model.MessageRecord{Tier: 2, Ciphertext: []byte("x")}.Encrypted())
	assert.True(t, model.MessageRecord{Tier: 2, KeyRef: "flow-1"}.Encrypted(), "summary without content")
	assert.False(t, model.MessageRecord{Tier: 2, Body: "sent copy"}.Encrypted(), "plaintext held locally")
}

func TestMessagePatch_Remote(t *testing.T) {
	yes := true
	assert.False(t, model.MessagePatch{Decrypted: &yes}.Remote())
	assert.True(t, model.MessagePatch{IsRead: &yes}.Remote())
}
