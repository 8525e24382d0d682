package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseAccount(t *testing.T) {
	t.Helper()
	t.Setenv("ACCOUNT_1_ID", "work")
	t.Setenv("ACCOUNT_1_IMAP_HOST", "imap.example.com")
	t.Setenv("ACCOUNT_1_USERNAME", "me@example.com")
	t.Setenv("ACCOUNT_1_PASSWORD", "secret")
}

func TestLoadConfigDefaults(t *testing.T) {
	setBaseAccount(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.PoolMaxPerAccount)
	assert.Equal(t, 2*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 50, cfg.SyncBatchSize)
	assert.Equal(t, ":8143", cfg.RESTAddr)
	assert.False(t, cfg.EnableRPC)

	require.Len(t, cfg.Accounts, 1)
	acc := cfg.Accounts[0]
	assert.Equal(t, "work", acc.ID)
	assert.Equal(t, "work", acc.Name)
	assert.Equal(t, 993, acc.IMAPPort)
	assert.Equal(t, TLSModeImplicit, acc.TLSMode)
	assert.Equal(t, AuthPassword, acc.AuthType)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfigMultipleAccounts(t *testing.T) {
	setBaseAccount(t)
	t.Setenv("ACCOUNT_2_ID", "personal")
	t.Setenv("ACCOUNT_2_IMAP_HOST", "imap.other.com")
	t.Setenv("ACCOUNT_2_TLS_MODE", "starttls")
	t.Setenv("ACCOUNT_2_USERNAME", "other@other.com")
	t.Setenv("ACCOUNT_2_AUTH_TYPE", "oauth")
	t.Setenv("ACCOUNT_2_OAUTH_TOKEN", "tok")
	t.Setenv("ACCOUNT_2_DISABLED", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 2)

	acc := cfg.Accounts[1]
	assert.Equal(t, "personal", acc.ID)
	assert.Equal(t, TLSModeStartTLS, acc.TLSMode)
	assert.Equal(t, AuthOAuth, acc.AuthType)
	assert.True(t, acc.Disabled)
}

func TestLoadConfigMissingPassword(t *testing.T) {
	t.Setenv("ACCOUNT_1_ID", "work")
	t.Setenv("ACCOUNT_1_IMAP_HOST", "imap.example.com")
	t.Setenv("ACCOUNT_1_USERNAME", "me@example.com")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PASSWORD")
}

func TestLoadConfigNoAccounts(t *testing.T) {
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestValidateRejectsDuplicateAccountIDs(t *testing.T) {
	setBaseAccount(t)
	cfg, err := LoadConfig()
	require.NoError(t, err)

	cfg.Accounts = append(cfg.Accounts, cfg.Accounts[0])
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadTLSMode(t *testing.T) {
	setBaseAccount(t)
	cfg, err := LoadConfig()
	require.NoError(t, err)

	cfg.Accounts[0].TLSMode = "plaintext"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsCapBelowBatch(t *testing.T) {
	setBaseAccount(t)
	cfg, err := LoadConfig()
	require.NoError(t, err)

	cfg.SyncBatchSize = 100
	cfg.SyncMessageCap = 10
	assert.Error(t, cfg.Validate())
}

func TestGetAccount(t *testing.T) {
	setBaseAccount(t)
	cfg, err := LoadConfig()
	require.NoError(t, err)

	acc, ok := cfg.GetAccount("work")
	require.True(t, ok)
	assert.Equal(t, "work", acc.ID)

	_, ok = cfg.GetAccount("nope")
	assert.False(t, ok)
}
