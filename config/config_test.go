package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("TG_BOT_TOKEN", "123:abc")
	t.Setenv("YOOKASSA_STORE_ID", "shop")
	t.Setenv("YOOKASSA_API_KEY", "secret")
	t.Setenv("MARZBAN_URL", "https://panel.example/")
	t.Setenv("MARZBAN_USERNAME", "admin")
	t.Setenv("MARZBAN_PASSWORD", "pass")
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://panel.example", cfg.MarzbanURL)
	assert.Equal(t, "https://api.yookassa.ru/v3", cfg.YooKassaAPIURL)
	assert.Equal(t, "tg.db", cfg.DatabasePath)
	assert.Equal(t, 24*time.Hour, cfg.SweepInterval)
	assert.Equal(t, 10*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, "@JustSL", cfg.SupportContact)
}

func TestLoadDurations(t *testing.T) {
	t.Chdir(t.TempDir())
	setRequired(t)
	t.Setenv("SWEEP_INTERVAL", "1h")
	t.Setenv("REMOTE_TIMEOUT", "3s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, 3*time.Second, cfg.RemoteTimeout)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SWEEP_INTERVAL", "daily")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SWEEP_INTERVAL")
}

func TestValidateListsMissing(t *testing.T) {
	cfg := &Config{SweepInterval: time.Hour, RemoteTimeout: time.Second, BotToken: "x"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "YOOKASSA_STORE_ID")
	assert.Contains(t, err.Error(), "MARZBAN_PASSWORD")
	assert.NotContains(t, err.Error(), "TG_BOT_TOKEN")
}
