// internal/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/jason-s-yu/arcade/internal/lobby"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("PAYOUT_URL", "https://settle.example.com")
	t.Setenv("PAYOUT_SECRET", "0123456789abcdef")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, 4, cfg.LobbyCapacity)
	assert.Equal(t, 3*time.Minute, cfg.MatchTimeout)
	assert.Equal(t, 30*time.Second, cfg.EndGracePeriod)
	assert.Zero(t, cfg.StartCountdown)
	assert.Equal(t, lobby.BotFillImmediate, cfg.BotFill.Mode)
	assert.Equal(t, 10*time.Second, cfg.BotFill.Delay)
	assert.Equal(t, lobby.BotLifetime{Min: 5 * time.Second, Max: 45 * time.Second}, cfg.BotLifetime)
	assert.Equal(t, 3, cfg.PayoutMaxRetries)
	assert.Equal(t, "arcade_actions", cfg.HistorianQueueName)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.Equal(t, float64(30), cfg.WSRateLimit)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9000")
	t.Setenv("LOBBY_CAPACITY", "8")
	t.Setenv("BOT_FILL", "delayed")
	t.Setenv("BOT_FILL_DELAY", "2s")
	t.Setenv("BOT_MAX_LIFETIME", "0")
	t.Setenv("START_COUNTDOWN", "3s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr())
	assert.Equal(t, 8, cfg.LobbyCapacity)
	assert.Equal(t, lobby.BotFillPolicy{Mode: lobby.BotFillDelayed, Delay: 2 * time.Second}, cfg.BotFill)
	assert.False(t, cfg.BotLifetime.Enabled())
	assert.Equal(t, 3*time.Second, cfg.StartCountdown)

	logger := cfg.NewLogger()
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestLoadRequiresPayoutSettings(t *testing.T) {
	t.Setenv("PAYOUT_URL", "")
	t.Setenv("PAYOUT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAYOUT_URL")
	assert.Contains(t, err.Error(), "PAYOUT_SECRET")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	setRequired(t)
	t.Setenv("LOBBY_CAPACITY", "12")
	t.Setenv("MATCH_TIMEOUT", "forever")
	t.Setenv("BOT_FILL", "sometimes")
	t.Setenv("PAYOUT_URL", "settle.example.com")

	_, err := Load()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "LOBBY_CAPACITY")
	assert.Contains(t, msg, "MATCH_TIMEOUT")
	assert.Contains(t, msg, "BOT_FILL")
	assert.Contains(t, msg, "PAYOUT_URL")
}

func TestLoadHistorian(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("DATABASE_URL", "")
	_, err := LoadHistorian()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
	assert.Contains(t, err.Error(), "DATABASE_URL")

	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("DATABASE_URL", "postgres://localhost/arcade")
	t.Setenv("HISTORIAN_FLUSH_INTERVAL", "2s")
	h, err := LoadHistorian()
	require.NoError(t, err)
	assert.Equal(t, "arcade_actions", h.Queue)
	assert.Equal(t, 20, h.BatchSize)
	assert.Equal(t, 2*time.Second, h.FlushInterval)
	assert.Equal(t, 10*time.Minute, h.Inactivity)
}
