package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "trading:\n  symbol: ethusdt\n"))
	require.NoError(t, err)

	assert.Equal(t, "ETHUSDT", cfg.Trading.Symbol)
	assert.Equal(t, time.Minute, cfg.Trading.Interval)
	assert.Equal(t, 2*time.Hour, cfg.Features.Lookback)
	assert.Equal(t, 30, cfg.Window.Size)
	assert.False(t, cfg.Window.RequireContiguous)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 100000, cfg.Database.QueueCapacity)
	assert.False(t, cfg.Database.DropWhenFull)
	assert.Equal(t, "aggTrade", cfg.Stream.TradeStream)
	assert.Equal(t, 60*time.Second, cfg.Monitor.Threshold)
	assert.Equal(t, "@every 5m", cfg.Snapshot.Schedule)
	assert.Equal(t, "binance-futures-api-key", cfg.GCP.SecretNames.BinanceAPIKey)
}

func TestLoad_FileAndEnv(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "env-key")
	t.Setenv("LIQTRADER_WINDOW_SIZE", "12")

	path := writeConfig(t, `
binance:
  api_key: file-key
  api_secret: file-secret
window:
  require_contiguous: true
trading:
  interval: 30s
  sizing: risk
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Binance.APIKey)
	assert.Equal(t, "file-secret", cfg.Binance.APISecret)
	assert.Equal(t, 12, cfg.Window.Size)
	assert.True(t, cfg.Window.RequireContiguous)
	assert.Equal(t, 30*time.Second, cfg.Trading.Interval)
	assert.Equal(t, "risk", cfg.Trading.Sizing)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	_, err := Load(writeConfig(t, "window:\n  size: 0\ndatabase:\n  driver: mongo\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window.size")
	assert.Contains(t, err.Error(), "database.driver")
}

type fakeSecrets map[string]string

func (f fakeSecrets) GetSecretWithDefault(ctx context.Context, name, def string) string {
	if v, ok := f[name]; ok {
		return v
	}
	return def
}

func TestApplySecrets_OnlyFillsEmpty(t *testing.T) {
	cfg := &Config{}
	cfg.Binance.APIKey = "already-set"
	cfg.GCP.SecretNames.BinanceAPIKey = "key"
	cfg.GCP.SecretNames.BinanceAPISecret = "secret"
	cfg.GCP.SecretNames.JWTSecret = "jwt"

	applySecrets(context.Background(), cfg, fakeSecrets{"key": "gcp-key", "secret": "gcp-secret", "jwt": "s3cret"})

	assert.Equal(t, "already-set", cfg.Binance.APIKey)
	assert.Equal(t, "gcp-secret", cfg.Binance.APISecret)
	assert.Equal(t, "s3cret", cfg.Server.JWTSecret)
	assert.Empty(t, cfg.Monitor.TelegramToken)
}
