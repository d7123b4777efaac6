package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feedd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
feed:
  url: wss://feed.example.com/stream
  api_key: key-1
  client_code: A123456
  jwt: token-1
  feed_token: feed-1
  connect_timeout: 20s
  health_interval: 30s
  frame_stale: 4m
  reconnect_delay: 3s
  reconnect_growth: 2.0
  max_reconnects: 6
redis:
  addr: redis.internal:6379
  db: 2
log:
  level: debug
  pretty: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://feed.example.com/stream", cfg.Feed.URL)
	assert.Equal(t, "A123456", cfg.Feed.ClientCode)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)

	assert.Equal(t, 20*time.Second, cfg.Feed.ConnectTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.Feed.HealthInterval.Std())
	assert.Equal(t, 4*time.Minute, cfg.Feed.FrameStale.Std())
	assert.Equal(t, 3*time.Second, cfg.Feed.ReconnectDelay.Std())
	assert.InDelta(t, 2.0, cfg.Feed.ReconnectGrowth, 1e-9)
	assert.Equal(t, 6, cfg.Feed.MaxReconnects)

	// Unset timers stay zero so the connection defaults apply.
	assert.Zero(t, cfg.Feed.DataRequestInterval.Std())

	// Defaults fill the gaps.
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
feed:
  url: wss://feed.example.com/stream
  api_key: key
  client_code: code
  jwt: jwt
  connect_timeout: soon
`))
	assert.ErrorContains(t, err, "parse duration")
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
feed:
  url: wss://feed.example.com/stream
  api_key: file-key
  client_code: A123456
  jwt: file-jwt
`)

	t.Setenv("SMARTFEED_API_KEY", "env-key")
	t.Setenv("SMARTFEED_JWT", "env-jwt")
	t.Setenv("SMARTFEED_REDIS_ADDR", "envhost:6380")
	t.Setenv("SMARTFEED_REDIS_DB", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Feed.APIKey)
	assert.Equal(t, "env-jwt", cfg.Feed.JWT)
	assert.Equal(t, "envhost:6380", cfg.Redis.Addr)
	assert.Equal(t, 7, cfg.Redis.DB)
}

func TestLoadValidation(t *testing.T) {
	_, err := Load(writeConfig(t, `
feed:
  api_key: key
  client_code: code
  jwt: jwt
`))
	assert.ErrorContains(t, err, "feed.url")

	_, err = Load(writeConfig(t, `
feed:
  url: wss://feed.example.com/stream
  client_code: code
  jwt: jwt
`))
	assert.ErrorContains(t, err, "feed.api_key")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
