package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := NewConfig(WithRootDir(t.TempDir()))
	require.Equal(t, uint64(5000), c.MinPushIntervalMs)
	require.Equal(t, uint64(5000), c.RPCTimeoutMs)
	require.Equal(t, 4, c.SchedulerWorkers)
}

func TestOptions(t *testing.T) {
	c := NewConfig(
		WithRootDir(t.TempDir()),
		WithDebug(true),
		WithDatabaseURL("postgres://localhost/courier"),
		WithRedisURL("redis://localhost:6379"),
		WithMinPushIntervalMs(100),
		WithRPCTimeoutMs(200),
		WithSchedulerWorkers(2),
		WithLoggingPrefix("p"),
	)
	require.True(t, c.Debug)
	require.Equal(t, "postgres://localhost/courier", c.DatabaseURL)
	require.Equal(t, "redis://localhost:6379", c.RedisURL)
	require.Equal(t, uint64(100), c.MinPushIntervalMs)
	require.Equal(t, uint64(200), c.RPCTimeoutMs)
	require.Equal(t, 2, c.SchedulerWorkers)
	require.Equal(t, "p", c.LoggingPrefix)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "courier.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
debug = true
root_dir = "`+dir+`"
database_url = "postgres://localhost/courier"
min_push_interval_ms = 1234
apns_topic = "im.courier.app"
fcm_api_key = "key"
`), 0o600))

	c, err := LoadFile(path, WithRootDir(dir))
	require.NoError(t, err)
	require.True(t, c.Debug)
	require.Equal(t, "postgres://localhost/courier", c.DatabaseURL)
	require.Equal(t, uint64(1234), c.MinPushIntervalMs)
	require.Equal(t, "im.courier.app", c.APNSTopic)
	require.Equal(t, "key", c.FCMAPIKey)
	// unset keys keep their defaults
	require.Equal(t, uint64(5000), c.RPCTimeoutMs)
	require.Equal(t, 4, c.SchedulerWorkers)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}
