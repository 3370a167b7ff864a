package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, DriverMySQL, cfg.Store.Driver)
	require.Equal(t, 720*time.Hour, cfg.Store.Retention)
	require.Equal(t, 3, cfg.Delivery.MaxAttempts)
	require.Equal(t, []time.Duration{5 * time.Minute, 30 * time.Minute, 2 * time.Hour}, cfg.Delivery.Schedule)
	require.Equal(t, 24*time.Hour, cfg.Delivery.Window)
	require.Equal(t, 1<<20, cfg.Ingest.MaxPayloadBytes)
	require.Equal(t, 200, cfg.Inbox.MaxLimit)
	require.Len(t, cfg.Notifier.Endpoints, 1)
	require.True(t, cfg.Kafka.Enabled)
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: memory\nqueue:\n  driver: memory\n"), 0o600))

	t.Setenv("EVGW_INBOX_MAX_LIMIT", "100")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DriverMemory, cfg.Store.Driver)
	require.Equal(t, DriverMemory, cfg.Queue.Driver)
	require.Equal(t, 100, cfg.Inbox.MaxLimit)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := cfg
	bad.Inbox.CursorSecret = " "
	require.ErrorContains(t, bad.Validate(), "cursor_secret")

	bad = cfg
	bad.Store.Driver = "dynamo"
	require.ErrorContains(t, bad.Validate(), "store.driver")

	bad = cfg
	bad.Queue.MaxReceive = 2
	require.ErrorContains(t, bad.Validate(), "max_receive")

	bad = cfg
	bad.Kafka.Brokers = nil
	require.ErrorContains(t, bad.Validate(), "kafka")

	bad.Kafka.Enabled = false
	require.NoError(t, bad.Validate())
}
