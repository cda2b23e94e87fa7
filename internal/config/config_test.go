package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.BindAddress)
	assert.Equal(t, 60*time.Second, cfg.Session.GracePeriod)
	assert.Equal(t, 100, cfg.Queue.MaxSize)
	assert.Equal(t, 20, cfg.RateLimit.ChatPerWindow)
	assert.Equal(t, 60.0, cfg.Heartbeat.QuorumThresholdPct)
	assert.Equal(t, time.Second, cfg.Battle.TickPeriod)
	assert.Equal(t, 7*24*time.Hour, cfg.Replay.Retention)
	assert.Equal(t, 0.6, cfg.Elastic.MaxAiRatio)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	body := `
[server]
bind_address = "127.0.0.1:9000"
region = "eu-west"

[session]
grace_period = "90s"

[battle]
tick_period = "250ms"
time_limit = "15m"

[logging]
level = "debug"
format = "json"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.BindAddress)
	assert.Equal(t, "eu-west", cfg.Server.Region)
	assert.Equal(t, 90*time.Second, cfg.Session.GracePeriod)
	assert.Equal(t, 250*time.Millisecond, cfg.Battle.TickPeriod)
	assert.Equal(t, 15*time.Minute, cfg.Battle.TimeLimit)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Untouched sections keep their defaults.
	assert.Equal(t, 100, cfg.Queue.MaxSize)
	assert.Equal(t, 60*time.Second, cfg.Session.ReconnectTokenTTL)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	body := `
[server]
bind_address = "127.0.0.1:9000"

[logging]
level = "warn"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	t.Setenv("TILEMUD_BIND_ADDRESS", "0.0.0.0:7777")
	t.Setenv("TILEMUD_DB_DSN", "postgres://env:env@db:5432/tilemud")
	t.Setenv("TILEMUD_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7777", cfg.Server.BindAddress)
	assert.Equal(t, "postgres://env:env@db:5432/tilemud", cfg.Database.DSN)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nname ="), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
