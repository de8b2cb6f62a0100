package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Server.StoreDriver)
	assert.Equal(t, DriverRedis, cfg.Server.RelayDriver)
	assert.Equal(t, 30*time.Second, cfg.Presence.ActiveWindow)
	assert.Equal(t, 60*time.Second, cfg.Presence.ExpiryWindow)
	assert.Equal(t, 10*time.Second, cfg.Presence.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.Signaling.Retention)
	assert.Equal(t, 45*time.Second, cfg.Viewer.HandshakeTimeout)
	assert.Equal(t, 24*time.Hour, cfg.JWT.TTL)
	assert.False(t, cfg.AWS.S3Enabled())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("RELAY_DRIVER", "memory")
	t.Setenv("HANDSHAKE_TIMEOUT", "0")
	t.Setenv("PRESENCE_ACTIVE_WINDOW", "15s")
	t.Setenv("SIGNAL_RETENTION", "90")
	t.Setenv("WEBRTC_ICE_URLS", "stun:a:3478, turn:b:3478 ,")
	t.Setenv("AWS_S3_RECORDINGS_BUCKET", "recs")
	t.Setenv("JWT_REQUIRED", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Server.StoreDriver)
	assert.Zero(t, cfg.Viewer.HandshakeTimeout)
	assert.Equal(t, 15*time.Second, cfg.Presence.ActiveWindow)
	assert.Equal(t, 90*time.Second, cfg.Signaling.Retention)
	assert.Equal(t, []string{"stun:a:3478", "turn:b:3478"}, cfg.WebRTC.ICEUrls)
	assert.True(t, cfg.AWS.S3Enabled())
	assert.True(t, cfg.JWT.Required)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsInvertedWindows(t *testing.T) {
	t.Setenv("PRESENCE_ACTIVE_WINDOW", "2m")
	_, err := Load()
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{User: "u", Password: "p", Host: "h", Port: "5432", DBName: "db", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@h:5432/db?sslmode=disable", d.DSN())
	d.URL = "postgres://x"
	assert.Equal(t, "postgres://x", d.DSN())
}
