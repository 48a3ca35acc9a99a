package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 40*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, 5*time.Second, cfg.Call.DisconnectGrace)
	assert.Equal(t, 32, cfg.Call.NegotiationBufferSize)
	assert.Equal(t, 8, cfg.Call.ProtocolErrorLimit)
}

func TestLoad_CallOverrides(t *testing.T) {
	t.Setenv("CALL_RING_TIMEOUT_SECONDS", "30")
	t.Setenv("CALL_DISCONNECT_GRACE_SECONDS", "3")
	t.Setenv("CALL_NEGOTIATION_BUFFER_SIZE", "4")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, 3*time.Second, cfg.Call.DisconnectGrace)
	assert.Equal(t, 4, cfg.Call.NegotiationBufferSize)
}

func TestLoad_RejectsZeroRingTimeout(t *testing.T) {
	t.Setenv("CALL_RING_TIMEOUT_SECONDS", "0")

	cfg, err := Load()

	assert.Nil(t, cfg)
	assert.ErrorContains(t, err, "CALL_RING_TIMEOUT_SECONDS")
}

func TestLoad_ProductionRequiresSecret(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "short")

	_, err := Load()

	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestLoad_AllowedOrigins(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com, https://m.example.com")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example.com", "https://m.example.com"}, cfg.WebSocket.AllowedOrigins)
}

func TestLoad_RateLimit(t *testing.T) {
	t.Setenv("RATE_LIMIT_REQUESTS", "10")
	t.Setenv("RATE_LIMIT_WINDOW_SECONDS", "30")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 10, cfg.RateLimit.RequestsPerWindow)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)

	t.Setenv("RATE_LIMIT_REQUESTS", "0")
	_, err = Load()
	assert.ErrorContains(t, err, "RATE_LIMIT_REQUESTS")
}
