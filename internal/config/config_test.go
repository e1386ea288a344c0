package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"SERVER_PORT", "SERVER_HOST", "SEND_BUFFER_SIZE", "IDLE_TIMEOUT", "REDIS_ADDR", "MDNS_ENABLED", "TRACING_ENABLED", "ICE_SERVERS"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", cfg.Addr())
	assert.Equal(t, 256, cfg.SendBufferSize)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.Empty(t, cfg.RedisAddr)
	assert.False(t, cfg.MDNSEnabled)
	assert.True(t, cfg.TracingEnabled)
	assert.Empty(t, cfg.ICEServers)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("SERVER_HOST", "0.0.0.0")
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("SEND_BUFFER_SIZE", "32")
	t.Setenv("IDLE_TIMEOUT", "90s")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("MDNS_ENABLED", "true")
	t.Setenv("TRACING_ENABLED", "false")
	t.Setenv("PEER_NAME", "ana")
	t.Setenv("ICE_SERVERS", "stun:stun.l.google.com:19302, ,turn:relay.example.com:3478")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr())
	port, err := cfg.Port()
	require.NoError(t, err)
	assert.Equal(t, 9000, port)
	assert.Equal(t, 32, cfg.SendBufferSize)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.True(t, cfg.MDNSEnabled)
	assert.False(t, cfg.TracingEnabled)
	assert.Equal(t, "ana", cfg.PeerName)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302", "turn:relay.example.com:3478"}, cfg.ICEServers)
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("SEND_BUFFER_SIZE", "lots")
	t.Setenv("IDLE_TIMEOUT", "soon")
	t.Setenv("MDNS_ENABLED", "maybe")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.SendBufferSize)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.False(t, cfg.MDNSEnabled)
}

func TestLoad_RejectsNonPositive(t *testing.T) {
	t.Setenv("SEND_BUFFER_SIZE", "0")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("SEND_BUFFER_SIZE", "8")
	t.Setenv("IDLE_TIMEOUT", "-1s")
	_, err = Load()
	assert.Error(t, err)
}

func TestPort_Invalid(t *testing.T) {
	cfg := &Config{ServerPort: "http"}
	_, err := cfg.Port()
	assert.Error(t, err)
}
