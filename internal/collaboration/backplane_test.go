package collaboration

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomsync/internal/models"
)

func TestRedisBackplane_Decode(t *testing.T) {
	b := &RedisBackplane{instance: "me", channel: backplaneChannel}

	encode := func(env Envelope) string {
		data, err := json.Marshal(env)
		require.NoError(t, err)
		return string(data)
	}
	frame := models.Frame{Version: models.ProtocolVersion, Type: models.MessageTypeBatch, Room: "room", From: "a"}

	env, ok := b.decode(encode(Envelope{Instance: "other", Room: "room", Except: "a", Frame: frame}))
	require.True(t, ok)
	assert.Equal(t, "room", env.Room)
	assert.Equal(t, "a", env.Except)
	assert.Equal(t, frame.Type, env.Frame.Type)

	_, ok = b.decode(encode(Envelope{Instance: "me", Room: "room", Frame: frame}))
	assert.False(t, ok, "own envelopes are skipped")

	_, ok = b.decode(encode(Envelope{Instance: "other", Frame: frame}))
	assert.False(t, ok, "envelopes without a room are skipped")

	_, ok = b.decode("{not json")
	assert.False(t, ok)
}
