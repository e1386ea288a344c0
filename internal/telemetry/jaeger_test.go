package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNewResource(t *testing.T) {
	res, err := newResource("roomsync-test")
	require.NoError(t, err)

	v, ok := res.Set().Value(attribute.Key("service.name"))
	require.True(t, ok)
	assert.Equal(t, "roomsync-test", v.AsString())
}
