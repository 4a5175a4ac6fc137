package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetry-run/telemetry/internal/telemetry"
)

func TestRegistry(t *testing.T) {
	reg := newRegistry()

	run := &telemetry.Run{EventID: "evt-1", RunID: "run-1"}
	reg.insert("evt-1", run)

	assert.Equal(t, 1, reg.size())
	assert.True(t, reg.has("run-1"))

	entry, ok := reg.get("evt-1")
	require.True(t, ok)
	assert.Equal(t, run, entry.run)

	removed, ok := reg.remove("evt-1")
	require.True(t, ok)
	assert.Equal(t, run, removed.run)
	assert.Equal(t, 0, reg.size())
	assert.False(t, reg.has("run-1"))

	t.Run("removing an absent key reports not-found rather than erroring", func(t *testing.T) {
		_, ok := reg.remove("evt-absent")
		assert.False(t, ok)
	})
}
