package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSClient_CloseIsIdempotent(t *testing.T) {
	c := newWSClient("wss://example.invalid/stream")

	err := c.close()
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		err2 := c.close()
		assert.NoError(t, err2)
	}, "a second close() must be a no-op, not a panic on an already-closed stop channel")
}

func TestWSClient_ReconnectListenerFiresOnlyAfterFirstConnect(t *testing.T) {
	c := newWSClient("wss://example.invalid/stream")

	fired := 0
	c.setReconnectListener(func() { fired++ })

	// Simulate connectAndRead's bookkeeping directly: the first successful
	// connect must not fire the listener, only subsequent ones.
	if c.connectedOnce.Swap(true) {
		t.Fatal("first connect should report false")
	}
	assert.Equal(t, 0, fired)

	if c.connectedOnce.Swap(true) {
		if l := c.onReconnect.Load(); l != nil {
			(*l)()
		}
	}
	assert.Equal(t, 1, fired, "a reconnect after the first connect must fire the listener")
}
