package publish

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KeckObservatory/mKTL/protocol"
)

// TestSubscribeAndUpdate exercises a live PUB/SUB pair: the registered
// callback fires with the published value. The publisher re-sends until
// the subscriber observes a message, which absorbs the slow-joiner
// settling inherent to PUB/SUB.
func TestSubscribeAndUpdate(t *testing.T) {
	server, err := NewServer()
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	client, err := NewClient("127.0.0.1", server.Port())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	received := make(chan *Broadcast, 16)
	require.NoError(t, client.Register("metal.GOLD.", func(b *Broadcast) {
		received <- b
	}))

	payload := protocol.NewPayload(json.Number("2450.17"), 1725000000.0)

	var broadcast *Broadcast
	deadline := time.After(5 * time.Second)

loop:
	for {
		require.NoError(t, server.Publish("metal.GOLD", payload))

		select {
		case broadcast = <-received:
			break loop
		case <-deadline:
			t.Fatal("no broadcast received")
		case <-time.After(50 * time.Millisecond):
		}
	}

	assert.Equal(t, "metal.GOLD", broadcast.Target)
	assert.Equal(t, json.Number("2450.17"), broadcast.Payload.Value)
	assert.Equal(t, 1725000000.0, broadcast.Payload.Time)
}

func TestRefcounting(t *testing.T) {
	server, err := NewServer()
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	client, err := NewClient("127.0.0.1", server.Port())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Subscribe("oven.TEMP."))
	require.NoError(t, client.Subscribe("oven.TEMP."))
	assert.Equal(t, 2, client.Refcount("oven.TEMP."))

	require.NoError(t, client.Unsubscribe("oven.TEMP."))
	assert.Equal(t, 1, client.Refcount("oven.TEMP."))

	require.NoError(t, client.Unsubscribe("oven.TEMP."))
	assert.Equal(t, 0, client.Refcount("oven.TEMP."))
}

func TestRegisterRejectsNilCallback(t *testing.T) {
	client := newDispatchClient()
	assert.Error(t, client.Register("oven.TEMP.", nil))
}
