package registry

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KeckObservatory/mKTL/config"
	"github.com/KeckObservatory/mKTL/errors"
	"github.com/KeckObservatory/mKTL/protocol"
)

var testHome string

func TestMain(m *testing.M) {
	var err error
	testHome, err = os.MkdirTemp("", "mktl-registry-*")
	if err != nil {
		panic(err)
	}
	_ = os.Setenv("MKTL_HOME", testHome)

	code := m.Run()

	_ = os.RemoveAll(testHome)
	os.Exit(code)
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()

	broker, err := New(
		WithHostname("registry-host"),
		WithPersistence(false),
		WithSweepInterval(time.Hour),
		WithSearchWindow(50*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.rep.Stop(time.Second) })

	return broker
}

func pushBlock(t *testing.T, storeName, uuid string, keys ...string) *protocol.Message {
	t.Helper()

	items := make(map[string]config.Item, len(keys))
	for _, key := range keys {
		items[key] = config.Item{Type: config.TypeNumeric}
	}

	block, err := config.NewBlock(storeName, "", uuid, items)
	require.NoError(t, err)
	block.AddProvenance("daemon-host", 9500, 9600)

	return &protocol.Message{
		ID:      "00000001",
		Type:    protocol.TypeConfig,
		Target:  storeName,
		Payload: &protocol.Payload{Value: map[string]*config.Block{uuid: block}},
	}
}

func TestBrokerAcceptsPush(t *testing.T) {
	broker := newTestBroker(t)

	reply, err := broker.HandleRequest(context.Background(), pushBlock(t, "pie", "u1", "ANGLE"))
	require.NoError(t, err)
	assert.Nil(t, reply)

	blocks, err := broker.Cache().Blocks("pie")
	require.NoError(t, err)
	require.Contains(t, blocks, "u1")

	// The broker appended its relay provenance.
	provenance := blocks["u1"].Provenance
	require.Len(t, provenance, 2)
	assert.Equal(t, "registry-host", provenance[1].Hostname)
	assert.Equal(t, broker.Port(), provenance[1].Req)
}

func TestBrokerKeyCollisionPush(t *testing.T) {
	broker := newTestBroker(t)

	_, err := broker.HandleRequest(context.Background(), pushBlock(t, "tart", "u1", "ANGLE"))
	require.NoError(t, err)

	// A second block with a different UUID also claiming ANGLE fails
	// with a KeyError; nothing from it is cached.
	_, err = broker.HandleRequest(context.Background(), pushBlock(t, "tart", "u2", "ANGLE"))
	require.Error(t, err)
	assert.Equal(t, errors.KindKey, errors.KindOf(err))

	blocks, err := broker.Cache().Blocks("tart")
	require.NoError(t, err)
	assert.NotContains(t, blocks, "u2")
}

func TestBrokerProvenanceLoopIsSilent(t *testing.T) {
	broker := newTestBroker(t)

	push := pushBlock(t, "loop", "u1", "ROUND")

	// Doctor the pushed block so its provenance already names this
	// broker's endpoint.
	blocks := push.Payload.Value.(map[string]*config.Block)
	blocks["u1"].AddProvenance("registry-host", broker.Port(), 0)

	// The push succeeds (no REP error) but nothing is cached.
	reply, err := broker.HandleRequest(context.Background(), push)
	require.NoError(t, err)
	assert.Nil(t, reply)

	_, err = broker.Cache().Blocks("loop")
	assert.Error(t, err)
}

func TestBrokerServesHashAndConfig(t *testing.T) {
	broker := newTestBroker(t)

	_, err := broker.HandleRequest(context.Background(), pushBlock(t, "kpfguide", "u1", "GAIN"))
	require.NoError(t, err)
	_, err = broker.HandleRequest(context.Background(), pushBlock(t, "kpfmet", "u6", "PRESSURE"))
	require.NoError(t, err)

	// HASH without a target covers every store.
	payload, err := broker.HandleRequest(context.Background(),
		&protocol.Message{ID: "000000b7", Type: protocol.TypeHash})
	require.NoError(t, err)

	hashes, err := protocol.ValueAs[map[string]map[string]string](payload)
	require.NoError(t, err)
	assert.Len(t, hashes, 2)
	assert.Contains(t, hashes, "kpfguide")
	assert.Contains(t, hashes, "kpfmet")

	// Every (store, uuid) in the HASH response has a CONFIG entry.
	for storeName, uuids := range hashes {
		payload, err := broker.HandleRequest(context.Background(),
			&protocol.Message{ID: "000000b8", Type: protocol.TypeConfig, Target: storeName})
		require.NoError(t, err)

		blocks, err := protocol.ValueAs[map[string]*config.Block](payload)
		require.NoError(t, err)

		for uuid, hash := range uuids {
			require.Contains(t, blocks, uuid)
			assert.Equal(t, hash, blocks[uuid].Hash)
		}
	}

	// Unknown stores are KeyErrors.
	_, err = broker.HandleRequest(context.Background(),
		&protocol.Message{ID: "000000b9", Type: protocol.TypeHash, Target: "nonesuch"})
	require.Error(t, err)
	assert.Equal(t, errors.KindKey, errors.KindOf(err))

	_, err = broker.HandleRequest(context.Background(),
		&protocol.Message{ID: "000000ba", Type: protocol.TypeConfig, Target: "nonesuch"})
	require.Error(t, err)
	assert.Equal(t, errors.KindKey, errors.KindOf(err))
}

func TestBrokerConfigRequiresTarget(t *testing.T) {
	broker := newTestBroker(t)

	_, err := broker.HandleRequest(context.Background(),
		&protocol.Message{ID: "000000c0", Type: protocol.TypeConfig})
	require.Error(t, err)
	assert.Equal(t, errors.KindKey, errors.KindOf(err))
}

func TestBrokerRejectsItemOperations(t *testing.T) {
	broker := newTestBroker(t)

	_, err := broker.HandleRequest(context.Background(),
		&protocol.Message{ID: "000000c1", Type: protocol.TypeGet, Target: "pie.ANGLE"})
	require.Error(t, err)
	assert.Equal(t, errors.KindValue, errors.KindOf(err))
}

func TestBrokerIdenticalPushIsNoop(t *testing.T) {
	broker := newTestBroker(t)

	push := pushBlock(t, "stable", "u1", "ROCK")

	_, err := broker.HandleRequest(context.Background(), push)
	require.NoError(t, err)

	before, err := broker.Cache().Blocks("stable")
	require.NoError(t, err)

	_, err = broker.HandleRequest(context.Background(), push)
	require.NoError(t, err)

	after, err := broker.Cache().Blocks("stable")
	require.NoError(t, err)

	// No extra provenance entry was appended.
	assert.Equal(t, len(before["u1"].Provenance), len(after["u1"].Provenance))
}
