package store

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KeckObservatory/mKTL/config"
	"github.com/KeckObservatory/mKTL/protocol"
)

// The cache root resolves once per process; every test in this package
// shares one MKTL_HOME.
var testHome string

func TestMain(m *testing.M) {
	var err error
	testHome, err = os.MkdirTemp("", "mktl-store-*")
	if err != nil {
		panic(err)
	}
	_ = os.Setenv("MKTL_HOME", testHome)

	code := m.Run()

	_ = os.RemoveAll(testHome)
	os.Exit(code)
}

func TestPersisterRoundTrip(t *testing.T) {
	persister, err := NewPersister("persist-u1", nil)
	require.NoError(t, err)

	persister.Enqueue("GREETING", protocol.NewPayload("hello", 100.0))
	persister.Enqueue("GREETING", protocol.NewPayload("world", 200.0))
	require.NoError(t, persister.Close())

	loaded, err := LoadPersisted("persist-u1")
	require.NoError(t, err)
	require.Contains(t, loaded, "GREETING")

	// Only the most recent value per key survives.
	assert.Equal(t, "world", loaded["GREETING"].Value)
	assert.Equal(t, 200.0, loaded["GREETING"].Time)
}

func TestPersisterBulkSidecar(t *testing.T) {
	persister, err := NewPersister("persist-u2", nil)
	require.NoError(t, err)

	payload := protocol.BulkPayload([]int{2}, "int16", []byte{1, 0, 2, 0}, 50.0)
	persister.Enqueue("FRAME", payload)
	require.NoError(t, persister.Close())

	loaded, err := LoadPersisted("persist-u2")
	require.NoError(t, err)
	require.Contains(t, loaded, "FRAME")

	assert.Equal(t, []int{2}, loaded["FRAME"].Shape)
	assert.Equal(t, "int16", loaded["FRAME"].DType)
	assert.Equal(t, []byte{1, 0, 2, 0}, loaded["FRAME"].Bulk)
}

func TestLoadPersistedEmpty(t *testing.T) {
	loaded, err := LoadPersisted("persist-never-used")
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestPersistedValueRestoresIntoItem(t *testing.T) {
	persister, err := NewPersister("persist-u3", nil)
	require.NoError(t, err)

	persister.Enqueue("DEV", protocol.NewPayload("spectrograph feed", 10.0))
	require.NoError(t, persister.Close())

	loaded, err := LoadPersisted("persist-u3")
	require.NoError(t, err)

	s := New("obs", nil)
	item, err := NewAuthoritative(s, "DEV",
		config.Item{Type: config.TypeString, Persist: true}, Handlers{}, &fakePublisher{}, nil)
	require.NoError(t, err)
	t.Cleanup(item.Close)

	item.Restore(loaded["DEV"])

	value, timestamp := item.CachedValue()
	assert.Equal(t, "spectrograph feed", value)
	assert.Equal(t, 10.0, timestamp)
}
