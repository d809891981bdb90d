package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KeckObservatory/mKTL/config"
	"github.com/KeckObservatory/mKTL/errors"
	"github.com/KeckObservatory/mKTL/protocol"
)

func TestStoreLookup(t *testing.T) {
	s := New("Oven", nil)
	assert.Equal(t, "oven", s.Name)

	item, err := NewAuthoritative(s, "TEMP", config.Item{Type: config.TypeNumeric}, Handlers{}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(item.Close)

	found, err := s.Get("temp")
	require.NoError(t, err)
	assert.Same(t, item, found)
	assert.True(t, s.Has("TEMP"))

	_, err = s.Get("PRESSURE")
	require.Error(t, err)
	assert.Equal(t, errors.KindKey, errors.KindOf(err))
}

func TestStoreRejectsDuplicates(t *testing.T) {
	s := New("oven", nil)

	item, err := NewAuthoritative(s, "TEMP", config.Item{Type: config.TypeNumeric}, Handlers{}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(item.Close)

	_, err = NewAuthoritative(s, "TEMP", config.Item{Type: config.TypeNumeric}, Handlers{}, nil, nil)
	assert.Error(t, err)
}

func TestStoreKeysSorted(t *testing.T) {
	s := New("oven", nil)

	for _, key := range []string{"ZONE", "TEMP", "ALARM"} {
		item, err := NewAuthoritative(s, key, config.Item{Type: config.TypeNumeric}, Handlers{}, nil, nil)
		require.NoError(t, err)
		t.Cleanup(item.Close)
	}

	assert.Equal(t, []string{"ALARM", "TEMP", "ZONE"}, s.Keys())
	assert.Len(t, s.Items(), 3)
}

func TestDispatchBundleAtomicFanout(t *testing.T) {
	s := New("tel", nil)
	sub := newFakeSubscriber()

	ra, err := NewMirror(s, "AXISRA", config.Item{Type: config.TypeNumeric}, &fakeRequester{}, sub)
	require.NoError(t, err)
	t.Cleanup(ra.Close)

	dec, err := NewMirror(s, "AXISDEC", config.Item{Type: config.TypeNumeric}, &fakeRequester{}, sub)
	require.NoError(t, err)
	t.Cleanup(dec.Close)

	received := make(chan string, 4)
	require.NoError(t, ra.Register(func(i *Item, _ any, _ float64) { received <- i.Key }))
	require.NoError(t, dec.Register(func(i *Item, _ any, _ float64) { received <- i.Key }))

	s.DispatchBundle([]protocol.BundleEntry{
		{Name: "tel.AXISRA", ID: "00000001", Payload: protocol.Payload{Value: json.Number("182.1"), Time: 9}},
		{Name: "tel.AXISDEC", ID: "00000001", Payload: protocol.Payload{Value: json.Number("-24.7"), Time: 9}},
		{Name: "tel.UNKNOWN", ID: "00000001", Payload: protocol.Payload{Value: json.Number("0"), Time: 9}},
	})

	keys := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case key := <-received:
			keys[key] = true
		case <-time.After(time.Second):
			t.Fatal("bundle callbacks never fired")
		}
	}

	assert.True(t, keys["AXISRA"])
	assert.True(t, keys["AXISDEC"])

	value, _ := ra.CachedValue()
	assert.Equal(t, json.Number("182.1"), value)
}
