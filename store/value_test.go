package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KeckObservatory/mKTL/config"
	"github.com/KeckObservatory/mKTL/protocol"
)

func cachedItem(t *testing.T, value any) *Item {
	t.Helper()

	s := New("values", nil)
	item, err := NewAuthoritative(s, "X", config.Item{Type: config.TypeNumeric}, Handlers{}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(item.Close)

	item.Restore(protocol.NewPayload(value, 1))
	return item
}

func TestFloatConversions(t *testing.T) {
	item := cachedItem(t, json.Number("77.2"))

	f, err := item.Float()
	require.NoError(t, err)
	assert.Equal(t, 77.2, f)

	n, err := item.Int()
	require.NoError(t, err)
	assert.Equal(t, int64(77), n)

	_, err = cachedItem(t, "not a number").Float()
	assert.Error(t, err)
}

func TestIntExact(t *testing.T) {
	n, err := cachedItem(t, json.Number("9007199254740993")).Int()
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), n)
}

func TestBoolConversions(t *testing.T) {
	tests := []struct {
		value    any
		expected bool
	}{
		{true, true},
		{false, false},
		{json.Number("0"), false},
		{json.Number("1"), true},
		{"off", false},
		{"on", true},
		{"", false},
	}

	for _, test := range tests {
		b, err := cachedItem(t, test.value).Bool()
		require.NoError(t, err)
		assert.Equal(t, test.expected, b, "value %v", test.value)
	}
}

func TestText(t *testing.T) {
	assert.Equal(t, "77.2", cachedItem(t, json.Number("77.2")).Text())
	assert.Equal(t, "open", cachedItem(t, "open").Text())

	s := New("empties", nil)
	item, err := NewAuthoritative(s, "X", config.Item{Type: config.TypeString}, Handlers{}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(item.Close)
	assert.Equal(t, "", item.Text())
}

func TestEquals(t *testing.T) {
	item := cachedItem(t, json.Number("77.2"))

	assert.True(t, item.Equals(77.2))
	assert.True(t, item.Equals(json.Number("77.2")))
	assert.True(t, item.Equals("77.2"))
	assert.False(t, item.Equals(78))

	text := cachedItem(t, "tracking")
	assert.True(t, text.Equals("tracking"))
	assert.False(t, text.Equals("slewing"))
}
