package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"classified value error", New(KindValue, "bad input"), KindValue},
		{"classified key error", New(KindKey, "unknown key"), KindKey},
		{"wrapped classified error", fmt.Errorf("outer: %w", New(KindTimeout, "deadline")), KindTimeout},
		{"no ack sentinel", ErrNoAck, KindTimeout},
		{"wrapped no ack", fmt.Errorf("send: %w", ErrNoAck), KindTimeout},
		{"malformed frame", ErrMalformedFrame, KindProtocol},
		{"bad version", ErrBadVersion, KindProtocol},
		{"plain error", errors.New("boom"), KindRuntime},
		{"nil", nil, KindRuntime},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, KindOf(test.err))
		})
	}
}

func TestToWire(t *testing.T) {
	t.Run("nil passes through", func(t *testing.T) {
		assert.Nil(t, ToWire(nil))
	})

	t.Run("classified error is unchanged", func(t *testing.T) {
		original := New(KindKey, "no such store")
		wire := ToWire(original)
		assert.Same(t, original, wire)
	})

	t.Run("plain error is classified with debug", func(t *testing.T) {
		wire := ToWire(errors.New("socket closed"))
		require.NotNil(t, wire)
		assert.Equal(t, KindRuntime, wire.Type)
		assert.Equal(t, "socket closed", wire.Text)
		assert.NotEmpty(t, wire.Debug)
	})
}

func TestFromWire(t *testing.T) {
	assert.Nil(t, FromWire(nil))

	err := FromWire(&Error{Type: KindValue, Text: "bad input"})
	require.Error(t, err)
	assert.Equal(t, KindValue, KindOf(err))
	assert.Equal(t, "ValueError: bad input", err.Error())

	// An empty kind is normalized so the round trip stays classified.
	err = FromWire(&Error{Text: "mystery"})
	assert.Equal(t, KindRuntime, KindOf(err))
}

func TestWrap(t *testing.T) {
	base := errors.New("connection refused")
	wrapped := Wrap(base, "Client", "send", "dispatch")
	require.Error(t, wrapped)
	assert.Equal(t, "Client.send: dispatch failed: connection refused", wrapped.Error())
	assert.ErrorIs(t, wrapped, base)

	assert.Nil(t, Wrap(nil, "Client", "send", "dispatch"))
}

func TestWrapKind(t *testing.T) {
	base := errors.New("item rejected the value")
	wrapped := WrapKind(base, KindValue, "Item", "set", "validation")
	assert.Equal(t, KindValue, KindOf(wrapped))
	assert.Contains(t, wrapped.Error(), "Item.set")

	assert.Nil(t, WrapKind(nil, KindValue, "Item", "set", "validation"))
}

func TestIsHelpers(t *testing.T) {
	assert.True(t, IsTimeout(ErrNoAck))
	assert.True(t, IsTimeout(New(KindTimeout, "deadline exceeded")))
	assert.False(t, IsTimeout(New(KindValue, "bad input")))

	assert.True(t, IsProvenanceLoop(New(KindProvenanceLoop, "originated here")))
	assert.False(t, IsProvenanceLoop(ErrNoAck))
}
