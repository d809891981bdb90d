package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadNumberRoundTrip(t *testing.T) {
	// Integral values up to the int64 range must survive decode/encode
	// without drifting through float64.
	big := json.Number("9223372036854775807")

	encoded, err := json.Marshal(&Payload{Value: big})
	require.NoError(t, err)
	assert.Equal(t, `{"value":9223372036854775807}`, string(encoded))

	decoded := &Payload{}
	require.NoError(t, json.Unmarshal(encoded, decoded))
	assert.Equal(t, big, decoded.Value)

	reencoded, err := json.Marshal(decoded)
	require.NoError(t, err)
	assert.Equal(t, string(encoded), string(reencoded))
}

func TestPayloadNullValueIsAbsent(t *testing.T) {
	decoded := &Payload{}
	require.NoError(t, json.Unmarshal([]byte(`{"value":null,"time":5.0}`), decoded))
	assert.Nil(t, decoded.Value)
	assert.Equal(t, 5.0, decoded.Time)
}

func TestPayloadFalseValueSurvives(t *testing.T) {
	encoded, err := json.Marshal(&Payload{Value: false})
	require.NoError(t, err)
	assert.Equal(t, `{"value":false}`, string(encoded))

	decoded := &Payload{}
	require.NoError(t, json.Unmarshal(encoded, decoded))
	assert.Equal(t, false, decoded.Value)
}

func TestErrorPayloadShape(t *testing.T) {
	p := &Payload{}
	require.NoError(t, json.Unmarshal([]byte(`{"error":{"type":"ValueError","text":"bad input"}}`), p))
	require.NotNil(t, p.Error)
	assert.EqualError(t, p.Err(), "ValueError: bad input")
}

func TestBundleRoundTrip(t *testing.T) {
	entries := []BundleEntry{
		{
			Name:    "tel.AXISRA",
			ID:      "00000c0f",
			Payload: Payload{Value: json.Number("182.101"), Time: 1725000000.0},
		},
		{
			Name:    "tel.AXISDEC",
			ID:      "00000c0f",
			Payload: Payload{Value: json.Number("-24.77"), Time: 1725000000.0},
		},
	}

	payload, err := EncodeBundle(entries)
	require.NoError(t, err)

	decoded, err := DecodeBundle(payload)
	require.NoError(t, err)
	require.Len(t, decoded, 2)

	assert.Equal(t, "tel.AXISRA", decoded[0].Name)
	assert.Equal(t, "tel.AXISDEC", decoded[1].Name)
	assert.Equal(t, json.Number("182.101"), decoded[0].Value)
	assert.Equal(t, json.Number("-24.77"), decoded[1].Value)

	// Every element of one bundle shares the same identifier.
	assert.Equal(t, decoded[0].ID, decoded[1].ID)
}

func TestBundleTravelsOnTheWire(t *testing.T) {
	payload, err := EncodeBundle([]BundleEntry{
		{Name: "tel.AXISRA", ID: "0000000a", Payload: Payload{Value: json.Number("1")}},
	})
	require.NoError(t, err)

	m := &Message{Type: TypePub, Target: "tel.AXIS", Payload: payload}
	frames, err := m.EncodePublish(BundleTopic("tel", "AXIS"))
	require.NoError(t, err)

	topic, decoded, err := DecodePublish(frames)
	require.NoError(t, err)
	assert.True(t, IsBundleTopic(topic))

	entries, err := DecodeBundle(decoded.Payload)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tel.AXISRA", entries[0].Name)
}

func TestEncodeBundleRejectsEmpty(t *testing.T) {
	_, err := EncodeBundle(nil)
	assert.Error(t, err)
}

func TestDecodeBundleRejectsNonArray(t *testing.T) {
	_, err := DecodeBundle(&Payload{Value: map[string]any{"oops": true}})
	assert.Error(t, err)

	_, err = DecodeBundle(nil)
	assert.Error(t, err)
}
