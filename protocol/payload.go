package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/KeckObservatory/mKTL/errors"
)

// Payload is the JSON body of a request, response, or broadcast. All fields
// are optional; a nil *Payload encodes to an empty frame and an empty frame
// decodes to a nil *Payload. Missing keys and explicit nulls are treated
// identically.
type Payload struct {
	// Value is the item value: a scalar, string, array, or the descriptor
	// object accompanying a bulk buffer. Numbers decode as json.Number.
	Value any

	// Time is the UNIX epoch timestamp, in seconds, for the value.
	Time float64

	// Refresh, on a GET, asks the daemon to bypass its cache.
	Refresh bool

	// Error carries a failure description on a REP.
	Error *errors.Error

	// Shape and DType describe the bulk buffer travelling in the adjacent
	// frame. They are required together whenever the payload describes a
	// bulk array; DType is a compact scalar-type spelling such as "int16"
	// or "float64".
	Shape []int
	DType string

	// Bulk is the out-of-band binary buffer associated with this payload.
	// It never appears in the JSON body; the transport carries it in the
	// final frame.
	Bulk []byte `json:"-"`
}

// NewPayload builds a payload around a value and timestamp.
func NewPayload(value any, t float64) *Payload {
	return &Payload{Value: value, Time: t}
}

// ErrorPayload builds a payload reporting the given failure.
func ErrorPayload(err error) *Payload {
	return &Payload{Error: errors.ToWire(err)}
}

// BulkPayload builds a payload describing the provided binary buffer.
func BulkPayload(shape []int, dtype string, bulk []byte, t float64) *Payload {
	return &Payload{Shape: shape, DType: dtype, Bulk: bulk, Time: t}
}

// IsBulk reports whether the payload describes an out-of-band buffer.
func (p *Payload) IsBulk() bool {
	return p != nil && len(p.Shape) > 0 && p.DType != ""
}

// Err returns the payload's error as a Go error, or nil.
func (p *Payload) Err() error {
	if p == nil {
		return nil
	}
	return errors.FromWire(p.Error)
}

type payloadJSON struct {
	Value   json.RawMessage `json:"value,omitempty"`
	Time    *float64        `json:"time,omitempty"`
	Refresh bool            `json:"refresh,omitempty"`
	Error   *errors.Error   `json:"error,omitempty"`
	Shape   []int           `json:"shape,omitempty"`
	DType   string          `json:"dtype,omitempty"`
}

// MarshalJSON renders the payload with absent fields omitted. A nil value
// is omitted rather than serialized as null; false and zero values remain
// representable.
func (p *Payload) MarshalJSON() ([]byte, error) {
	out := payloadJSON{
		Refresh: p.Refresh,
		Error:   p.Error,
		Shape:   p.Shape,
		DType:   p.DType,
	}

	if p.Value != nil {
		raw, err := json.Marshal(p.Value)
		if err != nil {
			return nil, fmt.Errorf("payload value: %w", err)
		}
		out.Value = raw
	}

	if p.Time != 0 {
		t := p.Time
		out.Time = &t
	}

	return json.Marshal(out)
}

// UnmarshalJSON parses a payload body, decoding the value slot with
// json.Number so int64 values survive the round trip.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var in payloadJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	p.Refresh = in.Refresh
	p.Error = in.Error
	p.Shape = in.Shape
	p.DType = in.DType

	if in.Time != nil {
		p.Time = *in.Time
	}

	if len(in.Value) > 0 && !bytes.Equal(in.Value, []byte("null")) {
		decoder := json.NewDecoder(bytes.NewReader(in.Value))
		decoder.UseNumber()
		if err := decoder.Decode(&p.Value); err != nil {
			return fmt.Errorf("payload value: %w", err)
		}
	}

	return nil
}

// encode serializes the payload for the wire; a nil payload becomes the
// empty frame.
func (p *Payload) encode() ([]byte, error) {
	if p == nil {
		return []byte{}, nil
	}
	return json.Marshal(p)
}

// decodePayload parses a payload frame; the empty frame becomes nil.
func decodePayload(frame []byte) (*Payload, error) {
	if len(frame) == 0 {
		return nil, nil
	}

	payload := &Payload{}
	if err := json.Unmarshal(frame, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrMalformedFrame, err)
	}

	return payload, nil
}

// ValueAs re-decodes a payload's value slot into a concrete type. The
// generic decode keeps the wire layer schema-free; endpoints that know
// what a value should look like (configuration blocks, hash mappings)
// recover the typed form here.
func ValueAs[T any](p *Payload) (T, error) {
	var out T

	if p == nil || p.Value == nil {
		return out, errors.New(errors.KindValue, "payload has no value")
	}

	raw, err := json.Marshal(p.Value)
	if err != nil {
		return out, err
	}

	if err := json.Unmarshal(raw, &out); err != nil {
		return out, errors.WrapKind(err, errors.KindValue, "Payload", "ValueAs", "value conversion")
	}

	return out, nil
}

// BundleEntry is one element of a bundle broadcast: the fully qualified
// item name plus its payload fields. Every entry in one bundle shares the
// same identifier and is dispatched atomically by subscribers.
type BundleEntry struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
	Payload
}

// MarshalJSON renders the entry with the payload fields inlined beside the
// name, matching the per-item payload objects of a plain broadcast.
func (e BundleEntry) MarshalJSON() ([]byte, error) {
	body, err := e.Payload.MarshalJSON()
	if err != nil {
		return nil, err
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(body, &merged); err != nil {
		return nil, err
	}
	if merged == nil {
		merged = make(map[string]json.RawMessage)
	}

	name, err := json.Marshal(e.Name)
	if err != nil {
		return nil, err
	}
	merged["name"] = name

	if e.ID != "" {
		id, err := json.Marshal(e.ID)
		if err != nil {
			return nil, err
		}
		merged["id"] = id
	}

	return json.Marshal(merged)
}

// UnmarshalJSON parses a bundle element.
func (e *BundleEntry) UnmarshalJSON(data []byte) error {
	var named struct {
		Name string `json:"name"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(data, &named); err != nil {
		return err
	}
	e.Name = named.Name
	e.ID = named.ID
	return e.Payload.UnmarshalJSON(data)
}

// EncodeBundle serializes the entries as the JSON array payload of a
// bundle broadcast.
func EncodeBundle(entries []BundleEntry) (*Payload, error) {
	if len(entries) == 0 {
		return nil, errors.New(errors.KindValue, "a bundle requires at least one entry")
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}

	var value any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	return &Payload{Value: value}, nil
}

// DecodeBundle recovers the per-item entries from a bundle broadcast
// payload.
func DecodeBundle(p *Payload) ([]BundleEntry, error) {
	if p == nil || p.Value == nil {
		return nil, errors.New(errors.KindProtocol, "bundle broadcast has no payload")
	}

	raw, err := json.Marshal(p.Value)
	if err != nil {
		return nil, err
	}

	var entries []BundleEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.WrapKind(err, errors.KindProtocol, "Payload", "DecodeBundle", "array parsing")
	}

	return entries, nil
}
