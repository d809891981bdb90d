package protocol

import (
	"fmt"
	"strings"

	"github.com/KeckObservatory/mKTL/errors"
)

// Version is the single byte identifying this revision of the mKTL
// on-the-wire protocol.
const Version byte = 'a'

// MessageType is the short ASCII request or response type carried in the
// third frame of a request/response message.
type MessageType string

// The message types defined by this protocol revision.
const (
	TypeGet    MessageType = "GET"
	TypeSet    MessageType = "SET"
	TypeHash   MessageType = "HASH"
	TypeConfig MessageType = "CONFIG"
	TypeAck    MessageType = "ACK"
	TypeRep    MessageType = "REP"
	TypePub    MessageType = "PUB"
)

var requestTypes = map[MessageType]bool{
	TypeGet:    true,
	TypeSet:    true,
	TypeHash:   true,
	TypeConfig: true,
}

var responseTypes = map[MessageType]bool{
	TypeAck: true,
	TypeRep: true,
}

// IsRequest reports whether t is a client-initiated request type.
func (t MessageType) IsRequest() bool { return requestTypes[t] }

// IsResponse reports whether t is a daemon-initiated response type.
func (t MessageType) IsResponse() bool { return responseTypes[t] }

// Message is one mKTL correspondence: a request, a response, or a
// broadcast. The fields follow the order of the multipart sequence on the
// wire, except for the identifier, which publish messages do not carry.
type Message struct {
	// ID is the request identifier, eight lowercase hex characters chosen
	// by the client and echoed verbatim on ACK and REP. Empty for publish
	// messages.
	ID string

	// Type is the message type.
	Type MessageType

	// Target is "<store>.<KEY>" for item operations, "<store>" or empty
	// for metadata operations, and empty on responses.
	Target string

	// Payload is the JSON body, or nil for an empty payload frame.
	Payload *Payload

	// Bulk is the out-of-band binary buffer, or nil when absent.
	Bulk []byte
}

// NewAck constructs the acknowledgement for the request with the given id.
func NewAck(id string) *Message {
	return &Message{ID: id, Type: TypeAck}
}

// NewRep constructs a completed response for the request with the given id.
func NewRep(id string, payload *Payload) *Message {
	return &Message{ID: id, Type: TypeRep, Payload: payload}
}

// Encode converts the message to the six-part request/response frame
// sequence, every part as bytes, suitable for a multipart send. Messages
// must have an identifier to be put on the wire; the publish path uses
// EncodePublish instead.
func (m *Message) Encode() ([][]byte, error) {
	if m.ID == "" {
		return nil, errors.Wrap(fmt.Errorf("message has no id"), "Message", "Encode", "framing")
	}

	payload, err := m.Payload.encode()
	if err != nil {
		return nil, errors.Wrap(err, "Message", "Encode", "payload serialization")
	}

	return [][]byte{
		{Version},
		[]byte(m.ID),
		[]byte(m.Type),
		[]byte(m.Target),
		payload,
		m.Bulk,
	}, nil
}

// Decode parses a six-part request/response frame sequence. Frames with the
// wrong part count or an unknown version byte fail with a ProtocolError;
// the identifier is recovered on a best-effort basis first so callers can
// fail the pending request it belongs to.
func Decode(frames [][]byte) (*Message, error) {
	if len(frames) != 6 {
		return nil, errors.WrapKind(
			fmt.Errorf("%w: expected 6 parts, got %d", errors.ErrMalformedFrame, len(frames)),
			errors.KindProtocol, "Message", "Decode", "framing")
	}

	if len(frames[0]) != 1 || frames[0][0] != Version {
		return &Message{ID: string(frames[1])}, errors.WrapKind(
			fmt.Errorf("%w: %q, recipient expects %q", errors.ErrBadVersion, frames[0], Version),
			errors.KindProtocol, "Message", "Decode", "version check")
	}

	payload, err := decodePayload(frames[4])
	if err != nil {
		return &Message{ID: string(frames[1])}, errors.WrapKind(err, errors.KindProtocol, "Message", "Decode", "payload parsing")
	}

	m := &Message{
		ID:      string(frames[1]),
		Type:    MessageType(frames[2]),
		Target:  string(frames[3]),
		Payload: payload,
	}

	if len(frames[5]) > 0 {
		m.Bulk = frames[5]
	}

	if !m.Type.IsRequest() && !m.Type.IsResponse() {
		return m, errors.WrapKind(
			fmt.Errorf("%w: unknown type %q", errors.ErrMalformedFrame, m.Type),
			errors.KindProtocol, "Message", "Decode", "type check")
	}

	return m, nil
}

// EncodePublish converts the message to the four-part publish frame
// sequence for the given topic.
func (m *Message) EncodePublish(topic string) ([][]byte, error) {
	payload, err := m.Payload.encode()
	if err != nil {
		return nil, errors.Wrap(err, "Message", "EncodePublish", "payload serialization")
	}

	return [][]byte{
		[]byte(topic),
		{Version},
		payload,
		m.Bulk,
	}, nil
}

// DecodePublish parses a four-part publish frame sequence, returning the
// topic alongside the reconstructed broadcast message. The target is
// recovered from the topic with any bulk:/bundle: prefix and the trailing
// dot removed.
func DecodePublish(frames [][]byte) (string, *Message, error) {
	if len(frames) != 4 {
		return "", nil, errors.WrapKind(
			fmt.Errorf("%w: expected 4 parts, got %d", errors.ErrMalformedFrame, len(frames)),
			errors.KindProtocol, "Message", "DecodePublish", "framing")
	}

	topic := string(frames[0])

	if len(frames[1]) != 1 || frames[1][0] != Version {
		return topic, nil, errors.WrapKind(
			fmt.Errorf("%w: %q, recipient expects %q", errors.ErrBadVersion, frames[1], Version),
			errors.KindProtocol, "Message", "DecodePublish", "version check")
	}

	payload, err := decodePayload(frames[2])
	if err != nil {
		return topic, nil, errors.WrapKind(err, errors.KindProtocol, "Message", "DecodePublish", "payload parsing")
	}

	m := &Message{
		Type:    TypePub,
		Target:  TopicTarget(topic),
		Payload: payload,
	}

	if len(frames[3]) > 0 {
		m.Bulk = frames[3]
	}

	return topic, m, nil
}

// Topic returns the publish topic for a plain broadcast of the given
// target. The trailing dot prevents leading-substring subscription matches
// from picking up extra keys.
func Topic(target string) string {
	return target + "."
}

// BulkTopic returns the publish topic for a broadcast whose bulk frame is
// non-empty.
func BulkTopic(target string) string {
	return "bulk:" + target + "."
}

// BundleTopic returns the publish topic for a bundle broadcast covering the
// given store and prefix.
func BundleTopic(store, prefix string) string {
	return "bundle:" + store + "." + prefix + "."
}

// TopicTarget strips the bulk:/bundle: prefix and the trailing dot from a
// topic, recovering the target the broadcast applies to.
func TopicTarget(topic string) string {
	target := topic
	target = strings.TrimPrefix(target, "bulk:")
	target = strings.TrimPrefix(target, "bundle:")
	return strings.TrimSuffix(target, ".")
}

// IsBulkTopic reports whether the topic announces an attached bulk frame.
func IsBulkTopic(topic string) bool { return strings.HasPrefix(topic, "bulk:") }

// IsBundleTopic reports whether the topic announces a bundle broadcast.
func IsBundleTopic(topic string) bool { return strings.HasPrefix(topic, "bundle:") }

// SplitTarget splits "<store>.<KEY>" into its store and key components,
// normalizing the store to lowercase and the key to uppercase. Targets
// without a key return an empty key.
func SplitTarget(target string) (store, key string) {
	store, key, found := strings.Cut(target, ".")
	if !found {
		return strings.ToLower(store), ""
	}
	return strings.ToLower(store), strings.ToUpper(key)
}

// JoinTarget assembles "<store>.<KEY>" with canonical case.
func JoinTarget(store, key string) string {
	return strings.ToLower(store) + "." + strings.ToUpper(key)
}
