// Package protocol implements the mKTL wire format: the six-part
// request/response frame and the four-part publish frame carried over
// ZeroMQ sockets, together with the JSON payload schema shared by both.
//
// The protocol revision implemented here is identified by the single
// version byte 'a'. Request and response frames are, in order: version,
// identifier, type, target, payload, bulk. Publish frames are: topic,
// version, payload, bulk. Empty frames are preserved as zero-length byte
// strings in both directions.
//
// Payload decoding uses json.Number for the value slot, so integral values
// up to the int64 range survive a decode/encode round trip without loss.
package protocol
