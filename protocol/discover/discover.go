// Package discover implements the UDP call/response protocol by which
// mKTL processes find each other on the local network. Registries listen
// on port 10103, authoritative daemons on port 10111; both answer the
// shared call string with their request port. Nothing else is exchanged:
// once a caller knows which addresses might participate, it asks its real
// questions over the request protocol.
package discover

import (
	"bytes"
	"fmt"
	"strconv"
)

// The two well-known discovery ports. There is nothing special about the
// numbers beyond being unprivileged and prime; they are effectively
// shared secrets.
const (
	// RegistryPort is bound by registry brokers willing to cache and
	// share second-hand configuration, the first stop for new clients.
	RegistryPort = 10103

	// DirectPort is bound by authoritative daemons answering only for
	// themselves; registries sweep it to find them.
	DirectPort = 10111
)

// call is the datagram a searcher broadcasts.
var call = []byte("I heard it")

// responsePrefix starts every answer; the responder's request port
// follows in decimal ASCII.
var responsePrefix = []byte("on the X:")

// Endpoint locates a responding process: its source address and the
// request port it advertised.
type Endpoint struct {
	Address string
	Port    int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

// formatResponse builds the response datagram advertising a request port.
func formatResponse(rep int) []byte {
	return append(append([]byte{}, responsePrefix...), []byte(strconv.Itoa(rep))...)
}

// parseResponse extracts the advertised port from a response datagram,
// reporting whether the datagram was a well-formed response.
func parseResponse(data []byte) (int, bool) {
	data = bytes.TrimSpace(data)

	index := bytes.Index(data, responsePrefix)
	if index < 0 {
		return 0, false
	}

	port, err := strconv.Atoi(string(data[index+len(responsePrefix):]))
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}

	return port, true
}

// isCall reports whether a datagram is the discovery call.
func isCall(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), call)
}
