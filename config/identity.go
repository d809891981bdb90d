package config

import (
	"fmt"
	"sync"
)

// Identity is the set of (hostname, req) endpoints this process has ever
// bound. A configuration block whose provenance contains any of them
// originated here and must not be re-accepted; the set is the identity of
// the process for loop checks.
type Identity struct {
	mu    sync.Mutex
	pairs map[string]bool
}

// NewIdentity creates an empty identity set.
func NewIdentity() *Identity {
	return &Identity{pairs: make(map[string]bool)}
}

// Add records an endpoint this process is answering requests on.
func (id *Identity) Add(hostname string, req int) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.pairs[identityKey(hostname, req)] = true
}

// Contains reports whether the given endpoint belongs to this process.
func (id *Identity) Contains(hostname string, req int) bool {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.pairs[identityKey(hostname, req)]
}

// ContainsAny reports whether any provenance entry names an endpoint
// belonging to this process. The stratum is ignored for this check.
func (id *Identity) ContainsAny(provenance []Provenance) bool {
	id.mu.Lock()
	defer id.mu.Unlock()

	for _, entry := range provenance {
		if id.pairs[identityKey(entry.Hostname, entry.Req)] {
			return true
		}
	}
	return false
}

func identityKey(hostname string, req int) string {
	return fmt.Sprintf("%s:%d", hostname, req)
}
