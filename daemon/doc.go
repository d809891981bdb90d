// Package daemon assembles one authoritative mKTL daemon: it loads the
// items descriptor, constructs the configuration block, binds the request
// and publish sockets (reclaiming previously used ports when possible),
// instantiates the store runtime, answers discovery on the direct port,
// and announces the block to the local registry.
//
// Application code customizes a daemon through a Factory, the hook for
// attaching handler records to individual items before the default
// caching items fill in the rest.
package daemon
