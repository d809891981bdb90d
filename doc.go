// Package mktl is a distributed key/value messaging fabric for
// observatory control systems. Long-lived daemon processes each own an
// authoritative subset of named items (telemetry channels, setpoints,
// hardware state) within a named store; clients get, set, and subscribe
// to those items over the LAN through one universal wire protocol:
// ZeroMQ sockets carrying framed binary messages whose payloads are
// JSON, with optional out-of-band bulk buffers for large arrays.
//
// # Process Roles
//
// Three roles share the protocol:
//
//   - Daemon (markd): authoritative for one or more items within one
//     store; binds a ROUTER request port and a PUB broadcast port, and
//     answers discovery on UDP 10111.
//   - Registry (markguided): one per host; caches configuration blocks
//     from every local daemon, answers configuration queries, and
//     answers discovery on UDP 10103.
//   - Client: uses discovery to find a registry, fetches configuration,
//     then connects directly to authoritative daemons.
//
// Data flows from daemon startup to client request: a daemon pushes its
// configuration block to the local registry, the registry caches and
// cross-checks it, a client discovers the registry, fetches the
// configuration, and connects straight to the daemon for GET, SET, and
// subscription traffic.
//
// # Packages
//
// Wire and transport:
//   - protocol: frame families, payload schema, topic assembly
//   - protocol/request: DEALER/ROUTER request transport with ACK/REP
//     correlation
//   - protocol/publish: PUB/SUB broadcast transport with refcounted
//     subscriptions
//   - protocol/discover: UDP call/response discovery
//
// Configuration plane:
//   - config: block schema, canonical hashing, provenance, the cache
//     with its admission rules, and the on-disk layout under MKTL_HOME
//
// Runtime:
//   - store: items, handler records, per-item queues, persistence
//   - daemon: daemon assembly and request dispatch
//   - registry: the guided broker
//   - client: the Get entry point
//
// Infrastructure:
//   - errors: wire error kinds and classification
//   - metric: Prometheus registration
//   - pkg/retry, pkg/worker: backoff and worker pools
//
// # Usage
//
// A minimal client:
//
//	item, err := client.Get("oven.TEMP")
//	if err != nil {
//	    return err
//	}
//	value, err := item.Get(false)
//
// A daemon with a custom set handler:
//
//	type ovenFactory struct{ daemon.BaseFactory }
//
//	func (ovenFactory) Setup(d *daemon.Daemon) error {
//	    return d.AddItem("TEMP", store.Handlers{
//	        Set: func(ctx context.Context, p *protocol.Payload) error {
//	            return controller.SetTemperature(ctx, p.Value)
//	        },
//	    })
//	}
package mktl
