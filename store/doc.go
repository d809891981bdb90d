// Package store implements the item/store runtime shared by daemons and
// clients. A Store is a named collection of Items; an Item is either
// authoritative (it lives in the daemon that owns the block containing its
// key, holds the current value, and runs the handlers that service GET and
// SET requests) or a mirror (it lives in a client, caches broadcast values,
// and fans updates out to registered callbacks).
//
// Authoritative handlers for one item execute one at a time; handlers for
// different items run in parallel. Mirror callbacks for one item run
// sequentially in registration order and broadcast arrival order; a slow
// callback blocks only that item's queue.
package store
