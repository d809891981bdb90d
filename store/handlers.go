package store

import (
	"context"
	"time"

	"github.com/KeckObservatory/mKTL/protocol"
)

// Handlers is the capability record attached to an authoritative item.
// Every slot is optional; unset slots fall back to the caching defaults,
// which together make the item a plain cache: Refresh returns the last
// known payload, Set validates, stores, publishes, and succeeds.
type Handlers struct {
	// Refresh acquires the most up-to-date value available. It is
	// invoked for a GET that requests a refresh, when no cached value
	// exists, and at every polling tick.
	Refresh func(ctx context.Context) (*protocol.Payload, error)

	// Set applies a new value. It may block arbitrarily; the item's
	// queue keeps concurrent requests for the same item out of it. When
	// Set is unset the validated payload is stored directly.
	Set func(ctx context.Context, payload *protocol.Payload) error

	// Validate vets a payload before Set runs. It must be idempotent
	// and side-effect free.
	Validate func(payload *protocol.Payload) error

	// Poll, when positive, invokes Refresh at this cadence; the result
	// is treated identically to a broadcast.
	Poll time.Duration
}
