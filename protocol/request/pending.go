package request

import (
	"sync"
	"time"

	"github.com/KeckObservatory/mKTL/errors"
	"github.com/KeckObservatory/mKTL/protocol"
)

// Pending tracks one in-flight request. The client's receive loop
// completes it when the matching ACK and REP arrive; the original caller
// blocks on Wait, or polls, at its own pace. Dropping a Pending abandons
// the request without notifying the daemon.
type Pending struct {
	id string

	ackOnce sync.Once
	ackCh   chan struct{}

	repOnce sync.Once
	repCh   chan struct{}

	mu       sync.Mutex
	response *protocol.Message
	failure  error
}

func newPending(id string) *Pending {
	return &Pending{
		id:    id,
		ackCh: make(chan struct{}),
		repCh: make(chan struct{}),
	}
}

// ID returns the request identifier this record is correlated by.
func (p *Pending) ID() string { return p.id }

// NewLocalPending creates a pending record not attached to any client.
// In-process transports resolve it directly instead of round-tripping
// through a socket.
func NewLocalPending(id string) *Pending {
	return newPending(id)
}

// Resolve completes a locally created pending record with a response, as
// if the ACK and REP had arrived from a daemon.
func (p *Pending) Resolve(response *protocol.Message) {
	p.complete(response)
}

// completeAck marks the request as acknowledged.
func (p *Pending) completeAck() {
	p.ackOnce.Do(func() { close(p.ackCh) })
}

// complete stores the response and releases all waiters. A REP that
// arrives before the ACK satisfies both; the intent of the ACK (is the
// daemon alive?) is moot once a full response exists.
func (p *Pending) complete(response *protocol.Message) {
	p.mu.Lock()
	p.response = response
	p.mu.Unlock()

	p.completeAck()
	p.repOnce.Do(func() { close(p.repCh) })
}

// fail completes the request with a local error, such as a protocol
// violation observed while decoding the response.
func (p *Pending) fail(err error) {
	p.mu.Lock()
	p.failure = err
	p.mu.Unlock()

	p.completeAck()
	p.repOnce.Do(func() { close(p.repCh) })
}

// waitAck blocks until the request is acknowledged or the timeout lapses,
// reporting whether the acknowledgement arrived.
func (p *Pending) waitAck(timeout time.Duration) bool {
	select {
	case <-p.ackCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Poll reports whether the request is complete.
func (p *Pending) Poll() bool {
	select {
	case <-p.repCh:
		return true
	default:
		return false
	}
}

// Wait blocks until the request completes or the timeout lapses, and
// returns the response payload. An error reported by the daemon in the
// payload is surfaced as the returned error; a lapsed timeout is a
// TimeoutError.
func (p *Pending) Wait(timeout time.Duration) (*protocol.Payload, error) {
	select {
	case <-p.repCh:
	case <-time.After(timeout):
		return nil, errors.Newf(errors.KindTimeout,
			"request %s: no response in %s", p.id, timeout)
	}

	p.mu.Lock()
	response, failure := p.response, p.failure
	p.mu.Unlock()

	if failure != nil {
		return nil, failure
	}

	payload := response.Payload
	if err := payload.Err(); err != nil {
		return payload, err
	}

	return payload, nil
}

// Response returns the raw response message once the request is complete,
// or nil beforehand.
func (p *Pending) Response() *protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.response
}
