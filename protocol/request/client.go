package request

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/KeckObservatory/mKTL/errors"
	"github.com/KeckObservatory/mKTL/protocol"
)

// DefaultAckTimeout bounds how long a send waits for the daemon's
// acknowledgement before failing locally. It is deliberately short: the
// ACK only establishes that the daemon is alive.
const DefaultAckTimeout = 100 * time.Millisecond

// DefaultWaitTimeout is the default bound on waiting for a full response.
const DefaultWaitTimeout = 60 * time.Second

// idTicker hands out request identifiers: a monotonically increasing
// counter rendered as eight hex characters, wrapping at 0xFFFFFFFF. The
// uniqueness requirement only spans one client's outstanding requests,
// but a process-wide ticker costs nothing and aids log correlation.
var idTicker atomic.Uint64

func nextID() string {
	id := idTicker.Add(1) & 0xFFFFFFFF
	return fmt.Sprintf("%08x", id)
}

// Client issues requests via a ZeroMQ DEALER socket and correlates the
// asynchronous responses. It maintains a persistent connection to a single
// server.
type Client struct {
	address string
	port    int

	sock   zmq4.Socket
	sendMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*Pending

	ackTimeout time.Duration
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAckTimeout overrides the acknowledgement timeout.
func WithAckTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.ackTimeout = timeout }
}

// WithClientLogger sets the client's logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient connects a DEALER socket to the server at the given address
// and port and starts the background receive loop.
func NewClient(address string, port int, opts ...ClientOption) (*Client, error) {
	ctx, cancel := context.WithCancel(context.Background())

	client := &Client{
		address:    address,
		port:       port,
		pending:    make(map[string]*Pending),
		ackTimeout: DefaultAckTimeout,
		logger:     slog.Default(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(client)
	}

	identity := fmt.Sprintf("request.Client.%p", client)
	client.sock = zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(identity)))

	endpoint := fmt.Sprintf("tcp://%s:%d", address, port)
	if err := client.sock.Dial(endpoint); err != nil {
		cancel()
		return nil, errors.Wrap(err, "Client", "NewClient", "dealer connection")
	}

	go client.run()

	return client, nil
}

// Address returns the server address this client is connected to.
func (c *Client) Address() string { return c.address }

// Port returns the server port this client is connected to.
func (c *Client) Port() int { return c.port }

// Send transmits a request and blocks until the daemon acknowledges it.
// The request's identifier is assigned here, overwriting any caller-set
// value. The returned Pending completes when the full response arrives;
// the caller decides whether and how long to wait for it.
func (c *Client) Send(req *protocol.Message) (*Pending, error) {
	if !req.Type.IsRequest() {
		return nil, errors.Newf(errors.KindValue, "invalid request type: %s", req.Type)
	}

	req.ID = nextID()

	frames, err := req.Encode()
	if err != nil {
		return nil, err
	}

	pending := newPending(req.ID)

	c.pendingMu.Lock()
	c.pending[req.ID] = pending
	c.pendingMu.Unlock()

	c.sendMu.Lock()
	err = c.sock.Send(zmq4.NewMsgFrom(frames...))
	c.sendMu.Unlock()

	if err != nil {
		c.forget(req.ID)
		return nil, errors.Wrap(err, "Client", "Send", "socket write")
	}

	if !pending.waitAck(c.ackTimeout) {
		c.forget(req.ID)
		return nil, errors.WrapKind(
			fmt.Errorf("%w: %s @ %s:%d after %s",
				errors.ErrNoAck, req.Type, c.address, c.port, c.ackTimeout),
			errors.KindTimeout, "Client", "Send", "acknowledgement")
	}

	return pending, nil
}

// Close tears down the connection. Outstanding requests fail with a local
// error; the daemon never learns of the abandonment.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.sock.Close()
		<-c.done

		c.pendingMu.Lock()
		for id, pending := range c.pending {
			pending.fail(errors.Wrap(errors.ErrShuttingDown, "Client", "Close", "connection teardown"))
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	})
	return nil
}

// run is the background receive loop. All socket reads are sequestered to
// this goroutine; sends are serialized separately by the send lock.
func (c *Client) run() {
	defer close(c.done)

	for {
		msg, err := c.sock.Recv()
		if err != nil {
			return
		}

		c.dispatch(msg.Frames)
	}
}

// dispatch routes one inbound response to its pending record. Unknown
// identifiers are dropped: the original caller's request is gone and no
// further processing is possible.
func (c *Client) dispatch(frames [][]byte) {
	response, err := protocol.Decode(frames)
	if err != nil {
		// A malformed REP fails the pending request it belongs to, when
		// the identifier can be recovered; anything less is dropped.
		if response != nil && response.ID != "" {
			if pending := c.forget(response.ID); pending != nil {
				pending.fail(err)
				return
			}
		}
		c.logger.Error("dropping malformed response", "error", err)
		return
	}

	switch response.Type {
	case protocol.TypeAck:
		c.pendingMu.Lock()
		pending := c.pending[response.ID]
		c.pendingMu.Unlock()

		if pending != nil {
			pending.completeAck()
		}

	case protocol.TypeRep:
		if pending := c.forget(response.ID); pending != nil {
			pending.complete(response)
		}

	default:
		c.logger.Warn("dropping response with unexpected type",
			"type", string(response.Type), "id", response.ID)
	}
}

// forget removes and returns the pending record for an identifier.
func (c *Client) forget(id string) *Pending {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	pending := c.pending[id]
	delete(c.pending, id)
	return pending
}

// Send is the convenience form: connect, send, and block until the
// response arrives or the default timeout lapses.
func Send(address string, port int, req *protocol.Message) (*protocol.Payload, error) {
	client, err := NewClient(address, port)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = client.Close()
	}()

	pending, err := client.Send(req)
	if err != nil {
		return nil, err
	}

	return pending.Wait(DefaultWaitTimeout)
}
