package publish

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-zeromq/zmq4"

	"github.com/KeckObservatory/mKTL/errors"
	"github.com/KeckObservatory/mKTL/metric"
	"github.com/KeckObservatory/mKTL/protocol"
)

// Broadcast is one arriving publication, parsed and ready for dispatch.
// Bundle broadcasts carry their per-item entries; plain and bulk
// broadcasts carry a single payload.
type Broadcast struct {
	Topic   string
	Target  string
	Payload *protocol.Payload
	Bundle  []protocol.BundleEntry
}

// Callback receives broadcasts for a subscribed topic. Callbacks run
// sequentially on the receive goroutine, in arrival order; a slow
// callback delays everything behind it, so heavy work belongs on the
// caller's own queue.
type Callback func(*Broadcast)

// Client establishes a ZeroMQ SUB connection to a PUB socket and fans
// arriving broadcasts out to registered callbacks. Wire subscriptions are
// reference counted: the subscription persists while at least one
// registration holds the topic and is released when the count returns to
// zero.
type Client struct {
	address string
	port    int

	sock   zmq4.Socket
	sockMu sync.Mutex

	mu        sync.Mutex
	callbacks map[string][]Callback
	refcounts map[string]int

	logger  *slog.Logger
	metrics *metric.Metrics

	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

// ClientOption configures a subscribe Client.
type ClientOption func(*Client)

// WithClientLogger sets the client's logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithClientMetrics wires broadcast metrics into the client.
func WithClientMetrics(metrics *metric.Metrics) ClientOption {
	return func(c *Client) { c.metrics = metrics }
}

// NewClient connects a SUB socket to the publisher at the given address
// and port and starts the receive loop. No topics are subscribed until
// Subscribe or Register is called.
func NewClient(address string, port int, opts ...ClientOption) (*Client, error) {
	ctx, cancel := context.WithCancel(context.Background())

	client := &Client{
		address:   address,
		port:      port,
		callbacks: make(map[string][]Callback),
		refcounts: make(map[string]int),
		logger:    slog.Default(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(client)
	}

	client.sock = zmq4.NewSub(ctx)

	endpoint := fmt.Sprintf("tcp://%s:%d", address, port)
	if err := client.sock.Dial(endpoint); err != nil {
		cancel()
		return nil, errors.Wrap(err, "Client", "NewClient", "sub connection")
	}

	go client.run()

	return client, nil
}

// Address returns the publisher address this client is connected to.
func (c *Client) Address() string { return c.address }

// Port returns the publisher port this client is connected to.
func (c *Client) Port() int { return c.port }

// Subscribe adds one reference to a topic, establishing the wire
// subscription on the first.
func (c *Client) Subscribe(topic string) error {
	c.mu.Lock()
	c.refcounts[topic]++
	first := c.refcounts[topic] == 1
	c.mu.Unlock()

	if !first {
		return nil
	}

	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	if err := c.sock.SetOption(zmq4.OptionSubscribe, topic); err != nil {
		return errors.Wrap(err, "Client", "Subscribe", "topic subscription")
	}
	return nil
}

// Unsubscribe drops one reference to a topic, releasing the wire
// subscription when the count returns to zero.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	if c.refcounts[topic] > 0 {
		c.refcounts[topic]--
	}
	last := c.refcounts[topic] == 0
	if last {
		delete(c.refcounts, topic)
		delete(c.callbacks, topic)
	}
	c.mu.Unlock()

	if !last {
		return nil
	}

	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	if err := c.sock.SetOption(zmq4.OptionUnsubscribe, topic); err != nil {
		return errors.Wrap(err, "Client", "Unsubscribe", "topic release")
	}
	return nil
}

// Register attaches a callback to a topic, subscribing as necessary.
// Callbacks on one topic run in registration order.
func (c *Client) Register(topic string, callback Callback) error {
	if callback == nil {
		return errors.New(errors.KindType, "callback must not be nil")
	}

	if err := c.Subscribe(topic); err != nil {
		return err
	}

	c.mu.Lock()
	c.callbacks[topic] = append(c.callbacks[topic], callback)
	c.mu.Unlock()

	return nil
}

// Refcount reports the current reference count for a topic.
func (c *Client) Refcount(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refcounts[topic]
}

// Close tears down the SUB socket and stops dispatch.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.sock.Close()
		<-c.done
	})
	return nil
}

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

// dispatch parses one arriving broadcast and fans it out. Version
// mismatches and malformed frames are dropped.
func (c *Client) dispatch(frames [][]byte) {
	topic, message, err := protocol.DecodePublish(frames)
	if err != nil {
		c.logger.Error("dropping malformed broadcast", "topic", topic, "error", err)
		return
	}

	broadcast := &Broadcast{
		Topic:   topic,
		Target:  message.Target,
		Payload: message.Payload,
	}

	kind := "plain"

	switch {
	case protocol.IsBundleTopic(topic):
		kind = "bundle"
		entries, err := protocol.DecodeBundle(message.Payload)
		if err != nil {
			c.logger.Error("dropping malformed bundle", "topic", topic, "error", err)
			return
		}
		broadcast.Bundle = entries

	case protocol.IsBulkTopic(topic):
		kind = "bulk"
		if broadcast.Payload != nil {
			broadcast.Payload.Bulk = message.Bulk
		}
	}

	if c.metrics != nil {
		c.metrics.RecordBroadcastReceived(kind)
	}

	for _, callback := range c.matches(topic) {
		callback(broadcast)
	}
}

// matches collects the callbacks whose registered topic prefixes the
// arriving one, mirroring ZeroMQ's own prefix-based filtering.
func (c *Client) matches(topic string) []Callback {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []Callback
	for registered, callbacks := range c.callbacks {
		if strings.HasPrefix(topic, registered) {
			matched = append(matched, callbacks...)
		}
	}
	return matched
}
