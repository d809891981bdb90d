package publish

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-zeromq/zmq4"

	"github.com/KeckObservatory/mKTL/errors"
	"github.com/KeckObservatory/mKTL/metric"
	"github.com/KeckObservatory/mKTL/protocol"
	"github.com/KeckObservatory/mKTL/protocol/ports"
)

// bundleTicker hands out the shared identifier stamped on every element
// of one bundle broadcast.
var bundleTicker atomic.Uint64

// Server sends broadcasts via a ZeroMQ PUB socket bound on the first
// available port in the publish range. The bound port is a key piece of
// the provenance for an mKTL daemon.
type Server struct {
	port int

	sock zmq4.Socket
	mu   sync.Mutex

	metrics *metric.Metrics
	cancel  context.CancelFunc

	closeOnce sync.Once
}

// ServerOption configures a publish Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	port    int
	avoid   map[int]bool
	metrics *metric.Metrics
}

// WithPort requests a fixed port instead of automatic assignment.
func WithPort(port int) ServerOption {
	return func(cfg *serverConfig) { cfg.port = port }
}

// WithAvoid supplies ports to skip during automatic assignment.
func WithAvoid(avoid map[int]bool) ServerOption {
	return func(cfg *serverConfig) { cfg.avoid = avoid }
}

// WithMetrics wires broadcast metrics into the server.
func WithMetrics(metrics *metric.Metrics) ServerOption {
	return func(cfg *serverConfig) { cfg.metrics = metrics }
}

// NewServer binds a PUB socket.
func NewServer(opts ...ServerOption) (*Server, error) {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())

	server := &Server{
		metrics: cfg.metrics,
		cancel:  cancel,
	}
	server.sock = zmq4.NewPub(ctx)

	port, err := ports.Bind(server.sock, cfg.port, ports.PublishMin, ports.PublishMax, cfg.avoid)
	if err != nil {
		cancel()
		_ = server.sock.Close()
		return nil, errors.Wrap(err, "Server", "NewServer", "pub binding")
	}
	server.port = port

	return server, nil
}

// Port returns the bound publish port.
func (s *Server) Port() int { return s.port }

// Publish broadcasts a payload for the given target. Payloads carrying a
// bulk buffer go out under the bulk topic so subscribers can opt in to
// the heavier traffic separately.
func (s *Server) Publish(target string, payload *protocol.Payload) error {
	topic := protocol.Topic(target)
	kind := "plain"

	message := &protocol.Message{Type: protocol.TypePub, Target: target, Payload: payload}

	if payload != nil && len(payload.Bulk) > 0 {
		topic = protocol.BulkTopic(target)
		kind = "bulk"
		message.Bulk = payload.Bulk
	}

	if err := s.send(topic, message); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordBroadcast(kind)
	}
	return nil
}

// PublishBundle broadcasts the entries as one atomic bundle under the
// given store and prefix. Every entry is stamped with the same
// identifier before it goes out.
func (s *Server) PublishBundle(store, prefix string, entries []protocol.BundleEntry) error {
	id := fmt.Sprintf("%08x", bundleTicker.Add(1)&0xFFFFFFFF)
	for i := range entries {
		entries[i].ID = id
	}

	payload, err := protocol.EncodeBundle(entries)
	if err != nil {
		return err
	}

	topic := protocol.BundleTopic(store, prefix)
	message := &protocol.Message{Type: protocol.TypePub, Payload: payload}

	if err := s.send(topic, message); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordBroadcast("bundle")
	}
	return nil
}

// send serializes one broadcast. The lock serializes multipart writes
// from concurrent publishers; interleaved parts corrupt the stream.
func (s *Server) send(topic string, message *protocol.Message) error {
	frames, err := message.EncodePublish(topic)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sock.Send(zmq4.NewMsgFrom(frames...))
}

// Close tears down the PUB socket.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.sock.Close()
	})
	return nil
}
