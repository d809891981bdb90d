package request

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/KeckObservatory/mKTL/errors"
	"github.com/KeckObservatory/mKTL/metric"
	"github.com/KeckObservatory/mKTL/pkg/worker"
	"github.com/KeckObservatory/mKTL/protocol"
	"github.com/KeckObservatory/mKTL/protocol/ports"
)

// Handler processes one decoded request and returns the response payload.
// Returning an error converts it to an error payload on the REP; the
// request is considered complete either way. Handlers may block
// arbitrarily; the server runs them on a worker pool so a slow SET does
// not stall unrelated requests.
type Handler interface {
	HandleRequest(ctx context.Context, req *protocol.Message) (*protocol.Payload, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *protocol.Message) (*protocol.Payload, error)

// HandleRequest implements Handler.
func (f HandlerFunc) HandleRequest(ctx context.Context, req *protocol.Message) (*protocol.Payload, error) {
	return f(ctx, req)
}

// inbound is one request as it came off the ROUTER socket: the ZeroMQ
// peer identity plus the six protocol frames.
type inbound struct {
	identity []byte
	frames   [][]byte
}

// Server receives requests via a ZeroMQ ROUTER socket and responds to
// them. Every well-formed request is acknowledged before dispatch; the
// hostname and bound port are the key pieces of provenance for an mKTL
// daemon.
type Server struct {
	hostname string
	port     int

	sock   zmq4.Socket
	sendMu sync.Mutex

	handler Handler
	pool    *worker.Pool[inbound]

	logger  *slog.Logger
	metrics *metric.Metrics

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	mu      sync.Mutex
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	hostname string
	port     int
	avoid    map[int]bool
	workers  int
	logger   *slog.Logger
	metrics  *metric.Metrics
	registry *metric.Registry
}

// WithPort requests a fixed port instead of automatic assignment.
func WithPort(port int) ServerOption {
	return func(cfg *serverConfig) { cfg.port = port }
}

// WithAvoid supplies ports to skip during automatic assignment.
func WithAvoid(avoid map[int]bool) ServerOption {
	return func(cfg *serverConfig) { cfg.avoid = avoid }
}

// WithHostname overrides the advertised hostname.
func WithHostname(hostname string) ServerOption {
	return func(cfg *serverConfig) { cfg.hostname = hostname }
}

// WithWorkers sets the handler pool size.
func WithWorkers(workers int) ServerOption {
	return func(cfg *serverConfig) { cfg.workers = workers }
}

// WithServerLogger sets the server's logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(cfg *serverConfig) { cfg.logger = logger }
}

// WithMetrics wires request metrics into the server. The registry, when
// provided, additionally carries the worker pool gauges.
func WithMetrics(registry *metric.Registry) ServerOption {
	return func(cfg *serverConfig) {
		cfg.registry = registry
		cfg.metrics = registry.Metrics
	}
}

// NewServer binds a ROUTER socket and prepares the handler pool. The
// server does not process requests until Start is called.
func NewServer(handler Handler, opts ...ServerOption) (*Server, error) {
	cfg := &serverConfig{
		workers: 128,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "localhost"
		}
		cfg.hostname = hostname
	}

	ctx, cancel := context.WithCancel(context.Background())

	server := &Server{
		hostname: cfg.hostname,
		handler:  handler,
		logger:   cfg.logger,
		metrics:  cfg.metrics,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	server.sock = zmq4.NewRouter(ctx)

	port, err := ports.Bind(server.sock, cfg.port, ports.RequestMin, ports.RequestMax, cfg.avoid)
	if err != nil {
		cancel()
		_ = server.sock.Close()
		return nil, errors.Wrap(err, "Server", "NewServer", "router binding")
	}
	server.port = port

	var poolOpts []worker.Option[inbound]
	if cfg.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetrics[inbound](cfg.registry, "mktl_request_handlers"))
	}
	server.pool = worker.NewPool(cfg.workers, 4*cfg.workers, server.process, poolOpts...)

	return server, nil
}

// Hostname returns the hostname this server advertises in provenance.
func (s *Server) Hostname() string { return s.hostname }

// Port returns the bound request port.
func (s *Server) Port() int { return s.port }

// Start launches the handler pool and the receive loop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.ErrAlreadyStarted
	}

	if err := s.pool.Start(ctx); err != nil {
		return err
	}

	go s.run()
	s.started = true
	return nil
}

// Stop closes the socket and drains the handler pool. A server that was
// never started still releases its bound port.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancel()
	_ = s.sock.Close()

	if !s.started {
		return nil
	}

	<-s.done
	s.started = false
	return s.pool.Stop(timeout)
}

func (s *Server) run() {
	defer close(s.done)

	for {
		msg, err := s.sock.Recv()
		if err != nil {
			return
		}

		frames := msg.Frames
		if len(frames) < 1 {
			continue
		}

		work := inbound{identity: frames[0], frames: frames[1:]}
		if err := s.pool.Submit(work); err != nil {
			s.logger.Error("request dropped, handler pool saturated", "error", err)
			if s.metrics != nil {
				s.metrics.RecordDroppedFrame()
			}
		}
	}
}

// process decodes, acknowledges, dispatches, and answers one request.
// Malformed frames are dropped with an error logged; handler errors are
// converted to an error payload and returned as a normal REP.
func (s *Server) process(ctx context.Context, in inbound) error {
	request, err := protocol.Decode(in.frames)
	if err != nil {
		s.logger.Error("dropping malformed request", "error", err)
		if s.metrics != nil {
			s.metrics.RecordDroppedFrame()
		}
		return err
	}

	if !request.Type.IsRequest() {
		s.logger.Error("dropping request with response type",
			"type", string(request.Type), "id", request.ID)
		if s.metrics != nil {
			s.metrics.RecordDroppedFrame()
		}
		return errors.ErrMalformedFrame
	}

	if s.metrics != nil {
		s.metrics.RecordRequestReceived(string(request.Type))
	}

	// The client is expecting an immediate ACK for all request types,
	// including ones that will fail; this is how it knows the daemon is
	// online at all.
	if err := s.send(in.identity, protocol.NewAck(request.ID)); err != nil {
		s.logger.Error("failed to send ACK", "id", request.ID, "error", err)
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordAck()
	}

	started := time.Now()
	payload, handlerErr := s.dispatch(ctx, request)

	status := "success"
	if handlerErr != nil {
		status = "error"
		payload = protocol.ErrorPayload(handlerErr)
	}
	if s.metrics != nil {
		s.metrics.RecordRequestServed(string(request.Type), status, time.Since(started))
	}

	response := protocol.NewRep(request.ID, payload)
	if err := s.send(in.identity, response); err != nil {
		s.logger.Error("failed to send REP", "id", request.ID, "error", err)
		return err
	}

	return nil
}

// dispatch runs the handler with panic containment; a panicking handler
// fails only its own request.
func (s *Server) dispatch(ctx context.Context, request *protocol.Message) (payload *protocol.Payload, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = errors.Newf(errors.KindRuntime, "handler panic: %v", recovered)
		}
	}()

	return s.handler.HandleRequest(ctx, request)
}

// send serializes a response onto the ROUTER socket, routed back to the
// peer identity.
func (s *Server) send(identity []byte, response *protocol.Message) error {
	frames, err := response.Encode()
	if err != nil {
		return err
	}

	parts := make([][]byte, 0, len(frames)+1)
	parts = append(parts, identity)
	parts = append(parts, frames...)

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sock.Send(zmq4.NewMsgFrom(parts...))
}
