package discover

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/KeckObservatory/mKTL/errors"
	"github.com/KeckObservatory/mKTL/metric"
)

// throttleInterval bounds how often one source address is answered. The
// listener is reachable by anything on the LAN; without the limit a
// forged source address turns it into a reflector.
const throttleInterval = 100 * time.Millisecond

// limiterHighWater caps the per-source limiter table.
const limiterHighWater = 4096

// Responder listens for discovery calls on a well-known UDP port and
// answers each with this process's request port. Multiple responders
// coexist on one host through SO_REUSEPORT; a searcher collects every
// answer within its window.
type Responder struct {
	port     int
	conn     *net.UDPConn
	response []byte

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	logger  *slog.Logger
	metrics *metric.Metrics

	closeOnce sync.Once
	done      chan struct{}
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithResponderLogger sets the responder's logger.
func WithResponderLogger(logger *slog.Logger) ResponderOption {
	return func(r *Responder) { r.logger = logger }
}

// WithResponderMetrics wires discovery metrics into the responder.
func WithResponderMetrics(metrics *metric.Metrics) ResponderOption {
	return func(r *Responder) { r.metrics = metrics }
}

// NewResponder binds the given discovery port and begins answering calls
// with the advertised request port.
func NewResponder(port, rep int, opts ...ResponderOption) (*Responder, error) {
	responder := &Responder{
		port:     port,
		response: formatResponse(rep),
		limiters: make(map[string]*rate.Limiter),
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(responder)
	}

	conn, err := listenReusable(port)
	if err != nil {
		return nil, errors.Wrap(err, "Responder", "NewResponder", "udp binding")
	}
	responder.conn = conn

	go responder.run()

	return responder, nil
}

// Port returns the discovery port this responder is bound to.
func (r *Responder) Port() int { return r.port }

// Close stops answering and releases the port.
func (r *Responder) Close() error {
	r.closeOnce.Do(func() {
		_ = r.conn.Close()
		<-r.done
	})
	return nil
}

func (r *Responder) run() {
	defer close(r.done)

	buffer := make([]byte, 4096)

	for {
		n, addr, err := r.conn.ReadFromUDP(buffer)
		if err != nil {
			return
		}

		if !isCall(buffer[:n]) {
			continue
		}

		if !r.allow(addr.IP.String()) {
			if r.metrics != nil {
				r.metrics.RecordDiscoveryThrottled()
			}
			continue
		}

		if _, err := r.conn.WriteToUDP(r.response, addr); err != nil {
			r.logger.Warn("discovery response failed",
				"peer", addr.String(), "error", err)
			continue
		}

		if r.metrics != nil {
			r.metrics.RecordDiscoveryResponse()
		}
	}
}

// allow applies the per-source rate limit.
func (r *Responder) allow(source string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	limiter, ok := r.limiters[source]
	if !ok {
		if len(r.limiters) >= limiterHighWater {
			r.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(rate.Every(throttleInterval), 1)
		r.limiters[source] = limiter
	}

	return limiter.Allow()
}

// listenReusable binds a UDP port with SO_REUSEADDR and SO_REUSEPORT so
// several daemons on one host can all answer discovery.
func listenReusable(port int) (*net.UDPConn, error) {
	config := net.ListenConfig{
		Control: func(_, _ string, raw syscall.RawConn) error {
			var sockErr error
			err := raw.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if sockErr != nil {
					return
				}
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	packet, err := config.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}

	return packet.(*net.UDPConn), nil
}
