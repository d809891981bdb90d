// Package registry implements the guided broker: one per host, it caches
// configuration blocks from every local daemon, cross-checks them for key
// collisions and provenance loops, answers HASH and CONFIG queries from
// clients, and sweeps the daemon discovery port so blocks arrive even
// from daemons that never pushed.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/KeckObservatory/mKTL/config"
	"github.com/KeckObservatory/mKTL/errors"
	"github.com/KeckObservatory/mKTL/metric"
	"github.com/KeckObservatory/mKTL/pkg/retry"
	"github.com/KeckObservatory/mKTL/protocol"
	"github.com/KeckObservatory/mKTL/protocol/discover"
	"github.com/KeckObservatory/mKTL/protocol/request"
)

// DefaultSweepInterval is how often the broker probes the daemon
// discovery port.
const DefaultSweepInterval = 30 * time.Second

// forgetAfterMisses is how many consecutive unanswered sweeps retire a
// previously known daemon.
const forgetAfterMisses = 2

// Broker is the registry process state.
type Broker struct {
	cache *config.Cache
	rep   *request.Server

	responder *discover.Responder

	sweepInterval time.Duration
	searchWindow  time.Duration

	mu    sync.Mutex
	known map[string]*daemonRecord

	logger   *slog.Logger
	registry *metric.Registry

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// daemonRecord tracks one discovered daemon across sweeps.
type daemonRecord struct {
	endpoint discover.Endpoint
	misses   int
	fetched  bool
}

// Option configures a Broker.
type Option func(*brokerConfig)

type brokerConfig struct {
	logger        *slog.Logger
	registry      *metric.Registry
	hostname      string
	port          int
	sweepInterval time.Duration
	searchWindow  time.Duration
	persist       bool
}

// WithLogger sets the broker's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *brokerConfig) { cfg.logger = logger }
}

// WithMetricRegistry wires metrics through the broker.
func WithMetricRegistry(registry *metric.Registry) Option {
	return func(cfg *brokerConfig) { cfg.registry = registry }
}

// WithHostname overrides the hostname recorded in relayed provenance.
func WithHostname(hostname string) Option {
	return func(cfg *brokerConfig) { cfg.hostname = hostname }
}

// WithPort requests a fixed request port.
func WithPort(port int) Option {
	return func(cfg *brokerConfig) { cfg.port = port }
}

// WithSweepInterval overrides the daemon sweep cadence.
func WithSweepInterval(interval time.Duration) Option {
	return func(cfg *brokerConfig) { cfg.sweepInterval = interval }
}

// WithSearchWindow overrides the discovery collection window.
func WithSearchWindow(window time.Duration) Option {
	return func(cfg *brokerConfig) { cfg.searchWindow = window }
}

// WithPersistence controls whether admitted blocks mirror to disk.
func WithPersistence(enabled bool) Option {
	return func(cfg *brokerConfig) { cfg.persist = enabled }
}

// New binds the broker's request socket, loads the on-disk cache, and
// prepares the sweep. Nothing is served until Start.
func New(opts ...Option) (*Broker, error) {
	cfg := &brokerConfig{
		logger:        slog.Default(),
		sweepInterval: DefaultSweepInterval,
		searchWindow:  discover.DefaultWindow,
		persist:       true,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	broker := &Broker{
		sweepInterval: cfg.sweepInterval,
		searchWindow:  cfg.searchWindow,
		known:         make(map[string]*daemonRecord),
		logger:        cfg.logger.With("component", "registry"),
		registry:      cfg.registry,
		done:          make(chan struct{}),
	}

	repOpts := []request.ServerOption{
		request.WithServerLogger(broker.logger),
	}
	if cfg.hostname != "" {
		repOpts = append(repOpts, request.WithHostname(cfg.hostname))
	}
	if cfg.port > 0 {
		repOpts = append(repOpts, request.WithPort(cfg.port))
	}
	if cfg.registry != nil {
		repOpts = append(repOpts, request.WithMetrics(cfg.registry))
	}

	rep, err := request.NewServer(broker, repOpts...)
	if err != nil {
		return nil, err
	}
	broker.rep = rep

	cacheOpts := []config.CacheOption{
		config.WithLogger(broker.logger),
		config.WithRelay(rep.Hostname(), rep.Port(), 0),
		config.WithPersistence(cfg.persist),
	}
	if cfg.registry != nil {
		cacheOpts = append(cacheOpts, config.WithMetrics(cfg.registry.Metrics))
	}
	broker.cache = config.NewCache(cacheOpts...)

	// The on-disk tree answers queries before the first sweep runs.
	if err := broker.cache.Load(); err != nil {
		broker.logger.Warn("failed to load cached configuration", "error", err)
	}

	return broker, nil
}

// Port returns the broker's request port.
func (b *Broker) Port() int { return b.rep.Port() }

// Cache exposes the broker's configuration cache.
func (b *Broker) Cache() *config.Cache { return b.cache }

// Start begins serving requests, answering discovery, and sweeping for
// daemons.
func (b *Broker) Start(ctx context.Context) error {
	if b.started {
		return errors.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	if err := b.rep.Start(runCtx); err != nil {
		cancel()
		return err
	}

	responder, err := discover.NewResponder(discover.RegistryPort, b.rep.Port(),
		discover.WithResponderLogger(b.logger))
	if err != nil {
		b.logger.Warn("discovery responder unavailable", "error", err)
	} else {
		b.responder = responder
	}

	go b.sweepLoop(runCtx)

	b.started = true
	b.logger.Info("registry on the air", "req", b.rep.Port())

	return nil
}

// Stop winds the broker down.
func (b *Broker) Stop(timeout time.Duration) error {
	if !b.started {
		return nil
	}

	b.cancel()
	<-b.done

	if b.responder != nil {
		_ = b.responder.Close()
	}

	b.started = false
	return b.rep.Stop(timeout)
}

// HandleRequest implements request.Handler for the broker: HASH and
// CONFIG queries, plus CONFIG pushes from daemons.
func (b *Broker) HandleRequest(_ context.Context, req *protocol.Message) (*protocol.Payload, error) {
	switch req.Type {
	case protocol.TypeHash:
		hashes, err := b.cache.Hashes(req.Target)
		if err != nil {
			return nil, err
		}
		return &protocol.Payload{Value: hashes}, nil

	case protocol.TypeConfig:
		if req.Payload != nil && req.Payload.Value != nil {
			return nil, b.acceptPush(req)
		}

		if req.Target == "" {
			return nil, errors.New(errors.KindKey, "invalid CONFIG request, target not set")
		}

		blocks, err := b.cache.Blocks(req.Target)
		if err != nil {
			return nil, err
		}
		return &protocol.Payload{Value: blocks}, nil

	default:
		return nil, errors.Newf(errors.KindValue, "unhandled request type: %s", req.Type)
	}
}

// acceptPush admits every block in an inbound CONFIG push. Provenance
// loops are silently discarded (the block originated here; the pushing
// peer still gets a clean REP); the first admission failure is returned to
// the pusher. The failing block is not cached; blocks of the same push
// admitted before it stay cached.
func (b *Broker) acceptPush(req *protocol.Message) error {
	blocks, err := protocol.ValueAs[map[string]*config.Block](req.Payload)
	if err != nil {
		return err
	}

	for uuid, block := range blocks {
		if block == nil {
			continue
		}
		if block.UUID == "" {
			block.UUID = uuid
		}
		if block.Name == "" {
			block.Name = req.Target
		}

		if err := b.cache.Admit(block); err != nil {
			if errors.IsProvenanceLoop(err) {
				continue
			}
			return err
		}

		b.logger.Info("configuration block admitted",
			"store", block.Name, "uuid", block.UUID, "via", "push")
	}

	return nil
}

// sweepLoop periodically probes the daemon discovery port and ingests
// configuration from newly observed daemons.
func (b *Broker) sweepLoop(ctx context.Context) {
	defer close(b.done)

	// An immediate first sweep; the interval paces the rest.
	b.sweep(ctx)

	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep(ctx)
		}
	}
}

// sweep runs one pass: discover daemons, fetch configuration from the
// new ones, and forget the ones that have stopped answering.
func (b *Broker) sweep(ctx context.Context) {
	found, err := discover.SearchDirect(b.searchWindow)
	if err != nil {
		b.logger.Warn("daemon sweep failed", "error", err)
		return
	}

	responded := make(map[string]bool, len(found))

	for _, endpoint := range found {
		responded[endpoint.String()] = true

		b.mu.Lock()
		record, ok := b.known[endpoint.String()]
		if !ok {
			record = &daemonRecord{endpoint: endpoint}
			b.known[endpoint.String()] = record
		}
		record.misses = 0
		fetch := !record.fetched
		b.mu.Unlock()

		if !fetch {
			continue
		}

		if err := b.ingest(ctx, endpoint); err != nil {
			b.logger.Warn("failed to ingest daemon configuration",
				"daemon", endpoint.String(), "error", err)
			continue
		}

		b.mu.Lock()
		record.fetched = true
		b.mu.Unlock()
	}

	// Previously known daemons that fail to respond two sweeps in a row
	// are forgotten.
	b.mu.Lock()
	for key, record := range b.known {
		if responded[key] {
			continue
		}
		record.misses++
		if record.misses >= forgetAfterMisses {
			delete(b.known, key)
			b.logger.Info("daemon forgotten", "daemon", key)
		}
	}
	b.mu.Unlock()
}

// ingest opens a transient connection to a daemon, asks HASH, then
// CONFIG for each returned store, and feeds the blocks to the cache.
func (b *Broker) ingest(ctx context.Context, endpoint discover.Endpoint) error {
	hashes, err := retry.DoWithResult(ctx, retry.Sweep(), func() (map[string]map[string]string, error) {
		payload, err := request.Send(endpoint.Address, endpoint.Port,
			&protocol.Message{Type: protocol.TypeHash})
		if err != nil {
			return nil, err
		}
		return protocol.ValueAs[map[string]map[string]string](payload)
	})
	if err != nil {
		return err
	}

	for storeName := range hashes {
		payload, err := request.Send(endpoint.Address, endpoint.Port,
			&protocol.Message{Type: protocol.TypeConfig, Target: storeName})
		if err != nil {
			b.logger.Warn("CONFIG fetch failed",
				"daemon", endpoint.String(), "store", storeName, "error", err)
			continue
		}

		blocks, err := protocol.ValueAs[map[string]*config.Block](payload)
		if err != nil {
			b.logger.Warn("CONFIG response unusable",
				"daemon", endpoint.String(), "store", storeName, "error", err)
			continue
		}

		for uuid, block := range blocks {
			if block == nil {
				continue
			}
			if block.UUID == "" {
				block.UUID = uuid
			}
			if block.Name == "" {
				block.Name = storeName
			}

			if err := b.cache.Admit(block); err != nil {
				if errors.IsProvenanceLoop(err) {
					continue
				}
				b.logger.Warn("configuration block rejected",
					"store", block.Name, "uuid", block.UUID, "error", err)
				continue
			}

			b.logger.Info("configuration block admitted",
				"store", block.Name, "uuid", block.UUID, "via", "sweep")
		}
	}

	return nil
}
