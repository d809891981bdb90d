package daemon

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KeckObservatory/mKTL/config"
	"github.com/KeckObservatory/mKTL/errors"
	"github.com/KeckObservatory/mKTL/metric"
	"github.com/KeckObservatory/mKTL/pkg/retry"
	"github.com/KeckObservatory/mKTL/protocol"
	"github.com/KeckObservatory/mKTL/protocol/discover"
	"github.com/KeckObservatory/mKTL/protocol/publish"
	"github.com/KeckObservatory/mKTL/protocol/request"
	"github.com/KeckObservatory/mKTL/store"
)

// Daemon is the authoritative source for the items in one configuration
// block within one store.
type Daemon struct {
	StoreName  string
	Identifier string
	UUID       string

	Store *store.Store

	block     *config.Block
	cache     *config.Cache
	rep       *request.Server
	pub       *publish.Server
	persister *store.Persister
	responder *discover.Responder

	factory  Factory
	logger   *slog.Logger
	registry *metric.Registry

	searchWindow time.Duration
	started      bool
}

// Option configures a Daemon.
type Option func(*options)

type options struct {
	factory        Factory
	descriptor     string
	logger         *slog.Logger
	registry       *metric.Registry
	hostname       string
	searchWindow   time.Duration
	skipDuplicates bool
}

// WithFactory selects the factory that customizes this daemon's items.
func WithFactory(factory Factory) Option {
	return func(o *options) { o.factory = factory }
}

// WithDescriptorFile installs the given file as the items descriptor,
// superseding any cached copy under this daemon's identifier.
func WithDescriptorFile(path string) Option {
	return func(o *options) { o.descriptor = path }
}

// WithLogger sets the daemon's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetricRegistry wires metrics through the daemon's servers.
func WithMetricRegistry(registry *metric.Registry) Option {
	return func(o *options) { o.registry = registry }
}

// WithHostname overrides the hostname advertised in provenance.
func WithHostname(hostname string) Option {
	return func(o *options) { o.hostname = hostname }
}

// WithSearchWindow overrides the discovery collection window used when
// announcing to registries.
func WithSearchWindow(window time.Duration) Option {
	return func(o *options) { o.searchWindow = window }
}

// WithoutDuplicateCheck skips probing the cached port for an already
// running instance. Tests use it; production daemons should not.
func WithoutDuplicateCheck() Option {
	return func(o *options) { o.skipDuplicates = true }
}

// New assembles a daemon for the named store and identifier: descriptor
// loading, block construction, socket binding, item creation, and
// persistent value restoration. The daemon is not answering requests
// until Start is called.
func New(storeName, identifier string, opts ...Option) (*Daemon, error) {
	o := &options{
		factory:      BaseFactory{},
		logger:       slog.Default(),
		searchWindow: discover.DefaultWindow,
	}
	for _, opt := range opts {
		opt(o)
	}

	storeName = strings.ToLower(storeName)
	identifier = strings.ToLower(identifier)

	if storeName == "" {
		return nil, errors.New(errors.KindValue, "store name cannot be the empty string")
	}
	if identifier == "" {
		return nil, errors.New(errors.KindValue, "daemon identifier cannot be the empty string")
	}

	if o.descriptor != "" {
		if err := config.InstallDescriptor(storeName, identifier, o.descriptor); err != nil {
			return nil, err
		}
	}

	items, blockUUID, err := config.LoadDescriptor(storeName, identifier)
	if err != nil {
		return nil, err
	}
	if items == nil {
		return nil, errors.Newf(errors.KindValue,
			"no items descriptor for %s in store %s", identifier, storeName)
	}

	d := &Daemon{
		StoreName:    storeName,
		Identifier:   identifier,
		UUID:         blockUUID,
		factory:      newBuiltinFactory(o.factory),
		logger:       o.logger.With("component", "daemon", "store", storeName, "identifier", identifier),
		registry:     o.registry,
		searchWindow: o.searchWindow,
	}

	addBuiltinItems(items, identifier)

	block, err := config.NewBlock(storeName, identifier, blockUUID, items)
	if err != nil {
		return nil, err
	}
	d.block = block

	// Use cached port numbers when possible so provenance held by
	// long-lived clients stays valid across restarts; fall back to
	// automatic assignment when they are taken.
	cachedReq, cachedPub := config.LoadPorts(storeName, blockUUID)
	avoid := config.UsedPorts()

	if cachedReq > 0 && !o.skipDuplicates {
		if err := d.probeForDuplicate(cachedReq); err != nil {
			return nil, err
		}
	}

	var pubOpts []publish.ServerOption
	if o.registry != nil {
		pubOpts = append(pubOpts, publish.WithMetrics(o.registry.Metrics))
	}

	d.pub, err = publish.NewServer(append(pubOpts, publish.WithPort(cachedPub), publish.WithAvoid(avoid))...)
	if err != nil {
		d.pub, err = publish.NewServer(append(pubOpts, publish.WithAvoid(avoid))...)
		if err != nil {
			return nil, err
		}
	}

	avoid = config.UsedPorts()
	avoid[d.pub.Port()] = true

	repOpts := []request.ServerOption{
		request.WithServerLogger(d.logger),
		request.WithAvoid(avoid),
	}
	if o.hostname != "" {
		repOpts = append(repOpts, request.WithHostname(o.hostname))
	}
	if o.registry != nil {
		repOpts = append(repOpts, request.WithMetrics(o.registry))
	}

	d.rep, err = request.NewServer(d, append(repOpts, request.WithPort(cachedReq))...)
	if err != nil {
		d.rep, err = request.NewServer(d, repOpts...)
		if err != nil {
			_ = d.pub.Close()
			return nil, err
		}
	}

	if err := config.SavePorts(storeName, blockUUID, d.rep.Port(), d.pub.Port()); err != nil {
		d.logger.Warn("failed to remember port assignment", "error", err)
	}

	// The provenance cannot be established until the listener ports are
	// known; the block is doctored after the fact and rehashed state
	// (the hash covers only the items section) is unaffected.
	block.AddProvenance(d.rep.Hostname(), d.rep.Port(), d.pub.Port())

	identity := config.NewIdentity()
	identity.Add(d.rep.Hostname(), d.rep.Port())

	cacheOpts := []config.CacheOption{
		config.WithIdentity(identity),
		config.WithPersistence(true),
		config.WithLogger(d.logger),
	}
	if o.registry != nil {
		cacheOpts = append(cacheOpts, config.WithMetrics(o.registry.Metrics))
	}

	d.cache = config.NewCache(cacheOpts...)
	if err := d.cache.Put(block); err != nil {
		return nil, err
	}

	if err := d.buildItems(); err != nil {
		d.teardown()
		return nil, err
	}

	return d, nil
}

// buildItems runs the factory hooks around default item creation and
// value restoration.
func (d *Daemon) buildItems() error {
	d.Store = store.New(d.StoreName, d.logger)

	persister, err := store.NewPersister(d.UUID, d.logger)
	if err != nil {
		return err
	}
	d.persister = persister

	if err := d.factory.Setup(d); err != nil {
		return errors.Wrap(err, "Daemon", "buildItems", "factory setup")
	}

	// Fill in default caching items for every key the factory did not
	// claim.
	for key := range d.block.Items {
		if d.Store.Has(key) {
			continue
		}
		if err := d.AddItem(key, store.Handlers{}); err != nil {
			return err
		}
	}

	d.applyInitialValues()

	if err := d.restorePersisted(); err != nil {
		d.logger.Warn("failed to restore persistent values", "error", err)
	}

	if err := d.factory.SetupFinal(d); err != nil {
		return errors.Wrap(err, "Daemon", "buildItems", "factory final setup")
	}

	return nil
}

// AddItem creates an authoritative item for a key this daemon owns,
// attaching the given handler record. Factories call this from Setup.
func (d *Daemon) AddItem(key string, handlers store.Handlers) error {
	key = strings.ToUpper(key)

	cfg, ok := d.block.Items[key]
	if !ok {
		return errors.Newf(errors.KindKey,
			"this daemon is not authoritative for the key %q", key)
	}

	_, err := store.NewAuthoritative(d.Store, key, cfg, handlers, d.pub, d.persister)
	return err
}

// applyInitialValues pushes descriptor-declared initial values through
// each item's set path. Items that are not settable take their initial
// value directly, without the set path.
func (d *Daemon) applyInitialValues() {
	for key, cfg := range d.block.Items {
		if cfg.Initial == nil {
			continue
		}

		item, err := d.Store.Get(key)
		if err != nil {
			continue
		}

		payload := &protocol.Payload{Value: cfg.Initial}
		if !cfg.IsSettable() {
			if err := item.Publish(payload); err != nil {
				d.logger.Warn("initial value rejected", "key", key, "error", err)
			}
			continue
		}

		if _, err := item.HandleSet(context.Background(), payload); err != nil {
			d.logger.Warn("initial value rejected", "key", key, "error", err)
		}
	}
}

// restorePersisted reloads saved values for persistent items. A
// persisted value overrides the descriptor's initial value.
func (d *Daemon) restorePersisted() error {
	loaded, err := store.LoadPersisted(d.UUID)
	if err != nil {
		return err
	}

	for key, payload := range loaded {
		item, err := d.Store.Get(key)
		if err != nil {
			continue
		}
		if !item.Config().Persist {
			continue
		}
		item.Restore(payload)
		// Re-queue the restored value so it, not the initial value
		// queued by applyInitialValues, is what the next flush writes.
		d.persister.Enqueue(key, payload)
	}

	return nil
}

// probeForDuplicate asks whatever answers the cached port for its
// configuration; another instance of this daemon already running is
// fatal, anything else just means the port was recycled.
func (d *Daemon) probeForDuplicate(port int) error {
	payload, err := request.Send("localhost", port, &protocol.Message{
		Type:   protocol.TypeConfig,
		Target: d.StoreName,
	})
	if err != nil {
		// Not running; perfect.
		return nil
	}

	raw, err := protocol.ValueAs[map[string]*config.Block](payload)
	if err != nil {
		return nil
	}

	for _, block := range raw {
		if block != nil && block.Alias == d.Identifier {
			return errors.Newf(errors.KindValue,
				"another instance of %s is running, aborting", d.Identifier)
		}
	}

	return nil
}

// Start begins answering requests, discovery, and announces the
// configuration to the local registry.
func (d *Daemon) Start(ctx context.Context) error {
	if d.started {
		return errors.ErrAlreadyStarted
	}

	if err := d.rep.Start(ctx); err != nil {
		return err
	}

	responder, err := discover.NewResponder(discover.DirectPort, d.rep.Port(),
		discover.WithResponderLogger(d.logger))
	if err != nil {
		d.logger.Warn("discovery responder unavailable", "error", err)
	} else {
		d.responder = responder
	}

	if err := d.announce(ctx); err != nil {
		d.logger.Warn("configuration announce failed", "error", err)
	}

	d.started = true
	d.logger.Info("daemon on the air",
		"uuid", d.UUID, "req", d.rep.Port(), "pub", d.pub.Port())

	return nil
}

// announce pushes this daemon's block to every local registry.
func (d *Daemon) announce(ctx context.Context) error {
	return retry.Do(ctx, retry.Announce(), func() error {
		brokers, err := discover.SearchRegistries(d.searchWindow)
		if err != nil {
			return err
		}
		if len(brokers) == 0 {
			return errors.Wrap(errors.ErrNoConnection, "Daemon", "announce", "registry discovery")
		}

		// Every broker gets the push; one offline broker must not
		// stall the others, so the pushes fan out concurrently.
		group, _ := errgroup.WithContext(ctx)

		for _, broker := range brokers {
			broker := broker
			group.Go(func() error {
				push := &protocol.Message{
					Type:    protocol.TypeConfig,
					Target:  d.StoreName,
					Payload: &protocol.Payload{Value: map[string]*config.Block{d.UUID: d.block}},
				}

				if _, err := request.Send(broker.Address, broker.Port, push); err != nil {
					if errors.IsTimeout(err) {
						return nil
					}
					// The registry gave a definitive rejection; asking
					// again will not change the answer.
					return retry.NonRetryable(err)
				}
				return nil
			})
		}

		return group.Wait()
	})
}

// Stop winds the daemon down in reverse order of startup.
func (d *Daemon) Stop(timeout time.Duration) error {
	d.teardown()

	if d.rep != nil {
		if err := d.rep.Stop(timeout); err != nil {
			return err
		}
	}

	d.started = false
	return nil
}

func (d *Daemon) teardown() {
	if d.responder != nil {
		_ = d.responder.Close()
		d.responder = nil
	}
	if d.Store != nil {
		d.Store.Close()
	}
	if d.persister != nil {
		_ = d.persister.Close()
	}
	if d.pub != nil {
		_ = d.pub.Close()
	}
}

// Block returns the daemon's authoritative configuration block.
func (d *Daemon) Block() *config.Block { return d.block }

// RequestPort returns the bound request port.
func (d *Daemon) RequestPort() int { return d.rep.Port() }

// PublishPort returns the bound publish port.
func (d *Daemon) PublishPort() int { return d.pub.Port() }
