// Package client implements the mKTL client entry point: Get resolves a
// fully qualified item name to a cached mirror Item, consulting the local
// registry for configuration and opening direct connections to the
// authoritative daemon.
package client

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/KeckObservatory/mKTL/config"
	"github.com/KeckObservatory/mKTL/errors"
	"github.com/KeckObservatory/mKTL/protocol"
	"github.com/KeckObservatory/mKTL/protocol/discover"
	"github.com/KeckObservatory/mKTL/protocol/publish"
	"github.com/KeckObservatory/mKTL/protocol/request"
	"github.com/KeckObservatory/mKTL/store"
)

// Dialer opens transport connections to daemons. The default dials
// ZeroMQ sockets; tests substitute fakes.
type Dialer interface {
	Request(address string, port int) (store.Requester, error)
	Subscribe(address string, port int) (store.Subscriber, error)
}

// zmqDialer is the production Dialer, reusing one connection per
// endpoint.
type zmqDialer struct {
	mu  sync.Mutex
	req map[string]*request.Client
	sub map[string]*publish.Client
}

func newZMQDialer() *zmqDialer {
	return &zmqDialer{
		req: make(map[string]*request.Client),
		sub: make(map[string]*publish.Client),
	}
}

func endpointKey(address string, port int) string {
	return address + ":" + strconv.Itoa(port)
}

func (d *zmqDialer) Request(address string, port int) (store.Requester, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := endpointKey(address, port)
	if existing, ok := d.req[key]; ok {
		return existing, nil
	}

	client, err := request.NewClient(address, port)
	if err != nil {
		return nil, err
	}
	d.req[key] = client
	return client, nil
}

func (d *zmqDialer) Subscribe(address string, port int) (store.Subscriber, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := endpointKey(address, port)
	if existing, ok := d.sub[key]; ok {
		return existing, nil
	}

	client, err := publish.NewClient(address, port)
	if err != nil {
		return nil, err
	}
	d.sub[key] = client
	return client, nil
}

func (d *zmqDialer) close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, client := range d.req {
		_ = client.Close()
	}
	for _, client := range d.sub {
		_ = client.Close()
	}
}

// Client resolves item names and caches the resulting stores, items, and
// connections for the life of the process.
type Client struct {
	logger *slog.Logger
	dialer Dialer

	cache *config.Cache

	mu       sync.Mutex
	stores   map[string]*store.Store
	registry *discover.Endpoint

	searchWindow time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithDialer substitutes the transport dialer.
func WithDialer(dialer Dialer) Option {
	return func(c *Client) { c.dialer = dialer }
}

// WithSearchWindow overrides the registry discovery window.
func WithSearchWindow(window time.Duration) Option {
	return func(c *Client) { c.searchWindow = window }
}

// WithRegistry pins the registry endpoint, skipping discovery.
func WithRegistry(address string, port int) Option {
	return func(c *Client) {
		c.registry = &discover.Endpoint{Address: address, Port: port}
	}
}

// New creates a client. The on-disk configuration cache primes the
// in-memory one so previously seen stores resolve even before the
// registry answers.
func New(opts ...Option) *Client {
	c := &Client{
		logger:       slog.Default(),
		stores:       make(map[string]*store.Store),
		searchWindow: discover.DefaultWindow,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.dialer == nil {
		c.dialer = newZMQDialer()
	}

	c.cache = config.NewCache(
		config.WithLogger(c.logger),
		config.WithPersistence(true),
	)
	if err := c.cache.Load(); err != nil {
		c.logger.Warn("failed to load configuration cache", "error", err)
	}

	return c
}

// Get resolves "<store>.<KEY>" to its Item, fetching configuration and
// opening connections as needed. Items are singletons per client: the
// same name returns the same instance.
func (c *Client) Get(qualified string) (*store.Item, error) {
	storeName, key := protocol.SplitTarget(qualified)

	if storeName == "" {
		return nil, errors.New(errors.KindValue, "store name cannot be the empty string")
	}
	if key == "" {
		return nil, errors.Newf(errors.KindValue, "%q does not name an item", qualified)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.stores[storeName]
	if ok {
		if item, err := s.Get(key); err == nil {
			return item, nil
		}
	} else {
		s = store.New(storeName, c.logger)
		c.stores[storeName] = s
	}

	if err := c.refreshStore(storeName); err != nil {
		return nil, err
	}

	block, err := c.cache.Lookup(storeName, key)
	if err != nil {
		return nil, err
	}

	return c.mirror(s, block, key)
}

// mirror instantiates the mirror item for a key using its block's
// stratum-0 endpoints.
func (c *Client) mirror(s *store.Store, block *config.Block, key string) (*store.Item, error) {
	origin, err := block.Origin()
	if err != nil {
		return nil, err
	}
	if origin.Pub == 0 {
		return nil, errors.Newf(errors.KindValue,
			"cannot find daemon for %s.%s: origin has no publish port", s.Name, key)
	}

	req, err := c.dialer.Request(origin.Hostname, origin.Req)
	if err != nil {
		return nil, err
	}

	sub, err := c.dialer.Subscribe(origin.Hostname, origin.Pub)
	if err != nil {
		return nil, err
	}

	return store.NewMirror(s, key, block.Items[key], req, sub)
}

// refreshStore brings the cached configuration for a store up to date:
// ask the registry for hashes, fetch CONFIG only when the hashes differ
// from what is cached. With no registry reachable, previously cached
// configuration serves as-is.
func (c *Client) refreshStore(storeName string) error {
	registry, err := c.locateRegistry()
	if err != nil {
		if _, cacheErr := c.cache.Blocks(storeName); cacheErr == nil {
			c.logger.Warn("registry unreachable, serving cached configuration",
				"store", storeName, "error", err)
			return nil
		}
		return errors.Newf(errors.KindValue,
			"no configuration available for %q: %v", storeName, err)
	}

	payload, err := request.Send(registry.Address, registry.Port,
		&protocol.Message{Type: protocol.TypeHash, Target: storeName})
	if err != nil {
		if _, cacheErr := c.cache.Blocks(storeName); cacheErr == nil {
			return nil
		}
		return err
	}

	hashes, err := protocol.ValueAs[map[string]map[string]string](payload)
	if err != nil {
		return err
	}

	if !c.hashesDiffer(storeName, hashes[storeName]) {
		return nil
	}

	payload, err = request.Send(registry.Address, registry.Port,
		&protocol.Message{Type: protocol.TypeConfig, Target: storeName})
	if err != nil {
		return err
	}

	blocks, err := protocol.ValueAs[map[string]*config.Block](payload)
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
			block.Name = storeName
		}
		if err := c.cache.Put(block); err != nil {
			c.logger.Warn("discarding unusable block",
				"store", storeName, "uuid", uuid, "error", err)
		}
	}

	return nil
}

// hashesDiffer compares the registry's hashes with the cached blocks.
func (c *Client) hashesDiffer(storeName string, remote map[string]string) bool {
	if len(remote) == 0 {
		return false
	}

	cached, err := c.cache.Blocks(storeName)
	if err != nil {
		return true
	}

	if len(cached) != len(remote) {
		return true
	}

	for uuid, hash := range remote {
		block, ok := cached[uuid]
		if !ok || block.Hash != hash {
			return true
		}
	}

	return false
}

// locateRegistry returns the cached registry endpoint, discovering one
// when none is known. A cached endpoint is returned without checking that
// it still answers; it stays cached until ForgetRegistry clears it.
func (c *Client) locateRegistry() (discover.Endpoint, error) {
	if c.registry != nil {
		return *c.registry, nil
	}

	found, err := discover.SearchRegistries(c.searchWindow)
	if err != nil {
		return discover.Endpoint{}, err
	}
	if len(found) == 0 {
		return discover.Endpoint{}, errors.Wrap(errors.ErrNoConnection,
			"Client", "locateRegistry", "registry discovery")
	}

	c.registry = &found[0]
	return found[0], nil
}

// ForgetRegistry clears the cached registry endpoint so the next lookup
// rediscovers. Callers use this when the cached registry stops
// answering.
func (c *Client) ForgetRegistry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry = nil
}

// Close releases every connection and store.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.stores {
		s.Close()
	}

	if dialer, ok := c.dialer.(*zmqDialer); ok {
		dialer.close()
	}
}

var (
	defaultMu     sync.Mutex
	defaultClient *Client
)

// Get resolves an item through the process-wide default client. Most
// applications only ever need this entry point.
func Get(qualified string) (*store.Item, error) {
	defaultMu.Lock()
	if defaultClient == nil {
		defaultClient = New()
	}
	c := defaultClient
	defaultMu.Unlock()

	return c.Get(qualified)
}
