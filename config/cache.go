package config

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/KeckObservatory/mKTL/errors"
	"github.com/KeckObservatory/mKTL/metric"
)

// Cache holds configuration blocks for any number of stores, keyed by
// store name and block UUID. A registry runs one with relay information so
// admissions append its provenance; a client runs one without. Operations
// on different stores proceed in parallel; operations on one store are
// mutually exclusive.
type Cache struct {
	logger   *slog.Logger
	metrics  *metric.Metrics
	identity *Identity

	// relay, when set, is appended to the provenance of every admitted
	// block; it identifies this process as a broker for the block.
	relay *Provenance

	// persist mirrors every admission to the on-disk client cache tree.
	persist bool

	mu     sync.Mutex
	stores map[string]*storeEntry

	// count tracks cached blocks without touching per-store locks; the
	// admission paths report it while holding one.
	count atomic.Int64
}

type storeEntry struct {
	mu     sync.Mutex
	blocks map[string]*Block
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithLogger sets the cache's logger.
func WithLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) { c.logger = logger }
}

// WithMetrics wires admission metrics into the cache.
func WithMetrics(metrics *metric.Metrics) CacheOption {
	return func(c *Cache) { c.metrics = metrics }
}

// WithIdentity supplies the process identity used for loop checks.
func WithIdentity(identity *Identity) CacheOption {
	return func(c *Cache) { c.identity = identity }
}

// WithRelay marks this cache as a relaying broker at the given endpoint;
// admitted blocks gain a provenance entry for it and the endpoint joins
// the loop-check identity.
func WithRelay(hostname string, req, pub int) CacheOption {
	return func(c *Cache) {
		c.relay = &Provenance{Hostname: hostname, Req: req, Pub: pub}
	}
}

// WithPersistence controls whether admissions are mirrored to disk.
func WithPersistence(enabled bool) CacheOption {
	return func(c *Cache) { c.persist = enabled }
}

// NewCache creates an empty cache.
func NewCache(opts ...CacheOption) *Cache {
	cache := &Cache{
		logger: slog.Default(),
		stores: make(map[string]*storeEntry),
	}

	for _, opt := range opts {
		opt(cache)
	}

	if cache.identity == nil {
		cache.identity = NewIdentity()
	}
	if cache.relay != nil {
		cache.identity.Add(cache.relay.Hostname, cache.relay.Req)
	}

	return cache
}

// Identity returns the cache's loop-check identity set.
func (c *Cache) Identity() *Identity { return c.identity }

func (c *Cache) store(name string) *storeEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.stores[name]
	if !ok {
		entry = &storeEntry{blocks: make(map[string]*Block)}
		c.stores[name] = entry
	}
	return entry
}

func (c *Cache) recordAdmission(outcome string) {
	if c.metrics != nil {
		c.metrics.RecordAdmission(outcome)
		c.metrics.RecordCachedBlocks(int(c.count.Load()))
	}
}

// Admit runs the full admission sequence for a block arriving from a
// CONFIG push or a discovered daemon: normalize, loop check, UUID merge,
// key-collision check, provenance append, persist.
//
// A block that originated with this process fails with a
// ProvenanceLoopError; callers treat that as a silent discard. A key
// collision fails with a KeyError and nothing is cached. A block already
// known with an identical hash is a no-op with no provenance appended.
func (c *Cache) Admit(block *Block) error {
	if block == nil || block.Name == "" {
		return errors.New(errors.KindValue, "block has no store name")
	}
	if block.UUID == "" {
		return errors.New(errors.KindValue, "block has no uuid")
	}

	incoming := block.Clone()
	if err := incoming.Normalize(); err != nil {
		c.recordAdmission("collision")
		return err
	}

	if c.identity.ContainsAny(incoming.Provenance) {
		c.recordAdmission("loop")
		return errors.Newf(errors.KindProvenanceLoop,
			"block %s originated with this process", incoming.UUID)
	}

	entry := c.store(incoming.Name)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if known, ok := entry.blocks[incoming.UUID]; ok {
		switch {
		case known.Hash == incoming.Hash:
			c.recordAdmission("duplicate")
			return nil
		case incoming.Time < known.Time:
			c.recordAdmission("stale")
			return nil
		}
		// Newer timestamp for a known UUID supersedes the cached block;
		// fall through to the collision check against the other UUIDs.
	}

	for uuid, known := range entry.blocks {
		if uuid == incoming.UUID {
			continue
		}
		for key := range incoming.Items {
			if _, taken := known.Items[key]; taken {
				c.recordAdmission("collision")
				return errors.Newf(errors.KindKey,
					"duplicate key in store %s: %s claimed by both %s and %s",
					incoming.Name, key, uuid, incoming.UUID)
			}
		}
	}

	if c.relay != nil {
		incoming.AddProvenance(c.relay.Hostname, c.relay.Req, c.relay.Pub)
	}

	if _, existed := entry.blocks[incoming.UUID]; !existed {
		c.count.Add(1)
	}
	entry.blocks[incoming.UUID] = incoming
	c.recordAdmission("admitted")

	if c.persist {
		if err := saveBlock(incoming); err != nil {
			c.logger.Error("failed to persist configuration block",
				"store", incoming.Name, "uuid", incoming.UUID, "error", err)
		}
	}

	return nil
}

// Put stores a block without admission checks or provenance changes. The
// client entry point uses it for blocks fetched from a registry, which
// have already been through admission upstream.
func (c *Cache) Put(block *Block) error {
	if block == nil || block.Name == "" || block.UUID == "" {
		return errors.New(errors.KindValue, "block is incomplete")
	}

	stored := block.Clone()
	if err := stored.Normalize(); err != nil {
		return err
	}

	entry := c.store(stored.Name)
	entry.mu.Lock()
	if _, existed := entry.blocks[stored.UUID]; !existed {
		c.count.Add(1)
	}
	entry.blocks[stored.UUID] = stored
	entry.mu.Unlock()

	c.recordAdmission("admitted")

	if c.persist {
		if err := saveBlock(stored); err != nil {
			c.logger.Error("failed to persist configuration block",
				"store", stored.Name, "uuid", stored.UUID, "error", err)
		}
	}

	return nil
}

// Hashes returns {store: {uuid: hash}} for the named store, or for every
// known store when the name is empty. An unknown store is a KeyError.
func (c *Cache) Hashes(store string) (map[string]map[string]string, error) {
	names, err := c.storeNames(store)
	if err != nil {
		return nil, err
	}

	result := make(map[string]map[string]string, len(names))

	for _, name := range names {
		entry := c.store(name)
		entry.mu.Lock()
		if len(entry.blocks) > 0 {
			hashes := make(map[string]string, len(entry.blocks))
			for uuid, block := range entry.blocks {
				hashes[uuid] = block.Hash
			}
			result[name] = hashes
		}
		entry.mu.Unlock()
	}

	if store != "" && len(result) == 0 {
		return nil, errors.Newf(errors.KindKey, "no local configuration for %q", store)
	}

	return result, nil
}

// Blocks returns {uuid: block} clones for the named store. An unknown
// store, or one with no cached blocks, is a KeyError; the empty store name
// is a ValueError.
func (c *Cache) Blocks(store string) (map[string]*Block, error) {
	store = strings.ToLower(store)
	if store == "" {
		return nil, errors.New(errors.KindValue, "store name cannot be the empty string")
	}

	entry := c.store(store)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if len(entry.blocks) == 0 {
		return nil, errors.Newf(errors.KindKey, "no local configuration for %q", store)
	}

	result := make(map[string]*Block, len(entry.blocks))
	for uuid, block := range entry.blocks {
		result[uuid] = block.Clone()
	}
	return result, nil
}

// Lookup returns a clone of the block owning the given key in a store.
func (c *Cache) Lookup(store, key string) (*Block, error) {
	store = strings.ToLower(store)
	key = strings.ToUpper(key)

	entry := c.store(store)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if len(entry.blocks) == 0 {
		return nil, errors.Newf(errors.KindValue, "no configuration loaded for %q", store)
	}

	for _, block := range entry.blocks {
		if _, ok := block.Items[key]; ok {
			return block.Clone(), nil
		}
	}

	return nil, errors.Newf(errors.KindKey, "%q does not contain the key %q", store, key)
}

// Stores returns the names of stores with at least one cached block.
func (c *Cache) Stores() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.stores))
	for name, entry := range c.stores {
		entry.mu.Lock()
		if len(entry.blocks) > 0 {
			names = append(names, name)
		}
		entry.mu.Unlock()
	}

	sort.Strings(names)
	return names
}

// Remove drops a block from the cache and, when persistence is enabled,
// from disk.
func (c *Cache) Remove(store, uuid string) {
	store = strings.ToLower(store)

	entry := c.store(store)
	entry.mu.Lock()
	if _, existed := entry.blocks[uuid]; existed {
		c.count.Add(-1)
	}
	delete(entry.blocks, uuid)
	entry.mu.Unlock()

	if c.persist {
		if err := removeBlockFile(store, uuid); err != nil {
			c.logger.Error("failed to remove cached block file",
				"store", store, "uuid", uuid, "error", err)
		}
	}
}

// Clear empties the cache for one store.
func (c *Cache) Clear(store string) {
	store = strings.ToLower(store)

	entry := c.store(store)
	entry.mu.Lock()
	uuids := make([]string, 0, len(entry.blocks))
	for uuid := range entry.blocks {
		uuids = append(uuids, uuid)
	}
	c.count.Add(int64(-len(entry.blocks)))
	entry.blocks = make(map[string]*Block)
	entry.mu.Unlock()

	if c.persist {
		for _, uuid := range uuids {
			if err := removeBlockFile(store, uuid); err != nil {
				c.logger.Error("failed to remove cached block file",
					"store", store, "uuid", uuid, "error", err)
			}
		}
	}
}

// Load reads the on-disk cache tree into memory. Block files that fail to
// parse are skipped silently; blocks that fail normalization are skipped
// with a logged error.
func (c *Cache) Load() error {
	blocks, err := loadCachedBlocks()
	if err != nil {
		return err
	}

	for _, block := range blocks {
		stored := block
		if err := stored.Normalize(); err != nil {
			c.logger.Error("skipping cached block",
				"store", stored.Name, "uuid", stored.UUID, "error", err)
			continue
		}

		entry := c.store(stored.Name)
		entry.mu.Lock()
		if _, existed := entry.blocks[stored.UUID]; !existed {
			c.count.Add(1)
		}
		entry.blocks[stored.UUID] = stored
		entry.mu.Unlock()
	}

	if c.metrics != nil {
		c.metrics.RecordCachedBlocks(int(c.count.Load()))
	}

	return nil
}

func (c *Cache) storeNames(store string) ([]string, error) {
	if store == "" {
		return c.Stores(), nil
	}

	store = strings.ToLower(store)

	entry := c.store(store)
	entry.mu.Lock()
	empty := len(entry.blocks) == 0
	entry.mu.Unlock()

	if empty {
		return nil, errors.Newf(errors.KindKey, "no local configuration for %q", store)
	}

	return []string{store}, nil
}
