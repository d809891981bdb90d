package store

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/KeckObservatory/mKTL/errors"
	"github.com/KeckObservatory/mKTL/protocol"
)

// Store is a named collection of items. Which daemon handles a given
// item's requests is decided per item; the Store itself only guarantees
// key uniqueness and lookup.
type Store struct {
	Name string

	logger *slog.Logger

	mu    sync.RWMutex
	items map[string]*Item
}

// New creates an empty store with a normalized (lowercase) name.
func New(name string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		Name:   strings.ToLower(name),
		logger: logger,
		items:  make(map[string]*Item),
	}
}

// add registers an item under its key. An Item is a singleton within its
// store; duplicates are rejected.
func (s *Store) add(item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[item.Key]; exists {
		return errors.Newf(errors.KindValue, "duplicate item not allowed: %s", item.FullKey)
	}

	s.items[item.Key] = item
	return nil
}

// Get returns the item registered under a key.
func (s *Store) Get(key string) (*Item, error) {
	key = strings.ToUpper(key)

	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[key]
	if !ok {
		return nil, errors.Newf(errors.KindKey,
			"%q does not contain the key %q", s.Name, key)
	}

	return item, nil
}

// Has reports whether a key is registered.
func (s *Store) Has(key string) bool {
	key = strings.ToUpper(key)

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.items[key]
	return ok
}

// Keys returns the registered keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.items))
	for key := range s.items {
		keys = append(keys, key)
	}

	sort.Strings(keys)
	return keys
}

// Items returns the registered items, ordered by key.
func (s *Store) Items() []*Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.items))
	for key := range s.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	items := make([]*Item, 0, len(keys))
	for _, key := range keys {
		items = append(items, s.items[key])
	}
	return items
}

// DispatchBundle fans one atomic bundle out to the mirror items it
// names. The transport parsed every entry before this point, so the
// bundle applies as a unit; each item then runs its callbacks on its own
// queue. Entries naming keys this store does not hold are skipped.
func (s *Store) DispatchBundle(entries []protocol.BundleEntry) {
	for _, entry := range entries {
		_, key := protocol.SplitTarget(entry.Name)

		item, err := s.Get(key)
		if err != nil {
			continue
		}

		item.applyBundleEntry(entry)
	}
}

// Close releases every item's background resources.
func (s *Store) Close() {
	for _, item := range s.Items() {
		item.Close()
	}
}
