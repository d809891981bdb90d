package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/KeckObservatory/mKTL/config"
	"github.com/KeckObservatory/mKTL/errors"
	"github.com/KeckObservatory/mKTL/pkg/timestamp"
	"github.com/KeckObservatory/mKTL/protocol"
	"github.com/KeckObservatory/mKTL/protocol/publish"
	"github.com/KeckObservatory/mKTL/protocol/request"
)

// Publisher is the slice of the publish server an authoritative item
// needs to broadcast value changes.
type Publisher interface {
	Publish(target string, payload *protocol.Payload) error
}

// Requester is the slice of the request client a mirror item needs to
// reach its authoritative daemon.
type Requester interface {
	Send(req *protocol.Message) (*request.Pending, error)
}

// Subscriber is the slice of the subscribe client a mirror item needs
// for broadcast delivery.
type Subscriber interface {
	Register(topic string, callback publish.Callback) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
}

// Callback observes value updates on a mirror item. Callbacks on one item
// run sequentially in registration order; a slow callback blocks that
// item's queue and nothing else.
type Callback func(item *Item, value any, timestamp float64)

// Item is one key/value pair within a Store, either authoritative or a
// mirror depending on which constructor built it.
type Item struct {
	Key     string
	FullKey string

	store *Store
	cfg   config.Item

	authoritative bool
	logger        *slog.Logger

	// Value cache; the per-item mutex protects only this state.
	// Handlers and callbacks run outside it.
	mu    sync.Mutex
	value *protocol.Payload

	// Authoritative side.
	handlers  Handlers
	execMu    sync.Mutex
	pub       Publisher
	persister *Persister
	pollStop  context.CancelFunc

	// Mirror side.
	req         Requester
	sub         Subscriber
	subscribed  bool
	callbackMu  sync.Mutex
	callbacks   []Callback
	queue       *serialQueue
	waitTimeout time.Duration
}

// NewAuthoritative creates the daemon-side item for a key this process
// owns. The default handler record makes the item a cache; polling starts
// if the handlers or the descriptor ask for it.
func NewAuthoritative(s *Store, key string, cfg config.Item, handlers Handlers,
	pub Publisher, persister *Persister) (*Item, error) {

	item := &Item{
		Key:           key,
		FullKey:       protocol.JoinTarget(s.Name, key),
		store:         s,
		cfg:           cfg,
		authoritative: true,
		logger:        s.logger,
		handlers:      handlers,
		pub:           pub,
	}

	if cfg.Persist && persister != nil {
		item.persister = persister
	}

	if err := s.add(item); err != nil {
		return nil, err
	}

	poll := handlers.Poll
	if poll <= 0 && cfg.Poll > 0 {
		poll = time.Duration(cfg.Poll * float64(time.Second))
	}
	if poll > 0 {
		item.startPolling(poll)
	}

	return item, nil
}

// NewMirror creates the client-side item for a key owned elsewhere.
func NewMirror(s *Store, key string, cfg config.Item, req Requester, sub Subscriber) (*Item, error) {
	item := &Item{
		Key:         key,
		FullKey:     protocol.JoinTarget(s.Name, key),
		store:       s,
		cfg:         cfg,
		logger:      s.logger,
		req:         req,
		sub:         sub,
		queue:       newSerialQueue(),
		waitTimeout: request.DefaultWaitTimeout,
	}

	if err := s.add(item); err != nil {
		item.queue.close()
		return nil, err
	}

	return item, nil
}

// Authoritative reports which side of the protocol this item lives on.
func (i *Item) Authoritative() bool { return i.authoritative }

// Config returns the item's descriptor.
func (i *Item) Config() config.Item { return i.cfg }

// Cached returns the locally cached payload, or nil when no value has
// been seen yet.
func (i *Item) Cached() *protocol.Payload {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.value
}

// CachedValue returns the cached value slot and its timestamp.
func (i *Item) CachedValue() (any, float64) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.value == nil {
		return nil, 0
	}
	return i.value.Value, i.value.Time
}

func (i *Item) setCached(payload *protocol.Payload) {
	i.mu.Lock()
	i.value = payload
	i.mu.Unlock()
}

// ---------------------------------------------------------------------
// Authoritative side
// ---------------------------------------------------------------------

// HandleGet services a GET request. The refresh handler runs when the
// request asks for it or when no cached value exists; a refreshed value
// is treated like any other transition and broadcast.
func (i *Item) HandleGet(ctx context.Context, payload *protocol.Payload) (*protocol.Payload, error) {
	if !i.authoritative {
		return nil, errors.Newf(errors.KindValue, "%s is not served by this daemon", i.FullKey)
	}
	if !i.cfg.IsGettable() {
		return nil, errors.Newf(errors.KindType, "%s is not gettable", i.FullKey)
	}

	i.execMu.Lock()
	defer i.execMu.Unlock()

	refresh := payload != nil && payload.Refresh

	if !refresh {
		if cached := i.Cached(); cached != nil {
			return cached, nil
		}
	}

	return i.refreshLocked(ctx)
}

// HandleSet services a SET request, blocking until the set handler
// returns. Validation runs first; the published transition carries the
// accepted value.
func (i *Item) HandleSet(ctx context.Context, payload *protocol.Payload) (*protocol.Payload, error) {
	if !i.authoritative {
		return nil, errors.Newf(errors.KindValue, "%s is not served by this daemon", i.FullKey)
	}
	if !i.cfg.IsSettable() {
		return nil, errors.Newf(errors.KindType, "%s is not settable", i.FullKey)
	}
	if payload == nil {
		return nil, errors.New(errors.KindValue, "SET requires a value")
	}

	i.execMu.Lock()
	defer i.execMu.Unlock()

	if i.handlers.Validate != nil {
		if err := i.handlers.Validate(payload); err != nil {
			return nil, errors.ToWire(err)
		}
	}

	if i.handlers.Set != nil {
		if err := i.handlers.Set(ctx, payload); err != nil {
			return nil, errors.ToWire(err)
		}
	}

	accepted := &protocol.Payload{
		Value: payload.Value,
		Time:  payload.Time,
		Shape: payload.Shape,
		DType: payload.DType,
		Bulk:  payload.Bulk,
	}
	if accepted.Time == 0 {
		accepted.Time = now()
	}

	i.update(accepted)

	// An empty payload on the REP signals success.
	return nil, nil
}

// Publish broadcasts a new value explicitly, outside any request.
func (i *Item) Publish(payload *protocol.Payload) error {
	if !i.authoritative {
		return errors.Newf(errors.KindValue, "%s is not served by this daemon", i.FullKey)
	}

	if payload.Time == 0 {
		payload.Time = now()
	}

	i.update(payload)
	return nil
}

// refreshLocked runs the refresh handler and treats the result as a
// transition. Callers hold the exec lock.
func (i *Item) refreshLocked(ctx context.Context) (*protocol.Payload, error) {
	if i.handlers.Refresh == nil {
		// The default record is a cache; with nothing cached yet the
		// value is legitimately null.
		cached := i.Cached()
		if cached == nil {
			cached = &protocol.Payload{Time: now()}
			i.setCached(cached)
		}
		return cached, nil
	}

	payload, err := i.handlers.Refresh(ctx)
	if err != nil {
		return nil, errors.ToWire(err)
	}
	if payload == nil {
		payload = &protocol.Payload{}
	}
	if payload.Time == 0 {
		payload.Time = now()
	}

	i.update(payload)
	return payload, nil
}

// update stores a transition, broadcasts it, and queues persistence.
func (i *Item) update(payload *protocol.Payload) {
	i.setCached(payload)

	if i.pub != nil {
		if err := i.pub.Publish(i.FullKey, payload); err != nil {
			i.logger.Error("broadcast failed", "item", i.FullKey, "error", err)
		}
	}

	if i.persister != nil {
		i.persister.Enqueue(i.Key, payload)
	}
}

// startPolling schedules the refresh handler at the given cadence.
func (i *Item) startPolling(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	i.pollStop = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				i.execMu.Lock()
				_, err := i.refreshLocked(ctx)
				i.execMu.Unlock()

				if err != nil {
					i.logger.Error("poll refresh failed", "item", i.FullKey, "error", err)
				}
			}
		}
	}()
}

// StopPolling cancels the polling schedule, if any.
func (i *Item) StopPolling() {
	if i.pollStop != nil {
		i.pollStop()
		i.pollStop = nil
	}
}

// Restore injects a persisted payload into the cache without broadcasting
// it. Daemon startup uses this before going on the air.
func (i *Item) Restore(payload *protocol.Payload) {
	i.setCached(payload)
}

// ---------------------------------------------------------------------
// Mirror side
// ---------------------------------------------------------------------

// Get retrieves the item's value. A subscribed mirror answers from its
// cache; otherwise, or when refresh is requested, the authoritative
// daemon is asked, with refresh propagated so the daemon bypasses its own
// cache.
func (i *Item) Get(refresh bool) (any, error) {
	if i.authoritative {
		payload, err := i.HandleGet(context.Background(), &protocol.Payload{Refresh: refresh})
		if err != nil {
			return nil, err
		}
		return payload.Value, nil
	}

	if !refresh && i.isSubscribed() {
		if cached := i.Cached(); cached != nil {
			return cached.Value, nil
		}
	}

	message := &protocol.Message{Type: protocol.TypeGet, Target: i.FullKey}
	if refresh {
		message.Payload = &protocol.Payload{Refresh: true}
	}

	pending, err := i.req.Send(message)
	if err != nil {
		return nil, err
	}

	payload, err := pending.Wait(i.waitTimeout)
	if err != nil {
		return nil, err
	}

	if payload == nil {
		payload = &protocol.Payload{Time: now()}
	}
	i.setCached(payload)

	return payload.Value, nil
}

// Set issues a SET request. With wait true the call blocks until the
// daemon's REP and returns its verdict; with wait false the caller gets
// the pending-request handle and decides when to wait.
func (i *Item) Set(value any, wait bool) (*request.Pending, error) {
	if i.authoritative {
		_, err := i.HandleSet(context.Background(), &protocol.Payload{Value: value})
		return nil, err
	}

	message := &protocol.Message{
		Type:    protocol.TypeSet,
		Target:  i.FullKey,
		Payload: &protocol.Payload{Value: value},
	}

	pending, err := i.req.Send(message)
	if err != nil {
		return nil, err
	}

	if !wait {
		return pending, nil
	}

	if _, err := pending.Wait(i.waitTimeout); err != nil {
		return nil, err
	}
	return nil, nil
}

// SetBulk issues a SET carrying an out-of-band buffer described by shape
// and dtype.
func (i *Item) SetBulk(shape []int, dtype string, bulk []byte, wait bool) (*request.Pending, error) {
	if i.authoritative {
		_, err := i.HandleSet(context.Background(), protocol.BulkPayload(shape, dtype, bulk, 0))
		return nil, err
	}

	message := &protocol.Message{
		Type:    protocol.TypeSet,
		Target:  i.FullKey,
		Payload: protocol.BulkPayload(shape, dtype, bulk, 0),
		Bulk:    bulk,
	}

	pending, err := i.req.Send(message)
	if err != nil {
		return nil, err
	}

	if !wait {
		return pending, nil
	}

	if _, err := pending.Wait(i.waitTimeout); err != nil {
		return nil, err
	}
	return nil, nil
}

// Register attaches a callback for value updates, subscribing as
// necessary.
func (i *Item) Register(callback Callback) error {
	if callback == nil {
		return errors.New(errors.KindType, "callback must not be nil")
	}
	if i.authoritative {
		return errors.Newf(errors.KindType, "%s is authoritative here; callbacks observe mirrors", i.FullKey)
	}

	i.callbackMu.Lock()
	i.callbacks = append(i.callbacks, callback)
	i.callbackMu.Unlock()

	return i.SubscribeUpdates()
}

// SubscribeUpdates establishes the broadcast subscription for this item,
// including the bulk variant for bulk items.
func (i *Item) SubscribeUpdates() error {
	i.mu.Lock()
	if i.subscribed {
		i.mu.Unlock()
		return nil
	}
	i.subscribed = true
	i.mu.Unlock()

	if err := i.sub.Register(protocol.Topic(i.FullKey), i.onBroadcast); err != nil {
		return err
	}

	if i.cfg.Type == config.TypeBulk {
		if err := i.sub.Register(protocol.BulkTopic(i.FullKey), i.onBroadcast); err != nil {
			return err
		}
	}

	return nil
}

// UnsubscribeUpdates releases this item's broadcast subscription.
func (i *Item) UnsubscribeUpdates() error {
	i.mu.Lock()
	if !i.subscribed {
		i.mu.Unlock()
		return nil
	}
	i.subscribed = false
	i.mu.Unlock()

	if err := i.sub.Unsubscribe(protocol.Topic(i.FullKey)); err != nil {
		return err
	}

	if i.cfg.Type == config.TypeBulk {
		return i.sub.Unsubscribe(protocol.BulkTopic(i.FullKey))
	}

	return nil
}

func (i *Item) isSubscribed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.subscribed
}

// onBroadcast is the publish-client callback: update the cache, then fan
// out sequentially on this item's queue.
func (i *Item) onBroadcast(broadcast *publish.Broadcast) {
	payload := broadcast.Payload
	if payload == nil {
		return
	}

	i.queue.submit(func() {
		i.setCached(payload)
		i.fanout(payload)
	})
}

// applyBundleEntry delivers one element of an atomic bundle to this item.
func (i *Item) applyBundleEntry(entry protocol.BundleEntry) {
	payload := entry.Payload

	i.queue.submit(func() {
		i.setCached(&payload)
		i.fanout(&payload)
	})
}

func (i *Item) fanout(payload *protocol.Payload) {
	i.callbackMu.Lock()
	callbacks := append([]Callback(nil), i.callbacks...)
	i.callbackMu.Unlock()

	for _, callback := range callbacks {
		callback(i, payload.Value, payload.Time)
	}
}

// Close releases the item's background resources.
func (i *Item) Close() {
	i.StopPolling()
	if i.queue != nil {
		i.queue.close()
	}
}

func now() float64 {
	return timestamp.Now()
}
