package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KeckObservatory/mKTL/config"
	"github.com/KeckObservatory/mKTL/errors"
	"github.com/KeckObservatory/mKTL/protocol"
	"github.com/KeckObservatory/mKTL/protocol/publish"
	"github.com/KeckObservatory/mKTL/protocol/request"
)

// fakePublisher records every broadcast.
type fakePublisher struct {
	mu        sync.Mutex
	broadcast []*protocol.Payload
	targets   []string
}

func (f *fakePublisher) Publish(target string, payload *protocol.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	f.broadcast = append(f.broadcast, payload)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcast)
}

func (f *fakePublisher) last() *protocol.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.broadcast) == 0 {
		return nil
	}
	return f.broadcast[len(f.broadcast)-1]
}

// fakeSubscriber captures registrations and refcounts.
type fakeSubscriber struct {
	mu         sync.Mutex
	registered map[string][]publish.Callback
	subscribed []string
	released   []string
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{registered: make(map[string][]publish.Callback)}
}

func (f *fakeSubscriber) Register(topic string, callback publish.Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[topic] = append(f.registered[topic], callback)
	f.subscribed = append(f.subscribed, topic)
	return nil
}

func (f *fakeSubscriber) Subscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	return nil
}

func (f *fakeSubscriber) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, topic)
	return nil
}

func (f *fakeSubscriber) deliver(topic string, broadcast *publish.Broadcast) {
	f.mu.Lock()
	callbacks := append([]publish.Callback(nil), f.registered[topic]...)
	f.mu.Unlock()

	for _, callback := range callbacks {
		callback(broadcast)
	}
}

// fakeRequester resolves every request through a scripted responder.
type fakeRequester struct {
	mu       sync.Mutex
	requests []*protocol.Message
	respond  func(*protocol.Message) *protocol.Payload
}

func (f *fakeRequester) Send(m *protocol.Message) (*request.Pending, error) {
	f.mu.Lock()
	f.requests = append(f.requests, m)
	responder := f.respond
	f.mu.Unlock()

	pending := request.NewLocalPending("0000feed")
	pending.Resolve(protocol.NewRep("0000feed", responder(m)))
	return pending, nil
}

func newAuthoritativeItem(t *testing.T, handlers Handlers, cfg config.Item) (*Item, *fakePublisher) {
	t.Helper()

	s := New("oven", nil)
	pub := &fakePublisher{}

	item, err := NewAuthoritative(s, "TEMP", cfg, handlers, pub, nil)
	require.NoError(t, err)
	t.Cleanup(item.Close)

	return item, pub
}

func TestAuthoritativeSetStoresPublishes(t *testing.T) {
	item, pub := newAuthoritativeItem(t, Handlers{}, config.Item{Type: config.TypeNumeric})

	reply, err := item.HandleSet(context.Background(),
		&protocol.Payload{Value: json.Number("77.2"), Time: 1000.0})
	require.NoError(t, err)
	assert.Nil(t, reply)

	value, timestamp := item.CachedValue()
	assert.Equal(t, json.Number("77.2"), value)
	assert.Equal(t, 1000.0, timestamp)

	require.Equal(t, 1, pub.count())
	assert.Equal(t, json.Number("77.2"), pub.last().Value)
}

func TestAuthoritativeGetFromCache(t *testing.T) {
	item, pub := newAuthoritativeItem(t, Handlers{}, config.Item{Type: config.TypeNumeric})

	_, err := item.HandleSet(context.Background(),
		&protocol.Payload{Value: json.Number("77.2"), Time: 1000.0})
	require.NoError(t, err)

	payload, err := item.HandleGet(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, json.Number("77.2"), payload.Value)
	assert.Equal(t, 1000.0, payload.Time)

	// No extra broadcast for a cached GET.
	assert.Equal(t, 1, pub.count())
}

func TestAuthoritativeGetRefreshRunsHandler(t *testing.T) {
	refreshed := 0
	handlers := Handlers{
		Refresh: func(context.Context) (*protocol.Payload, error) {
			refreshed++
			return protocol.NewPayload(json.Number("42"), 5.0), nil
		},
	}

	item, pub := newAuthoritativeItem(t, handlers, config.Item{Type: config.TypeNumeric})

	payload, err := item.HandleGet(context.Background(), &protocol.Payload{Refresh: true})
	require.NoError(t, err)
	assert.Equal(t, json.Number("42"), payload.Value)
	assert.Equal(t, 1, refreshed)

	// A refreshed value is treated like any other transition.
	assert.Equal(t, 1, pub.count())

	// Without refresh the cache answers.
	_, err = item.HandleGet(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed)
}

func TestAuthoritativeValidateRejects(t *testing.T) {
	handlers := Handlers{
		Validate: func(payload *protocol.Payload) error {
			if number, ok := payload.Value.(json.Number); ok {
				if v, err := number.Float64(); err == nil && v < 0 {
					return errors.New(errors.KindValue, "bad input")
				}
			}
			return nil
		},
	}

	item, pub := newAuthoritativeItem(t, handlers, config.Item{Type: config.TypeNumeric})

	_, err := item.HandleSet(context.Background(), &protocol.Payload{Value: json.Number("-3")})
	require.Error(t, err)
	assert.Equal(t, errors.KindValue, errors.KindOf(err))

	// A rejected SET neither stores nor publishes.
	value, _ := item.CachedValue()
	assert.Nil(t, value)
	assert.Zero(t, pub.count())
}

func TestAuthoritativeSetAfterSuccessfulSetGetReturnsValue(t *testing.T) {
	// A successful SET followed by a refreshed GET returns the same
	// value (the default record is a cache).
	item, _ := newAuthoritativeItem(t, Handlers{}, config.Item{Type: config.TypeNumeric})

	_, err := item.HandleSet(context.Background(), &protocol.Payload{Value: json.Number("9")})
	require.NoError(t, err)

	payload, err := item.HandleGet(context.Background(), &protocol.Payload{Refresh: true})
	require.NoError(t, err)
	assert.Equal(t, json.Number("9"), payload.Value)
}

func TestAuthoritativeNotSettable(t *testing.T) {
	no := false
	item, _ := newAuthoritativeItem(t, Handlers{}, config.Item{Type: config.TypeNumeric, Settable: &no})

	_, err := item.HandleSet(context.Background(), &protocol.Payload{Value: json.Number("1")})
	require.Error(t, err)
	assert.Equal(t, errors.KindType, errors.KindOf(err))
}

func TestAuthoritativeSerializesHandlers(t *testing.T) {
	var active, maxActive int
	var mu sync.Mutex

	handlers := Handlers{
		Set: func(context.Context, *protocol.Payload) error {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			return nil
		},
	}

	item, _ := newAuthoritativeItem(t, handlers, config.Item{Type: config.TypeNumeric})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = item.HandleSet(context.Background(), &protocol.Payload{Value: json.Number("1")})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
}

func TestPollingPublishes(t *testing.T) {
	tick := 0
	var mu sync.Mutex

	handlers := Handlers{
		Poll: 10 * time.Millisecond,
		Refresh: func(context.Context) (*protocol.Payload, error) {
			mu.Lock()
			defer mu.Unlock()
			tick++
			return protocol.NewPayload(json.Number("1"), float64(tick)), nil
		},
	}

	item, pub := newAuthoritativeItem(t, handlers, config.Item{Type: config.TypeNumeric})

	require.Eventually(t, func() bool {
		return pub.count() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	item.StopPolling()
}

func newMirrorItem(t *testing.T, respond func(*protocol.Message) *protocol.Payload) (*Item, *fakeRequester, *fakeSubscriber) {
	t.Helper()

	s := New("metal", nil)
	req := &fakeRequester{respond: respond}
	sub := newFakeSubscriber()

	item, err := NewMirror(s, "GOLD", config.Item{Type: config.TypeNumeric}, req, sub)
	require.NoError(t, err)
	t.Cleanup(item.Close)

	return item, req, sub
}

func TestMirrorGetAsksDaemon(t *testing.T) {
	item, req, _ := newMirrorItem(t, func(m *protocol.Message) *protocol.Payload {
		return protocol.NewPayload(json.Number("2450.17"), 1725000000.0)
	})

	value, err := item.Get(false)
	require.NoError(t, err)
	assert.Equal(t, json.Number("2450.17"), value)

	require.Len(t, req.requests, 1)
	assert.Equal(t, protocol.TypeGet, req.requests[0].Type)
	assert.Equal(t, "metal.GOLD", req.requests[0].Target)
}

func TestMirrorGetRefreshFlag(t *testing.T) {
	item, req, _ := newMirrorItem(t, func(m *protocol.Message) *protocol.Payload {
		return protocol.NewPayload(json.Number("1"), 1)
	})

	_, err := item.Get(true)
	require.NoError(t, err)

	require.Len(t, req.requests, 1)
	require.NotNil(t, req.requests[0].Payload)
	assert.True(t, req.requests[0].Payload.Refresh)
}

func TestMirrorSubscribedGetUsesCache(t *testing.T) {
	item, req, sub := newMirrorItem(t, func(m *protocol.Message) *protocol.Payload {
		return protocol.NewPayload(json.Number("1"), 1)
	})

	require.NoError(t, item.SubscribeUpdates())

	sub.deliver("metal.GOLD.", &publish.Broadcast{
		Topic:   "metal.GOLD.",
		Target:  "metal.GOLD",
		Payload: protocol.NewPayload(json.Number("2450.17"), 1725000000.0),
	})

	require.Eventually(t, func() bool {
		value, _ := item.CachedValue()
		return value != nil
	}, time.Second, time.Millisecond)

	value, err := item.Get(false)
	require.NoError(t, err)
	assert.Equal(t, json.Number("2450.17"), value)

	// The cache answered; no request travelled.
	assert.Empty(t, req.requests)
}

func TestMirrorCallbackFiresOnce(t *testing.T) {
	item, _, sub := newMirrorItem(t, nil)

	type observed struct {
		value     any
		timestamp float64
	}
	received := make(chan observed, 4)

	require.NoError(t, item.Register(func(_ *Item, value any, timestamp float64) {
		received <- observed{value, timestamp}
	}))

	sub.deliver("metal.GOLD.", &publish.Broadcast{
		Topic:   "metal.GOLD.",
		Target:  "metal.GOLD",
		Payload: protocol.NewPayload(json.Number("2450.17"), 1725000000.0),
	})

	select {
	case got := <-received:
		assert.Equal(t, json.Number("2450.17"), got.value)
		assert.Equal(t, 1725000000.0, got.timestamp)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	select {
	case <-received:
		t.Fatal("callback fired more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMirrorCallbacksRunInRegistrationOrder(t *testing.T) {
	item, _, sub := newMirrorItem(t, nil)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{}, 1)

	require.NoError(t, item.Register(func(*Item, any, float64) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	}))
	require.NoError(t, item.Register(func(*Item, any, float64) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		done <- struct{}{}
	}))

	sub.deliver("metal.GOLD.", &publish.Broadcast{
		Target:  "metal.GOLD",
		Payload: protocol.NewPayload(json.Number("1"), 1),
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callbacks never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, order)
}

func TestMirrorSetWaits(t *testing.T) {
	item, req, _ := newMirrorItem(t, func(m *protocol.Message) *protocol.Payload {
		return nil // empty payload: success
	})

	pending, err := item.Set(json.Number("2500"), true)
	require.NoError(t, err)
	assert.Nil(t, pending)

	require.Len(t, req.requests, 1)
	assert.Equal(t, protocol.TypeSet, req.requests[0].Type)
}

func TestMirrorSetNoWaitReturnsHandle(t *testing.T) {
	item, _, _ := newMirrorItem(t, func(m *protocol.Message) *protocol.Payload {
		return nil
	})

	pending, err := item.Set(json.Number("2500"), false)
	require.NoError(t, err)
	require.NotNil(t, pending)

	assert.True(t, pending.Poll())
	_, err = pending.Wait(time.Second)
	assert.NoError(t, err)
}

func TestMirrorSetErrorSurfaces(t *testing.T) {
	item, _, _ := newMirrorItem(t, func(m *protocol.Message) *protocol.Payload {
		return protocol.ErrorPayload(errors.New(errors.KindValue, "bad input"))
	})

	_, err := item.Set(json.Number("-3"), true)
	require.Error(t, err)
	assert.Equal(t, errors.KindValue, errors.KindOf(err))
}

func TestMirrorSubscriptionTopics(t *testing.T) {
	s := New("cam", nil)
	sub := newFakeSubscriber()

	item, err := NewMirror(s, "FRAME", config.Item{Type: config.TypeBulk}, &fakeRequester{}, sub)
	require.NoError(t, err)
	t.Cleanup(item.Close)

	require.NoError(t, item.SubscribeUpdates())

	// Bulk items subscribe to the bulk variant too.
	assert.Contains(t, sub.subscribed, "cam.FRAME.")
	assert.Contains(t, sub.subscribed, "bulk:cam.FRAME.")

	require.NoError(t, item.UnsubscribeUpdates())
	assert.Contains(t, sub.released, "cam.FRAME.")
	assert.Contains(t, sub.released, "bulk:cam.FRAME.")
}
