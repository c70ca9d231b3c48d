package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pincex/eventbus/internal/events"
)

func TestRegisterCallback_RoutesEventsAndTracksHolding(t *testing.T) {
	fm := newFakeManager()
	b := New(fm, nil)
	k1 := btcTicker()

	var mu sync.Mutex
	var received []events.Event
	done := make(chan struct{}, 1)

	err := b.RegisterCallback(k1, "A", func(ev events.Event) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.UnregisterCallbacks("A") })
	assert.True(t, b.Holdings("A").Contains(k1), "register_callback must hold the key on the subscriber's behalf")

	fm.publish(k1, events.Ticker(k1.Instrument, events.TickerPayload{Price: 42}))

	select {
	case <-done:
	case <-time.After(drainTimeout):
		t.Fatal("callback was never invoked")
	}

	mu.Lock()
	require.Len(t, received, 1)
	assert.Equal(t, float64(42), received[0].Ticker.Price)
	mu.Unlock()
}

func TestUnregisterCallbacks_ClearsSubscriptionsAndStopsRouting(t *testing.T) {
	fm := newFakeManager()
	b := New(fm, nil)
	k1 := btcTicker()

	require.NoError(t, b.RegisterCallback(k1, "A", func(events.Event) {}))
	require.NoError(t, b.UnregisterCallbacks("A"))

	assert.Empty(t, b.Holdings("A"), "unregister_callbacks must clear_subscriptions for the subscriber")
	assert.Empty(t, b.AllKeys())
}

func TestRegisterCallback_PanicIsIsolated(t *testing.T) {
	fm := newFakeManager()
	b := New(fm, nil)
	k1 := btcTicker()

	panicked := make(chan struct{}, 1)
	err := b.RegisterCallback(k1, "A", func(events.Event) {
		panicked <- struct{}{}
		panic("boom")
	})
	require.NoError(t, err)

	fm.publish(k1, events.Ticker(k1.Instrument, events.TickerPayload{Price: 1}))

	select {
	case <-panicked:
	case <-time.After(drainTimeout):
		t.Fatal("callback was never invoked")
	}

	// The subscriber's holdings must survive the isolated panic; only that
	// callback's stream was torn down.
	require.NoError(t, b.UnregisterCallbacks("A"))
}

func TestRegisterCallback_ScopedToItsOwnKey(t *testing.T) {
	fm := newFakeManager()
	b := New(fm, nil)
	k1, k2 := btcTicker(), ethTicker()

	require.NoError(t, b.AddSubscription("A", k2))

	var mu sync.Mutex
	var received []events.Event
	require.NoError(t, b.RegisterCallback(k1, "A", func(ev events.Event) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	}))
	t.Cleanup(func() { _ = b.UnregisterCallbacks("A") })

	fm.publish(k2, events.Ticker(k2.Instrument, events.TickerPayload{Price: 2}))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Empty(t, received, "a callback bound to one key must not receive another key's events even if merged under the same kind")
	mu.Unlock()
}
