package redissubmgr

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pincex/eventbus/internal/events"
	"github.com/pincex/eventbus/internal/subkey"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	m := New(mr.Addr(), nil)
	t.Cleanup(func() { _ = m.Close() })
	return m, mr
}

func key() subkey.Key {
	return subkey.New(subkey.Instrument{ExchangeID: "binance", Base: "BTC", Counter: "USD"}, subkey.Ticker)
}

func TestUpdateSubscriptionsIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	target := subkey.NewSet(key())

	require.NoError(t, m.UpdateSubscriptions(ctx, target))
	require.NoError(t, m.UpdateSubscriptions(ctx, target))

	m.mu.Lock()
	assert.Len(t, m.channels, 1, "re-subscribing to an already-held key must not open a second channel")
	m.mu.Unlock()
}

func TestUpdateSubscriptionsUnsubscribesDroppedKeys(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	k := key()

	require.NoError(t, m.UpdateSubscriptions(ctx, subkey.NewSet(k)))
	require.NoError(t, m.UpdateSubscriptions(ctx, subkey.NewSet()))

	m.mu.Lock()
	assert.Empty(t, m.channels)
	m.mu.Unlock()
}

func TestStreamDecodesPublishedEnvelope(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	k := key()

	ch, release, err := m.Stream(ctx, k)
	require.NoError(t, err)
	defer release()

	// Give the subscribe a moment to register with miniredis before
	// publishing, matching real Redis's async fan-out.
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, m.Publish(ctx, k, Envelope{Ticker: &events.TickerPayload{Price: 123.45}}))

	select {
	case ev := <-ch:
		require.NotNil(t, ev.Ticker)
		assert.Equal(t, 123.45, ev.Ticker.Price)
		assert.Equal(t, k.Instrument, ev.Instrument)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive published event")
	}
}

func TestStreamDiscardsMalformedPayload(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	k := key()

	ch, release, err := m.Stream(ctx, k)
	require.NoError(t, err)
	defer release()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.client.Publish(ctx, channelName(k), "not json").Err())
	require.NoError(t, m.Publish(ctx, k, Envelope{Ticker: &events.TickerPayload{Price: 7}}))

	select {
	case ev := <-ch:
		require.NotNil(t, ev.Ticker)
		assert.Equal(t, 7.0, ev.Ticker.Price, "a malformed payload must be discarded, not surfaced or fatal")
	case <-time.After(2 * time.Second):
		t.Fatal("valid event after a malformed one was never delivered")
	}
}

func TestChannelNameIsStablePerKey(t *testing.T) {
	k := key()
	assert.Equal(t, channelName(k), channelName(k))
	other := subkey.New(k.Instrument, subkey.Trades)
	assert.NotEqual(t, channelName(k), channelName(other))
}
