// Package memsubmgr is a process-local, deterministic Subscription
// Manager used by unit tests and local demos. It never touches the
// network: update_subscriptions records the desired key set and starts a
// synthetic generator goroutine for each newly desired key, stopping it
// once the key leaves the desired set; stream(key) attaches a consumer
// channel to that key's running generator.
package memsubmgr

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pincex/eventbus/internal/events"
	"github.com/pincex/eventbus/internal/subkey"
)

// Manager implements submgr.Manager entirely in memory.
type Manager struct {
	mu      sync.Mutex
	desired subkey.Set
	feeds   map[subkey.Key]*feed

	// BasePrice, if set, seeds the synthetic ticker/trade generator for a
	// given instrument; unset instruments default to 100.0.
	BasePrice map[subkey.Instrument]float64

	// Tick controls how often the synthetic generator emits an event per
	// key. Defaults to 50ms.
	Tick time.Duration
}

// feed is the shared generator for one key: every call to Stream for the
// same key gets its own output channel, but all of them are fed by the
// one goroutine below, matching the real manager's "dedupe underlying
// connections" contract.
type feed struct {
	mu        sync.Mutex
	consumers map[chan events.Event]struct{}
	cancel    context.CancelFunc
	refs      int
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{
		desired:   subkey.NewSet(),
		feeds:     make(map[subkey.Key]*feed),
		BasePrice: make(map[subkey.Instrument]float64),
		Tick:      50 * time.Millisecond,
	}
}

// UpdateSubscriptions idempotently records the desired key set and starts
// or stops the corresponding synthetic generators.
func (m *Manager) UpdateSubscriptions(ctx context.Context, keys subkey.Set) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range keys {
		if !m.desired.Contains(k) {
			m.startFeed(k)
		}
	}
	for k := range m.desired {
		if !keys.Contains(k) {
			m.stopFeed(k)
		}
	}
	m.desired = subkey.NewSet(keys.Slice()...)
	return nil
}

func (m *Manager) startFeed(key subkey.Key) {
	if _, ok := m.feeds[key]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &feed{consumers: make(map[chan events.Event]struct{}), cancel: cancel}
	m.feeds[key] = f
	go m.generate(ctx, key, f)
}

func (m *Manager) stopFeed(key subkey.Key) {
	f, ok := m.feeds[key]
	if !ok {
		return
	}
	f.cancel()
	delete(m.feeds, key)
}

func (m *Manager) generate(ctx context.Context, key subkey.Key, f *feed) {
	price := m.BasePrice[key.Instrument]
	if price == 0 {
		price = 100.0
	}
	ticker := time.NewTicker(m.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			for ch := range f.consumers {
				close(ch)
			}
			f.mu.Unlock()
			return
		case <-ticker.C:
			price *= 1 + (rand.Float64()-0.5)/500
			ev := syntheticEvent(key, price)
			f.mu.Lock()
			for ch := range f.consumers {
				select {
				case ch <- ev:
				default:
				}
			}
			f.mu.Unlock()
		}
	}
}

func syntheticEvent(key subkey.Key, price float64) events.Event {
	now := time.Now()
	switch key.Kind {
	case subkey.OrderBook:
		return events.OrderBook(key.Instrument, events.OrderBookPayload{
			Bids:      [][2]float64{{price * 0.999, 1.5}},
			Asks:      [][2]float64{{price * 1.001, 1.5}},
			Timestamp: now,
		})
	case subkey.OpenOrders:
		return events.OpenOrder(key.Instrument, events.OpenOrdersPayload{
			OrderID:   "synthetic",
			Side:      "buy",
			Status:    "open",
			Price:     price,
			Quantity:  1,
			Timestamp: now,
		})
	case subkey.Trades:
		return events.Trade(key.Instrument, events.TradePayload{
			Price:     price,
			Quantity:  0.1,
			TakerSide: "buy",
			Timestamp: now,
		})
	default:
		return events.Ticker(key.Instrument, events.TickerPayload{
			Price:     price,
			BidPrice:  price * 0.999,
			AskPrice:  price * 1.001,
			Volume24h: 1000,
			Timestamp: now,
		})
	}
}

// Stream returns a fresh channel fed by the shared generator for key. If
// no generator is running for key (update_subscriptions never saw it, or
// it has since been removed), Stream still returns a channel — it simply
// never receives anything, and release is a no-op.
func (m *Manager) Stream(ctx context.Context, key subkey.Key) (<-chan events.Event, func(), error) {
	m.mu.Lock()
	f, ok := m.feeds[key]
	if !ok {
		m.mu.Unlock()
		ch := make(chan events.Event)
		return ch, func() {}, nil
	}
	ch := make(chan events.Event, 8)
	f.mu.Lock()
	f.consumers[ch] = struct{}{}
	f.refs++
	f.mu.Unlock()
	m.mu.Unlock()

	release := func() {
		f.mu.Lock()
		delete(f.consumers, ch)
		f.refs--
		f.mu.Unlock()
	}
	return ch, release, nil
}

// Desired returns a snapshot of the last key set passed to
// UpdateSubscriptions, for test assertions.
func (m *Manager) Desired() subkey.Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	return subkey.NewSet(m.desired.Slice()...)
}
