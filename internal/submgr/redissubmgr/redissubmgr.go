// Package redissubmgr implements the Subscription Manager on top of Redis
// Pub/Sub, the same low-latency fan-out backend this codebase's market
// data service uses. UpdateSubscriptions diffs against the
// previously-announced key set and issues SUBSCRIBE/UNSUBSCRIBE against
// one channel per key; Stream parses the JSON envelope back into the
// bus's typed Event.
package redissubmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pincex/eventbus/internal/events"
	"github.com/pincex/eventbus/internal/subkey"
)

// Manager implements submgr.Manager against a Redis instance.
type Manager struct {
	client *redis.Client
	logger *zap.Logger

	mu       sync.Mutex
	desired  subkey.Set
	channels map[subkey.Key]*redis.PubSub
}

// New creates a Manager against the Redis server at addr.
func New(addr string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		client:   redis.NewClient(&redis.Options{Addr: addr}),
		logger:   logger.Named("redissubmgr"),
		desired:  subkey.NewSet(),
		channels: make(map[subkey.Key]*redis.PubSub),
	}
}

// channelName maps a key onto a Redis Pub/Sub channel name.
func channelName(key subkey.Key) string {
	return fmt.Sprintf("%s:%s:%s-%s", key.Kind, key.Instrument.ExchangeID, key.Instrument.Base, key.Instrument.Counter)
}

// UpdateSubscriptions is idempotent: it diffs keys against the previously
// desired set, so an already-subscribed key is not subscribed again and a
// key not held is not unsubscribed. Each newly desired key opens a Pub/Sub
// subscription and waits for Redis to confirm it, bounded by ctx.
func (m *Manager) UpdateSubscriptions(ctx context.Context, keys subkey.Set) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range keys {
		if !m.desired.Contains(k) {
			if err := m.subscribeLocked(ctx, k); err != nil {
				return err
			}
		}
	}
	for k := range m.desired {
		if !keys.Contains(k) {
			m.unsubscribeLocked(k)
		}
	}
	m.desired = subkey.NewSet(keys.Slice()...)
	return nil
}

func (m *Manager) subscribeLocked(ctx context.Context, key subkey.Key) error {
	ps := m.client.Subscribe(ctx, channelName(key))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", key, err)
	}
	m.channels[key] = ps
	return nil
}

func (m *Manager) unsubscribeLocked(key subkey.Key) {
	ps, ok := m.channels[key]
	if !ok {
		return
	}
	_ = ps.Close()
	delete(m.channels, key)
}

// Envelope is the wire format published to each per-key Redis channel.
type Envelope struct {
	Ticker     *events.TickerPayload     `json:"ticker,omitempty"`
	OrderBook  *events.OrderBookPayload  `json:"order_book,omitempty"`
	OpenOrders *events.OpenOrdersPayload `json:"open_orders,omitempty"`
	Trade      *events.TradePayload      `json:"trade,omitempty"`
}

// Stream subscribes a fresh Redis Pub/Sub client to key's channel and
// decodes incoming JSON envelopes into typed Events. Each call opens its
// own Redis-level subscription; Redis itself fans out a published message
// to every subscribed client, so this does not multiply load on the
// origin publisher.
func (m *Manager) Stream(ctx context.Context, key subkey.Key) (<-chan events.Event, func(), error) {
	ps := m.client.Subscribe(ctx, channelName(key))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", key, err)
	}

	out := make(chan events.Event, 8)
	done := make(chan struct{})
	go func() {
		defer close(out)
		defer close(done)
		ch := ps.Channel()
		for msg := range ch {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				m.logger.Warn("discarding malformed event payload", zap.String("key", key.String()), zap.Error(err))
				continue
			}
			ev := decodeEnvelope(key, env)
			select {
			case out <- ev:
			default:
				// Matches the bus's own latest-wins policy one layer up;
				// here it just protects this goroutine from blocking
				// forever on a channel nobody is draining yet.
			}
		}
	}()

	release := func() {
		_ = ps.Close()
		<-done
	}
	return out, release, nil
}

func decodeEnvelope(key subkey.Key, env Envelope) events.Event {
	switch key.Kind {
	case subkey.OrderBook:
		if env.OrderBook != nil {
			return events.OrderBook(key.Instrument, *env.OrderBook)
		}
	case subkey.OpenOrders:
		if env.OpenOrders != nil {
			return events.OpenOrder(key.Instrument, *env.OpenOrders)
		}
	case subkey.Trades:
		if env.Trade != nil {
			return events.Trade(key.Instrument, *env.Trade)
		}
	default:
		if env.Ticker != nil {
			return events.Ticker(key.Instrument, *env.Ticker)
		}
	}
	return events.Event{Instrument: key.Instrument, Kind: key.Kind}
}

// Publish is a small helper for producers (and tests) that want to feed
// this manager's channels directly.
func (m *Manager) Publish(ctx context.Context, key subkey.Key, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return m.client.Publish(ctx, channelName(key), data).Err()
}

// Close releases the Manager's own subscriptions and underlying client.
func (m *Manager) Close() error {
	m.mu.Lock()
	for k := range m.channels {
		m.unsubscribeLocked(k)
	}
	m.mu.Unlock()
	return m.client.Close()
}
