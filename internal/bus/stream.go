package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pincex/eventbus/internal/events"
	"github.com/pincex/eventbus/internal/subkey"
	"github.com/pincex/eventbus/pkg/metrics"
)

// streamSource is one upstream per-key stream a merge will pull from,
// captured at GetStream time but not yet opened against the manager.
type streamSource struct {
	key subkey.Key
}

// Stream is the lazy, at-most-once-subscribable merged event sequence
// returned by GetStream. Idle until the first call to Events, which opens
// every upstream per-key stream and starts the merge; calling Cancel (or
// ranging to completion) releases them.
type Stream struct {
	bus        *Bus
	subscriber string
	kind       subkey.DataKind
	sources    []streamSource

	out       chan events.Event
	startOnce sync.Once
	stopOnce  sync.Once

	mu        sync.Mutex
	cancelled bool
	cancelFn  context.CancelFunc
	closed    chan struct{}
}

// Events returns the channel to range over. The first call transitions
// the stream from Idle to Active: it opens the upstream per-key streams
// snapshotted at GetStream time and starts merging them. The channel
// closes when every upstream per-key stream has completed, or when Cancel
// is called.
func (s *Stream) Events() <-chan events.Event {
	s.startOnce.Do(s.start)
	return s.out
}

// start opens the upstream streams and begins the merge. Runs at most
// once, on the first call to Events.
func (s *Stream) start() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		close(s.out)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	closed := make(chan struct{})
	s.cancelFn = cancel
	s.closed = closed
	s.mu.Unlock()

	type opened struct {
		key     subkey.Key
		ch      <-chan events.Event
		release func()
	}
	sources := make([]opened, 0, len(s.sources))
	for _, src := range s.sources {
		ch, release, err := s.bus.manager.Stream(ctx, src.key)
		if err != nil {
			// Best-effort: skip a key the manager can't serve right now
			// rather than failing the whole merge; it remains held and a
			// future GetStream call will retry it.
			s.bus.logger.Warn("upstream stream() failed, omitting key from merge",
				zap.String("key", src.key.String()), zap.Error(err))
			continue
		}
		sources = append(sources, opened{key: src.key, ch: ch, release: release})
	}

	var wg sync.WaitGroup
	wg.Add(len(sources))
	for _, src := range sources {
		go s.bus.pumpSource(ctx, &wg, src.key, src.ch, src.release, s.out, s.kind)
	}

	go func() {
		wg.Wait()
		close(s.out)
		close(closed)
	}()
}

// Cancel stops the merge and releases upstream per-key subscriptions.
// Safe to call multiple times, safe to call before Events has ever been
// invoked (the stream then never opens anything), and safe to call after
// the stream has already completed on its own.
func (s *Stream) Cancel() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.cancelled = true
		cancelFn := s.cancelFn
		closed := s.closed
		s.mu.Unlock()
		if cancelFn == nil {
			return
		}
		cancelFn()
		<-closed
	})
}

// GetStream returns a lazy merge of the per-key upstream streams for every
// key subscriber currently holds of the given kind, snapshotted at call
// time. Subsequent subscription changes do not retroactively alter
// an already-returned stream. A subscriber holding no keys of kind gets a
// stream that completes immediately on first pull.
//
// No upstream per-key stream is opened, and no goroutine is spawned, until
// a consumer calls Events — a caller that acquires a Stream and never
// pulls from it (and never calls Cancel) leaks nothing upstream.
//
// Backpressure is latest-wins per upstream: each source key gets its own
// single-slot "mailbox" that a reader goroutine keeps overwritten with the
// newest event, and an independent forwarder goroutine drains that mailbox
// into the shared output channel. A slow consumer therefore only ever
// causes an instrument to lose its own stale events, never another
// instrument's.
func (b *Bus) GetStream(subscriber string, kind subkey.DataKind) (*Stream, error) {
	if err := validateSubscriber(subscriber); err != nil {
		return nil, err
	}

	keys := b.registry.HoldingsOfKind(subscriber, kind)
	sources := make([]streamSource, 0, len(keys))
	for k := range keys {
		sources = append(sources, streamSource{key: k})
	}

	s := &Stream{
		bus:        b,
		subscriber: subscriber,
		kind:       kind,
		sources:    sources,
		out:        make(chan events.Event),
	}
	return s, nil
}

// pumpSource owns one upstream per-key stream end to end: it maintains a
// single-slot mailbox overwritten under latest-wins semantics and drains
// it into out, blocking only on this source's own forwarder.
func (b *Bus) pumpSource(ctx context.Context, wg *sync.WaitGroup, key subkey.Key, in <-chan events.Event, release func(), out chan<- events.Event, kind subkey.DataKind) {
	defer wg.Done()
	defer release()

	box := newMailbox()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				if box.set(ev) {
					metrics.EventsDroppedTotal.WithLabelValues(kind.String()).Inc()
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			<-done
			return
		case <-box.notify:
			ev, ok := box.take()
			if !ok {
				continue
			}
			// While waiting on the consumer, keep replacing the held event
			// with any newer one so only the latest is ever delivered.
			for sent := false; !sent; {
				select {
				case out <- ev:
					sent = true
				case <-box.notify:
					if newer, ok := box.take(); ok {
						ev = newer
						metrics.EventsDroppedTotal.WithLabelValues(kind.String()).Inc()
					}
				case <-ctx.Done():
					return
				}
			}
		case <-done:
			// Drain any event the producer set just before closing in.
			if ev, ok := box.take(); ok {
				select {
				case out <- ev:
				case <-ctx.Done():
				}
			}
			return
		}
	}
}

// mailbox holds at most one pending event, overwriting the previous one
// if the consumer hasn't taken it yet — the latest-wins slot for a single
// upstream key. A mutex-guarded value plus a non-blocking notify channel
// avoids the double-receiver race a plain buffered channel would have if
// both the producer's drop-oldest path and the consumer's take raced on
// the same channel.
type mailbox struct {
	mu     sync.Mutex
	val    events.Event
	has    bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// set stores ev, returning true if it overwrote an undelivered event.
func (m *mailbox) set(ev events.Event) bool {
	m.mu.Lock()
	dropped := m.has
	m.val = ev
	m.has = true
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return dropped
}

// take removes and returns the pending event, if any.
func (m *mailbox) take() (events.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.has {
		return events.Event{}, false
	}
	ev := m.val
	m.has = false
	return ev, true
}

// GetTickers returns the merged TICKER stream for subscriber.
func (b *Bus) GetTickers(subscriber string) (*Stream, error) {
	return b.GetStream(subscriber, subkey.Ticker)
}

// GetOrderBooks returns the merged ORDER_BOOK stream for subscriber.
func (b *Bus) GetOrderBooks(subscriber string) (*Stream, error) {
	return b.GetStream(subscriber, subkey.OrderBook)
}

// GetOpenOrders returns the merged OPEN_ORDERS stream for subscriber.
func (b *Bus) GetOpenOrders(subscriber string) (*Stream, error) {
	return b.GetStream(subscriber, subkey.OpenOrders)
}

// GetTrades returns the merged TRADES stream for subscriber.
func (b *Bus) GetTrades(subscriber string) (*Stream, error) {
	return b.GetStream(subscriber, subkey.Trades)
}
