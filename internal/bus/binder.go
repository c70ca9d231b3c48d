package bus

import (
	"go.uber.org/zap"

	"github.com/pincex/eventbus/internal/events"
	"github.com/pincex/eventbus/internal/subkey"
	"github.com/pincex/eventbus/pkg/metrics"
)

// callbackHandle is the cancellation handle the binder tracks per
// subscriber: the subscription key it added and the stream it is routing
// to the caller's callback.
type callbackHandle struct {
	key    subkey.Key
	stream *Stream
	done   chan struct{}
}

func (h *callbackHandle) cancel() {
	h.stream.Cancel()
	<-h.done
}

// RegisterCallback is the deprecated-but-still-exercised convenience
// pattern: hold key on subscriber's behalf, then route every event for
// key, taken from the subscriber's stream of key's kind, to callback until
// the subscriber departs. A callback that panics is isolated — logged and
// torn down for that callback only; the key stays held and other
// subscribers are unaffected.
func (b *Bus) RegisterCallback(key subkey.Key, subscriber string, callback func(events.Event)) error {
	if err := validateSubscriber(subscriber); err != nil {
		return err
	}
	if err := validateKey(key.Valid()); err != nil {
		return err
	}

	if err := b.AddSubscription(subscriber, key); err != nil {
		return err
	}

	stream, err := b.GetStream(subscriber, key.Kind)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	handle := &callbackHandle{key: key, stream: stream, done: done}

	go func() {
		defer close(done)
		for ev := range stream.Events() {
			if ev.Instrument != key.Instrument {
				// This subscriber may hold other keys of the same kind;
				// the callback is scoped to this one key only.
				continue
			}
			if !b.invokeCallback(subscriber, key, callback, ev) {
				stream.Cancel()
				return
			}
		}
	}()

	b.registry.Lock()
	b.handles[subscriber] = append(b.handles[subscriber], handle)
	b.registry.Unlock()

	return nil
}

// invokeCallback reports false if callback panicked.
func (b *Bus) invokeCallback(subscriber string, key subkey.Key, callback func(events.Event), ev events.Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			metrics.ConsumerErrorsTotal.Inc()
			b.logger.Warn("register_callback consumer panicked",
				zap.String("subscriber", subscriber),
				zap.String("key", key.String()),
				zap.Any("panic", r),
			)
		}
	}()
	callback(ev)
	return true
}

// UnregisterCallbacks cancels every handle previously registered for
// subscriber, then clears its subscriptions. Cancellation is
// tolerant of upstream errors; nothing it encounters propagates beyond a
// logged warning.
func (b *Bus) UnregisterCallbacks(subscriber string) error {
	if err := validateSubscriber(subscriber); err != nil {
		return err
	}

	b.registry.Lock()
	handles := b.handles[subscriber]
	delete(b.handles, subscriber)
	b.registry.Unlock()

	for _, h := range handles {
		h.cancel()
	}

	return b.ClearSubscriptions(subscriber)
}
