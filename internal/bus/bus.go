// Package bus implements the subscription registry and event bus: the
// reference-counted demand aggregator, the reconciler that keeps the
// upstream Subscription Manager in sync with minimal churn, the
// per-subscriber stream projector, and the convenience callback binder.
package bus

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pincex/eventbus/internal/registry"
	"github.com/pincex/eventbus/internal/submgr"
	"github.com/pincex/eventbus/pkg/errors"
	"github.com/pincex/eventbus/pkg/metrics"
)

// Bus is the event-bus interface implementation: the single entry
// point subscribers use to declare demand and read merged event streams.
type Bus struct {
	registry *registry.Registry
	manager  submgr.Manager
	logger   *zap.Logger

	// upstreamTimeout bounds the synchronous portion of update_subscriptions
	// calls made while the write lock is held, per the requirement that a
	// reader must not block indefinitely behind a stalled writer.
	upstreamTimeout time.Duration

	// handles is the C5 binder table: subscriber -> active callback
	// cancellation handles. Guarded by the same lock as the registry.
	handles map[string][]*callbackHandle
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithUpstreamTimeout overrides the default bound on the synchronous
// portion of an update_subscriptions call.
func WithUpstreamTimeout(d time.Duration) Option {
	return func(b *Bus) { b.upstreamTimeout = d }
}

// New builds a Bus backed by the given Subscription Manager.
func New(manager submgr.Manager, logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		registry:        registry.New(logger),
		manager:         manager,
		logger:          logger.Named("bus"),
		upstreamTimeout: 2 * time.Second,
		handles:         make(map[string][]*callbackHandle),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func validateSubscriber(subscriber string) error {
	if subscriber == "" {
		return errors.NewProgrammerError("subscriber_id", "subscriber id must not be empty")
	}
	return nil
}

func validateKey(keyValid bool) error {
	if !keyValid {
		return errors.NewProgrammerError("key", "subscription key must be valid (non-empty instrument fields)")
	}
	return nil
}

// notifyUpstream is called with the write lock held, so it must return
// promptly. It bounds its own context and surfaces (without rolling back
// in-memory state) any failure as UpstreamNotifyFailure.
func (b *Bus) notifyUpstream() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.upstreamTimeout)
	defer cancel()

	keys := b.registry.AllKeysLocked()
	if err := b.manager.UpdateSubscriptions(ctx, keys); err != nil {
		metrics.UpstreamNotifyTotal.WithLabelValues("error").Inc()
		return errors.NewUpstreamNotifyFailure(err)
	}
	metrics.UpstreamNotifyTotal.WithLabelValues("ok").Inc()
	metrics.DistinctKeys.Set(float64(len(keys)))
	metrics.ActiveSubscribers.Set(float64(b.registry.SubscriberCountLocked()))
	for k := range keys {
		metrics.KeyRefcount.WithLabelValues(k.Kind.String(), k.Instrument.ExchangeID, k.Instrument.Base, k.Instrument.Counter).
			Set(float64(b.registry.RefcountLocked(k)))
	}
	return nil
}
