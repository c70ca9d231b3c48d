package bus

import (
	"go.uber.org/zap"

	"github.com/pincex/eventbus/internal/registry"
	"github.com/pincex/eventbus/internal/subkey"
)

// ChangeSubscriptions replaces subscriber's holdings with target in one
// atomic step: the write lock is held across the full diff/apply/notify
// sequence so no concurrent change_subscriptions call can observe (or
// cause) a contradictory upstream update. Additions and removals within
// one call may be applied in any order; only the final holdings determine
// the resulting union.
func (b *Bus) ChangeSubscriptions(subscriber string, target subkey.Set) error {
	if err := validateSubscriber(subscriber); err != nil {
		return err
	}
	for k := range target {
		if err := validateKey(k.Valid()); err != nil {
			return err
		}
	}

	b.registry.Lock()
	defer b.registry.Unlock()

	current := b.registry.HoldingsLocked(subscriber)
	toRemove := current.Diff(target)
	toAdd := target.Diff(current)

	if len(toRemove) == 0 && len(toAdd) == 0 {
		// Idempotent: identical target issues no upstream notification.
		return nil
	}

	transitioned := false
	for k := range toRemove {
		if b.registry.Release(subscriber, k) == registry.LastGlobalHolder {
			transitioned = true
		}
	}
	for k := range toAdd {
		if b.registry.Hold(subscriber, k) == registry.FirstGlobalHolder {
			transitioned = true
		}
	}

	b.logger.Debug("change_subscriptions applied",
		zap.String("subscriber", subscriber),
		zap.Int("added", len(toAdd)),
		zap.Int("removed", len(toRemove)),
		zap.Bool("upstream_transitioned", transitioned),
	)

	if !transitioned {
		return nil
	}
	return b.notifyUpstream()
}

// ClearSubscriptions is equivalent to ChangeSubscriptions(subscriber, ∅).
func (b *Bus) ClearSubscriptions(subscriber string) error {
	return b.ChangeSubscriptions(subscriber, subkey.NewSet())
}

// AddSubscription is a single-key convenience over ChangeSubscriptions'
// transition/notify discipline, without requiring the caller to compute a
// full target set.
func (b *Bus) AddSubscription(subscriber string, key subkey.Key) error {
	if err := validateSubscriber(subscriber); err != nil {
		return err
	}
	if err := validateKey(key.Valid()); err != nil {
		return err
	}

	b.registry.Lock()
	defer b.registry.Unlock()

	outcome := b.registry.Hold(subscriber, key)
	if outcome == registry.AlreadyHeld {
		return nil
	}
	b.logger.Debug("add_subscription applied", zap.String("subscriber", subscriber), zap.String("key", key.String()))
	if outcome != registry.FirstGlobalHolder {
		return nil
	}
	return b.notifyUpstream()
}

// RemoveSubscription is the single-key counterpart of AddSubscription.
func (b *Bus) RemoveSubscription(subscriber string, key subkey.Key) error {
	if err := validateSubscriber(subscriber); err != nil {
		return err
	}
	if err := validateKey(key.Valid()); err != nil {
		return err
	}

	b.registry.Lock()
	defer b.registry.Unlock()

	outcome := b.registry.Release(subscriber, key)
	if outcome == registry.NotHeld {
		return nil
	}
	b.logger.Debug("remove_subscription applied", zap.String("subscriber", subscriber), zap.String("key", key.String()))
	if outcome != registry.LastGlobalHolder {
		return nil
	}
	return b.notifyUpstream()
}

// Holdings returns a point-in-time snapshot of subscriber's held keys.
func (b *Bus) Holdings(subscriber string) subkey.Set {
	return b.registry.Holdings(subscriber)
}

// AllKeys returns the current union of every subscriber's holdings.
func (b *Bus) AllKeys() subkey.Set {
	return b.registry.AllKeys()
}
