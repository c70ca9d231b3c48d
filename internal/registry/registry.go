// Package registry implements the reference-counted demand aggregator: a
// bidirectional index from subscriber id to held keys and from key to
// holder refcount, both kept consistent under one reader/writer lock.
//
// Registry deliberately exposes its lock (Lock/Unlock/RLock/RUnlock)
// rather than hiding it, because the reconciler must extend the same
// critical section to cover the upstream notification, and the
// convenience binder must extend it to cover its own handle table.
// Unifying both indices under one lock beats mixing a lock-free refcount
// map with a lock-based holdings map: the two must transition together or
// "refcount == number of holders" is briefly false.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/pincex/eventbus/internal/subkey"
	"github.com/pincex/eventbus/pkg/metrics"
)

// HoldOutcome reports what happened when a subscriber took up a key.
type HoldOutcome int

const (
	// AlreadyHeld means the subscriber already held the key; no mutation.
	AlreadyHeld HoldOutcome = iota
	// AdditionalHolder means the key already had holders; refcount bumped.
	AdditionalHolder
	// FirstGlobalHolder means the key had no holders; refcount is now 1.
	FirstGlobalHolder
)

// ReleaseOutcome reports what happened when a subscriber gave up a key.
type ReleaseOutcome int

const (
	// NotHeld means the subscriber did not hold the key; no mutation.
	NotHeld ReleaseOutcome = iota
	// StillHeld means other subscribers still hold the key.
	StillHeld
	// LastGlobalHolder means the refcount reached zero and the entry was removed.
	LastGlobalHolder
)

// Registry is the concurrent demand aggregator. Zero value is not usable;
// use New.
type Registry struct {
	mu        sync.RWMutex
	refcounts map[subkey.Key]int
	holdings  map[string]subkey.Set
	logger    *zap.Logger
}

// New creates an empty Registry. logger may be nil, in which case
// inconsistencies are only reflected in metrics, not logs.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		refcounts: make(map[subkey.Key]int),
		holdings:  make(map[string]subkey.Set),
		logger:    logger.Named("registry"),
	}
}

// Lock/Unlock/RLock/RUnlock expose the registry's single logical lock L so
// callers (the reconciler, the binder) can extend the critical section
// around the upstream notification or the handle table.
func (r *Registry) Lock()    { r.mu.Lock() }
func (r *Registry) Unlock()  { r.mu.Unlock() }
func (r *Registry) RLock()   { r.mu.RLock() }
func (r *Registry) RUnlock() { r.mu.RUnlock() }

// Hold adds key to subscriber's holdings. Caller must hold the write lock.
func (r *Registry) Hold(subscriber string, key subkey.Key) HoldOutcome {
	set, ok := r.holdings[subscriber]
	if !ok {
		set = make(subkey.Set)
		r.holdings[subscriber] = set
	}
	if set.Contains(key) {
		return AlreadyHeld
	}
	set.Add(key)

	count := r.refcounts[key]
	count++
	r.refcounts[key] = count
	if count == 1 {
		return FirstGlobalHolder
	}
	return AdditionalHolder
}

// Release removes key from subscriber's holdings. Caller must hold the
// write lock. A subscriber that never held the key yields NotHeld with no
// mutation (SubscriberInconsistency, logged and absorbed). A held key
// whose refcount is found to already be zero is treated as the most
// conservative outcome, LastGlobalHolder, and the entry is cleared.
func (r *Registry) Release(subscriber string, key subkey.Key) ReleaseOutcome {
	set, ok := r.holdings[subscriber]
	if !ok || !set.Contains(key) {
		r.reportInconsistency("release of key not held", subscriber, key)
		return NotHeld
	}
	delete(set, key)
	if len(set) == 0 {
		delete(r.holdings, subscriber)
	}

	count, ok := r.refcounts[key]
	if !ok || count <= 0 {
		r.reportInconsistency("missing refcount for a live holding", subscriber, key)
		delete(r.refcounts, key)
		return LastGlobalHolder
	}
	count--
	if count == 0 {
		delete(r.refcounts, key)
		return LastGlobalHolder
	}
	r.refcounts[key] = count
	return StillHeld
}

func (r *Registry) reportInconsistency(reason, subscriber string, key subkey.Key) {
	metrics.SubscriberInconsistenciesTotal.Inc()
	r.logger.Warn("subscriber inconsistency",
		zap.String("reason", reason),
		zap.String("subscriber", subscriber),
		zap.String("key", key.String()),
	)
}

// HoldingsLocked returns a snapshot copy of subscriber's holdings. Caller
// must hold at least the read lock.
func (r *Registry) HoldingsLocked(subscriber string) subkey.Set {
	set, ok := r.holdings[subscriber]
	if !ok {
		return subkey.NewSet()
	}
	out := make(subkey.Set, len(set))
	for k := range set {
		out[k] = struct{}{}
	}
	return out
}

// HoldingsOfKindLocked returns the subset of subscriber's holdings
// matching kind. Caller must hold at least the read lock.
func (r *Registry) HoldingsOfKindLocked(subscriber string, kind subkey.DataKind) subkey.Set {
	out := make(subkey.Set)
	for k := range r.holdings[subscriber] {
		if k.Kind == kind {
			out[k] = struct{}{}
		}
	}
	return out
}

// AllKeysLocked returns the union of every subscriber's holdings — the set
// the upstream Subscription Manager should be driving. Caller must hold at
// least the read lock.
func (r *Registry) AllKeysLocked() subkey.Set {
	out := make(subkey.Set, len(r.refcounts))
	for k := range r.refcounts {
		out[k] = struct{}{}
	}
	return out
}

// RefcountLocked returns the current refcount for key (0 if absent). Caller must
// hold at least the read lock.
func (r *Registry) RefcountLocked(key subkey.Key) int {
	return r.refcounts[key]
}

// SubscriberCountLocked returns the number of subscribers currently
// holding at least one key. Caller must hold at least the read lock.
func (r *Registry) SubscriberCountLocked() int {
	return len(r.holdings)
}

// Holdings returns a snapshot copy of subscriber's holdings, locking
// internally. Point-in-time: iteration over the result never observes a
// partial update.
func (r *Registry) Holdings(subscriber string) subkey.Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.HoldingsLocked(subscriber)
}

// HoldingsOfKind is the locking counterpart of HoldingsOfKindLocked.
func (r *Registry) HoldingsOfKind(subscriber string, kind subkey.DataKind) subkey.Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.HoldingsOfKindLocked(subscriber, kind)
}

// AllKeys is the locking counterpart of AllKeysLocked.
func (r *Registry) AllKeys() subkey.Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.AllKeysLocked()
}
