package registry

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pincex/eventbus/internal/subkey"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func k(n int) subkey.Key {
	return subkey.New(subkey.Instrument{ExchangeID: "binance", Base: fmt.Sprintf("SYM%d", n), Counter: "USD"}, subkey.Ticker)
}

func TestHoldOutcomes(t *testing.T) {
	r := New(nil)
	r.Lock()
	defer r.Unlock()

	key := k(1)

	assert.Equal(t, FirstGlobalHolder, r.Hold("a", key))
	assert.Equal(t, AdditionalHolder, r.Hold("b", key))
	assert.Equal(t, AlreadyHeld, r.Hold("a", key), "repeated hold of the same pair must be idempotent")
	assert.Equal(t, 2, r.RefcountLocked(key), "idempotent re-hold must leave the refcount unchanged")
}

func TestReleaseOutcomes(t *testing.T) {
	r := New(nil)
	r.Lock()
	defer r.Unlock()

	key := k(1)
	r.Hold("a", key)
	r.Hold("b", key)

	assert.Equal(t, StillHeld, r.Release("a", key))
	assert.Equal(t, LastGlobalHolder, r.Release("b", key))
	assert.Equal(t, 0, r.RefcountLocked(key))
	assert.False(t, r.AllKeysLocked().Contains(key), "no phantom entry once refcount reaches zero")
}

func TestReleaseNotHeldIsAbsorbed(t *testing.T) {
	r := New(nil)
	r.Lock()
	defer r.Unlock()

	assert.Equal(t, NotHeld, r.Release("nobody", k(1)), "releasing an unheld key must not mutate state")
	assert.Equal(t, 0, r.RefcountLocked(k(1)))
}

func TestHoldingsSnapshotIsIndependentCopy(t *testing.T) {
	r := New(nil)
	r.Lock()
	r.Hold("a", k(1))
	r.Unlock()

	snap := r.Holdings("a")
	snap.Add(k(2))

	fresh := r.Holdings("a")
	assert.Len(t, fresh, 1, "mutating a returned snapshot must not affect the registry's own state")
}

func TestHoldingsOfKindFiltersByKind(t *testing.T) {
	r := New(nil)
	r.Lock()
	inst := subkey.Instrument{ExchangeID: "binance", Base: "BTC", Counter: "USD"}
	tickerKey := subkey.New(inst, subkey.Ticker)
	tradesKey := subkey.New(inst, subkey.Trades)
	r.Hold("a", tickerKey)
	r.Hold("a", tradesKey)
	r.Unlock()

	only := r.HoldingsOfKind("a", subkey.Ticker)
	require.Len(t, only, 1)
	assert.True(t, only.Contains(tickerKey))
}

func TestAllKeysIsUnionAcrossSubscribers(t *testing.T) {
	r := New(nil)
	r.Lock()
	r.Hold("a", k(1))
	r.Hold("b", k(1))
	r.Hold("b", k(2))
	r.Unlock()

	all := r.AllKeys()
	assert.True(t, all.Equal(subkey.NewSet(k(1), k(2))))
}

// TestConcurrentChurn hammers the registry with many goroutines flipping
// random subscribers between random key sets; the registry must never end
// up in a state where all_keys() diverges from the union of holdings, and
// no key's refcount disagrees with the number of subscribers actually
// holding it.
func TestConcurrentChurn(t *testing.T) {
	r := New(nil)
	const subscribers = 20
	const keyUniverse = 8
	const flipsPerWorker = 500

	var wg sync.WaitGroup
	for s := 0; s < subscribers; s++ {
		wg.Add(1)
		go func(subscriber string) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(len(subscriber))))
			for i := 0; i < flipsPerWorker; i++ {
				target := subkey.NewSet()
				n := rng.Intn(keyUniverse)
				for j := 0; j < n; j++ {
					target.Add(k(rng.Intn(keyUniverse)))
				}

				r.Lock()
				current := r.HoldingsLocked(subscriber)
				for key := range current.Diff(target) {
					r.Release(subscriber, key)
				}
				for key := range target.Diff(current) {
					r.Hold(subscriber, key)
				}
				r.Unlock()
			}
		}(fmt.Sprintf("subscriber-%d", s))
	}
	wg.Wait()

	r.Lock()
	defer r.Unlock()

	union := subkey.NewSet()
	holderCounts := make(map[subkey.Key]int)
	for s := 0; s < subscribers; s++ {
		subscriber := fmt.Sprintf("subscriber-%d", s)
		for key := range r.HoldingsLocked(subscriber) {
			union.Add(key)
			holderCounts[key]++
		}
	}

	assert.True(t, r.AllKeysLocked().Equal(union), "all_keys() must equal the union of every subscriber's holdings")
	for key, count := range holderCounts {
		assert.Equal(t, count, r.RefcountLocked(key), "refcount for %v must equal its actual holder count", key)
	}
	for n := 0; n < keyUniverse; n++ {
		key := k(n)
		if r.RefcountLocked(key) > 0 {
			assert.True(t, r.AllKeysLocked().Contains(key))
		} else {
			assert.False(t, r.AllKeysLocked().Contains(key), "refcount(k) > 0 iff k in all_keys()")
		}
	}
}
