// Package subkey defines the immutable value types the bus multiplexes
// demand over: instruments, data kinds, and the subscription key that
// combines them.
package subkey

import "fmt"

// DataKind is a closed enumeration of market data flavors the upstream
// Subscription Manager can publish. Extensible by adding variants; no
// open-world polymorphism.
type DataKind int

const (
	Ticker DataKind = iota
	OrderBook
	OpenOrders
	Trades
)

func (k DataKind) String() string {
	switch k {
	case Ticker:
		return "TICKER"
	case OrderBook:
		return "ORDER_BOOK"
	case OpenOrders:
		return "OPEN_ORDERS"
	case Trades:
		return "TRADES"
	default:
		return fmt.Sprintf("DataKind(%d)", int(k))
	}
}

// Instrument is an immutable (exchange, base asset, counter asset) tuple.
// Equality is structural on all three fields.
type Instrument struct {
	ExchangeID string
	Base       string
	Counter    string
}

func (i Instrument) String() string {
	return fmt.Sprintf("%s:%s-%s", i.ExchangeID, i.Base, i.Counter)
}

// Valid reports whether all three fields are non-empty opaque strings.
func (i Instrument) Valid() bool {
	return i.ExchangeID != "" && i.Base != "" && i.Counter != ""
}

// Key is the unit of demand and deduplication: an Instrument paired with
// the DataKind a subscriber wants from it. Immutable, hashable (as a Go
// value usable directly as a map key), and ordering-irrelevant.
type Key struct {
	Instrument Instrument
	Kind       DataKind
}

func New(instrument Instrument, kind DataKind) Key {
	return Key{Instrument: instrument, Kind: kind}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Instrument, k.Kind)
}

// Valid reports whether the key's instrument is well formed.
func (k Key) Valid() bool {
	return k.Instrument.Valid()
}

// Set is a snapshot collection of Keys, used as both the unit of a
// change_subscriptions target and the return value of holdings snapshots.
type Set map[Key]struct{}

// NewSet builds a Set from a slice, deduplicating as it goes.
func NewSet(keys ...Key) Set {
	s := make(Set, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s Set) Contains(k Key) bool {
	_, ok := s[k]
	return ok
}

func (s Set) Add(k Key) {
	s[k] = struct{}{}
}

func (s Set) Slice() []Key {
	out := make([]Key, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// Diff returns the keys present in s but not in other (s \ other).
func (s Set) Diff(other Set) Set {
	out := make(Set)
	for k := range s {
		if !other.Contains(k) {
			out[k] = struct{}{}
		}
	}
	return out
}

// Equal reports whether s and other hold exactly the same keys.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for k := range s {
		if !other.Contains(k) {
			return false
		}
	}
	return true
}
