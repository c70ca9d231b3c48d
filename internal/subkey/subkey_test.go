package subkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyEqualityIsStructural(t *testing.T) {
	a := New(Instrument{ExchangeID: "binance", Base: "BTC", Counter: "USD"}, Ticker)
	b := New(Instrument{ExchangeID: "binance", Base: "BTC", Counter: "USD"}, Ticker)
	c := New(Instrument{ExchangeID: "binance", Base: "BTC", Counter: "USD"}, Trades)

	assert.Equal(t, a, b, "keys built from identical fields must compare equal")
	assert.NotEqual(t, a, c, "differing data kind must make keys distinct")

	set := NewSet(a)
	assert.True(t, set.Contains(b), "structurally identical key must be found via map lookup")
}

func TestInstrumentValid(t *testing.T) {
	assert.True(t, (Instrument{ExchangeID: "binance", Base: "BTC", Counter: "USD"}).Valid())
	assert.False(t, (Instrument{Base: "BTC", Counter: "USD"}).Valid())
	assert.False(t, (Instrument{ExchangeID: "binance", Counter: "USD"}).Valid())
	assert.False(t, (Instrument{ExchangeID: "binance", Base: "BTC"}).Valid())
}

func TestDataKindString(t *testing.T) {
	cases := map[DataKind]string{
		Ticker:     "TICKER",
		OrderBook:  "ORDER_BOOK",
		OpenOrders: "OPEN_ORDERS",
		Trades:     "TRADES",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}

func TestSetDiff(t *testing.T) {
	inst := Instrument{ExchangeID: "binance", Base: "BTC", Counter: "USD"}
	k1 := New(inst, Ticker)
	k2 := New(inst, OrderBook)
	k3 := New(inst, Trades)

	a := NewSet(k1, k2)
	b := NewSet(k2, k3)

	diff := a.Diff(b)
	require.Len(t, diff, 1)
	assert.True(t, diff.Contains(k1))
	assert.False(t, diff.Contains(k2))
}

func TestSetEqual(t *testing.T) {
	inst := Instrument{ExchangeID: "binance", Base: "BTC", Counter: "USD"}
	k1 := New(inst, Ticker)
	k2 := New(inst, OrderBook)

	assert.True(t, NewSet(k1, k2).Equal(NewSet(k2, k1)), "set equality must be order-independent")
	assert.False(t, NewSet(k1).Equal(NewSet(k1, k2)))
}
