// Package events defines the Event variants the bus carries. The core
// (registry, reconciler, stream projector) treats payloads opaquely; only
// the reference Subscription Manager and the transport layer need the
// concrete shapes below.
package events

import (
	"time"

	"github.com/pincex/eventbus/internal/subkey"
)

// Event is the polymorphic unit delivered to subscribers. Kind identifies
// which payload field is populated; Instrument names the source.
type Event struct {
	Instrument subkey.Instrument
	Kind       subkey.DataKind

	Ticker     *TickerPayload
	OrderBook  *OrderBookPayload
	OpenOrders *OpenOrdersPayload
	Trade      *TradePayload
}

// TickerPayload mirrors the summary fields this codebase's market feed
// service keeps per symbol.
type TickerPayload struct {
	Price     float64
	BidPrice  float64
	AskPrice  float64
	Volume24h float64
	Timestamp time.Time
}

// OrderBookPayload is a depth snapshot, [price, size] pairs per side —
// the same shape as this codebase's distribution.Snapshot.
type OrderBookPayload struct {
	Bids      [][2]float64
	Asks      [][2]float64
	Timestamp time.Time
}

// OpenOrdersPayload reports a change to one of the subscriber's own open
// orders on the instrument.
type OpenOrdersPayload struct {
	OrderID   string
	Side      string
	Status    string
	Price     float64
	Quantity  float64
	Timestamp time.Time
}

// TradePayload is a single executed trade print.
type TradePayload struct {
	Price     float64
	Quantity  float64
	TakerSide string
	Timestamp time.Time
}

// Ticker builds a Ticker-kind Event.
func Ticker(inst subkey.Instrument, p TickerPayload) Event {
	return Event{Instrument: inst, Kind: subkey.Ticker, Ticker: &p}
}

// OrderBook builds an OrderBook-kind Event.
func OrderBook(inst subkey.Instrument, p OrderBookPayload) Event {
	return Event{Instrument: inst, Kind: subkey.OrderBook, OrderBook: &p}
}

// OpenOrder builds an OpenOrders-kind Event.
func OpenOrder(inst subkey.Instrument, p OpenOrdersPayload) Event {
	return Event{Instrument: inst, Kind: subkey.OpenOrders, OpenOrders: &p}
}

// Trade builds a Trade-kind Event.
func Trade(inst subkey.Instrument, p TradePayload) Event {
	return Event{Instrument: inst, Kind: subkey.Trades, Trade: &p}
}
