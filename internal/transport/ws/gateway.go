// Package ws exposes the event bus to out-of-process subscribers over
// WebSocket, following the upgrade/readPump/writePump shape this
// codebase's own WebSocket hub uses. The gateway holds no subscription
// state of its own — every control frame maps directly onto a call into
// the bus, and every outbound frame is pulled off a bus-returned
// merged stream.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pincex/eventbus/internal/bus"
	"github.com/pincex/eventbus/internal/events"
	"github.com/pincex/eventbus/internal/subkey"
)

// controlFrame is the inbound subscription-control wire message.
type controlFrame struct {
	Set         []wireKey `json:"set,omitempty"`
	Subscribe   []wireKey `json:"subscribe,omitempty"`
	Unsubscribe []wireKey `json:"unsubscribe,omitempty"`
}

type wireKey struct {
	ExchangeID string `json:"exchange_id"`
	Base       string `json:"base"`
	Counter    string `json:"counter"`
	Kind       string `json:"kind"`
}

func (w wireKey) toKey() (subkey.Key, bool) {
	kind, ok := parseKind(w.Kind)
	if !ok {
		return subkey.Key{}, false
	}
	return subkey.New(subkey.Instrument{ExchangeID: w.ExchangeID, Base: w.Base, Counter: w.Counter}, kind), true
}

func parseKind(s string) (subkey.DataKind, bool) {
	switch s {
	case "TICKER":
		return subkey.Ticker, true
	case "ORDER_BOOK":
		return subkey.OrderBook, true
	case "OPEN_ORDERS":
		return subkey.OpenOrders, true
	case "TRADES":
		return subkey.Trades, true
	default:
		return 0, false
	}
}

// outboundFrame wraps an Event for the wire.
type outboundFrame struct {
	Kind       string      `json:"kind"`
	Instrument wireInstr   `json:"instrument"`
	Payload    interface{} `json:"payload"`
}

type wireInstr struct {
	ExchangeID string `json:"exchange_id"`
	Base       string `json:"base"`
	Counter    string `json:"counter"`
}

func toOutbound(ev events.Event) outboundFrame {
	f := outboundFrame{
		Kind: ev.Kind.String(),
		Instrument: wireInstr{
			ExchangeID: ev.Instrument.ExchangeID,
			Base:       ev.Instrument.Base,
			Counter:    ev.Instrument.Counter,
		},
	}
	switch ev.Kind {
	case subkey.OrderBook:
		f.Payload = ev.OrderBook
	case subkey.OpenOrders:
		f.Payload = ev.OpenOrders
	case subkey.Trades:
		f.Payload = ev.Trade
	default:
		f.Payload = ev.Ticker
	}
	return f
}

// Gateway upgrades HTTP connections to WebSocket and binds each one to a
// subscriber id in the bus.
type Gateway struct {
	bus    *bus.Bus
	logger *zap.Logger

	upgrader websocket.Upgrader
}

// NewGateway creates a Gateway fronting b.
func NewGateway(b *bus.Bus, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		bus:    b,
		logger: logger.Named("ws_gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs it until the client
// disconnects, at which point it calls clear_subscriptions for the
// assigned subscriber id.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	subscriber := r.URL.Query().Get("subscriber_id")
	if subscriber == "" {
		subscriber = uuid.NewString()
	}

	c := &clientConn{
		subscriber: subscriber,
		conn:       conn,
		bus:        g.bus,
		logger:     g.logger,
		streams:    make(map[subkey.DataKind]*bus.Stream),
		send:       make(chan []byte, 256),
	}
	defer c.close()

	go c.writePump()
	c.readPump()
}

// clientConn owns one WebSocket connection's lifecycle and the set of
// per-kind merged streams it currently pumps to the client.
type clientConn struct {
	subscriber string
	conn       *websocket.Conn
	bus        *bus.Bus
	logger     *zap.Logger

	mu      sync.Mutex
	streams map[subkey.DataKind]*bus.Stream

	send   chan []byte
	closed bool
}

func (c *clientConn) close() {
	c.mu.Lock()
	for kind, s := range c.streams {
		s.Cancel()
		delete(c.streams, kind)
	}
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()

	if err := c.bus.ClearSubscriptions(c.subscriber); err != nil {
		c.logger.Warn("clear_subscriptions on disconnect failed", zap.Error(err))
	}
	_ = c.conn.Close()
}

func (c *clientConn) readPump() {
	c.conn.SetReadLimit(4096)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame controlFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			c.logger.Warn("discarding malformed control frame", zap.Error(err))
			continue
		}
		c.applyControlFrame(frame)
	}
}

func (c *clientConn) applyControlFrame(frame controlFrame) {
	if frame.Set != nil {
		target := subkey.NewSet()
		for _, wk := range frame.Set {
			if k, ok := wk.toKey(); ok {
				target.Add(k)
			}
		}
		if err := c.bus.ChangeSubscriptions(c.subscriber, target); err != nil {
			c.logger.Warn("change_subscriptions failed", zap.Error(err))
		}
	}
	for _, wk := range frame.Subscribe {
		if k, ok := wk.toKey(); ok {
			if err := c.bus.AddSubscription(c.subscriber, k); err != nil {
				c.logger.Warn("add_subscription failed", zap.Error(err))
			}
		}
	}
	for _, wk := range frame.Unsubscribe {
		if k, ok := wk.toKey(); ok {
			if err := c.bus.RemoveSubscription(c.subscriber, k); err != nil {
				c.logger.Warn("remove_subscription failed", zap.Error(err))
			}
		}
	}
	c.refreshStreams()
}

// refreshStreams re-acquires get_stream for every data kind so the
// outbound pump follows the subscriber's latest holdings — get_stream
// itself is a point-in-time snapshot, so the gateway re-invokes it
// after every control frame rather than expecting it to auto-refresh.
func (c *clientConn) refreshStreams() {
	for _, kind := range []subkey.DataKind{subkey.Ticker, subkey.OrderBook, subkey.OpenOrders, subkey.Trades} {
		stream, err := c.bus.GetStream(c.subscriber, kind)
		if err != nil {
			c.logger.Warn("get_stream failed", zap.Error(err))
			continue
		}

		c.mu.Lock()
		old, hadOld := c.streams[kind]
		c.streams[kind] = stream
		c.mu.Unlock()
		if hadOld {
			old.Cancel()
		}

		go c.pumpStream(kind, stream)
	}
}

func (c *clientConn) pumpStream(kind subkey.DataKind, stream *bus.Stream) {
	for ev := range stream.Events() {
		c.mu.Lock()
		current := c.streams[kind]
		c.mu.Unlock()
		if current != stream {
			// Superseded by a later refreshStreams call; stop pumping
			// this now-stale merge.
			return
		}

		data, err := json.Marshal(toOutbound(ev))
		if err != nil {
			continue
		}
		c.mu.Lock()
		if !c.closed {
			select {
			case c.send <- data:
			default:
				// drop if the write side can't keep up
			}
		}
		c.mu.Unlock()
	}
}

func (c *clientConn) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
