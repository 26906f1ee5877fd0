// Package feed ingests real-time market data from venue WebSocket streams
// and fans it out to the risk monitors, the shared market cache, the
// arbitrage detector, and the per-pair series used by grid strategies.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dexquant/tradebot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// ErrFeedClosed is returned by operations on a client that has been shut down.
var ErrFeedClosed = errors.New("feed closed")

// TickHandler is called for each trade tick received from a venue stream.
type TickHandler func(domain.MarketTick)

// BookHandler is called for each full orderbook snapshot received.
type BookHandler func(domain.OrderbookSnapshot)

// wsCommand is the subscribe/unsubscribe envelope sent to the venue.
type wsCommand struct {
	Type    string   `json:"type"`
	Channel string   `json:"channel"`
	Pairs   []string `json:"pairs"`
}

// wsLevel is one price level on the wire.
type wsLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// wsMessage is the inbound envelope. Venues omit the venue field; the client
// stamps it from its own configuration.
type wsMessage struct {
	Type      string    `json:"type"`
	Pair      string    `json:"pair"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Bids      []wsLevel `json:"bids"`
	Asks      []wsLevel `json:"asks"`
	Timestamp time.Time `json:"ts"`
}

// WSClient is a WebSocket client for one venue's market data stream. It
// manages the connection lifecycle, subscriptions, and dispatches messages
// to registered handlers, reconnecting with exponential backoff.
type WSClient struct {
	venue string
	wsURL string
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool

	// Subscriptions to restore on reconnect.
	subscriptions []wsCommand

	handlerMu    sync.RWMutex
	tickHandlers []TickHandler
	bookHandlers []BookHandler

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewWSClient creates a client for the given venue name and stream URL.
func NewWSClient(venue, wsURL string) *WSClient {
	return &WSClient{
		venue: venue,
		wsURL: wsURL,
		done:  make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and starts the read and ping
// loops. Previously tracked subscriptions are restored.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("feed: %s: %w", w.venue, ErrFeedClosed)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect %s: %w", w.venue, err)
	}

	w.conn = conn

	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go w.readLoop()
	go w.pingLoop()

	for _, cmd := range w.subscriptions {
		if err := w.sendCommand(cmd); err != nil {
			return fmt.Errorf("feed: restore subscription %s: %w", w.venue, err)
		}
	}

	return nil
}

// Subscribe subscribes to the given channels for the specified pairs.
// Valid channels are "tick" and "book".
func (w *WSClient) Subscribe(ctx context.Context, channels, pairs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("feed: %s not connected", w.venue)
	}

	for _, ch := range channels {
		cmd := wsCommand{
			Type:    "subscribe",
			Channel: ch,
			Pairs:   pairs,
		}
		if err := w.sendCommand(cmd); err != nil {
			return fmt.Errorf("feed: subscribe %s to %s: %w", w.venue, ch, err)
		}
		w.subscriptions = append(w.subscriptions, cmd)
	}

	return nil
}

// Close shuts down the connection and stops the read loop.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}

	return nil
}

// OnTick registers a handler for trade ticks.
func (w *WSClient) OnTick(handler TickHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.tickHandlers = append(w.tickHandlers, handler)
}

// OnBook registers a handler for orderbook snapshots.
func (w *WSClient) OnBook(handler BookHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.bookHandlers = append(w.bookHandlers, handler)
}

// sendCommand sends a JSON command to the WebSocket. Caller must hold w.mu.
func (w *WSClient) sendCommand(cmd wsCommand) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop continuously reads messages from the WebSocket and dispatches
// them to the registered handlers. On disconnect it attempts to reconnect
// with exponential backoff.
func (w *WSClient) readLoop() {
	defer func() {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}

			w.reconnect()
			return // the new connection starts its own readLoop
		}

		w.handleMessage(message)
	}
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (w *WSClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw WebSocket message and routes it by type.
// Unparseable messages are dropped.
func (w *WSClient) handleMessage(raw []byte) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Pair == "" {
		return
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	switch msg.Type {
	case "tick":
		tick := domain.MarketTick{
			Venue:     w.venue,
			Pair:      msg.Pair,
			Price:     msg.Price,
			Volume:    msg.Volume,
			Timestamp: ts,
		}

		w.handlerMu.RLock()
		handlers := w.tickHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(tick)
		}

	case "book":
		snap := domain.OrderbookSnapshot{
			Venue:     w.venue,
			Pair:      msg.Pair,
			Bids:      toLevels(msg.Bids),
			Asks:      toLevels(msg.Asks),
			Timestamp: ts,
		}

		w.handlerMu.RLock()
		handlers := w.bookHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(snap)
		}
	}
}

func toLevels(in []wsLevel) []domain.PriceLevel {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.PriceLevel, len(in))
	for i, lv := range in {
		out[i] = domain.PriceLevel{Price: lv.Price, Size: lv.Size}
	}
	return out
}

// reconnect attempts to re-establish the connection with exponential
// backoff. It blocks until successful or the client is closed.
func (w *WSClient) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-w.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()

		if err == nil {
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
