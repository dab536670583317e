// Package websocketspec adapts a live WebSocket connection into the filter
// gateway's SubscriberEndpoint contract: delivery writes a JSON frame to the
// connection's outbound queue, liveness fires when the read pump observes
// the socket close.
package websocketspec

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bitechdev/filtergateway/pkg/eventbroker"
	"github.com/bitechdev/filtergateway/pkg/logger"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Connection represents one subscriber's live WebSocket, exposed to the
// filter gateway as an eventbroker.SubscriberEndpoint.
type Connection struct {
	id string
	ws *websocket.Conn

	send chan []byte

	mu       sync.Mutex
	watchers []eventbroker.LivenessWatcher
	token    eventbroker.LivenessToken
	closed   bool

	closeOnce sync.Once
}

// NewConnection wraps an already-upgraded *websocket.Conn for subscriberID.
// Callers must call Run and ReadLoop to start the read/write pumps.
func NewConnection(subscriberID string, ws *websocket.Conn) *Connection {
	return &Connection{
		id:    subscriberID,
		ws:    ws,
		send:  make(chan []byte, 256),
		token: eventbroker.LivenessToken(subscriberID + ":" + time.Now().UTC().Format("150405.000000000")),
	}
}

// ID implements eventbroker.SubscriberEndpoint.
func (c *Connection) ID() string { return c.id }

// Deliver implements eventbroker.SubscriberEndpoint: enqueues event for the
// write pump. Non-blocking: a full outbound queue yields DeliveryFull
// immediately rather than waiting.
func (c *Connection) Deliver(ctx context.Context, event *eventbroker.Event) eventbroker.DeliveryResult {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return eventbroker.DeliveryDead
	}

	data, err := json.Marshal(event)
	if err != nil {
		logger.Warn("[WebSocketSpec] failed to marshal event %s for %s: %v", event.ID, c.id, err)
		return eventbroker.DeliveryDead
	}

	select {
	case c.send <- data:
		return eventbroker.DeliveryOK
	default:
		return eventbroker.DeliveryFull
	}
}

// Watch implements eventbroker.SubscriberEndpoint.
func (c *Connection) Watch(watcher eventbroker.LivenessWatcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, watcher)
}

// Run drives the write pump until the connection closes or ctx is
// cancelled. It owns the underlying socket exclusively, per gorilla's
// single-writer requirement.
func (c *Connection) Run(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Warn("[WebSocketSpec] write failed for %s: %v", c.id, err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// ReadLoop drains inbound frames (subscribers don't send application data
// to this gateway, but the read pump must run to process control frames and
// detect close). It returns when the socket closes.
func (c *Connection) ReadLoop() {
	defer c.close()
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		watchers := c.watchers
		token := c.token
		c.mu.Unlock()

		_ = c.ws.Close()
		for _, w := range watchers {
			w(token)
		}
	})
}
