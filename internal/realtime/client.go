package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Identity is who a connection speaks for in call signaling
type Identity struct {
	UserID   string
	Username string
	Team     string
}

// Registered reports whether the identity can place or receive calls
func (i Identity) Registered() bool {
	return i.Username != "" && i.Team != ""
}

// Client is one websocket connection
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	identity Identity

	sendMu sync.Mutex
	closed bool
}

func newClient(parent context.Context, id string, conn *websocket.Conn, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	ctx, cancel := context.WithCancel(parent)
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, buffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the connection id
func (c *Client) ID() string { return c.id }

// Identity returns the bound identity
func (c *Client) Identity() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Client) setIdentity(id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = id
}

// Send queues an event. A client whose buffer is full is disconnected.
func (c *Client) Send(ev Outbound) bool {
	data, err := ev.Encode()
	if err != nil {
		log.Error().Err(err).Str("conn_id", c.id).Str("event", ev.Event).Msg("failed to encode event")
		return false
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		log.Warn().Str("conn_id", c.id).Str("event", ev.Event).Msg("send buffer full, closing slow client")
		c.closeLocked()
		return false
	}
}

// Close stops the connection. Queued events are still flushed by the write pump.
func (c *Client) Close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	close(c.send)
}

func (c *Client) readPump(g *Gateway, maxMessageSize int64) {
	defer func() {
		g.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warn().Err(err).Str("conn_id", c.id).Msg("websocket read error")
			} else {
				log.Debug().Str("conn_id", c.id).Msg("websocket closed")
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}
		g.dispatch(c, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("websocket write failed")
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
