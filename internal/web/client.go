package web

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codefionn/flowsync/internal/collab"
	"github.com/codefionn/flowsync/internal/config"
	"github.com/codefionn/flowsync/internal/consts"
	"github.com/codefionn/flowsync/internal/logger"
)

var (
	// ErrClientClosed is returned by Send after the connection is torn down.
	ErrClientClosed = errors.New("client connection closed")
	// ErrSlowConsumer is returned by Send when the send buffer is full. The
	// connection is closed as a result.
	ErrSlowConsumer = errors.New("client send buffer full")
)

// clientLimits holds the per-connection timing and size limits.
type clientLimits struct {
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	maxMessageSize int64
	sendBuffer     int
}

func limitsFromConfig(cfg *config.Config) clientLimits {
	limits := clientLimits{
		writeWait:      cfg.WriteWait(),
		pongWait:       cfg.PongWait(),
		maxMessageSize: cfg.Collab.MaxMessageSize,
		sendBuffer:     cfg.Collab.SendBufferSize,
	}
	if limits.writeWait <= 0 {
		limits.writeWait = consts.Timeout10Seconds
	}
	if limits.pongWait <= 0 {
		limits.pongWait = consts.Timeout60Seconds
	}
	if limits.sendBuffer < 1 {
		limits.sendBuffer = 1
	}
	if limits.maxMessageSize <= 0 {
		limits.maxMessageSize = consts.DefaultMaxMessageSize
	}
	// Pings must go out before the peer's read deadline passes.
	limits.pingPeriod = (limits.pongWait * 9) / 10
	return limits
}

// Client is one collaboration WebSocket connection. It implements
// collab.Channel for the engine.
type Client struct {
	id     string
	remote string
	hub    *Hub
	conn   *websocket.Conn
	engine Engine
	limits clientLimits

	mu     sync.Mutex
	send   chan []byte
	closed atomic.Bool
}

// NewClient wraps an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, engine Engine, limits clientLimits) *Client {
	return &Client{
		id:     uuid.NewString(),
		remote: conn.RemoteAddr().String(),
		hub:    hub,
		conn:   conn,
		engine: engine,
		limits: limits,
		send:   make(chan []byte, limits.sendBuffer),
	}
}

// ID returns the connection ID
func (c *Client) ID() string {
	return c.id
}

// Send queues data for the write pump without blocking. A full buffer
// closes the connection.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		logger.Warn("Client %s send buffer full, closing connection", c.id)
		c.closeLocked()
		return ErrSlowConsumer
	}
}

// Closed reports whether the connection has been torn down.
func (c *Client) Closed() bool {
	return c.closed.Load()
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed.Swap(true) {
		return
	}
	close(c.send)
}

// ReadPump hands frames from the connection to the engine in read order.
// When the connection ends, the engine is told so the participant leaves.
func (c *Client) ReadPump() {
	defer func() {
		c.close()
		c.hub.Unregister(c)
		c.conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), c.limits.writeWait)
		defer cancel()
		if err := c.engine.Disconnect(ctx, c); err != nil {
			logger.Warn("Failed to report disconnect of %s: %v", c.id, err)
		}
	}()

	c.conn.SetReadLimit(c.limits.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.limits.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.limits.pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket read error on %s: %v", c.id, err)
			}
			return
		}

		if err := c.engine.Deliver(context.Background(), c, message); err != nil {
			logger.Error("Failed to deliver frame from %s: %v", c.id, err)
			return
		}
	}
}

// WritePump drains the send buffer to the connection and keeps it alive
// with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.limits.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.limits.writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug("Failed to write to %s: %v", c.id, err)
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.limits.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

var _ collab.Channel = (*Client)(nil)
