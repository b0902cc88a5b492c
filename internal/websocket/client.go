package chatws

import (
	"time"

	websocket "github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"
)

const (
	DefaultPingInterval = 30 * time.Second
	DefaultPongWait     = 60 * time.Second
	writeWait           = 10 * time.Second
	maxInboundFrame     = 4096
	sendBuffer          = 32
)

// Heartbeat configures ping/pong liveness checks on every connection.
type Heartbeat struct {
	PingInterval time.Duration
	PongWait     time.Duration
}

func (h Heartbeat) withDefaults() Heartbeat {
	if h.PingInterval <= 0 {
		h.PingInterval = DefaultPingInterval
	}
	if h.PongWait <= h.PingInterval {
		h.PongWait = h.PingInterval * 2
	}
	return h
}

// Conn is the part of a websocket connection the pumps use.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	Close() error
}

type Client struct {
	hub    *Hub
	conn   Conn
	userID string
	send   chan []byte
}

func NewClient(hub *Hub, conn Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBuffer),
	}
}

func (c *Client) UserID() string {
	return c.userID
}

// ReadPump keeps the read side alive. The stream is push only, so inbound
// data frames are discarded; a missed pong surfaces as a read error and
// unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	pongWait := c.hub.heartbeat.PongWait
	c.conn.SetReadLimit(maxInboundFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.hub.logger.Debug("realtime read ended", zap.String("user_id", c.userID), zap.Error(err))
			return
		}
	}
}

// WritePump forwards queued events and pings the peer on every heartbeat
// tick. It returns when the hub closes the send channel or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.hub.heartbeat.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
