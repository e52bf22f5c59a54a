package broadcast

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Inbound messages are control frames only
	maxMessageSize = 1024

	// DefaultPingInterval is used when no interval is configured
	DefaultPingInterval = 30 * time.Second
)

// Conn pumps the events of one subscription to a WebSocket peer.
// Closing the connection unsubscribes; it never touches the playback session.
type Conn struct {
	conn         *websocket.Conn
	broadcaster  *Broadcaster
	sub          *Subscription
	pingInterval time.Duration
	logger       zerolog.Logger
}

// NewConn binds an upgraded connection to a subscription
func NewConn(conn *websocket.Conn, b *Broadcaster, sub *Subscription, pingInterval time.Duration, logger zerolog.Logger) *Conn {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &Conn{
		conn:         conn,
		broadcaster:  b,
		sub:          sub,
		pingInterval: pingInterval,
		logger: logger.With().
			Str("component", "websocket").
			Str("child_id", sub.ChildID).
			Str("device_id", sub.DeviceID).
			Logger(),
	}
}

// Serve runs both pumps and returns once the peer is gone
func (c *Conn) Serve() {
	done := make(chan struct{})
	go func() {
		c.writePump()
		close(done)
	}()
	c.readPump()
	<-done
}

// readPump consumes pongs and close frames. Any read error ends the subscription.
func (c *Conn) readPump() {
	defer func() {
		c.broadcaster.Unsubscribe(c.sub)
		_ = c.conn.Close()
	}()

	pongWait := 2 * c.pingInterval
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
	}
}

// writePump forwards events and keeps the connection alive with pings
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	events := c.sub.Events()
	for {
		select {
		case ev, ok := <-events:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Debug().Err(err).Msg("WebSocket write failed")
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
