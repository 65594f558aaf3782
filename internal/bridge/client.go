// internal/bridge/client.go
package bridge

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// client is the per-connection middleman between the socket and the hub.
type client struct {
	id     string
	server *Server
	conn   *websocket.Conn
	send   chan []byte
}

// readPump relays inbound frames to the server until the socket dies.
func (c *client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.server.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("Bridge client read error",
					zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		c.server.handleInbound(raw)
	}
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with pings.
func (c *client) writePump() {
	pingPeriod := c.server.cfg.PongTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
