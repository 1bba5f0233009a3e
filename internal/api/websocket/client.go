package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orharazi/Scratch-Desk-sub002/internal/auth"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth message
	authWait = 10 * time.Second

	maxMessageSize = 8192
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The desk UI is served from another origin on the shop network.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one WebSocket connection. Clients are read-only consumers:
// the only requests they can make are auth and a fresh status snapshot.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	authenticated bool
}

func (c *Client) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// queue hands data to the write pump without blocking. Only the hub's
// Run goroutine calls it once the client is registered.
func (c *Client) queue(data []byte) bool {
	if data == nil {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		if c.authenticated {
			c.hub.leave(c)
		} else {
			close(c.send)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if !c.authenticated {
		_ = c.conn.SetReadDeadline(time.Now().Add(authWait))
	} else {
		c.keepAlive()
	}

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
			}
			return
		}

		if !c.authenticated {
			if !c.authenticate(msg) {
				return
			}
			continue
		}

		c.handleMessage(msg)
	}
}

// authenticate checks the first message. On success the client is
// registered with the hub, which takes over the send channel.
func (c *Client) authenticate(msg ClientMessage) bool {
	if msg.Type != MessageTypeAuth || msg.Token == "" {
		c.sendDirect(NewMessage(MessageTypeAuthFailed, map[string]string{"reason": "first message must be auth with a token"}))
		return false
	}

	claims, permissions, err := c.hub.auth.ValidateToken(msg.Token)
	if err != nil {
		c.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", c.remoteAddr()))
		c.sendDirect(NewMessage(MessageTypeAuthFailed, map[string]string{"reason": "invalid or expired token"}))
		return false
	}

	c.sendDirect(NewMessage(MessageTypeAuthSuccess, map[string]interface{}{
		"username":    claims.Username,
		"permissions": permissions,
	}))
	c.logger.Info("WebSocket client authenticated",
		zap.String("remote_addr", c.remoteAddr()),
		zap.String("username", claims.Username))

	c.keepAlive()
	if !c.hub.join(c) {
		return false
	}
	c.authenticated = true
	return true
}

func (c *Client) keepAlive() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// sendDirect is used before the client is registered, while the read
// pump is the only producer.
func (c *Client) sendDirect(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) handleMessage(msg ClientMessage) {
	switch msg.Type {
	case MessageTypeStatus:
		if c.hub.status != nil {
			c.hub.Broadcast(NewMessage(MessageTypeStatus, c.hub.status.Status()))
		}
	default:
		c.logger.Debug("Ignoring client message",
			zap.String("remote_addr", c.remoteAddr()),
			zap.String("type", string(msg.Type)))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// ServeWs upgrades the request. When the hub requires authentication the
// client's first message must be {"type":"auth","token":"..."}, unless
// preAuthorized is set because the HTTP layer already checked a token.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, preAuthorized bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		logger:        hub.logger,
		authenticated: preAuthorized || hub.auth == nil || !hub.auth.Enabled(),
	}

	go client.writePump()

	if client.authenticated && !hub.join(client) {
		close(client.send)
		return
	}
	go client.readPump()
}

var _ TokenValidator = (*auth.AuthService)(nil)
