package broadcast

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// writeWait is the deadline for a single socket write.
	writeWait = 10 * time.Second

	// pongWait is how long the read side waits for a pong before the
	// connection is considered dead.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound command frames.
	maxMessageSize = 1024
)

// Client command actions accepted on the socket.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// Command is a client-to-server frame: subscribe to or unsubscribe from
// an operation's updates, or an application-level keepalive.
type Command struct {
	Action      string `json:"action"`
	OperationID string `json:"operationId"`
}

// Client ties one WebSocket to a hub connection and runs its pumps.
type Client struct {
	hub    *Hub
	conn   *Connection
	socket *websocket.Conn
	logger *logrus.Logger
}

// NewClient registers a hub connection for the socket. Call Run to start
// the pumps; Run blocks until the socket closes.
func NewClient(hub *Hub, socket *websocket.Conn, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		hub:    hub,
		conn:   hub.Connect(),
		socket: socket,
		logger: logger,
	}
}

// ConnectionID returns the hub connection id assigned to this client.
func (c *Client) ConnectionID() string {
	return c.conn.ID
}

// Run starts the write pump and drives the read pump on the calling
// goroutine. The hub connection is unregistered and the socket closed
// when either pump exits.
func (c *Client) Run() {
	go c.writePump()
	c.readPump()
}

// readPump consumes client command frames until the socket errors or
// closes. Disconnecting here also terminates the write pump via the
// closed send channel.
func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c.conn.ID)
		c.socket.Close()
	}()

	c.socket.SetReadLimit(maxMessageSize)
	c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).WithField("connection_id", c.conn.ID).Debug("WebSocket read error")
			}
			return
		}
		c.handleCommand(message)
	}
}

// handleCommand applies a subscribe, unsubscribe or ping frame.
// Malformed frames are logged and dropped; they never close the
// connection.
func (c *Client) handleCommand(message []byte) {
	var cmd Command
	if err := json.Unmarshal(message, &cmd); err != nil {
		c.logger.WithError(err).WithField("connection_id", c.conn.ID).Warn("Invalid WebSocket command frame")
		return
	}

	if cmd.Action == ActionPing {
		// Keepalive for clients that cannot send protocol pings.
		// Treat it like a pong.
		c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return
	}

	operationID := strings.TrimSpace(cmd.OperationID)
	if operationID == "" {
		c.logger.WithField("connection_id", c.conn.ID).Warn("WebSocket command missing operationId")
		return
	}

	switch cmd.Action {
	case ActionSubscribe:
		c.hub.Subscribe(c.conn.ID, operationID)
	case ActionUnsubscribe:
		c.hub.Unsubscribe(c.conn.ID, operationID)
	default:
		c.logger.WithFields(logrus.Fields{
			"connection_id": c.conn.ID,
			"action":        cmd.Action,
		}).Warn("Unknown WebSocket command action")
	}
}

// writePump drains the hub send channel to the socket and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.socket.Close()
	}()

	for {
		select {
		case envelope, ok := <-c.conn.Send:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteJSON(envelope); err != nil {
				c.logger.WithError(err).WithField("connection_id", c.conn.ID).Debug("WebSocket write failed")
				return
			}
		case <-ticker.C:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
