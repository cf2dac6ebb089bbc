// Package broadcast implements the in-memory fan-out hub that pushes
// operation and container events to connected clients.
package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dockhand/composeops/internal/models"
)

// DefaultSendBuffer is the per-connection outbound queue depth used when
// the hub is created with a non-positive buffer size.
const DefaultSendBuffer = 64

// Connection is a live client attachment. Events are delivered through
// the Send channel; the transport's write side drains it.
type Connection struct {
	ID   string
	Send chan models.Envelope

	subs   map[string]struct{}
	closed bool
}

// Hub maintains the connection registry and routes published events to
// subscribers. All exported methods are safe for concurrent use.
type Hub struct {
	mu         sync.RWMutex
	conns      map[string]*Connection
	sendBuffer int
	logger     *logrus.Logger
}

// NewHub creates an empty hub.
func NewHub(sendBuffer int, logger *logrus.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub{
		conns:      make(map[string]*Connection),
		sendBuffer: sendBuffer,
		logger:     logger,
	}
}

// Connect registers a new connection with an empty subscription set.
// Every connection implicitly receives events published to the "all"
// topic.
func (h *Hub) Connect() *Connection {
	conn := &Connection{
		ID:   uuid.NewString(),
		Send: make(chan models.Envelope, h.sendBuffer),
		subs: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.conns[conn.ID] = conn
	total := len(h.conns)
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"connection_id": conn.ID,
		"connections":   total,
	}).Debug("Client connected to broadcast hub")

	return conn
}

// Disconnect removes a connection and its subscriptions and closes its
// send channel. Calling it twice, or with an unknown id, is a no-op.
func (h *Hub) Disconnect(connectionID string) {
	h.mu.Lock()
	conn, ok := h.conns[connectionID]
	if ok {
		delete(h.conns, connectionID)
		conn.closed = true
		close(conn.Send)
	}
	total := len(h.conns)
	h.mu.Unlock()

	if ok {
		h.logger.WithFields(logrus.Fields{
			"connection_id": connectionID,
			"connections":   total,
		}).Debug("Client disconnected from broadcast hub")
	}
}

// Subscribe adds an operation topic to a connection's explicit set.
// Subscribing to an unknown or already-terminal operation id is not an
// error; the topic simply never fires again. Repeated subscribes are
// idempotent.
func (h *Hub) Subscribe(connectionID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[connectionID]
	if !ok {
		return
	}
	conn.subs[topic] = struct{}{}
}

// Unsubscribe removes a topic from a connection's explicit set.
// Idempotent for topics never subscribed to.
func (h *Hub) Unsubscribe(connectionID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[connectionID]
	if !ok {
		return
	}
	delete(conn.subs, topic)
}

// Publish delivers an event to every connection subscribed to topic, or
// to every connection when topic is "all". A slow or dead connection
// never blocks delivery to the others: when its queue is full the
// connection is dropped so the client reconnects and resyncs through
// the query API instead of holding a silently lossy stream. Publishing
// with zero matching subscribers is a no-op.
func (h *Hub) Publish(topic string, event models.BroadcastEvent) {
	envelope := models.Envelope{
		Event:     event.EventName(),
		Data:      event,
		Timestamp: time.Now().UTC(),
	}

	var saturated []string

	h.mu.RLock()
	for _, conn := range h.conns {
		if conn.closed {
			continue
		}
		if topic != models.TopicAll {
			if _, subscribed := conn.subs[topic]; !subscribed {
				continue
			}
		}

		select {
		case conn.Send <- envelope:
		default:
			saturated = append(saturated, conn.ID)
		}
	}
	h.mu.RUnlock()

	for _, id := range saturated {
		h.logger.WithFields(logrus.Fields{
			"connection_id": id,
			"topic":         topic,
			"event":         envelope.Event,
		}).Warn("Broadcast queue full, dropping connection")
		h.Disconnect(id)
	}
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// IsSubscribed reports whether a connection holds an explicit
// subscription to topic.
func (h *Hub) IsSubscribed(connectionID, topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conn, ok := h.conns[connectionID]
	if !ok {
		return false
	}
	_, subscribed := conn.subs[topic]
	return subscribed
}
