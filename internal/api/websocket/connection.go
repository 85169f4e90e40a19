package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"

	"github.com/vowsync/collab-core/pkg/auth"
	ws "github.com/vowsync/collab-core/pkg/models/websocket"
)

// Connection wraps the websocket connection and adds participant metadata
// and the outbound send queue
type Connection struct {
	*ws.Connection
	conn   *websocket.Conn
	send   chan []byte
	hub    *Server
	claims *auth.Claims

	mu            sync.Mutex
	lastDelivered uint64 // highest event sequence enqueued to this client
	lastAcked     uint64 // highest event sequence the client acknowledged
	dropStreak    int
	joined        bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(conn *websocket.Conn, hub *Server, claims *auth.Claims, id string) *Connection {
	c := &Connection{
		Connection: &ws.Connection{
			ID:            id,
			ParticipantID: claims.ParticipantID,
			CreatedAt:     time.Now(),
			LastPing:      time.Now(),
		},
		conn:   conn,
		send:   make(chan []byte, hub.config.SendBuffer),
		hub:    hub,
		claims: claims,
		closed: make(chan struct{}),
	}
	c.SetState(ws.ConnectionStateConnecting)
	return c
}

// readPump pumps messages from the websocket connection into the hub
func (c *Connection) readPump() {
	defer func() {
		c.SetState(ws.ConnectionStateClosing)
		c.hub.removeConnection(c)
		if err := c.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
			c.hub.logger.Debug("error closing websocket connection", map[string]interface{}{
				"error":         err.Error(),
				"connection_id": c.ID,
			})
		}
	}()

	ctx := context.Background()
	limiter := rate.NewLimiter(rate.Limit(c.hub.config.RateLimit.MessageRate), c.hub.config.RateLimit.MessageBurst)

	for {
		if !c.IsActive() {
			return
		}

		var envelope ws.ClientEnvelope
		if err := wsjson.Read(ctx, c.conn, &envelope); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return
			}
			c.hub.logger.Debug("read error", map[string]interface{}{
				"error":         err.Error(),
				"connection_id": c.ID,
			})
			return
		}

		c.touch()
		c.hub.metricsCollector.RecordMessageReceived(envelope.MessageType)

		if !limiter.Allow() {
			c.hub.metricsCollector.RecordError("rate_limit")
			c.sendError(ws.ErrCodeRateLimited, "message rate limit exceeded", nil)
			continue
		}

		c.hub.handleMessage(c, &envelope)
	}
}

// writePump pumps messages from the send queue to the websocket connection
func (c *Connection) writePump() {
	for {
		select {
		case <-c.closed:
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.hub.config.WriteTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.hub.logger.Debug("write error", map[string]interface{}{
					"error":         err.Error(),
					"connection_id": c.ID,
				})
				c.Close()
				return
			}
			c.hub.metricsCollector.RecordMessageSent()
		}
	}
}

// enqueue queues a message for delivery and reports whether it was
// accepted. When the queue is full the message is dropped instead of
// blocking the producer; a connection that keeps overflowing is closed so
// the client reconnects and backfills.
func (c *Connection) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		c.mu.Lock()
		c.dropStreak = 0
		c.mu.Unlock()
		return true
	default:
		c.hub.metricsCollector.RecordMessageDropped()
		c.mu.Lock()
		c.dropStreak++
		streak := c.dropStreak
		c.mu.Unlock()
		if streak >= c.hub.config.DropDisconnectThreshold {
			c.hub.logger.Warn("disconnecting slow consumer", map[string]interface{}{
				"connection_id":  c.ID,
				"participant_id": c.ParticipantID,
				"drop_streak":    streak,
			})
			c.Close()
		}
		return false
	}
}

// sendEnvelope marshals and queues a server envelope, reporting whether
// it was accepted into the send queue
func (c *Connection) sendEnvelope(envelope *ws.ServerEnvelope) bool {
	if envelope.Timestamp.IsZero() {
		envelope.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		c.hub.logger.Error("marshal envelope failed", map[string]interface{}{
			"error": err.Error(),
			"type":  envelope.Type,
		})
		return false
	}
	return c.enqueue(data)
}

func (c *Connection) sendError(code int, message string, data interface{}) {
	c.sendEnvelope(&ws.ServerEnvelope{
		Type:  ws.ServerTypeError,
		Error: ws.NewError(code, message, data),
	})
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.LastPing = time.Now()
	c.mu.Unlock()
}

func (c *Connection) lastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.LastPing
}

func (c *Connection) setDelivered(seq uint64) {
	c.mu.Lock()
	if seq > c.lastDelivered {
		c.lastDelivered = seq
	}
	c.mu.Unlock()
}

func (c *Connection) delivered() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDelivered
}

func (c *Connection) setAcked(seq uint64) {
	c.mu.Lock()
	if seq > c.lastAcked {
		c.lastAcked = seq
	}
	c.mu.Unlock()
}

func (c *Connection) acked() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAcked
}

// Close shuts the connection down exactly once
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.SetState(ws.ConnectionStateClosing)
		close(c.closed)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	})
}
