// Package websocket is the connection layer of the collaboration core:
// it authenticates upgrades, tracks connections per room, relays
// operations into the sync service, and streams the room's event and
// presence feeds back out with per-connection backpressure.
package websocket

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	datasync "github.com/vowsync/collab-core/internal/sync"

	"github.com/vowsync/collab-core/internal/eventlog"
	"github.com/vowsync/collab-core/internal/presence"
	"github.com/vowsync/collab-core/pkg/auth"
	ws "github.com/vowsync/collab-core/pkg/models/websocket"
	"github.com/vowsync/collab-core/pkg/observability"
)

// ErrUnknownConnection is returned when a targeted send names a
// connection that no longer exists
var ErrUnknownConnection = errors.New("unknown connection")

// Config holds websocket server tuning knobs
type Config struct {
	MaxConnections int   `mapstructure:"max_connections"`
	MaxMessageSize int64 `mapstructure:"max_message_size"`
	// SendBuffer is the outbound queue length per connection
	SendBuffer int `mapstructure:"send_buffer"`
	// DropDisconnectThreshold is how many consecutive dropped messages
	// close a slow connection; a dropped event envelope closes it
	// immediately
	DropDisconnectThreshold int           `mapstructure:"drop_disconnect_threshold"`
	AuthTimeout             time.Duration `mapstructure:"auth_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	// HeartbeatInterval is how often liveness is swept
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// LivenessTimeout closes connections with no traffic for this long
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
	// GraceWindow is how long a dropped participant may resume with a
	// backfill before their presence goes offline and sessions expire
	GraceWindow time.Duration `mapstructure:"grace_window"`
	// SessionCacheSize bounds the resume session cache
	SessionCacheSize int             `mapstructure:"session_cache_size"`
	RateLimit        RateLimitConfig `mapstructure:"rate_limit"`
}

// DefaultConfig returns the default websocket server configuration
func DefaultConfig() Config {
	return Config{
		MaxConnections:          10000,
		MaxMessageSize:          1 << 20,
		SendBuffer:              256,
		DropDisconnectThreshold: 64,
		AuthTimeout:             10 * time.Second,
		WriteTimeout:            10 * time.Second,
		HeartbeatInterval:       30 * time.Second,
		LivenessTimeout:         90 * time.Second,
		GraceWindow:             2 * time.Minute,
		SessionCacheSize:        8192,
		RateLimit:               DefaultRateLimitConfig(),
	}
}

// Server is the websocket connection manager
type Server struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	rooms       map[string]map[string]*Connection

	auth     auth.Authenticator
	sync     *datasync.Service
	presence *presence.Manager
	log      *eventlog.Log

	sessions      *SessionStore
	ipRateLimiter *IPRateLimiter

	config           Config
	logger           observability.Logger
	metricsCollector *MetricsCollector
	startTime        time.Time
}

// NewServer creates the websocket server
func NewServer(authn auth.Authenticator, syncService *datasync.Service, presenceManager *presence.Manager, log *eventlog.Log, config Config, logger observability.Logger, metrics observability.MetricsClient) *Server {
	defaults := DefaultConfig()
	if config.MaxConnections <= 0 {
		config.MaxConnections = defaults.MaxConnections
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaults.SendBuffer
	}
	if config.DropDisconnectThreshold <= 0 {
		config.DropDisconnectThreshold = defaults.DropDisconnectThreshold
	}
	if config.AuthTimeout <= 0 {
		config.AuthTimeout = defaults.AuthTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.LivenessTimeout <= 0 {
		config.LivenessTimeout = defaults.LivenessTimeout
	}
	if config.GraceWindow <= 0 {
		config.GraceWindow = defaults.GraceWindow
	}
	if config.SessionCacheSize <= 0 {
		config.SessionCacheSize = defaults.SessionCacheSize
	}
	if config.RateLimit.MessageRate <= 0 {
		config.RateLimit = DefaultRateLimitConfig()
	}

	s := &Server{
		connections:      make(map[string]*Connection),
		rooms:            make(map[string]map[string]*Connection),
		auth:             authn,
		sync:             syncService,
		presence:         presenceManager,
		log:              log,
		sessions:         NewSessionStore(config.SessionCacheSize, config.GraceWindow),
		config:           config,
		logger:           logger.WithPrefix("websocket"),
		metricsCollector: NewMetricsCollector(metrics),
		startTime:        time.Now(),
	}
	if config.RateLimit.PerIP {
		s.ipRateLimiter = NewIPRateLimiter(&config.RateLimit)
	}
	return s
}

// Start runs the liveness janitor until the context is cancelled
func (s *Server) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepDeadConnections()
			}
		}
	}()
}

// HandleWebSocket upgrades an authenticated HTTP request to a websocket
// connection and runs its pumps until it closes
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.ipRateLimiter != nil {
		if !s.ipRateLimiter.Allow(s.clientIP(r)) {
			s.metricsCollector.RecordConnectionFailure("rate_limited")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	claims, err := s.authenticateRequest(r)
	if err != nil {
		s.logger.Warn("websocket authentication failed", map[string]interface{}{
			"error":       err.Error(),
			"remote_addr": r.RemoteAddr,
		})
		s.metricsCollector.RecordConnectionFailure("auth_failed")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if s.ConnectionCount() >= s.config.MaxConnections {
		s.metricsCollector.RecordConnectionFailure("max_connections")
		http.Error(w, "Too Many Connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"collab.v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	conn.SetReadLimit(s.config.MaxMessageSize)

	connection := newConnection(conn, s, claims, uuid.New().String())

	s.mu.Lock()
	s.connections[connection.ID] = connection
	s.mu.Unlock()
	connection.SetState(ws.ConnectionStateConnected)

	s.logger.Info("websocket connection established", map[string]interface{}{
		"connection_id":  connection.ID,
		"participant_id": claims.ParticipantID,
	})

	go connection.writePump()
	connection.readPump()
}

// authenticateRequest verifies the bearer token within the auth timeout
func (s *Server) authenticateRequest(r *http.Request) (*auth.Claims, error) {
	token := r.Header.Get("Authorization")
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" {
		// Browsers cannot set headers on websocket upgrades
		token = r.URL.Query().Get("token")
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.AuthTimeout)
	defer cancel()
	return s.auth.Verify(ctx, token)
}

func (s *Server) clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.Index(forwarded, ","); idx > 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ConnectionCount returns the number of live connections
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// RoomConnectionCount returns the number of connections joined to a room
func (s *Server) RoomConnectionCount(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[roomID])
}

// Disconnect closes the named connection
func (s *Server) Disconnect(connectionID string) {
	s.mu.RLock()
	connection, ok := s.connections[connectionID]
	s.mu.RUnlock()
	if ok {
		connection.Close()
	}
}

// Send queues an envelope for delivery on a single connection
func (s *Server) Send(connectionID string, envelope *ws.ServerEnvelope) error {
	s.mu.RLock()
	connection, ok := s.connections[connectionID]
	s.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	connection.sendEnvelope(envelope)
	return nil
}

// BroadcastToRoom queues an envelope for every connection joined to the
// room, optionally excluding one (typically the originator)
func (s *Server) BroadcastToRoom(roomID string, envelope *ws.ServerEnvelope, excludeConnectionID string) {
	s.mu.RLock()
	targets := make([]*Connection, 0, len(s.rooms[roomID]))
	for id, connection := range s.rooms[roomID] {
		if id == excludeConnectionID {
			continue
		}
		targets = append(targets, connection)
	}
	s.mu.RUnlock()

	for _, connection := range targets {
		connection.sendEnvelope(envelope)
	}
}

// registerInRoom adds the connection to the room's roster
func (s *Server) registerInRoom(c *Connection, roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		room = make(map[string]*Connection)
		s.rooms[roomID] = room
	}
	room[c.ID] = c
}

// removeConnection unregisters a closed connection, stashes its resume
// session, and schedules presence and room teardown past the grace window
func (s *Server) removeConnection(c *Connection) {
	c.Close()

	s.mu.Lock()
	_, known := s.connections[c.ID]
	delete(s.connections, c.ID)
	roomID := c.RoomID
	if roomID != "" {
		if room, ok := s.rooms[roomID]; ok {
			delete(room, c.ID)
			if len(room) == 0 {
				delete(s.rooms, roomID)
			}
		}
	}
	s.mu.Unlock()
	if !known {
		return
	}

	c.SetState(ws.ConnectionStateClosed)
	s.metricsCollector.RecordDisconnection(time.Since(c.CreatedAt))
	s.logger.Info("websocket connection closed", map[string]interface{}{
		"connection_id":  c.ID,
		"participant_id": c.ParticipantID,
		"room_id":        roomID,
	})

	if roomID == "" {
		return
	}

	s.sessions.Put(c.ID, session{
		ParticipantID: c.ParticipantID,
		RoomID:        roomID,
		LastAcked:     c.acked(),
	})

	// Presence survives the grace window. If the participant reconnects a
	// new connection keeps them online and this close becomes a no-op in
	// the presence manager.
	connectionID := c.ID
	participantID := c.ParticipantID
	time.AfterFunc(s.config.GraceWindow, func() {
		s.presence.ConnectionClosed(roomID, participantID, connectionID)
		s.maybeTearDownRoom(roomID)
	})
}

// maybeTearDownRoom discards room state once it has been empty past the
// grace window
func (s *Server) maybeTearDownRoom(roomID string) {
	if s.RoomConnectionCount(roomID) > 0 {
		return
	}
	if s.presence.ParticipantCount(roomID) > 0 {
		return
	}
	s.logger.Info("tearing down empty room", map[string]interface{}{
		"room_id": roomID,
	})
	s.log.DropRoom(roomID)
	s.presence.DropRoom(roomID)
	s.sync.DropRoom(roomID)
}

// sweepDeadConnections closes connections that stopped sending traffic
func (s *Server) sweepDeadConnections() {
	cutoff := time.Now().Add(-s.config.LivenessTimeout)

	s.mu.RLock()
	var dead []*Connection
	for _, connection := range s.connections {
		if connection.lastSeen().Before(cutoff) {
			dead = append(dead, connection)
		}
	}
	s.mu.RUnlock()

	for _, connection := range dead {
		s.logger.Info("closing unresponsive connection", map[string]interface{}{
			"connection_id":  connection.ID,
			"participant_id": connection.ParticipantID,
		})
		connection.Close()
	}
}

// Shutdown closes every connection
func (s *Server) Shutdown() {
	s.mu.RLock()
	connections := make([]*Connection, 0, len(s.connections))
	for _, connection := range s.connections {
		connections = append(connections, connection)
	}
	s.mu.RUnlock()

	for _, connection := range connections {
		connection.Close()
	}
}
