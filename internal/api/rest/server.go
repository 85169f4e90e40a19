// Package rest exposes the HTTP surface of the collaboration core: the
// websocket upgrade endpoint, room snapshot and presence reads, manual
// conflict resolution, and operational endpoints.
package rest

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vowsync/collab-core/internal/api/websocket"
	"github.com/vowsync/collab-core/internal/conflict"
	"github.com/vowsync/collab-core/internal/presence"
	datasync "github.com/vowsync/collab-core/internal/sync"
	"github.com/vowsync/collab-core/pkg/auth"
	"github.com/vowsync/collab-core/pkg/observability"
)

// Server is the HTTP API server
type Server struct {
	router   *gin.Engine
	ws       *websocket.Server
	sync     *datasync.Service
	presence *presence.Manager
	auth     auth.Authenticator
	logger   observability.Logger
}

// NewServer builds the HTTP API. The registry may be nil to disable the
// metrics endpoint.
func NewServer(wsServer *websocket.Server, syncService *datasync.Service, presenceManager *presence.Manager, authn auth.Authenticator, registry *prometheus.Registry, logger observability.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:   gin.New(),
		ws:       wsServer,
		sync:     syncService,
		presence: presenceManager,
		auth:     authn,
		logger:   logger.WithPrefix("rest"),
	}

	s.router.Use(gin.Recovery())

	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))
	if registry != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/v1", s.requireAuth)
	v1.GET("/rooms/:roomID/snapshot", s.handleRoomSnapshot)
	v1.GET("/rooms/:roomID/presence", s.handleRoomPresence)
	v1.GET("/rooms/:roomID/conflicts", s.handleRoomConflicts)
	v1.POST("/rooms/:roomID/conflicts/:conflictID/resolve", s.handleResolveConflict)

	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// requireAuth verifies the bearer token and stashes the claims
func (s *Server) requireAuth(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	claims, err := s.auth.Verify(c.Request.Context(), token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set("claims", claims)
	c.Next()
}

func claimsFrom(c *gin.Context) *auth.Claims {
	if value, ok := c.Get("claims"); ok {
		if claims, ok := value.(*auth.Claims); ok {
			return claims
		}
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.ws.ConnectionCount(),
	})
}

func (s *Server) handleRoomSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.sync.GetRoomSnapshot(c.Param("roomID")))
}

func (s *Server) handleRoomPresence(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"room_id":  c.Param("roomID"),
		"presence": s.presence.GetRoomPresence(c.Param("roomID")),
	})
}

func (s *Server) handleRoomConflicts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"room_id":   c.Param("roomID"),
		"conflicts": s.sync.PendingConflicts(c.Param("roomID")),
	})
}

type resolveRequest struct {
	WinnerOpID string `json:"winnerOpId" binding:"required"`
}

// handleResolveConflict completes a conflict that was deferred to manual
// resolution
func (s *Server) handleResolveConflict(c *gin.Context) {
	var request resolveRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "winnerOpId is required"})
		return
	}

	resolvedBy := ""
	if claims := claimsFrom(c); claims != nil {
		resolvedBy = claims.ParticipantID
	}

	result, err := s.sync.ResolveManual(c.Request.Context(), c.Param("roomID"), c.Param("conflictID"), request.WinnerOpID, resolvedBy)
	if err != nil {
		switch err {
		case conflict.ErrUnknownConflict:
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown conflict"})
		case conflict.ErrUnknownWinner:
			c.JSON(http.StatusBadRequest, gin.H{"error": "winning operation not part of conflict"})
		default:
			s.logger.Error("manual resolution failed", map[string]interface{}{
				"error":       err.Error(),
				"conflict_id": c.Param("conflictID"),
			})
			c.JSON(http.StatusInternalServerError, gin.H{"error": "resolution failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"resolution": result.Resolution,
		"entity":     result.Entity,
		"sequence":   result.Event.Sequence,
	})
}
