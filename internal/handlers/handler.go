// Package handlers exposes the signaling websocket and the HTTP API.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/sfu-signaling/config"
	"github.com/mossy-p/sfu-signaling/internal/metrics"
	"github.com/mossy-p/sfu-signaling/internal/middleware"
	"github.com/mossy-p/sfu-signaling/internal/models"
	"github.com/mossy-p/sfu-signaling/internal/presence"
	"github.com/mossy-p/sfu-signaling/internal/registry"
	"github.com/mossy-p/sfu-signaling/internal/room"
	"github.com/mossy-p/sfu-signaling/internal/signal"
)

var errServiceUnavailable = models.APIError{
	Status:  http.StatusServiceUnavailable,
	Code:    "service_unavailable",
	Message: "The service is temporarily unavailable",
}

// Handler holds the dependencies of every HTTP and websocket endpoint.
type Handler struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *registry.Registry
	presence presence.Store
	metrics  metrics.Collector
	limiter  *middleware.RateLimiter
	upgrader websocket.Upgrader
}

type Options struct {
	Config      *config.Config
	Logger      *slog.Logger
	Registry    *registry.Registry
	Presence    presence.Store
	Metrics     metrics.Collector
	RateLimiter *middleware.RateLimiter
}

func New(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.RateLimiter == nil {
		opts.RateLimiter = middleware.NewRateLimiter(config.RateLimitConfig{})
	}
	return &Handler{
		cfg:      opts.Config,
		logger:   opts.Logger,
		registry: opts.Registry,
		presence: opts.Presence,
		metrics:  opts.Metrics,
		limiter:  opts.RateLimiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{signal.Subprotocol},
			// Origin checking is handled by OriginFilter
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine with every route mounted.
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(h.logger))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(h.cfg.AllowedOrigins))

	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(h.metrics.Handler()))

	// Signaling websocket
	router.GET("/ws", h.HandleSignaling)

	// Room and broadcaster API
	rooms := router.Group("/rooms/:roomId", h.limiter.Middleware())
	{
		rooms.GET("", h.GetRouterRtpCapabilities)

		broadcasters := rooms.Group("/broadcasters")
		broadcasters.POST("", h.CreateBroadcaster)
		broadcasters.DELETE("/:broadcasterId", h.DeleteBroadcaster)
		broadcasters.GET("/:broadcasterId/stats", h.GetBroadcasterStats)

		transports := broadcasters.Group("/:broadcasterId/transports")
		transports.POST("", h.CreateBroadcasterTransport)
		transports.POST("/:transportId/connect", h.ConnectBroadcasterTransport)
		transports.POST("/:transportId/producers", h.CreateBroadcasterProducer)
		transports.POST("/:transportId/consume", h.CreateBroadcasterConsumer)
		transports.POST("/:transportId/consume/data", h.CreateBroadcasterDataConsumer)
		transports.POST("/:transportId/produce/data", h.CreateBroadcasterDataProducer)
	}

	// Room directory API
	api := router.Group("/api", h.limiter.Middleware())
	{
		api.POST("/auth/login", h.Login)
		api.POST("/rooms", middleware.JWTAuth(h.cfg.JWTSecret), h.CreateRoom)
		api.GET("/rooms/:roomId", h.GetRoom)
		api.DELETE("/rooms/:roomId", middleware.JWTAuth(h.cfg.JWTSecret), h.DeleteRoom)
	}

	return router
}

// Health reports liveness and the number of open rooms.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"rooms":  h.registry.Len(),
	})
}

// respondError writes err as a JSON error body with the matching status.
func (h *Handler) respondError(c *gin.Context, err error) {
	var apiErr models.APIError
	switch {
	case errors.Is(err, room.ErrRoomClosed):
		apiErr = models.ErrConflict.WithMessage("room is closed")
	case errors.Is(err, registry.ErrClosed), errors.Is(err, registry.ErrNoWorkers):
		apiErr = errServiceUnavailable.WithDetails(err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		apiErr = errServiceUnavailable.WithDetails(err.Error())
	case errors.Is(err, presence.ErrRoomNotFound):
		apiErr = models.ErrNotFound.WithMessage("Room not found")
	default:
		apiErr = models.AsAPIError(err)
	}

	if apiErr.Status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(apiErr.Status, gin.H{"error": apiErr})
}

func (h *Handler) bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		h.respondError(c, models.ErrInvalidRequest.WithMessage("invalid request body: %v", err))
		return false
	}
	return true
}
