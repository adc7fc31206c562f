// Package api exposes the webhook ingress, the operator control plane and
// the monitoring surface over HTTP.
package api

import (
	"net/http"
	"time"

	"execution-core/internal/control"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/reconciliation"
	"execution-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the execution core.
type Server struct {
	Router     *gin.Engine
	Bus        *events.Bus
	DB         *db.Database
	Engine     *engine.Engine
	Reconciler *reconciliation.Service
	Control    *control.State
	Metrics    *monitor.SystemMetrics

	JWTSecret         string
	WebhookSecret     string
	AdminPasswordHash string
	AdminSecret       string

	Meta SystemMeta
}

// SystemMeta describes runtime status exposed for monitoring.
type SystemMeta struct {
	Venue     string
	Simulated bool
	Symbols   []string
	Version   string
	StartedAt time.Time
}

// ServerConfig collects the server's collaborators and credentials.
type ServerConfig struct {
	Bus        *events.Bus
	DB         *db.Database
	Engine     *engine.Engine
	Reconciler *reconciliation.Service
	Control    *control.State
	Metrics    *monitor.SystemMetrics

	JWTSecret         string
	WebhookSecret     string
	AdminPasswordHash string
	AdminSecret       string

	Meta SystemMeta
}

func NewServer(cfg ServerConfig) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(cfg.Metrics))
	r.Use(RateLimitMiddleware())
	// The timeout must outlast a full fill-confirmation polling budget.
	r.Use(TimeoutMiddleware(60 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:            r,
		Bus:               cfg.Bus,
		DB:                cfg.DB,
		Engine:            cfg.Engine,
		Reconciler:        cfg.Reconciler,
		Control:           cfg.Control,
		Metrics:           cfg.Metrics,
		JWTSecret:         cfg.JWTSecret,
		WebhookSecret:     cfg.WebhookSecret,
		AdminPasswordHash: cfg.AdminPasswordHash,
		AdminSecret:       cfg.AdminSecret,
		Meta:              cfg.Meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	// Signal ingress authenticates with the webhook shared secret, not JWT.
	s.Router.POST("/webhook/tradingview", s.tradingViewWebhook)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)

		api.POST("/auth/login", s.adminLogin)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			// Canonical symbols contain "/" so they travel as query
			// parameters or JSON bodies, never path segments.
			protected.GET("/state", s.getStates)
			protected.GET("/alerts", s.getDriftAlerts)
			protected.GET("/orders", s.getOrderAudits)

			protected.POST("/control/pause", s.setPaused)
			protected.POST("/control/close-only", s.setCloseOnly)
			protected.POST("/control/emergency-close", s.emergencyClose)
			protected.POST("/control/emergency-close-all", s.emergencyCloseAll)
			protected.POST("/control/reconcile", s.triggerReconcile)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
