package api

import (
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/pkg/broker"

	"github.com/gin-gonic/gin"
)

type pauseRequest struct {
	Paused bool   `json:"paused"`
	Reason string `json:"reason"`
}

type closeOnlyRequest struct {
	CloseOnly bool `json:"close_only"`
}

type symbolRequest struct {
	Symbol string `json:"symbol" binding:"required,min=1"`
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"venue":      s.Meta.Venue,
		"simulated":  s.Meta.Simulated,
		"symbols":    s.Meta.Symbols,
		"version":    s.Meta.Version,
		"started_at": s.Meta.StartedAt,
		"uptime_sec": int(time.Since(s.Meta.StartedAt).Seconds()),
		"control":    s.Control.Get(),
		"go_version": goVersion(),
	})
}

func goVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.GoVersion
	}
	return "unknown"
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// getStates returns every tracked position, or one when ?symbol= is given,
// always together with the control flags.
func (s *Server) getStates(c *gin.Context) {
	if symbol := c.Query("symbol"); symbol != "" {
		pos, ctl := s.Engine.GetState(symbol)
		c.JSON(http.StatusOK, gin.H{"position": pos, "control": ctl})
		return
	}
	positions, ctl := s.Engine.GetStates()
	c.JSON(http.StatusOK, gin.H{"positions": positions, "control": ctl})
}

func (s *Server) getDriftAlerts(c *gin.Context) {
	if s.DB == nil {
		c.JSON(http.StatusOK, gin.H{"alerts": []any{}})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	alerts, err := s.DB.ListDriftAlerts(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (s *Server) getOrderAudits(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "MISSING_SYMBOL", "error": "symbol query parameter is required"})
		return
	}
	if s.DB == nil {
		c.JSON(http.StatusOK, gin.H{"orders": []any{}})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	orders, err := s.DB.ListOrderAudits(c.Request.Context(), symbol, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) setPaused(c *gin.Context) {
	var req pauseRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	snap := s.Control.SetPaused(req.Paused, req.Reason)
	s.Bus.Publish(events.EventControlChange, snap)
	c.JSON(http.StatusOK, gin.H{"control": snap})
}

func (s *Server) setCloseOnly(c *gin.Context) {
	var req closeOnlyRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	snap := s.Control.SetCloseOnly(req.CloseOnly)
	s.Bus.Publish(events.EventControlChange, snap)
	c.JSON(http.StatusOK, gin.H{"control": snap})
}

func (s *Server) emergencyClose(c *gin.Context) {
	var req symbolRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "symbol is required"})
		return
	}

	res, err := s.Engine.EmergencyClose(c.Request.Context(), req.Symbol)
	if err != nil {
		var ce *engine.ConfigurationError
		switch {
		case errors.As(err, &ce):
			c.JSON(http.StatusConflict, gin.H{"code": "NO_POSITION", "error": ce.Error()})
		case broker.IsSubmissionError(err):
			c.JSON(http.StatusBadGateway, gin.H{"code": "SUBMISSION_REJECTED", "error": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"code": "CLOSE_FAILED", "error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

func (s *Server) emergencyCloseAll(c *gin.Context) {
	results := s.Engine.EmergencyCloseAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// triggerReconcile runs reconciliation synchronously and returns the
// outcome, for one symbol when given or for all otherwise.
func (s *Server) triggerReconcile(c *gin.Context) {
	var req struct {
		Symbol string `json:"symbol"`
	}
	// Body is optional: no body means reconcile everything.
	_ = c.ShouldBindJSON(&req)

	if req.Symbol != "" {
		out, err := s.Reconciler.ReconcileSymbol(c.Request.Context(), req.Symbol)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"code": "RECONCILE_FAILED", "error": err.Error(), "outcome": out})
			return
		}
		c.JSON(http.StatusOK, gin.H{"outcome": out})
		return
	}

	c.JSON(http.StatusOK, gin.H{"outcomes": s.Reconciler.ReconcileAll(c.Request.Context())})
}
