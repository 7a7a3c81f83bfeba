package api

import (
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"bybit-trading-engine/internal/engine"
	"bybit-trading-engine/internal/ledger"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"time":      time.Now().UTC(),
		"positions": len(s.engine.Positions()),
		"circuit":   string(s.breaker.GetState()),
		"ws_conns":  s.hub.ClientCount(),
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	positions := s.engine.Positions()
	c.JSON(http.StatusOK, gin.H{
		"count":     len(positions),
		"positions": positions,
	})
}

func (s *Server) handlePosition(c *gin.Context) {
	pos, err := s.engine.Position(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pos)
}

// handlePositionRisk reports the stop distance and equity fraction at
// risk for one position.
func (s *Server) handlePositionRisk(c *gin.Context) {
	pos, err := s.engine.Position(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	equity := s.engine.Equity()
	payload := gin.H{
		"position_id":        pos.ID,
		"symbol":             pos.Symbol,
		"mark_price":         pos.MarkPrice,
		"current_profit_pct": pos.CurrentProfitPct,
		"peak_profit_pct":    pos.PeakProfitPct,
		"stop_version":       pos.StopVersion,
		"stops":              pos.Stops,
		"targets":            pos.Targets,
	}
	if stop := pos.PrimaryStop(); stop != nil && equity > 0 {
		dist := math.Abs(pos.EntryPrice - stop.Price)
		payload["stop_distance"] = dist
		payload["risk_fraction"] = dist * pos.RemainingQuantity / equity
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleOpenPosition(c *gin.Context) {
	var sig engine.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if sig.Symbol == "" || sig.Direction == "" || sig.Mode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol, direction, and mode are required"})
		return
	}
	if sig.Mode != ledger.ModeConservative && sig.Mode != ledger.ModeScalping {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown mode"})
		return
	}

	pos, err := s.engine.OpenPosition(c.Request.Context(), sig)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, pos)
}

func (s *Server) handleClosePosition(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual_close"
	}

	if err := s.engine.ClosePosition(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": c.Param("id"), "reason": req.Reason})
}

func (s *Server) handleModeStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.ModeStatus())
}

func (s *Server) handleToggleMode(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled is required"})
		return
	}

	mode := ledger.Mode(c.Param("mode"))
	if err := s.engine.ToggleMode(mode, *req.Enabled); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": string(mode), "enabled": *req.Enabled})
}

func (s *Server) handlePortfolioSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.PortfolioSummary())
}

func (s *Server) handlePortfolioReset(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "operator_reset"
	}

	closed := s.engine.ResetPortfolio(c.Request.Context(), req.Reason)
	c.JSON(http.StatusOK, gin.H{"closed": closed, "reason": req.Reason})
}

func (s *Server) handleForceReconcile(c *gin.Context) {
	if err := s.engine.ForceReconcile(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciled": true})
}

func (s *Server) handleCircuitStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.breaker.GetStats())
}

func (s *Server) handleCircuitReset(c *gin.Context) {
	s.breaker.ForceReset()
	c.JSON(http.StatusOK, gin.H{"state": string(s.breaker.GetState())})
}

func (s *Server) handleExecutionStates(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.ExecutionStates())
}

func (s *Server) handleMonitoringTasks(c *gin.Context) {
	tasks := s.engine.MonitoringTasks()
	c.JSON(http.StatusOK, gin.H{"count": len(tasks), "tasks": tasks})
}
