package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forgeplatform/plugind/internal/hostinfo"
	"github.com/forgeplatform/plugind/pkg/api"
)

// handleHealth answers GET /health with per-dependency checks.
func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	checks := map[string]string{
		"store":   "ok",
		"runtime": "ok",
	}
	healthy := true

	if err := s.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		healthy = false
	}
	if err := s.runtimePing(ctx); err != nil {
		checks["runtime"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	payload := api.HealthStatus{Status: "healthy", Checks: checks, Version: s.version}
	if !healthy {
		status = http.StatusServiceUnavailable
		payload.Status = "degraded"
	}
	respond(c, status, payload)
}

// handleReady answers GET /ready; the route only exists once reconciliation
// finished, so reaching it means ready.
func (s *Server) handleReady(c *gin.Context) {
	respond(c, http.StatusOK, api.HealthStatus{Status: "ready", Version: s.version})
}

// handleSystem answers GET /api/v1/system with a host snapshot.
func (s *Server) handleSystem(c *gin.Context) {
	respond(c, http.StatusOK, hostinfo.Collect(c.Request.Context()))
}
