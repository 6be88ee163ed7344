package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/forgeplatform/plugind/internal/store"
	"github.com/forgeplatform/plugind/pkg/api"
)

// handleListSources answers GET /api/v1/marketplace/sources.
func (s *Server) handleListSources(c *gin.Context) {
	sources, err := s.registry.Sources(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"sources": sources})
}

// handleCreateSource answers POST /api/v1/marketplace/sources.
func (s *Server) handleCreateSource(c *gin.Context) {
	var req api.SourceCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, api.WrapError(api.ErrCodeValidation, err, "decode source request"))
		return
	}
	if req.Name == "" || req.URL == "" {
		respondErr(c, api.NewError(api.ErrCodeValidation, "name and url are required"))
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	src := &store.SourceRegistration{
		SourceID: uuid.NewString(),
		Name:     req.Name,
		URL:      req.URL,
		Kind:     req.Kind,
		Enabled:  enabled,
		Priority: req.Priority,
	}
	if err := s.registry.AddSource(c.Request.Context(), src); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusCreated, src)
}

// handleDeleteSource answers DELETE /api/v1/marketplace/sources/:id.
func (s *Server) handleDeleteSource(c *gin.Context) {
	id := c.Param("id")
	if err := s.registry.RemoveSource(c.Request.Context(), id); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"sourceId": id, "deleted": true})
}

// handleToggleSource answers POST /api/v1/marketplace/sources/:id/toggle.
func (s *Server) handleToggleSource(c *gin.Context) {
	id := c.Param("id")
	enabled, err := s.registry.ToggleSource(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"sourceId": id, "enabled": enabled})
}

// handleRefreshSource answers POST /api/v1/marketplace/sources/:id/refresh.
func (s *Server) handleRefreshSource(c *gin.Context) {
	id := c.Param("id")
	if err := s.registry.Refresh(c.Request.Context(), id); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"sourceId": id, "refreshed": true})
}

// handleRefreshAll answers POST /api/v1/marketplace/sources/refresh-all.
func (s *Server) handleRefreshAll(c *gin.Context) {
	if err := s.registry.RefreshAll(c.Request.Context()); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"refreshed": true})
}
