package handlers

import (
	"context"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/forgeplatform/plugind/internal/lifecycle"
	"github.com/forgeplatform/plugind/internal/manifest"
	"github.com/forgeplatform/plugind/internal/store"
	"github.com/forgeplatform/plugind/pkg/api"
)

// handleListPlugins answers GET /api/v1/plugins[?status=].
func (s *Server) handleListPlugins(c *gin.Context) {
	instances := s.engine.List(store.Status(c.Query("status")))
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].InstalledAt.After(instances[j].InstalledAt)
	})
	summaries := make([]api.PluginSummary, 0, len(instances))
	for _, p := range instances {
		summaries = append(summaries, summarize(p))
	}
	respond(c, http.StatusOK, api.PluginList{Plugins: summaries, Total: len(summaries)})
}

// handleGetPlugin answers GET /api/v1/plugins/:key with the full instance.
func (s *Server) handleGetPlugin(c *gin.Context) {
	p, err := s.engine.Get(c.Param("key"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, p)
}

// handleInstall answers POST /api/v1/plugins/install.
func (s *Server) handleInstall(c *gin.Context) {
	var req api.InstallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, api.WrapError(api.ErrCodeValidation, err, "decode install request"))
		return
	}

	opts := lifecycle.InstallOptions{
		ManifestURL: req.ManifestURL,
		Config:      req.Config,
		Env:         req.Environment,
		AutoStart:   req.AutoStart,
	}
	if len(req.Manifest) > 0 {
		m, err := manifest.Parse(req.Manifest)
		if err != nil {
			respondErr(c, api.WrapError(api.ErrCodeInvalidManifest, err, "parse manifest"))
			return
		}
		opts.Manifest = m
	}

	p, err := s.engine.Install(c.Request.Context(), opts)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, p)
}

func (s *Server) handleStart(c *gin.Context) {
	s.lifecycleOp(c, s.engine.Start)
}

func (s *Server) handleStop(c *gin.Context) {
	s.lifecycleOp(c, s.engine.Stop)
}

func (s *Server) handleRestart(c *gin.Context) {
	s.lifecycleOp(c, s.engine.Restart)
}

func (s *Server) handleUninstall(c *gin.Context) {
	key := c.Param("key")
	if err := s.engine.Uninstall(c.Request.Context(), key); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"pluginKey": key, "uninstalled": true})
}

func (s *Server) lifecycleOp(c *gin.Context, op func(ctx context.Context, key string) error) {
	key := c.Param("key")
	if err := op(c.Request.Context(), key); err != nil {
		respondErr(c, err)
		return
	}
	p, err := s.engine.Get(key)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, summarize(p))
}

// handleUpdate answers POST /api/v1/plugins/:key/update.
func (s *Server) handleUpdate(c *gin.Context) {
	var req api.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, api.WrapError(api.ErrCodeValidation, err, "decode update request"))
		return
	}
	key := c.Param("key")
	err := s.engine.Update(c.Request.Context(), key, lifecycle.UpdateOptions{
		Manifest:  req.Manifest,
		ImageTag:  req.ImageTag,
		BundleURL: req.BundleURL,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	p, err := s.engine.Get(key)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, summarize(p))
}

// handleRollback answers POST /api/v1/plugins/:key/rollback.
func (s *Server) handleRollback(c *gin.Context) {
	key := c.Param("key")
	if err := s.engine.Rollback(c.Request.Context(), key); err != nil {
		respondErr(c, err)
		return
	}
	p, err := s.engine.Get(key)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, summarize(p))
}

// handleLogs answers GET /api/v1/plugins/:key/logs?tail=N.
func (s *Server) handleLogs(c *gin.Context) {
	logs, err := s.engine.Logs(c.Request.Context(), c.Param("key"), tailLines(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, api.LogLines{Logs: logs})
}

// tailLines reads the tail query parameter, accepting lines as an alias.
func tailLines(c *gin.Context) int {
	raw := c.Query("tail")
	if raw == "" {
		raw = c.Query("lines")
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return n
	}
	return 100
}

// handleHistory answers GET /api/v1/plugins/:key/updates.
func (s *Server) handleHistory(c *gin.Context) {
	history, err := s.engine.History(c.Request.Context(), c.Param("key"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"history": history})
}

// handleEvents answers GET /api/v1/plugins/:key/events?limit=N from the
// persisted audit trail.
func (s *Server) handleEvents(c *gin.Context) {
	key := c.Param("key")
	if _, err := s.engine.Get(key); err != nil {
		respondErr(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	records, err := s.store.ListEvents(c.Request.Context(), key, limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"events": records})
}
