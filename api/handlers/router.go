package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/forgeplatform/plugind/internal/config"
	"github.com/forgeplatform/plugind/internal/events"
	"github.com/forgeplatform/plugind/internal/lifecycle"
	"github.com/forgeplatform/plugind/internal/metrics"
	"github.com/forgeplatform/plugind/internal/registry"
	"github.com/forgeplatform/plugind/internal/store"
	"github.com/forgeplatform/plugind/pkg/api"
)

// Server bundles the orchestrator components the HTTP surface exposes.
type Server struct {
	engine   *lifecycle.Engine
	registry *registry.Aggregator
	store    *store.Store
	bus      *events.Bus
	cfg      *config.Config
	version  string

	runtimePing func(ctx context.Context) error
}

// New builds the HTTP surface. runtimePing reports container daemon health.
func New(engine *lifecycle.Engine, reg *registry.Aggregator, st *store.Store,
	bus *events.Bus, cfg *config.Config, version string,
	runtimePing func(ctx context.Context) error) *Server {
	return &Server{
		engine:      engine,
		registry:    reg,
		store:       st,
		bus:         bus,
		cfg:         cfg,
		version:     version,
		runtimePing: runtimePing,
	}
}

// Router assembles the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(accessLogMiddleware())
	r.Use(rateLimitMiddleware(s.cfg.APIRateLimit, s.cfg.APIRateBurst))

	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/ws/events", s.handleEventStream)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/system", s.handleSystem)

		plugins := v1.Group("/plugins")
		{
			plugins.GET("", s.handleListPlugins)
			plugins.POST("/install", s.handleInstall)
			plugins.GET("/:key", s.handleGetPlugin)
			plugins.DELETE("/:key", s.handleUninstall)
			plugins.POST("/:key/start", s.handleStart)
			plugins.POST("/:key/stop", s.handleStop)
			plugins.POST("/:key/restart", s.handleRestart)
			plugins.POST("/:key/update", s.handleUpdate)
			plugins.POST("/:key/rollback", s.handleRollback)
			plugins.GET("/:key/logs", s.handleLogs)
			plugins.GET("/:key/updates", s.handleHistory)
			plugins.GET("/:key/events", s.handleEvents)
		}

		market := v1.Group("/marketplace")
		{
			market.GET("/plugins", s.handleCatalog)
			market.GET("/plugins/:id", s.handleCatalogEntry)
			market.GET("/categories", s.handleCategories)
			market.POST("/install", s.handleMarketplaceInstall)
			market.POST("/install/github", s.handleGitHubInstall)
			market.POST("/packages/inspect", s.handlePackageInspect)
			market.POST("/packages/import", s.handlePackageImport)

			sources := market.Group("/sources")
			{
				sources.GET("", s.handleListSources)
				sources.POST("", s.handleCreateSource)
				sources.POST("/refresh-all", s.handleRefreshAll)
				sources.DELETE("/:id", s.handleDeleteSource)
				sources.POST("/:id/toggle", s.handleToggleSource)
				sources.POST("/:id/refresh", s.handleRefreshSource)
			}
		}
	}
	return r
}

// summarize projects an instance into its list view.
func summarize(p *store.PluginInstance) api.PluginSummary {
	out := api.PluginSummary{
		PluginKey:     p.PluginKey,
		ManifestID:    p.ManifestID,
		Status:        string(p.Status),
		HealthState:   p.HealthState,
		HostPort:      p.HostPort,
		ContainerName: p.ContainerName,
		InstalledAt:   p.InstalledAt,
		LastError:     p.LastError,
	}
	if p.Manifest != nil {
		out.Name = p.Manifest.Name
		out.Version = p.Manifest.Version
		out.Category = p.Manifest.Category
	}
	return out
}
