package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/forgeplatform/plugind/internal/lifecycle"
	"github.com/forgeplatform/plugind/internal/registry"
	"github.com/forgeplatform/plugind/pkg/api"
)

// handleCatalog answers GET /api/v1/marketplace/plugins with optional
// category, verified, featured and search filters.
func (s *Server) handleCatalog(c *gin.Context) {
	filter := registry.Filter{
		Category: c.Query("category"),
		Search:   c.Query("search"),
	}
	if v := c.Query("verified"); v != "" {
		b, _ := strconv.ParseBool(v)
		filter.Verified = &b
	}
	if v := c.Query("featured"); v != "" {
		b, _ := strconv.ParseBool(v)
		filter.Featured = &b
	}

	entries, err := s.registry.List(c.Request.Context(), filter)
	if err != nil {
		respondErr(c, err)
		return
	}

	installed := s.engine.InstalledManifestIDs()
	type catalogView struct {
		registry.CatalogEntry
		Installed bool `json:"installed"`
	}
	views := make([]catalogView, 0, len(entries))
	for _, e := range entries {
		views = append(views, catalogView{CatalogEntry: e, Installed: installed[e.Manifest.ID]})
	}
	respond(c, http.StatusOK, gin.H{"plugins": views, "total": len(views)})
}

// handleCatalogEntry answers GET /api/v1/marketplace/plugins/:id.
func (s *Server) handleCatalogEntry(c *gin.Context) {
	entry, err := s.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	if entry == nil {
		respondErr(c, api.NewError(api.ErrCodeNotFound, "plugin %s not in any catalog", c.Param("id")))
		return
	}
	respond(c, http.StatusOK, entry)
}

// handleCategories answers GET /api/v1/marketplace/categories.
func (s *Server) handleCategories(c *gin.Context) {
	counts, err := s.registry.CategoriesWithCounts(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"categories": counts})
}

// handleMarketplaceInstall answers POST /api/v1/marketplace/install.
func (s *Server) handleMarketplaceInstall(c *gin.Context) {
	var req api.MarketplaceInstallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, api.WrapError(api.ErrCodeValidation, err, "decode marketplace install request"))
		return
	}
	if req.ManifestID == "" {
		respondErr(c, api.NewError(api.ErrCodeValidation, "manifestId is required"))
		return
	}

	var entry *registry.CatalogEntry
	if req.SourceID != "" {
		entry = s.registry.GetFrom(req.SourceID, req.ManifestID)
	} else {
		found, err := s.registry.Get(c.Request.Context(), req.ManifestID)
		if err != nil {
			respondErr(c, err)
			return
		}
		entry = found
	}
	if entry == nil {
		respondErr(c, api.NewError(api.ErrCodeNotFound, "plugin %s not in any catalog", req.ManifestID))
		return
	}

	p, err := s.engine.Install(c.Request.Context(), lifecycle.InstallOptions{
		Manifest:  entry.Manifest,
		AutoStart: req.AutoStart,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusCreated, p)
}

// handleGitHubInstall answers POST /api/v1/marketplace/install/github.
func (s *Server) handleGitHubInstall(c *gin.Context) {
	var req api.GitHubInstallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, api.WrapError(api.ErrCodeValidation, err, "decode github install request"))
		return
	}
	if req.Repository == "" {
		respondErr(c, api.NewError(api.ErrCodeValidation, "repository is required"))
		return
	}

	m, err := s.registry.FetchRepositoryManifest(c.Request.Context(), req.Repository)
	if err != nil {
		respondErr(c, err)
		return
	}
	p, err := s.engine.Install(c.Request.Context(), lifecycle.InstallOptions{
		Manifest:  m,
		AutoStart: req.AutoStart,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusCreated, p)
}

// handlePackageInspect answers POST /api/v1/marketplace/packages/inspect with
// a multipart "package" file.
func (s *Server) handlePackageInspect(c *gin.Context) {
	info, err := s.inspectUpload(c)
	if err != nil {
		respondErr(c, err)
		return
	}
	installed := s.engine.InstalledManifestIDs()
	respond(c, http.StatusOK, gin.H{
		"package":          info,
		"alreadyInstalled": installed[info.Manifest.ID],
	})
}

// handlePackageImport answers POST /api/v1/marketplace/packages/import: loads
// the bundled image (when present) into the daemon and installs the manifest.
func (s *Server) handlePackageImport(c *gin.Context) {
	info, err := s.inspectUpload(c)
	if err != nil {
		respondErr(c, err)
		return
	}

	if info.HasImage {
		file, _, err := c.Request.FormFile("package")
		if err != nil {
			respondErr(c, api.WrapError(api.ErrCodeValidation, err, "reopen package upload"))
			return
		}
		defer file.Close()
		if err := s.loadPackageImage(c, file); err != nil {
			respondErr(c, err)
			return
		}
	}

	autoStart := true
	if v := c.Query("autoStart"); v != "" {
		autoStart, _ = strconv.ParseBool(v)
	}
	p, err := s.engine.Install(c.Request.Context(), lifecycle.InstallOptions{
		Manifest:  info.Manifest,
		AutoStart: &autoStart,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusCreated, p)
}

// loadPackageImage streams the package's image.tar into the daemon.
func (s *Server) loadPackageImage(c *gin.Context, file io.Reader) error {
	pr, pw := io.Pipe()
	go func() {
		_, err := registry.ExtractImage(file, pw)
		pw.CloseWithError(err)
	}()
	return s.engine.LoadImage(c.Request.Context(), pr)
}

func (s *Server) inspectUpload(c *gin.Context) (*registry.PackageInfo, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, registry.MaxPackageBytes)
	file, header, err := c.Request.FormFile("package")
	if err != nil {
		return nil, api.WrapError(api.ErrCodeValidation, err, "package upload required")
	}
	defer file.Close()
	return registry.InspectPackage(file, header.Size)
}
