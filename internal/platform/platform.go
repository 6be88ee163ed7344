// Package platform injects platform-service endpoints (cache, relational
// store, vector store) into plugin environments and probes their
// reachability, best effort, during install.
package platform

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/forgeplatform/plugind/internal/config"
	"github.com/forgeplatform/plugind/internal/logging"
	"github.com/forgeplatform/plugind/internal/manifest"
)

// Services resolves platform-service endpoints for plugin environments.
type Services struct {
	cfg *config.Config
	db  *sql.DB
	log zerolog.Logger
}

// New builds the resolver. db may be nil when the relational service should
// not be probed.
func New(cfg *config.Config, db *sql.DB) *Services {
	return &Services{cfg: cfg, db: db, log: logging.Component("platform")}
}

// EnvFor returns the endpoint variables for every platform service the
// manifest declares.
func (s *Services) EnvFor(m *manifest.Manifest) map[string]string {
	env := make(map[string]string)
	if m.DependsOnService(manifest.ServiceCache) {
		env["CACHE_HOST"] = s.cfg.CacheHost
		env["CACHE_PORT"] = fmt.Sprint(s.cfg.CachePort)
		if s.cfg.CachePassword != "" {
			env["CACHE_PASSWORD"] = s.cfg.CachePassword
		}
	}
	if m.DependsOnService(manifest.ServiceRelational) {
		env["DATABASE_HOST"] = s.cfg.DBHost
		env["DATABASE_PORT"] = fmt.Sprint(s.cfg.DBPort)
		env["DATABASE_USER"] = s.cfg.DBUser
		env["DATABASE_PASSWORD"] = s.cfg.DBPassword
		env["DATABASE_NAME"] = s.cfg.DBName
	}
	if m.DependsOnService(manifest.ServiceVector) {
		env["VECTOR_HOST"] = s.cfg.VectorHost
		env["VECTOR_PORT"] = fmt.Sprint(s.cfg.VectorPort)
	}
	return env
}

// Probe checks each declared service. Unreachable services are returned as
// warnings; nothing here blocks an install.
func (s *Services) Probe(ctx context.Context, m *manifest.Manifest) []string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var warnings []string
	warn := func(service string, err error) {
		msg := fmt.Sprintf("platform service %s unreachable: %v", service, err)
		s.log.Warn().Str("service", service).Err(err).Msg("platform probe failed")
		warnings = append(warnings, msg)
	}

	if m.DependsOnService(manifest.ServiceCache) {
		rdb := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", s.cfg.CacheHost, s.cfg.CachePort),
			Password: s.cfg.CachePassword,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			warn(manifest.ServiceCache, err)
		}
		rdb.Close()
	}

	if m.DependsOnService(manifest.ServiceRelational) && s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			warn(manifest.ServiceRelational, err)
		}
	}

	if m.DependsOnService(manifest.ServiceVector) {
		url := fmt.Sprintf("http://%s:%d/", s.cfg.VectorHost, s.cfg.VectorPort)
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err == nil {
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				warn(manifest.ServiceVector, err)
			} else {
				resp.Body.Close()
			}
		}
	}

	return warnings
}
