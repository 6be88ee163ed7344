// Package gateway reflects plugin state into an external API gateway (Kong
// admin API). The container is the source of truth; the gateway is a cache,
// so every failure here is a warning, never a lifecycle error.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forgeplatform/plugind/internal/logging"
	"github.com/forgeplatform/plugind/internal/metrics"
	"github.com/forgeplatform/plugind/pkg/api"
)

// DefaultRateLimitPerMinute is the token-bucket budget attached to every
// plugin route unless the manifest raises it.
const DefaultRateLimitPerMinute = 100

// Publisher pushes services, routes and policies to the gateway admin API.
// A Publisher with an empty admin URL is disabled and every call is a no-op.
type Publisher struct {
	adminURL string
	client   *http.Client
	log      zerolog.Logger
}

// New creates a publisher for the given admin base URL ("" disables it).
func New(adminURL string) *Publisher {
	return &Publisher{
		adminURL: adminURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      logging.Component("gateway"),
	}
}

// Enabled reports whether an admin URL is configured.
func (p *Publisher) Enabled() bool { return p.adminURL != "" }

// ServiceName derives the deterministic gateway service name for a plugin.
func ServiceName(manifestID string) string { return "plugin-" + manifestID }

// Route describes what the gateway should publish for one plugin.
type Route struct {
	ManifestID         string
	UpstreamHost       string
	UpstreamPort       int
	BasePath           string
	RateLimitPerMinute int
}

// Register ensures the upstream service, its route, and the rate-limit and
// CORS policies exist for a plugin entering the running state.
func (p *Publisher) Register(ctx context.Context, r Route) error {
	if !p.Enabled() {
		return nil
	}
	svc := ServiceName(r.ManifestID)
	limit := r.RateLimitPerMinute
	if limit <= 0 {
		limit = DefaultRateLimitPerMinute
	}

	if err := p.put(ctx, "/services/"+svc, map[string]any{
		"name":            svc,
		"host":            r.UpstreamHost,
		"port":            r.UpstreamPort,
		"protocol":        "http",
		"connect_timeout": 5000,
		"read_timeout":    60000,
		"write_timeout":   60000,
	}); err != nil {
		return p.fail(r.ManifestID, "service", err)
	}

	if err := p.put(ctx, "/routes/"+svc, map[string]any{
		"name":       svc,
		"service":    map[string]string{"name": svc},
		"paths":      []string{r.BasePath},
		"strip_path": true,
		"protocols":  []string{"http", "https"},
	}); err != nil {
		return p.fail(r.ManifestID, "route", err)
	}

	if err := p.put(ctx, "/plugins/"+policyID(svc, "rate-limiting"), map[string]any{
		"name":    "rate-limiting",
		"service": map[string]string{"name": svc},
		"config":  map[string]any{"minute": limit, "policy": "local"},
	}); err != nil {
		return p.fail(r.ManifestID, "rate-limit policy", err)
	}

	if err := p.put(ctx, "/plugins/"+policyID(svc, "cors"), map[string]any{
		"name":    "cors",
		"service": map[string]string{"name": svc},
		"config": map[string]any{
			"origins": []string{"*"},
			"methods": []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		},
	}); err != nil {
		return p.fail(r.ManifestID, "cors policy", err)
	}

	p.log.Info().Str("service", svc).Str("path", r.BasePath).Msg("gateway route published")
	return nil
}

// Deregister removes the route first, then the service, when a plugin leaves
// the running state. Missing objects are success.
func (p *Publisher) Deregister(ctx context.Context, manifestID string) error {
	if !p.Enabled() {
		return nil
	}
	svc := ServiceName(manifestID)
	if err := p.delete(ctx, "/routes/"+svc); err != nil {
		return p.fail(manifestID, "route delete", err)
	}
	for _, policy := range []string{"rate-limiting", "cors"} {
		if err := p.delete(ctx, "/plugins/"+policyID(svc, policy)); err != nil {
			return p.fail(manifestID, policy+" delete", err)
		}
	}
	if err := p.delete(ctx, "/services/"+svc); err != nil {
		return p.fail(manifestID, "service delete", err)
	}
	p.log.Info().Str("service", svc).Msg("gateway route removed")
	return nil
}

// policyID derives a stable UUID for a policy object so PUTs are idempotent.
func policyID(service, policy string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("plugind/"+service+"/"+policy)).String()
}

func (p *Publisher) fail(manifestID, what string, err error) error {
	metrics.GatewayFailures.Inc()
	p.log.Warn().Err(err).Str("manifestId", manifestID).Str("object", what).
		Msg("gateway publish failed")
	return api.WrapError(api.ErrCodeGatewayFailure, err, "gateway %s for %s", what, manifestID)
}

func (p *Publisher) put(ctx context.Context, path string, body map[string]any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.adminURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("PUT %s: status %d: %s", path, resp.StatusCode, msg)
	}
	return nil
}

func (p *Publisher) delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.adminURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("DELETE %s: status %d: %s", path, resp.StatusCode, msg)
	}
	return nil
}
