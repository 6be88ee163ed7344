// Command dockerproxy exposes a filtered slice of the Docker Engine API over
// TCP. plugind can point DOCKER_HOST at it instead of the raw socket so the
// daemon only ever reaches the endpoint families the orchestrator uses:
// ping/version, image pull/load/inspect, containers under the managed name
// prefix, the plugin network and plugin volumes. Everything else is refused.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultListenAddr  = ":2375"
	defaultSocketPath  = "/var/run/docker.sock"
	defaultNamePrefix  = "plugin-"
	dialTimeout        = 5 * time.Second
	upstreamTimeout    = 120 * time.Second // image pulls are slow
	maxCreateBodyBytes = 4 << 20
)

// ============================================================================
// Endpoint policy
// ============================================================================

var (
	rePing    = regexp.MustCompile(`^/_ping$`)
	reVersion = regexp.MustCompile(`^/version$`)
	reInfo    = regexp.MustCompile(`^/info$`)

	reImagesList   = regexp.MustCompile(`^/images/json$`)
	reImageInspect = regexp.MustCompile(`^/images/[^/]+/json$`)
	reImagePull    = regexp.MustCompile(`^/images/create$`)
	reImageLoad    = regexp.MustCompile(`^/images/load$`)

	reContainersList = regexp.MustCompile(`^/containers/json$`)
	reContainerPath  = regexp.MustCompile(`^/containers/([^/]+)(/(json|logs|start|stop|restart|wait))?$`)
	reContainerMake  = regexp.MustCompile(`^/containers/create$`)

	reNetworksList = regexp.MustCompile(`^/networks$`)
	reNetworkPath  = regexp.MustCompile(`^/networks/[^/]+$`)
	reNetworkMake  = regexp.MustCompile(`^/networks/create$`)

	reVolumesList = regexp.MustCompile(`^/volumes$`)
	reVolumePath  = regexp.MustCompile(`^/volumes/[^/]+$`)
	reVolumeMake  = regexp.MustCompile(`^/volumes/create$`)
)

// policy decides whether one engine API call may pass through.
type policy struct {
	namePrefix string
}

// allow strips the API version prefix and checks the method+path pair against
// the orchestrator's endpoint families. Container operations addressed by
// name must carry the managed prefix; operations addressed by id pass, since
// ids are only learnable through the already-filtered list and create calls.
func (p policy) allow(method, path string) bool {
	if strings.HasPrefix(path, "/v1.") || strings.HasPrefix(path, "/v2") {
		if idx := strings.Index(path[1:], "/"); idx > 0 {
			path = path[idx+1:]
		}
	}

	switch method {
	case http.MethodGet, http.MethodHead:
		switch {
		case rePing.MatchString(path), reVersion.MatchString(path), reInfo.MatchString(path):
			return true
		case reImagesList.MatchString(path), reImageInspect.MatchString(path):
			return true
		case reContainersList.MatchString(path):
			return true
		case reNetworksList.MatchString(path), reNetworkPath.MatchString(path):
			return true
		case reVolumesList.MatchString(path), reVolumePath.MatchString(path):
			return true
		}
		if m := reContainerPath.FindStringSubmatch(path); m != nil {
			action := strings.TrimPrefix(m[2], "/")
			return (action == "json" || action == "logs") && p.containerAllowed(m[1])
		}
		return false

	case http.MethodPost:
		switch {
		case reImagePull.MatchString(path), reImageLoad.MatchString(path):
			return true
		case reContainerMake.MatchString(path):
			return true
		case reNetworkMake.MatchString(path), reVolumeMake.MatchString(path):
			return true
		}
		if m := reContainerPath.FindStringSubmatch(path); m != nil {
			switch strings.TrimPrefix(m[2], "/") {
			case "start", "stop", "restart", "wait":
				return p.containerAllowed(m[1])
			}
		}
		return false

	case http.MethodDelete:
		if m := reContainerPath.FindStringSubmatch(path); m != nil && m[2] == "" {
			return p.containerAllowed(m[1])
		}
		return false
	}
	return false
}

// containerAllowed gates name-addressed container calls on the managed
// prefix. Hex ids have no prefix to check and are allowed.
func (p policy) containerAllowed(ref string) bool {
	if isHexID(ref) {
		return true
	}
	return strings.HasPrefix(ref, p.namePrefix)
}

func isHexID(s string) bool {
	if len(s) < 12 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// ============================================================================
// Proxy
// ============================================================================

func newProxy(sock string, logger zerolog.Logger) *httputil.ReverseProxy {
	target, _ := url.Parse("http://docker")
	dialer := &net.Dialer{Timeout: dialTimeout}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", sock)
		},
		ResponseHeaderTimeout: upstreamTimeout,
		DisableKeepAlives:     true,
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		logger.Warn().Err(err).Str("path", r.URL.Path).Msg("upstream failed")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(`{"message":"engine unreachable"}`))
	}

	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		r.Host = "docker"
	}
	return proxy
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("component", "dockerproxy").Logger()

	listen := envOr("PROXY_LISTEN", defaultListenAddr)
	sock := envOr("DOCKER_SOCK", defaultSocketPath)
	pol := policy{namePrefix: envOr("CONTAINER_PREFIX", defaultNamePrefix)}

	proxy := newProxy(sock, logger)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
			return
		}
		if !pol.allow(r.Method, r.URL.Path) {
			logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Msg("refused")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"message":"endpoint not permitted by proxy policy"}`))
			return
		}
		// Create bodies are small JSON documents; image loads stream tars and
		// are exempt from the cap.
		if r.Body != nil && !reImageLoad.MatchString(r.URL.Path) && !reImagePull.MatchString(r.URL.Path) {
			r.Body = http.MaxBytesReader(w, r.Body, maxCreateBodyBytes)
		}
		proxy.ServeHTTP(w, r)
	})

	srv := &http.Server{
		Addr:              listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      upstreamTimeout,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info().Str("listen", listen).Str("sock", sock).Str("prefix", pol.namePrefix).Msg("proxy up")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("listener failed")
	}
}
