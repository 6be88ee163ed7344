package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/forgeplatform/plugind/internal/logging"
	"github.com/forgeplatform/plugind/pkg/api"
)

const requestIDKey = "requestId"

// requestIDMiddleware honors an inbound X-Request-ID or mints a UUID, echoing
// it on the response header and envelope.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	if id, ok := c.Get(requestIDKey); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// accessLogMiddleware writes one structured line per request.
func accessLogMiddleware() gin.HandlerFunc {
	log := logging.Component("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("requestId", requestID(c)).
			Str("client", c.ClientIP()).
			Msg("request")
	}
}

// clientLimiter tracks one token bucket per client IP. Entries idle beyond
// the eviction window are dropped to keep the map bounded.
type clientLimiter struct {
	mu      sync.Mutex
	clients map[string]*limiterEntry
	limit   rate.Limit
	burst   int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterEviction = 10 * time.Minute

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	cl := &clientLimiter{
		clients: make(map[string]*limiterEntry),
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}
	go cl.evictLoop()
	return cl
}

func (cl *clientLimiter) allow(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	entry, ok := cl.clients[ip]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(cl.limit, cl.burst)}
		cl.clients[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

func (cl *clientLimiter) evictLoop() {
	for range time.Tick(limiterEviction) {
		cutoff := time.Now().Add(-limiterEviction)
		cl.mu.Lock()
		for ip, entry := range cl.clients {
			if entry.lastSeen.Before(cutoff) {
				delete(cl.clients, ip)
			}
		}
		cl.mu.Unlock()
	}
}

// rateLimitMiddleware rejects clients exceeding their per-IP budget.
func rateLimitMiddleware(perSecond float64, burst int) gin.HandlerFunc {
	cl := newClientLimiter(perSecond, burst)
	return func(c *gin.Context) {
		if !cl.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			respondErrStatus(c, http.StatusTooManyRequests,
				api.NewError(api.ErrCodeBusy, "rate limit exceeded"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func respondErrStatus(c *gin.Context, status int, apiErr *api.Error) {
	c.JSON(status, api.Response{
		Success:   false,
		Error:     apiErr,
		RequestID: requestID(c),
		Timestamp: time.Now().UTC(),
	})
}
