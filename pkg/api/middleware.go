package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"
	"golang.org/x/time/rate"
)

// maxRequestBytes caps every request body before handlers read it. It
// doubles as the advertised LangSmith batch envelope limit and matches
// the OTLP receiver's own export cap.
const maxRequestBytes int64 = 20 << 20

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// requestTimeout bounds each request with a deadline that handlers and
// services inherit through the request context. WebSocket upgrades are
// exempt: those connections outlive any sane request deadline and run
// their own per-frame write deadlines instead.
func requestTimeout(d time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if isWebSocketUpgrade(c.Request()) {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), d)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// bodyLimit rejects oversized payloads. Requests that declare an
// over-limit Content-Length fail immediately; chunked uploads are
// cut off by MaxBytesReader when the handler reads past the cap.
func bodyLimit(maxBytes int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			req := c.Request()
			if req.ContentLength > maxBytes {
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
					"request body exceeds size limit")
			}
			if req.Body != nil {
				req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBytes)
			}
			return next(c)
		}
	}
}

// RateLimiter decides whether a client identified by key may proceed.
// The token-bucket implementation below is per-process; a shared
// limiter for multi-replica deployments satisfies the same interface.
type RateLimiter interface {
	Allow(key string) bool
}

// tokenBucketLimiter keeps one token bucket per client key.
type tokenBucketLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

func newTokenBucketLimiter(rps float64, burst int) *tokenBucketLimiter {
	if burst < 1 {
		burst = 1
	}
	return &tokenBucketLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *tokenBucketLimiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// rateLimitMiddleware throttles ingest writes per client. Reads and the
// event stream are never limited, so a chatty agent cannot starve the
// dashboard that is watching it.
func (s *Server) rateLimitMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if s.limiter == nil || c.Request().Method == http.MethodGet {
				return next(c)
			}
			if !s.limiter.Allow(clientKey(c)) {
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

// clientKey identifies a caller for rate limiting: the presented
// credential when there is one, the remote address otherwise.
func clientKey(c *echo.Context) string {
	if cred := requestCredential(c); cred != "" {
		return cred
	}
	host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
	if err != nil {
		return c.Request().RemoteAddr
	}
	return host
}

func isWebSocketUpgrade(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket")
}
