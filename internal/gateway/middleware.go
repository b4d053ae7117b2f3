// ABOUTME: HTTP middleware for request IDs, access logging, panic recovery and per-client rate limits
// ABOUTME: Rate limiting uses x/time/rate with one token bucket per client address

package gateway

import (
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/arith-gateway/internal/oauth"
	"github.com/2389/arith-gateway/internal/observability"
)

// Idle client buckets are dropped after clientTTL; the sweep runs at most once per clientSweepInterval.
const (
	clientTTL           = 10 * time.Minute
	clientSweepInterval = time.Minute
)

type clientEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// clientLimiter holds a token bucket per client address.
type clientLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientEntry
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	return &clientLimiter{
		clients: make(map[string]*clientEntry),
		limit:   rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow reports whether the client may make a request now.
func (l *clientLimiter) Allow(client string) bool {
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) >= clientSweepInterval {
		l.sweepLocked(now)
	}
	entry, ok := l.clients[client]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = entry
	}
	entry.lastAccess = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

func (l *clientLimiter) sweepLocked(now time.Time) {
	for client, entry := range l.clients {
		if now.Sub(entry.lastAccess) > clientTTL {
			delete(l.clients, client)
		}
	}
	l.lastSweep = now
}

// Len returns the number of tracked clients.
func (l *clientLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// clientAddress returns the peer's host without the port.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimit wraps next with the per-client limiter when rate limiting is enabled.
func (g *Gateway) rateLimit(route string, next http.Handler) http.Handler {
	if g.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientAddress(r)
		if !g.limiter.Allow(client) {
			g.metrics.RecordRateLimited(route)
			g.logger.Warn("rate limit exceeded",
				"client", client,
				"path", r.URL.Path,
				"request_id", observability.RequestIDFromContext(r.Context()),
			)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRequestID assigns each request an ID, reusing a well-formed inbound one.
func (g *Gateway) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(observability.RequestIDHeader)
		if !validRequestID(id) {
			id = observability.NewRequestID()
		}
		w.Header().Set(observability.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(observability.WithRequestID(r.Context(), id)))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, c := range id {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// withAccessLog logs one line per request and records the HTTP request counter.
// Authorization headers and bodies are never logged.
func (g *Gateway) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		route := routeLabel(r.URL.Path)
		g.metrics.RecordHTTP(route, status)
		g.logger.Debug("http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", time.Since(start),
			"request_id", observability.RequestIDFromContext(r.Context()),
		)
	})
}

// withRecovery turns a handler panic into a plain 500 so the process keeps serving.
func (g *Gateway) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				g.logger.Error("panic recovered",
					"error", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", observability.RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// routeLabel bounds the metrics label set to the known routes.
func routeLabel(path string) string {
	switch path {
	case "/", "/health",
		oauth.PathMCP,
		oauth.PathMCPDiscovery,
		oauth.PathAuthServerMetadata,
		oauth.PathProtectedResource,
		oauth.PathAuthStart,
		oauth.PathAuthLogin,
		oauth.PathAuthCallback,
		oauth.PathAuthToken,
		oauth.PathGitHubStart,
		oauth.PathGitHubCallback:
		return path
	}
	if strings.HasPrefix(path, "/metrics") {
		return "/metrics"
	}
	return "other"
}
