package httpapi

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// authGuard enforces the bearer token on API routes and throttles remotes
// that keep presenting bad credentials.
type authGuard struct {
	token  string
	limit  int
	window time.Duration

	mu       sync.Mutex
	failures map[string]*failureWindow
}

type failureWindow struct {
	count int
	since time.Time
}

func newAuthGuard(token string, limit int, window time.Duration) *authGuard {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &authGuard{
		token:    strings.TrimSpace(token),
		limit:    limit,
		window:   window,
		failures: make(map[string]*failureWindow),
	}
}

func (g *authGuard) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.token == "" {
			respondError(w, http.StatusInternalServerError, "AUTH_TOKEN_MISSING", "AUTH_TOKEN is not configured")
			return
		}

		remote := remoteHost(r)
		if g.throttled(remote) {
			respondError(w, http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", "too many failed attempts, retry later")
			return
		}

		presented := strings.TrimSpace(r.Header.Get("Authorization"))
		presented = strings.TrimPrefix(presented, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(g.token)) != 1 {
			g.recordFailure(remote)
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token")
			return
		}

		g.clear(remote)
		next.ServeHTTP(w, r)
	})
}

func (g *authGuard) throttled(remote string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	fw, ok := g.failures[remote]
	if !ok {
		return false
	}
	if time.Since(fw.since) > g.window {
		delete(g.failures, remote)
		return false
	}
	return fw.count >= g.limit
}

func (g *authGuard) recordFailure(remote string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fw, ok := g.failures[remote]
	if !ok || time.Since(fw.since) > g.window {
		g.failures[remote] = &failureWindow{count: 1, since: time.Now()}
		return
	}
	fw.count++
}

func (g *authGuard) clear(remote string) {
	g.mu.Lock()
	delete(g.failures, remote)
	g.mu.Unlock()
}

// janitor drops expired failure windows so the map cannot grow without
// bound under scanning traffic.
func (g *authGuard) janitor(ctx context.Context) {
	ticker := time.NewTicker(g.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.mu.Lock()
			for remote, fw := range g.failures {
				if time.Since(fw.since) > g.window {
					delete(g.failures, remote)
				}
			}
			g.mu.Unlock()
		}
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
